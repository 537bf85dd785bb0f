// Package domain holds the plain data types shared by the conversation
// engine, its stores and its transports.
package domain

import "time"

// Role tags a turn with its speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Turn is one role-tagged unit of dialogue handed to the model.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserProfile is the identity data a transport supplies with each event.
// Only ExternalID is required; the rest is advisory.
type UserProfile struct {
	ExternalID  string
	Username    string
	DisplayName string
	Locale      string
}

// Usage holds the per-user quota counters and their epoch markers.
// A zero reset time means the epoch was never started.
type Usage struct {
	DailyTokens      int
	MonthlyTokens    int
	DailyMessages    int
	LastDailyReset   time.Time
	LastMonthlyReset time.Time
}

// User is a chat participant keyed by the transport's identity.
type User struct {
	ID          string
	ExternalID  string
	Username    string
	DisplayName string
	Locale      string
	Active      bool
	Usage       Usage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Conversation is one thread of a user's dialogue. MessageCount is a
// lifetime counter: pruning old messages does not lower it.
type Conversation struct {
	ID           string
	UserID       string
	Active       bool
	MessageCount int
	TotalTokens  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is a persisted turn.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Tokens         int
	CreatedAt      time.Time
}

// Turn converts the message to its model-facing form.
func (m Message) Turn() Turn {
	return Turn{Role: m.Role, Content: m.Content}
}

// Summary is a compacted description of a conversation's older history.
type Summary struct {
	ID                    string
	ConversationID        string
	Text                  string
	MessageCountAtSummary int
	Tokens                int
	CreatedAt             time.Time
}

// UsageStats is a usage snapshot with the configured ceilings.
type UsageStats struct {
	DailyTokensUsed    int
	DailyTokensLimit   int
	MonthlyTokensUsed  int
	MonthlyTokensLimit int
	DailyMessagesUsed  int
	DailyMessagesLimit int
}
