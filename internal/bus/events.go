package bus

import "time"

// Outbound actions besides plain text delivery.
const (
	ActionTyping = "typing"
)

type InboundMessage struct {
	Channel     string
	SenderID    string
	ChatID      string
	Username    string
	DisplayName string
	Locale      string
	Content     string
	Timestamp   time.Time
	Metadata    map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// ExternalID is the identity the engine keys users by.
func (m *InboundMessage) ExternalID() string {
	return m.SenderID
}

// OutboundMessage carries either reply text or, when Action is set, a
// chat action such as the typing indicator.
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	Action   string
	ReplyTo  string
	Metadata map[string]any
}
