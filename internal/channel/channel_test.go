package channel

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/convokeeper/internal/bus"
	"github.com/stellarlinkco/convokeeper/internal/config"
)

func TestBaseChannel_Name(t *testing.T) {
	ch := NewBaseChannel("test", bus.NewMessageBus(10), nil)
	assert.Equal(t, "test", ch.Name())
}

func TestBaseChannel_IsAllowed_NoFilter(t *testing.T) {
	ch := NewBaseChannel("test", bus.NewMessageBus(10), nil)
	assert.True(t, ch.IsAllowed("anyone"), "should allow anyone when allowFrom is empty")
}

func TestBaseChannel_IsAllowed_WithFilter(t *testing.T) {
	ch := NewBaseChannel("test", bus.NewMessageBus(10), []string{"user1", "user2"})

	assert.True(t, ch.IsAllowed("user1"))
	assert.True(t, ch.IsAllowed("user2"))
	assert.False(t, ch.IsAllowed("user3"))
	assert.False(t, ch.IsAllowed(""), "should reject an unidentified sender")
}

func TestNewTelegramChannel_NoToken(t *testing.T) {
	_, err := NewTelegramChannel(config.TelegramConfig{}, bus.NewMessageBus(10))
	assert.Error(t, err)
}

func TestNewTelegramChannel_Valid(t *testing.T) {
	ch, err := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, bus.NewMessageBus(10))
	require.NoError(t, err)
	assert.Equal(t, "telegram", ch.Name())
}

func TestToTelegramHTML(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello", "hello"},
		{"bold", "**bold**", "<b>bold</b>"},
		{"inline code", "`code`", "<code>code</code>"},
		{"ampersand", "a & b", "a &amp; b"},
		{"tag", "<tag>", "&lt;tag&gt;"},
		{"code block with language", "```go\nfunc main() {}\n```", "<pre>func main() {}\n</pre>"},
		{"code block without language", "```\ncode here\n```", "<pre>\ncode here\n</pre>"},
		{"italic", "*italic*", "<i>italic</i>"},
		{"mixed bold and italic", "**bold** and *italic*", "<b>bold</b> and <i>italic</i>"},
		{"unclosed inline code", "`code", "`code"},
		{"unclosed italic", "*italic", "*italic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toTelegramHTML(tt.input))
		})
	}
}

func TestSplitMessage(t *testing.T) {
	assert.Empty(t, splitMessage("", 10))

	got := splitMessage("aaaa\nbbbb\ncccc", 10)
	assert.Equal(t, []string{"aaaa\nbbbb\n", "cccc"}, got)

	// "é" is two bytes; a cut at byte 5 would land inside one.
	got = splitMessage("ééééé", 5)
	for _, chunk := range got {
		assert.True(t, strings.HasPrefix(chunk, "é") && len(chunk) <= 5, "chunk %q splits a rune or overflows", chunk)
	}
	assert.Equal(t, "ééééé", strings.Join(got, ""))
}

func TestChannelManager_Empty(t *testing.T) {
	m, err := NewChannelManager(config.TelegramConfig{}, bus.NewMessageBus(10))
	require.NoError(t, err)
	assert.Empty(t, m.EnabledChannels())
	assert.NoError(t, m.StartAll(context.Background()))
	assert.NoError(t, m.StopAll())
}

func TestChannelManager_EnabledTelegramNeedsToken(t *testing.T) {
	_, err := NewChannelManager(config.TelegramConfig{Enabled: true}, bus.NewMessageBus(10))
	assert.Error(t, err)
}

func TestChannelManager_Telegram(t *testing.T) {
	m, err := NewChannelManager(config.TelegramConfig{Enabled: true, Token: "fake-token"}, bus.NewMessageBus(10))
	require.NoError(t, err)
	assert.Equal(t, []string{"telegram"}, m.EnabledChannels())
}

func TestTelegramChannel_Stop_NotStarted(t *testing.T) {
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, bus.NewMessageBus(10))
	assert.NoError(t, ch.Stop())
}

func TestTelegramChannel_Send_NilBot(t *testing.T) {
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, bus.NewMessageBus(10))
	err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: "test"})
	assert.Error(t, err, "expected error when bot is nil")
}

func TestTelegramChannel_WithProxy(t *testing.T) {
	ch, err := NewTelegramChannel(config.TelegramConfig{
		Token: "fake-token",
		Proxy: "http://proxy.local:8080",
	}, bus.NewMessageBus(10))
	require.NoError(t, err)
	assert.Equal(t, "http://proxy.local:8080", ch.proxy)
}

// mockChannel implements Channel interface for testing
type mockChannel struct {
	mu       sync.Mutex
	name     string
	started  bool
	stopped  bool
	startErr error
	stopErr  error
	sentMsgs []bus.OutboundMessage
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Start(ctx context.Context) error {
	m.started = true
	return m.startErr
}

func (m *mockChannel) Stop() error {
	m.stopped = true
	return m.stopErr
}

func (m *mockChannel) Send(msg bus.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentMsgs = append(m.sentMsgs, msg)
	return nil
}

func (m *mockChannel) sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sentMsgs)
}

func TestChannelManager_WithMockChannel(t *testing.T) {
	b := bus.NewMessageBus(10)
	m, _ := NewChannelManager(config.TelegramConfig{}, b)

	mock := &mockChannel{name: "mock"}
	m.Register(mock)

	require.NoError(t, m.StartAll(context.Background()))
	assert.True(t, mock.started)
	assert.Equal(t, []string{"mock"}, m.EnabledChannels())

	// Outbound messages for the channel reach its Send.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)
	b.Outbound <- bus.OutboundMessage{Channel: "mock", ChatID: "1", Content: "hi"}
	require.Eventually(t, func() bool { return mock.sent() == 1 }, time.Second, 10*time.Millisecond)

	assert.NoError(t, m.StopAll())
	assert.True(t, mock.stopped)
}

func TestChannelManager_StartAll_Error(t *testing.T) {
	m, _ := NewChannelManager(config.TelegramConfig{}, bus.NewMessageBus(10))
	m.Register(&mockChannel{name: "mock", startErr: fmt.Errorf("start failed")})

	assert.Error(t, m.StartAll(context.Background()))
}

func TestChannelManager_StopAll_Error(t *testing.T) {
	m, _ := NewChannelManager(config.TelegramConfig{}, bus.NewMessageBus(10))
	m.Register(&mockChannel{name: "mock", stopErr: fmt.Errorf("stop failed")})

	// Errors are logged, not returned.
	assert.NoError(t, m.StopAll())
}

// mockTelegramBot implements TelegramBot interface for testing
type mockTelegramBot struct {
	updatesChan chan tgbotapi.Update
	stopped     bool
	sentMsgs    []tgbotapi.Chattable
	requests    []tgbotapi.Chattable
	sendErr     error
	failFirst   int
	self        tgbotapi.User
}

func newMockBot() *mockTelegramBot {
	return &mockTelegramBot{
		updatesChan: make(chan tgbotapi.Update, 10),
		self:        tgbotapi.User{UserName: "testbot"},
	}
}

func (m *mockTelegramBot) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updatesChan
}

func (m *mockTelegramBot) StopReceivingUpdates() {
	m.stopped = true
}

func (m *mockTelegramBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.sentMsgs = append(m.sentMsgs, c)
	if m.failFirst > 0 {
		m.failFirst--
		return tgbotapi.Message{}, fmt.Errorf("Bad Request: can't parse entities")
	}
	if m.sendErr != nil {
		return tgbotapi.Message{}, m.sendErr
	}
	return tgbotapi.Message{MessageID: 1}, nil
}

func (m *mockTelegramBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	m.requests = append(m.requests, c)
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (m *mockTelegramBot) GetSelf() tgbotapi.User {
	return m.self
}

func mockFactory(bot TelegramBot) BotFactory {
	return func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		return bot, nil
	}
}

func TestTelegramChannel_Send_InvalidChatID(t *testing.T) {
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, bus.NewMessageBus(10))
	ch.SetBot(newMockBot())

	err := ch.Send(bus.OutboundMessage{ChatID: "not-a-number", Content: "test"})
	assert.Error(t, err)
}

func TestTelegramChannel_HandleMessage_Allowed(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, b)

	ch.handleMessage(&tgbotapi.Message{
		MessageID: 9,
		From: &tgbotapi.User{
			ID: 123, UserName: "testuser", FirstName: "Ada", LastName: "Lovelace", LanguageCode: "en",
		},
		Chat: &tgbotapi.Chat{ID: 456},
		Text: "  hello  ",
		Date: 1234567890,
	})

	select {
	case inbound := <-b.Inbound:
		assert.Equal(t, "telegram", inbound.Channel)
		assert.Equal(t, "123", inbound.SenderID)
		assert.Equal(t, "456", inbound.ChatID)
		assert.Equal(t, "hello", inbound.Content)
		assert.Equal(t, "testuser", inbound.Username)
		assert.Equal(t, "Ada Lovelace", inbound.DisplayName)
		assert.Equal(t, "en", inbound.Locale)
		assert.True(t, inbound.Timestamp.Equal(time.Unix(1234567890, 0)), "timestamp = %v", inbound.Timestamp)
		assert.Equal(t, 9, inbound.Metadata["message_id"])
	default:
		t.Fatal("expected inbound message")
	}
}

func TestTelegramChannel_HandleMessage_Command(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, b)

	ch.handleMessage(&tgbotapi.Message{
		From:     &tgbotapi.User{ID: 1},
		Chat:     &tgbotapi.Chat{ID: 1},
		Text:     "/usage",
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
	})

	select {
	case inbound := <-b.Inbound:
		assert.Equal(t, "/usage", inbound.Content)
		assert.Equal(t, "usage", inbound.Metadata["command"])
	default:
		t.Fatal("expected inbound message")
	}
}

func TestTelegramChannel_HandleMessage_NoSender(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, b)

	ch.handleMessage(&tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 7}, Text: "anonymous"})

	select {
	case inbound := <-b.Inbound:
		assert.Empty(t, inbound.SenderID)
	default:
		t.Fatal("expected inbound message")
	}
}

func TestTelegramChannel_HandleMessage_Rejected(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := NewTelegramChannel(config.TelegramConfig{
		Token:     "fake-token",
		AllowFrom: []string{"999"},
	}, b)

	ch.handleMessage(&tgbotapi.Message{
		From: &tgbotapi.User{ID: 123},
		Chat: &tgbotapi.Chat{ID: 456},
		Text: "hello",
	})

	assert.Empty(t, b.Inbound, "should not receive message from non-allowed user")
}

func TestTelegramChannel_HandleMessage_EmptyText(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, b)

	ch.handleMessage(&tgbotapi.Message{
		From: &tgbotapi.User{ID: 123},
		Chat: &tgbotapi.Chat{ID: 456},
		Text: "   ",
	})

	assert.Empty(t, b.Inbound, "should not receive message with empty text")
}

func TestTelegramChannel_InitBot_Success(t *testing.T) {
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token"}, bus.NewMessageBus(10), mockFactory(newMockBot()))

	require.NoError(t, ch.initBot())
	assert.NotNil(t, ch.bot)
}

func TestTelegramChannel_InitBot_Error(t *testing.T) {
	factory := func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		return nil, fmt.Errorf("auth failed")
	}
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token"}, bus.NewMessageBus(10), factory)

	assert.Error(t, ch.initBot())
}

func TestTelegramChannel_InitBot_InvalidProxy(t *testing.T) {
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{
		Token: "fake-token",
		Proxy: "://invalid-url",
	}, bus.NewMessageBus(10), defaultBotFactory)

	assert.Error(t, ch.initBot())
}

func TestTelegramChannel_Start_Success(t *testing.T) {
	b := bus.NewMessageBus(10)
	mockBot := newMockBot()
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token"}, b, mockFactory(mockBot))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, ch.Start(ctx))

	mockBot.updatesChan <- tgbotapi.Update{Message: nil}
	mockBot.updatesChan <- tgbotapi.Update{
		Message: &tgbotapi.Message{
			From: &tgbotapi.User{ID: 123},
			Chat: &tgbotapi.Chat{ID: 456},
			Text: "test message",
		},
	}

	select {
	case inbound := <-b.Inbound:
		assert.Equal(t, "test message", inbound.Content)
	case <-time.After(time.Second):
		t.Fatal("expected inbound message")
	}

	ch.Stop()
	assert.True(t, mockBot.stopped)
}

func TestTelegramChannel_Start_InitError(t *testing.T) {
	factory := func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		return nil, fmt.Errorf("init failed")
	}
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token"}, bus.NewMessageBus(10), factory)

	assert.Error(t, ch.Start(context.Background()))
}

func TestTelegramChannel_Send_Success(t *testing.T) {
	mockBot := newMockBot()
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, bus.NewMessageBus(10))
	ch.SetBot(mockBot)

	require.NoError(t, ch.Send(bus.OutboundMessage{ChatID: "123", Content: "**hello**"}))
	require.Len(t, mockBot.sentMsgs, 1)
	sent := mockBot.sentMsgs[0].(tgbotapi.MessageConfig)
	assert.Equal(t, tgbotapi.ModeHTML, sent.ParseMode)
	assert.Equal(t, "<b>hello</b>", sent.Text)
}

func TestTelegramChannel_Send_Typing(t *testing.T) {
	mockBot := newMockBot()
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, bus.NewMessageBus(10))
	ch.SetBot(mockBot)

	require.NoError(t, ch.Send(bus.OutboundMessage{ChatID: "123", Action: bus.ActionTyping}))
	assert.Empty(t, mockBot.sentMsgs, "typing should not send a message")
	require.Len(t, mockBot.requests, 1)
	action := mockBot.requests[0].(tgbotapi.ChatActionConfig)
	assert.Equal(t, tgbotapi.ChatTyping, action.Action)
}

func TestTelegramChannel_Send_LongMessage(t *testing.T) {
	mockBot := newMockBot()
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, bus.NewMessageBus(10))
	ch.SetBot(mockBot)

	longContent := strings.Repeat("This is a long line of text that will be repeated.\n", 100)
	require.NoError(t, ch.Send(bus.OutboundMessage{ChatID: "123", Content: longContent}))
	assert.GreaterOrEqual(t, len(mockBot.sentMsgs), 2)
}

func TestTelegramChannel_Send_HTMLErrorFallsBackPerChunk(t *testing.T) {
	mockBot := newMockBot()
	mockBot.failFirst = 1
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, bus.NewMessageBus(10))
	ch.SetBot(mockBot)

	content := strings.Repeat("x", 5000)
	require.NoError(t, ch.Send(bus.OutboundMessage{ChatID: "123", Content: content}))
	// HTML attempt, plain retry, then the second chunk.
	require.Len(t, mockBot.sentMsgs, 3)
	retry := mockBot.sentMsgs[1].(tgbotapi.MessageConfig)
	assert.Empty(t, retry.ParseMode, "fallback should resend the chunk as plain text")
	assert.Len(t, retry.Text, telegramMaxLen)
}

func TestTelegramChannel_Send_BothFail(t *testing.T) {
	mockBot := newMockBot()
	mockBot.sendErr = fmt.Errorf("send failed")
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, bus.NewMessageBus(10))
	ch.SetBot(mockBot)

	assert.Error(t, ch.Send(bus.OutboundMessage{ChatID: "123", Content: "test"}))
}
