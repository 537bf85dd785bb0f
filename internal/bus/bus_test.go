package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatchOutbound_RoutesByChannel(t *testing.T) {
	b := NewMessageBus(4)
	got := make(chan OutboundMessage, 4)
	b.SubscribeOutbound("telegram", func(m OutboundMessage) { got <- m })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- OutboundMessage{Channel: "nobody", Content: "dropped"}
	b.Outbound <- OutboundMessage{Channel: "telegram", ChatID: "1", Content: "hi"}

	select {
	case m := <-got:
		require.Equal(t, "hi", m.Content)
	case <-time.After(time.Second):
		t.Fatal("message not dispatched")
	}
	require.Empty(t, got)
}

func TestDispatchOutbound_StopsOnCancel(t *testing.T) {
	b := NewMessageBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.DispatchOutbound(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestInboundMessage_Keys(t *testing.T) {
	m := InboundMessage{Channel: "telegram", SenderID: "42", ChatID: "7"}
	require.Equal(t, "telegram:7", m.SessionKey())
	require.Equal(t, "42", m.ExternalID())

	m.SenderID = ""
	require.Empty(t, m.ExternalID())
}

func TestFlushOutbound(t *testing.T) {
	b := NewMessageBus(4)
	var got []string
	b.SubscribeOutbound("telegram", func(m OutboundMessage) { got = append(got, m.Content) })

	b.Outbound <- OutboundMessage{Channel: "telegram", Content: "a"}
	b.Outbound <- OutboundMessage{Channel: "nowhere", Content: "dropped"}
	b.Outbound <- OutboundMessage{Channel: "telegram", Content: "b"}
	b.FlushOutbound()

	require.Equal(t, []string{"a", "b"}, got)
	require.Empty(t, b.Outbound)
}
