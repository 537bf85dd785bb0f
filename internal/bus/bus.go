package bus

import (
	"context"
	"log"
	"sync"
)

// OutboundHandler delivers one outbound message on a channel.
type OutboundHandler func(OutboundMessage)

// MessageBus decouples transports from the engine. Channels push to
// Inbound; the gateway pushes replies to Outbound and DispatchOutbound
// routes them to the handler registered for the message's channel.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu       sync.RWMutex
	handlers map[string]OutboundHandler
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize < 0 {
		bufSize = 0
	}
	return &MessageBus{
		Inbound:  make(chan InboundMessage, bufSize),
		Outbound: make(chan OutboundMessage, bufSize),
		handlers: make(map[string]OutboundHandler),
	}
}

// SubscribeOutbound registers the delivery handler for channel, replacing
// any previous one.
func (b *MessageBus) SubscribeOutbound(channel string, h OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = h
}

func (b *MessageBus) handler(channel string) (OutboundHandler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[channel]
	return h, ok
}

// DispatchOutbound drains Outbound until ctx is done. Messages for a
// channel nobody subscribed to are logged and dropped.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.Outbound:
			b.deliver(msg)
		}
	}
}

// FlushOutbound delivers every message already queued on Outbound and
// returns once the queue is empty.
func (b *MessageBus) FlushOutbound() {
	for {
		select {
		case msg := <-b.Outbound:
			b.deliver(msg)
		default:
			return
		}
	}
}

func (b *MessageBus) deliver(msg OutboundMessage) {
	h, ok := b.handler(msg.Channel)
	if !ok {
		log.Printf("[bus] no outbound handler for channel %q", msg.Channel)
		return
	}
	h(msg)
}
