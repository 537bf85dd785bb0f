// Package gateway wires configuration, storage, the engine, the chat
// transports and the maintenance scheduler, and runs them until the
// process is signalled.
package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/stellarlinkco/convokeeper/internal/bus"
	"github.com/stellarlinkco/convokeeper/internal/channel"
	"github.com/stellarlinkco/convokeeper/internal/config"
	"github.com/stellarlinkco/convokeeper/internal/cron"
	"github.com/stellarlinkco/convokeeper/internal/engine"
)

// SweepJobName is the cron job that removes orphaned user turns.
const SweepJobName = "orphan-sweep"

// Options for creating a Gateway
type Options struct {
	StoreFactory StoreFactory
	ModelFactory ModelFactory
	SignalChan   chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	stack      *Stack
	bus        *bus.MessageBus
	channels   *channel.ChannelManager
	cron       *cron.Service
	signalChan chan os.Signal
	inflight   sync.WaitGroup

	qmu    sync.Mutex
	queues map[string][]bus.InboundMessage // pending messages per sender
}

// New creates a Gateway with default options
func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(ctx, cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	stack, err := NewStack(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		cfg:        cfg,
		stack:      stack,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		cron:       cron.NewService(),
		signalChan: opts.SignalChan,
		queues:     make(map[string][]bus.InboundMessage),
	}

	if err := g.cron.AddJob(SweepJobName, cfg.Maintenance.CleanupSchedule, g.sweep); err != nil {
		_ = stack.Close()
		return nil, fmt.Errorf("schedule orphan sweep: %w", err)
	}

	chMgr, err := channel.NewChannelManager(cfg.Telegram, g.bus)
	if err != nil {
		_ = stack.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

// Channels exposes the channel manager so callers can register extra
// transports before Run.
func (g *Gateway) Channels() *channel.ChannelManager {
	return g.channels
}

func (g *Gateway) Engine() *engine.Engine {
	return g.stack.Engine
}

func (g *Gateway) sweep(ctx context.Context) (string, error) {
	n, err := g.stack.Engine.SweepOrphans(ctx)
	return fmt.Sprintf("removed %d orphaned user messages", n), err
}

// Run starts every component and blocks until ctx is done or a signal
// arrives, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	go g.bus.DispatchOutbound(dispatchCtx)

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()

	if err := g.channels.StartAll(loopCtx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(loopCtx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		g.processLoop(loopCtx)
	}()

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	stopLoop()
	<-loopDone
	return g.Shutdown()
}

// processLoop hands inbound messages to one worker per sender. Different
// senders run concurrently; one sender's messages are handled in arrival
// order.
func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))
			g.enqueue(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// enqueue appends msg to its sender's queue and starts a worker for the
// queue unless one is already draining it.
func (g *Gateway) enqueue(ctx context.Context, msg bus.InboundMessage) {
	key := msg.ExternalID()
	g.qmu.Lock()
	pending, running := g.queues[key]
	g.queues[key] = append(pending, msg)
	g.qmu.Unlock()
	if running {
		return
	}
	g.inflight.Add(1)
	go g.drain(ctx, key)
}

func (g *Gateway) drain(ctx context.Context, key string) {
	defer g.inflight.Done()
	for {
		g.qmu.Lock()
		pending := g.queues[key]
		if len(pending) == 0 {
			delete(g.queues, key)
			g.qmu.Unlock()
			return
		}
		msg := pending[0]
		g.queues[key] = pending[1:]
		g.qmu.Unlock()

		g.handle(ctx, msg)
	}
}

func (g *Gateway) handle(ctx context.Context, msg bus.InboundMessage) {
	out := g.stack.Engine.Handle(ctx, msg, func(m bus.OutboundMessage) {
		g.bus.Outbound <- m
	})
	if !out.OK() {
		log.Printf("[gateway] %s/%s: %v", msg.Channel, msg.SenderID, out.Err)
	}
}

// Shutdown stops intake, waits for in-flight messages, delivers their
// replies and closes the store.
func (g *Gateway) Shutdown() error {
	_ = g.channels.StopAll()
	g.cron.Stop()
	g.inflight.Wait()
	g.bus.FlushOutbound()
	if err := g.stack.Close(); err != nil {
		log.Printf("[gateway] close store warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
