// Package gateway is the long-running process: it feeds messages from the transport
// adapters and the inbox into the cognitive cycle and routes the replies back.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tdimino/claudicle/internal/bus"
	"github.com/tdimino/claudicle/internal/channel"
	"github.com/tdimino/claudicle/internal/cognition"
	"github.com/tdimino/claudicle/internal/config"
	"github.com/tdimino/claudicle/internal/counsel"
	"github.com/tdimino/claudicle/internal/cron"
	"github.com/tdimino/claudicle/internal/inbox"
	"github.com/tdimino/claudicle/internal/llm"
	"github.com/tdimino/claudicle/internal/logging"
	"github.com/tdimino/claudicle/internal/memory"
)

const (
	metaInboxKey      = "inbox_key"
	metaSourceChannel = "source_channel"
)

type Options struct {
	// Factory builds model completers; nil uses the agentsdk-go providers.
	Factory llm.Factory
	// Channels are registered next to the configured ones.
	Channels   []channel.Channel
	SignalChan chan os.Signal
	Logger     *zap.Logger
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	store      *memory.Store
	engine     *cognition.Engine
	counsel    *counsel.Channel
	channels   *channel.ChannelManager
	cron       *cron.Service
	inbox      *inbox.Inbox
	outbox     *inbox.Outbox
	workers    *workers
	signalChan chan os.Signal
	logger     *zap.Logger
}

func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(ctx, cfg, Options{})
}

func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	logger := logging.OrNop(opts.Logger)
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		signalChan: opts.SignalChan,
		logger:     logger.Named("gateway"),
	}

	store, err := memory.Open(cfg.DBPath(), memory.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	g.store = store

	routerOpts := []llm.RouterOption{llm.WithRouterLogger(logger)}
	if opts.Factory != nil {
		routerOpts = append(routerOpts, llm.WithFactory(opts.Factory))
	}
	engine, ch, err := cognition.FromConfig(ctx, cfg, store, llm.NewRouter(cfg, routerOpts...), logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	g.engine, g.counsel = engine, ch

	g.cron = cron.NewService(logger)
	if err := g.registerJobs(); err != nil {
		_ = store.Close()
		return nil, err
	}

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	for _, c := range opts.Channels {
		chMgr.Register(c)
	}
	g.channels = chMgr

	g.inbox = inbox.New(cfg.InboxPath(), logger)
	g.outbox = inbox.NewOutbox(cfg.OutboxPath())
	g.bus.SubscribeOutbound(bus.InboxChannel, g.deliverToOutbox)

	g.workers = newWorkers(g.handle, g.logger)
	return g, nil
}

func (g *Gateway) registerJobs() error {
	if g.cfg.WorkingMemoryTTL() > 0 {
		spec := fmt.Sprintf("@every %s", g.cfg.SweepEvery())
		err := g.cron.AddJob(cron.JobSweep, spec, func(ctx context.Context) error {
			_, err := g.engine.Sweep(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("schedule sweep: %w", err)
		}
	}
	if spec := strings.TrimSpace(g.cfg.Counsel.Schedule); spec != "" && g.counsel.Enabled() {
		if err := g.cron.AddJob(cron.JobCounsel, spec, g.periodicCounsel); err != nil {
			return fmt.Errorf("schedule counsel: %w", err)
		}
	}
	return nil
}

// periodicCounsel asks for a whisper between conversations, from soul state alone.
func (g *Gateway) periodicCounsel(ctx context.Context) error {
	state, err := g.store.AllState(ctx)
	if err != nil {
		return err
	}
	stats, err := g.store.Stats(ctx)
	if err != nil {
		return err
	}
	if w := g.counsel.Invoke(ctx, counsel.SummaryFrom(state, "", stats.Counter)); w == nil {
		return errors.New("no counsel received")
	}
	return nil
}

// Run serves until a signal arrives or ctx is done, then shuts down in order:
// ingress first, then in-flight cycles, then outbound delivery.
func (g *Gateway) Run(ctx context.Context) error {
	ingressCtx, stopIngress := context.WithCancel(ctx)
	defer stopIngress()
	outCtx, stopOut := context.WithCancel(context.WithoutCancel(ctx))
	defer stopOut()
	workCtx := context.WithoutCancel(ctx)

	out := make(chan struct{})
	go func() {
		defer close(out)
		g.bus.DispatchOutbound(outCtx)
	}()

	if err := g.channels.StartAll(ingressCtx); err != nil {
		stopOut()
		<-out
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Info("channels started", zap.Strings("channels", g.channels.EnabledChannels()))
	g.cron.Start(workCtx)

	eg, egCtx := errgroup.WithContext(ingressCtx)
	eg.Go(func() error {
		g.processLoop(egCtx, workCtx)
		return nil
	})
	if g.cfg.Inbox.Watch {
		w := inbox.NewWatcher(g.inbox, g.publishRecord)
		eg.Go(func() error {
			return w.Run(egCtx)
		})
	}
	g.logger.Info("running", zap.String("mode", g.cfg.Pipeline.Mode), zap.Bool("counsel", g.counsel.Enabled()))

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	case <-egCtx.Done():
	}
	g.logger.Info("shutting down")

	stopIngress()
	_ = g.channels.StopAll()
	if err := eg.Wait(); err != nil {
		g.logger.Warn("ingress stopped with error", zap.Error(err))
	}
	g.workers.stop()
	g.drainOutbound()
	stopOut()
	<-out
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx, workCtx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.workers.dispatch(workCtx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// handle runs one cycle and queues its reply.
func (g *Gateway) handle(ctx context.Context, msg bus.InboundMessage) {
	log := g.logger.With(zap.String("channel", msg.Channel), zap.String("thread", msg.SessionKey()))
	log.Debug("inbound", zap.String("sender", msg.SenderID), zap.String("text", truncate(msg.Content, 80)))

	out, err := g.engine.Process(ctx, cognition.Message{
		Channel:     msg.Channel,
		ThreadKey:   msg.SessionKey(),
		UserID:      msg.SenderID,
		DisplayName: msg.Name,
		Text:        msg.Content,
	})
	if out == nil {
		log.Warn("message rejected", zap.Error(err))
		return
	}
	if err != nil {
		log.Warn("cycle failed", zap.String("trace", out.TraceID), zap.Error(err))
	}
	if strings.TrimSpace(out.Reply) == "" {
		return
	}

	reply := bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		UserID:   msg.SenderID,
		Content:  out.Reply,
		TraceID:  out.TraceID,
		Degraded: out.Degraded,
		Metadata: msg.Metadata,
	}
	if err := g.bus.Send(ctx, reply); err != nil {
		log.Warn("queue reply failed", zap.Error(err))
	}
}

// publishRecord turns an inbox record into an inbound message.
func (g *Gateway) publishRecord(ctx context.Context, r inbox.Record) error {
	return g.bus.Publish(ctx, bus.InboundMessage{
		Channel:   bus.InboxChannel,
		SenderID:  r.UserID,
		ChatID:    r.ThreadKey,
		Name:      r.DisplayName,
		Content:   r.Text,
		Timestamp: r.TS,
		Metadata: map[string]any{
			metaInboxKey:      r.Key(),
			metaSourceChannel: r.Channel,
		},
	})
}

// deliverToOutbox writes the reply for an inbox record and marks the record handled.
func (g *Gateway) deliverToOutbox(msg bus.OutboundMessage) {
	source, _ := msg.Metadata[metaSourceChannel].(string)
	err := g.outbox.Write(inbox.Reply{
		Channel:   source,
		ThreadKey: msg.ChatID,
		UserID:    msg.UserID,
		Text:      msg.Content,
		TraceID:   msg.TraceID,
		Degraded:  msg.Degraded,
	})
	if err != nil {
		g.logger.Warn("write outbox failed", zap.String("trace", msg.TraceID), zap.Error(err))
		return
	}
	if key, ok := msg.Metadata[metaInboxKey].(string); ok {
		if _, err := g.inbox.MarkHandled(key); err != nil {
			g.logger.Warn("mark inbox record handled failed", zap.Error(err))
		}
	}
}

// drainOutbound delivers replies queued by cycles that finished during shutdown.
func (g *Gateway) drainOutbound() {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			return
		default:
		}
		if len(g.bus.Outbound) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	g.engine.Wait()
	if err := g.store.Close(); err != nil {
		g.logger.Warn("close memory store failed", zap.Error(err))
	}
	g.logger.Info("shutdown complete")
	return nil
}

// Engine exposes the cycle engine, mainly for the CLI.
func (g *Gateway) Engine() *cognition.Engine { return g.engine }

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
