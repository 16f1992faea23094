// Package counsel fetches short one-shot whispers from an outside source and holds
// them for the next prompt.
package counsel

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tdimino/claudicle/internal/config"
	"github.com/tdimino/claudicle/internal/llm"
	"github.com/tdimino/claudicle/internal/logging"
	"github.com/tdimino/claudicle/internal/memory"
)

// Store is the whisper slot. *memory.Store satisfies it.
type Store interface {
	PutWhisper(ctx context.Context, w memory.Whisper) error
	PendingWhisper(ctx context.Context) (*memory.Whisper, error)
	ConsumeWhisper(ctx context.Context) (bool, error)
}

// Channel tries its providers in order and keeps the first usable whisper.
type Channel struct {
	store     Store
	providers []Provider
	timeout   time.Duration
	logger    *zap.Logger
}

type Option func(*Channel)

func WithTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) { c.logger = logging.OrNop(l).Named("counsel") }
}

func New(store Store, providers []Provider, opts ...Option) *Channel {
	c := &Channel{
		store:     store,
		providers: providers,
		timeout:   time.Duration(config.DefaultCounselTimeout) * time.Second,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromConfig builds the providers enabled in cfg. With both disabled the channel
// has no providers and Invoke returns immediately.
func FromConfig(cfg *config.Config, store Store, router *llm.Router, logger *zap.Logger) (*Channel, error) {
	var providers []Provider
	cc := cfg.Counsel
	if cc.Enabled && strings.TrimSpace(cc.URL) != "" {
		providers = append(providers, NewHTTPProvider(cc.URL, cc.AuthToken, cc.Source, cfg.CounselTimeout()))
	}
	if cc.ModelEnabled && router != nil {
		completer, _, err := router.Counsel()
		if err != nil {
			return nil, err
		}
		providers = append(providers, NewModelProvider(completer, cfg.Agent.Name))
	}
	return New(store, providers, WithTimeout(cfg.CounselTimeout()), WithLogger(logger)), nil
}

// Enabled reports whether any provider is configured.
func (c *Channel) Enabled() bool {
	return c != nil && len(c.providers) > 0
}

// Invoke asks each provider in turn and stores the first non-empty sanitized whisper
// as the pending one. Every failure yields nil; none is returned to the caller.
func (c *Channel) Invoke(ctx context.Context, s Summary) *memory.Whisper {
	if !c.Enabled() {
		return nil
	}
	s.RecentReasoning = Truncate(strings.TrimSpace(s.RecentReasoning), MaxReasoningRunes)

	for _, p := range c.providers {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		advice, err := p.Counsel(callCtx, s)
		cancel()
		if err != nil {
			c.logger.Debug("no counsel", zap.String("provider", p.Name()), zap.Error(err))
			continue
		}
		if advice == nil {
			continue
		}
		text := Sanitize(advice.Whisper)
		if text == "" {
			continue
		}
		w := memory.Whisper{
			Text:      text,
			Source:    p.Name(),
			Influence: Truncate(Sanitize(advice.Influence), 64),
		}
		if err := c.store.PutWhisper(ctx, w); err != nil {
			c.logger.Warn("store whisper failed", zap.Error(err))
			return nil
		}
		c.logger.Info("whisper pending", zap.String("provider", p.Name()), zap.Int("chars", len([]rune(text))))
		return &w
	}
	return nil
}

// Put stores a manually supplied whisper after sanitizing it.
func (c *Channel) Put(ctx context.Context, text, source string) (*memory.Whisper, error) {
	clean := Sanitize(text)
	if clean == "" {
		return nil, nil
	}
	if strings.TrimSpace(source) == "" {
		source = "manual"
	}
	w := memory.Whisper{Text: clean, Source: source}
	if err := c.store.PutWhisper(ctx, w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (c *Channel) Pending(ctx context.Context) (*memory.Whisper, error) {
	return c.store.PendingWhisper(ctx)
}

// Consume clears the pending whisper and reports whether one was pending.
func (c *Channel) Consume(ctx context.Context) (bool, error) {
	return c.store.ConsumeWhisper(ctx)
}

// SummaryFrom builds the counsel summary from soul state and the cycle's reasoning.
func SummaryFrom(state map[string]string, reasoning string, interactions int64) Summary {
	return Summary{
		Mood:             state[memory.StateMood],
		Topic:            state[memory.StateCurrentTopic],
		Project:          state[memory.StateCurrentProject],
		RecentReasoning:  Truncate(strings.TrimSpace(reasoning), MaxReasoningRunes),
		InteractionCount: interactions,
	}
}
