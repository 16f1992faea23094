package llm

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tdimino/claudicle/internal/config"
	"github.com/tdimino/claudicle/internal/logging"
)

// Factory builds a Completer for a resolved Spec.
type Factory func(Spec) (Completer, error)

// DefaultFactory builds agentsdk-go backed completers.
func DefaultFactory(spec Spec) (Completer, error) {
	return NewProviderCompleter(spec)
}

// Router hands out one Completer per distinct Spec, built lazily.
type Router struct {
	cfg     *config.Config
	factory Factory
	logger  *zap.Logger

	mu    sync.Mutex
	built map[Spec]Completer
}

type RouterOption func(*Router)

func WithFactory(f Factory) RouterOption {
	return func(r *Router) {
		if f != nil {
			r.factory = f
		}
	}
}

func WithRouterLogger(l *zap.Logger) RouterOption {
	return func(r *Router) { r.logger = logging.OrNop(l).Named("llm") }
}

func NewRouter(cfg *config.Config, opts ...RouterOption) *Router {
	r := &Router{
		cfg:     cfg,
		factory: DefaultFactory,
		logger:  zap.NewNop(),
		built:   make(map[Spec]Completer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Default returns the completer for unified-mode cycles.
func (r *Router) Default() (Completer, Spec, error) {
	return r.get(DefaultSpec(r.cfg))
}

// Step returns the completer configured for a split-mode step.
func (r *Router) Step(step string) (Completer, Spec, error) {
	return r.get(StepSpec(r.cfg, step))
}

// Counsel returns the secondary completer used for model counsel.
func (r *Router) Counsel() (Completer, Spec, error) {
	return r.get(CounselSpec(r.cfg))
}

func (r *Router) get(spec Spec) (Completer, Spec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.built[spec]; ok {
		return c, spec, nil
	}
	c, err := r.factory(spec)
	if err != nil {
		return nil, spec, fmt.Errorf("build completer %s/%s: %w", spec.Provider, spec.Model, err)
	}
	r.built[spec] = c
	r.logger.Debug("completer ready", zap.String("provider", spec.Provider), zap.String("model", spec.Model))
	return c, spec, nil
}
