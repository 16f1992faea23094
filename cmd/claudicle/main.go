package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tdimino/claudicle/internal/cognition"
	"github.com/tdimino/claudicle/internal/config"
	"github.com/tdimino/claudicle/internal/counsel"
	"github.com/tdimino/claudicle/internal/llm"
	"github.com/tdimino/claudicle/internal/logging"
	"github.com/tdimino/claudicle/internal/memory"
)

// Options carries the injectable dependencies of the CLI.
type Options struct {
	// Factory builds model completers; nil uses the configured providers.
	Factory llm.Factory
	Stdin   io.Reader
}

type app struct {
	opts       Options
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func main() {
	if err := newRootCmd(Options{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(opts Options) *cobra.Command {
	a := &app{opts: opts}
	root := &cobra.Command{
		Use:          "claudicle",
		Short:        "claudicle - an agent with a persistent personality and layered memory",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $CLAUDICLE_CONFIG or ~/.claudicle/config.json)")

	root.AddCommand(
		a.agentCmd(),
		a.gatewayCmd(),
		a.inboxCmd(),
		a.sweepCmd(),
		a.statusCmd(),
		a.traceCmd(),
		a.whisperCmd(),
		a.stateCmd(),
		a.profileCmd(),
		a.onboardCmd(),
	)
	return root
}

func (a *app) load() error {
	path := a.configPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.LoadConfigFrom(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

func (a *app) openStore() (*memory.Store, error) {
	store, err := memory.Open(a.cfg.DBPath(), memory.WithLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	return store, nil
}

func (a *app) router() (*llm.Router, error) {
	opts := []llm.RouterOption{llm.WithRouterLogger(a.logger)}
	if a.opts.Factory != nil {
		opts = append(opts, llm.WithFactory(a.opts.Factory))
	} else if strings.TrimSpace(a.cfg.Provider.APIKey) == "" {
		return nil, fmt.Errorf("API key not set. Run 'claudicle onboard' or set CLAUDICLE_API_KEY / ANTHROPIC_API_KEY")
	}
	return llm.NewRouter(a.cfg, opts...), nil
}

func (a *app) engine(ctx context.Context, store *memory.Store) (*cognition.Engine, *counsel.Channel, error) {
	router, err := a.router()
	if err != nil {
		return nil, nil, err
	}
	return cognition.FromConfig(ctx, a.cfg, store, router, a.logger)
}

func (a *app) stdin() io.Reader {
	if a.opts.Stdin != nil {
		return a.opts.Stdin
	}
	return os.Stdin
}

// withStore loads config, opens the store and runs fn with both.
func (a *app) withStore(fn func(ctx context.Context, store *memory.Store) error) error {
	if err := a.load(); err != nil {
		return err
	}
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	defer a.logger.Sync() //nolint:errcheck
	return fn(context.Background(), store)
}
