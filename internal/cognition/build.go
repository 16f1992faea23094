package cognition

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tdimino/claudicle/internal/config"
	"github.com/tdimino/claudicle/internal/counsel"
	"github.com/tdimino/claudicle/internal/llm"
	"github.com/tdimino/claudicle/internal/memory"
	"github.com/tdimino/claudicle/internal/pipeline"
	"github.com/tdimino/claudicle/internal/prompt"
)

// FromConfig wires an Engine and its counsel channel from cfg over an open store.
func FromConfig(ctx context.Context, cfg *config.Config, store *memory.Store, router *llm.Router, logger *zap.Logger) (*Engine, *counsel.Channel, error) {
	ws, err := prompt.LoadWorkspace(cfg.Agent.Workspace, cfg.Agent.Name, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load workspace: %w", err)
	}
	assembler := prompt.NewAssembler(store, prompt.Options{
		Workspace:          ws,
		StateCheckInterval: int64(cfg.Memory.StateCheckInterval),
		UserModelInterval:  int64(cfg.Memory.UserModelInterval),
		HistoryWindow:      cfg.Memory.HistoryWindow,
		Logger:             logger,
	})

	deps := Deps{Store: store, Assembler: assembler, Logger: logger}
	if cfg.Pipeline.Mode == config.PipelineModeSplit {
		deps.Pipeline = pipeline.New(router, cfg.Agent.MaxTokens, logger)
	} else {
		completer, spec, err := router.Default()
		if err != nil {
			return nil, nil, err
		}
		deps.Completer, deps.Spec = completer, spec
	}

	ch, err := counsel.FromConfig(cfg, store, router, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build counsel: %w", err)
	}
	deps.Counsel = ch

	engine, err := New(ctx, deps, SettingsFrom(cfg))
	if err != nil {
		return nil, nil, err
	}
	return engine, ch, nil
}
