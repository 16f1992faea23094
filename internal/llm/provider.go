package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/tdimino/claudicle/internal/config"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	clientCacheTTL = 30 * time.Minute
)

// Spec selects a provider, credentials and model. It is comparable and used as a
// cache key by the Router.
type Spec struct {
	Provider  string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// ProviderCompleter sends requests through an agentsdk-go model provider.
type ProviderCompleter struct {
	spec     Spec
	provider model.Provider
}

func NewProviderCompleter(spec Spec) (*ProviderCompleter, error) {
	var p model.Provider
	switch strings.ToLower(strings.TrimSpace(spec.Provider)) {
	case "", ProviderAnthropic:
		spec.Provider = ProviderAnthropic
		p = &model.AnthropicProvider{
			APIKey:    spec.APIKey,
			BaseURL:   spec.BaseURL,
			ModelName: spec.Model,
			MaxTokens: spec.MaxTokens,
			CacheTTL:  clientCacheTTL,
		}
	case ProviderOpenAI:
		spec.Provider = ProviderOpenAI
		p = &model.OpenAIProvider{
			APIKey:    spec.APIKey,
			BaseURL:   spec.BaseURL,
			ModelName: spec.Model,
			MaxTokens: spec.MaxTokens,
			CacheTTL:  clientCacheTTL,
		}
	default:
		return nil, fmt.Errorf("unknown provider type %q", spec.Provider)
	}
	return &ProviderCompleter{spec: spec, provider: p}, nil
}

func (c *ProviderCompleter) Spec() Spec { return c.spec }

func (c *ProviderCompleter) Complete(ctx context.Context, req Request) (string, error) {
	mdl, err := c.provider.Model(ctx)
	if err != nil {
		return "", c.fail(fmt.Errorf("create model: %w", err))
	}

	history := NormalizeTurns(req.History)
	msgs := make([]model.Message, 0, len(history)+1)
	for _, t := range history {
		msgs = append(msgs, model.Message{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, model.Message{Role: RoleUser, Content: req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.spec.MaxTokens
	}
	resp, err := mdl.Complete(ctx, model.Request{
		Messages:  msgs,
		System:    req.System,
		Model:     c.spec.Model,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", c.fail(err)
	}
	if resp == nil {
		return "", c.fail(errors.New("empty response"))
	}
	return strings.TrimSpace(resp.Message.TextContent()), nil
}

func (c *ProviderCompleter) fail(err error) error {
	return &CallError{Provider: c.spec.Provider, Model: c.spec.Model, Err: err}
}

// DefaultSpec is the agent-level provider and model.
func DefaultSpec(cfg *config.Config) Spec {
	return Spec{
		Provider:  providerType(cfg.Provider.Type),
		APIKey:    cfg.Provider.APIKey,
		BaseURL:   cfg.Provider.BaseURL,
		Model:     cfg.Agent.Model,
		MaxTokens: cfg.Agent.MaxTokens,
	}
}

// StepSpec resolves a split-mode step: step override, then pipeline default, then agent default.
func StepSpec(cfg *config.Config, step string) Spec {
	spec := DefaultSpec(cfg)
	spec = overlay(spec, cfg.Pipeline.Provider, cfg.Pipeline.Model)
	if sc, ok := cfg.Pipeline.Steps[step]; ok {
		spec = overlay(spec, sc.Provider, sc.Model)
	}
	return spec
}

// CounselSpec resolves the secondary model used for counsel.
func CounselSpec(cfg *config.Config) Spec {
	return overlay(DefaultSpec(cfg), cfg.Counsel.Provider, cfg.Counsel.Model)
}

func overlay(spec Spec, p *config.ProviderConfig, modelName string) Spec {
	if p != nil {
		if t := providerType(p.Type); strings.TrimSpace(p.Type) != "" && t != spec.Provider {
			// credentials do not carry across provider types
			spec.Provider = t
			spec.APIKey = ""
			spec.BaseURL = ""
		}
		if k := strings.TrimSpace(p.APIKey); k != "" {
			spec.APIKey = k
		}
		if u := strings.TrimSpace(p.BaseURL); u != "" {
			spec.BaseURL = u
		}
	}
	if m := strings.TrimSpace(modelName); m != "" {
		spec.Model = m
	}
	return spec
}

func providerType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return ProviderAnthropic
	}
	return t
}
