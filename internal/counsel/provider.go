package counsel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tdimino/claudicle/internal/llm"
)

var (
	ErrUnauthorized = errors.New("counsel source rejected credentials")
	ErrUnavailable  = errors.New("counsel source unavailable")
)

// Summary is the minimized context sent to a counsel source. It never carries history.
type Summary struct {
	Mood             string `json:"mood"`
	Topic            string `json:"topic"`
	Project          string `json:"project"`
	RecentReasoning  string `json:"recent_reasoning"`
	InteractionCount int64  `json:"interaction_count"`
}

// Advice is what a provider returned before sanitization.
type Advice struct {
	Whisper   string `json:"whisper"`
	Influence string `json:"influence"`
}

// Provider is one counsel source. A nil Advice with a nil error means nothing to say.
type Provider interface {
	Name() string
	Counsel(ctx context.Context, s Summary) (*Advice, error)
}

// HTTPProvider posts the summary to a remote counsel endpoint.
type HTTPProvider struct {
	url        string
	token      string
	source     string
	httpClient *http.Client
}

func NewHTTPProvider(url, token, source string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		url:        strings.TrimSpace(url),
		token:      strings.TrimSpace(token),
		source:     source,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string { return "http" }

func (p *HTTPProvider) Counsel(ctx context.Context, s Summary) (*Advice, error) {
	s.RecentReasoning = Truncate(s.RecentReasoning, MaxReasoningRunes)
	payload, err := json.Marshal(map[string]any{
		"source":  p.source,
		"context": s,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal counsel request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create counsel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send counsel request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read counsel response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, ErrUnavailable
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("counsel http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out Advice
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode counsel response: %w", err)
	}
	if strings.TrimSpace(out.Whisper) == "" {
		return nil, nil
	}
	return &out, nil
}

const modelCounselPrompt = `You are the quiet intuition of %s, an agent in conversation with a person.
Read the situation below and offer one short intuition, at most two sentences, that %s might find worth considering before its next reply.
Speak as a feeling or hunch, never as an order. Reply with the intuition only, no markup.

Mood: %s
Topic: %s
Project: %s
Interactions so far: %d
Most recent private reasoning: %s`

// ModelProvider asks a secondary model for counsel.
type ModelProvider struct {
	completer llm.Completer
	agentName string
}

func NewModelProvider(c llm.Completer, agentName string) *ModelProvider {
	if strings.TrimSpace(agentName) == "" {
		agentName = "the agent"
	}
	return &ModelProvider{completer: c, agentName: agentName}
}

func (p *ModelProvider) Name() string { return "model" }

func (p *ModelProvider) Counsel(ctx context.Context, s Summary) (*Advice, error) {
	prompt := fmt.Sprintf(modelCounselPrompt, p.agentName, p.agentName,
		orDash(s.Mood), orDash(s.Topic), orDash(s.Project), s.InteractionCount,
		orDash(Truncate(s.RecentReasoning, MaxReasoningRunes)))
	text, err := p.completer.Complete(ctx, llm.Request{Prompt: prompt, MaxTokens: 256})
	if err != nil {
		return nil, llm.Wrap("counsel", llm.Spec{}, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return &Advice{Whisper: text, Influence: "intuition"}, nil
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
