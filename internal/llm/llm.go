// Package llm routes completion requests to configured model providers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Roles used in conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one earlier exchange replayed to the model.
type Turn struct {
	Role    string
	Content string
}

// Request is a single completion: optional system text, prior turns, and the prompt
// sent as the final user message.
type Request struct {
	System    string
	History   []Turn
	Prompt    string
	MaxTokens int
}

// Completer turns a request into reply text.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// CallError is the typed failure of an external model call.
type CallError struct {
	Step     string
	Provider string
	Model    string
	Err      error
}

func (e *CallError) Error() string {
	var b strings.Builder
	b.WriteString("model call")
	if e.Step != "" {
		fmt.Fprintf(&b, " %s", e.Step)
	}
	if e.Provider != "" || e.Model != "" {
		fmt.Fprintf(&b, " (%s/%s)", e.Provider, e.Model)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *CallError) Unwrap() error { return e.Err }

// Timeout reports whether the call failed because its deadline passed.
func (e *CallError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Wrap annotates err as a CallError for step. An existing CallError keeps its fields
// and only gains the missing ones.
func Wrap(step string, spec Spec, err error) error {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		out := *ce
		if out.Step == "" {
			out.Step = step
		}
		if out.Provider == "" {
			out.Provider = spec.Provider
		}
		if out.Model == "" {
			out.Model = spec.Model
		}
		return &out
	}
	return &CallError{Step: step, Provider: spec.Provider, Model: spec.Model, Err: err}
}

// NormalizeTurns drops empty turns and leading assistant turns and merges consecutive
// turns from the same role, so the result alternates starting with the user.
func NormalizeTurns(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		role := t.Role
		if role != RoleAssistant {
			role = RoleUser
		}
		if len(out) == 0 && role == RoleAssistant {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + content
			continue
		}
		out = append(out, Turn{Role: role, Content: content})
	}
	// the prompt follows as a user message
	if n := len(out); n > 0 && out[n-1].Role == RoleUser {
		out = out[:n-1]
	}
	return out
}
