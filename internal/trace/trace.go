// Package trace issues the correlation id shared by every row one cognitive cycle writes.
package trace

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// IDLength is the number of hex characters in a trace id.
const IDLength = 12

const maxAttempts = 8

var ErrExhausted = errors.New("trace id space exhausted")

// Registry records issued ids. ReserveTrace returns false for an id that was issued
// before. *memory.Store satisfies it.
type Registry interface {
	ReserveTrace(ctx context.Context, traceID string) (bool, error)
}

// Correlator hands out trace ids that have never been issued before.
type Correlator struct {
	registry Registry
	gen      func() string
}

// New returns a Correlator. A nil registry skips the collision check.
func New(registry Registry) *Correlator {
	return &Correlator{registry: registry, gen: randomID}
}

// Next returns a fresh id, retrying when the candidate was already issued.
func (c *Correlator) Next(ctx context.Context) (string, error) {
	for i := 0; i < maxAttempts; i++ {
		id := c.gen()
		if c.registry == nil {
			return id, nil
		}
		ok, err := c.registry.ReserveTrace(ctx, id)
		if err != nil {
			return "", fmt.Errorf("reserve trace id: %w", err)
		}
		if ok {
			return id, nil
		}
	}
	return "", ErrExhausted
}

// Valid reports whether s looks like an id produced by Next.
func Valid(s string) bool {
	if len(s) != IDLength {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

func randomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:IDLength]
}
