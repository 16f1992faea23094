package trace

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdimino/claudicle/internal/memory"
)

type setRegistry map[string]bool

func (s setRegistry) ReserveTrace(_ context.Context, id string) (bool, error) {
	if s[id] {
		return false, nil
	}
	s[id] = true
	return true, nil
}

type failingRegistry struct{}

func (failingRegistry) ReserveTrace(context.Context, string) (bool, error) {
	return false, errors.New("db gone")
}

func TestNextFormat(t *testing.T) {
	c := New(nil)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := c.Next(context.Background())
		require.NoError(t, err)
		assert.True(t, Valid(id), id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestNextRetriesOnCollision(t *testing.T) {
	candidates := []string{"aaaaaaaaaaaa", "bbbbbbbbbbbb", "cccccccccccc"}
	i := 0
	c := New(setRegistry{"aaaaaaaaaaaa": true, "bbbbbbbbbbbb": true})
	c.gen = func() string {
		id := candidates[i]
		i++
		return id
	}
	id, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cccccccccccc", id)
}

func TestNextExhausted(t *testing.T) {
	c := New(setRegistry{"aaaaaaaaaaaa": true})
	c.gen = func() string { return "aaaaaaaaaaaa" }
	_, err := c.Next(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestNextRegistryError(t *testing.T) {
	c := New(failingRegistry{})
	_, err := c.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db gone")
}

func TestNextAgainstStore(t *testing.T) {
	store, err := memory.Open(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Append(ctx, memory.Entry{ThreadKey: "t", TraceID: "dddddddddddd", Content: "x"})
	require.NoError(t, err)

	calls := 0
	c := New(store)
	c.gen = func() string {
		calls++
		if calls == 1 {
			return "dddddddddddd"
		}
		return "eeeeeeeeeeee"
	}
	id, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "eeeeeeeeeeee", id)
	assert.Equal(t, 2, calls)
}

func TestNextNeverReusesSweptIDs(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store, err := memory.Open(filepath.Join(t.TempDir(), "memory.db"), memory.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	c := New(store)
	c.gen = func() string { return "ffffffffffff" }
	id, err := c.Next(ctx)
	require.NoError(t, err)
	_, err = store.Append(ctx, memory.Entry{ThreadKey: "t", TraceID: id, Content: "x"})
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	removed, err := store.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, err = c.Next(ctx)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("0123456789ab"))
	assert.False(t, Valid("0123456789AB"))
	assert.False(t, Valid("short"))
	assert.False(t, Valid("0123456789abc"))
}
