package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestOpenIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "memory.db")
	s1, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append(context.Background(), Entry{ThreadKey: "t", TraceID: "x", Kind: KindNote, Content: "hi"})
	require.NoError(t, err)
	rows, err := s.Recent(context.Background(), "t", 5)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestAppendValidates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, Entry{TraceID: "abc", Content: "x"})
	assert.ErrorIs(t, err, ErrMissingThread)
	_, err = s.Append(ctx, Entry{ThreadKey: "t1", Content: "x"})
	assert.ErrorIs(t, err, ErrMissingTrace)
}

func TestRecentOrderingAndWindow(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, Entry{ThreadKey: "t1", TraceID: "tr", Kind: KindUserMessage, Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	_, err := s.Append(ctx, Entry{ThreadKey: "other", TraceID: "tr2", Kind: KindUserMessage, Content: "elsewhere"})
	require.NoError(t, err)

	rows, err := s.Recent(ctx, "t1", 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "m2", rows[0].Content)
	assert.Equal(t, "m3", rows[1].Content)
	assert.Equal(t, "m4", rows[2].Content)
	for _, r := range rows {
		assert.Equal(t, "t1", r.ThreadKey)
	}
}

func TestRecentTieBreaksOnID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	// same clock reading for all rows
	for _, c := range []string{"a", "b", "c"} {
		_, err := s.Append(ctx, Entry{ThreadKey: "t", TraceID: "tr", Kind: KindNote, Content: c})
		require.NoError(t, err)
	}
	rows, err := s.Recent(ctx, "t", 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{rows[0].Content, rows[1].Content, rows[2].Content})
}

func TestEntryMetaRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, Entry{
		ThreadKey: "t", TraceID: "tr", Kind: KindGate, Content: "user_model_check: false",
		Meta: Meta{Gate: GateUserModel, Result: Bool(false)},
	})
	require.NoError(t, err)

	rows, err := s.Recent(ctx, "t", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	name, value, ok := rows[0].GateValue()
	require.True(t, ok)
	assert.Equal(t, GateUserModel, name)
	assert.False(t, value)
}

func TestSweepBoundary(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	ttl := 72 * time.Hour
	base := clock.Now()

	// older than ttl, exactly ttl, younger than ttl
	_, err := s.Append(ctx, Entry{ThreadKey: "t", TraceID: "a", Content: "old", CreatedAt: base.Add(-ttl - time.Nanosecond)})
	require.NoError(t, err)
	_, err = s.Append(ctx, Entry{ThreadKey: "t", TraceID: "b", Content: "edge", CreatedAt: base.Add(-ttl)})
	require.NoError(t, err)
	_, err = s.Append(ctx, Entry{ThreadKey: "u", TraceID: "c", Content: "fresh", CreatedAt: base.Add(-time.Hour)})
	require.NoError(t, err)

	n, err := s.Sweep(ctx, ttl)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rows, err := s.Recent(ctx, "t", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "edge", rows[0].Content)

	// idempotent
	n, err = s.Sweep(ctx, ttl)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	// the edge row ages out once the clock moves on
	clock.Advance(time.Nanosecond)
	n, err = s.Sweep(ctx, ttl)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSweepNonPositiveTTL(t *testing.T) {
	s, _ := newTestStore(t)
	n, err := s.Sweep(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestByTraceAndRecentTraces(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	for i, kind := range []Kind{KindUserMessage, KindMonologue, KindDialogue} {
		_, err := s.Append(ctx, Entry{ThreadKey: "t", TraceID: "trace-a", Kind: kind, Content: fmt.Sprint(i)})
		require.NoError(t, err)
	}
	clock.Advance(time.Minute)
	_, err := s.Append(ctx, Entry{ThreadKey: "t", TraceID: "trace-b", Kind: KindUserMessage, Content: "next"})
	require.NoError(t, err)

	entries, err := s.ByTrace(ctx, "trace-a")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, KindUserMessage, entries[0].Kind)
	assert.Equal(t, KindDialogue, entries[2].Kind)

	exists, err := s.TraceExists(ctx, "trace-b")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.TraceExists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, exists)

	traces, err := s.RecentTraces(ctx, 5)
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, "trace-b", traces[0].TraceID)
	assert.Equal(t, 3, traces[1].Entries)
}

func TestReserveTrace(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.ReserveTrace(ctx, "trace-new")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ReserveTrace(ctx, "trace-new")
	require.NoError(t, err)
	assert.False(t, ok)

	// ids referenced only by a profile change stay taken
	_, err = s.EnsureUser(ctx, "U1", "Ada")
	require.NoError(t, err)
	require.NoError(t, s.SaveProfile(ctx, "U1", "# Ada", "seed", "trace-prof"))
	exists, err := s.TraceExists(ctx, "trace-prof")
	require.NoError(t, err)
	assert.True(t, exists)
	ok, err = s.ReserveTrace(ctx, "trace-prof")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUserModelLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.EnsureUser(ctx, "U1", "Ada")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.EnsureUser(ctx, "U1", "Someone Else")
	require.NoError(t, err)
	assert.False(t, created)

	u, err := s.GetUser(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.DisplayName)
	assert.Equal(t, BlankProfile("Ada"), u.Profile)
	assert.Zero(t, u.InteractionCount)

	require.NoError(t, s.SaveProfile(ctx, "U1", "# Ada\n\nLikes compilers.", "learned interest", "tr1"))
	u, err = s.GetUser(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "# Ada\n\nLikes compilers.", u.Profile)
	assert.False(t, u.LastCheckedAt.IsZero())

	history, err := s.ProfileHistory(ctx, "U1", 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "learned interest", history[0].ChangeNote)
	assert.Equal(t, "tr1", history[0].TraceID)

	err = s.SaveProfile(ctx, "ghost", "x", "", "")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = s.GetUser(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestEnsureUserFillsMissingName(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureUser(ctx, "U2", "")
	require.NoError(t, err)
	_, err = s.EnsureUser(ctx, "U2", "Grace")
	require.NoError(t, err)
	u, err := s.GetUser(ctx, "U2")
	require.NoError(t, err)
	assert.Equal(t, "Grace", u.DisplayName)
}

func TestShouldCheckCadence(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureUser(ctx, "U1", "Ada")
	require.NoError(t, err)

	ok, err := s.ShouldCheck(ctx, "U1", 3)
	require.NoError(t, err)
	assert.False(t, ok, "zero interactions never check")

	var got []bool
	for i := 0; i < 6; i++ {
		_, err := s.IncrementInteraction(ctx, "U1")
		require.NoError(t, err)
		ok, err := s.ShouldCheck(ctx, "U1", 3)
		require.NoError(t, err)
		got = append(got, ok)
	}
	assert.Equal(t, []bool{false, false, true, false, false, true}, got)

	ok, err = s.ShouldCheck(ctx, "missing", 3)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.ShouldCheck(ctx, "U1", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.IncrementInteraction(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestSoulStateDefaultsAndRender(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	isDefault, err := s.IsDefaultState(ctx)
	require.NoError(t, err)
	assert.True(t, isDefault)
	rendered, err := s.RenderState(ctx)
	require.NoError(t, err)
	assert.Empty(t, rendered)

	mood, err := s.GetState(ctx, StateMood)
	require.NoError(t, err)
	assert.Equal(t, "neutral", mood)

	require.NoError(t, s.SetState(ctx, StateCurrentProject, "claudicle"))
	require.NoError(t, s.SetState(ctx, StateMood, "neutral"))
	rendered, err = s.RenderState(ctx)
	require.NoError(t, err)
	assert.Contains(t, rendered, "Current project: claudicle")
	assert.NotContains(t, rendered, "Mood")

	require.NoError(t, s.SetState(ctx, StateMood, "curious"))
	all, err := s.AllState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "curious", all[StateMood])
	assert.Equal(t, "", all[StateCurrentTask])
	assert.Len(t, all, len(StateKeys()))

	// back to default removes the override
	require.NoError(t, s.SetState(ctx, StateCurrentProject, ""))
	rendered, err = s.RenderState(ctx)
	require.NoError(t, err)
	assert.NotContains(t, rendered, "Current project")
	assert.Contains(t, rendered, "Mood: curious")

	err = s.SetState(ctx, "favourite_colour", "blue")
	assert.ErrorIs(t, err, ErrUnknownStateKey)
	_, err = s.GetState(ctx, "favourite_colour")
	assert.ErrorIs(t, err, ErrUnknownStateKey)
}

func TestNormalizeStateKey(t *testing.T) {
	tests := map[string]string{
		"current_project": StateCurrentProject,
		"Current Project": StateCurrentProject,
		"currentTask":     StateCurrentTask,
		"current-topic":   StateCurrentTopic,
		"MOOD":            StateMood,
		"emotionalState":  StateMood,
		"summary":         StateRollingSummary,
	}
	for in, want := range tests {
		got, ok := NormalizeStateKey(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := NormalizeStateKey("weather")
	assert.False(t, ok)
}

func TestWhisperSlot(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	w, err := s.PendingWhisper(ctx)
	require.NoError(t, err)
	assert.Nil(t, w)

	require.NoError(t, s.PutWhisper(ctx, Whisper{Text: "first", Source: "kothar"}))
	require.NoError(t, s.PutWhisper(ctx, Whisper{Text: "second", Source: "kothar"}))

	w, err = s.PendingWhisper(ctx)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "second", w.Text)

	taken, err := s.TakeWhisper(ctx)
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.Equal(t, "second", taken.Text)

	taken, err = s.TakeWhisper(ctx)
	require.NoError(t, err)
	assert.Nil(t, taken)

	require.NoError(t, s.PutWhisper(ctx, Whisper{Text: "third"}))
	consumed, err := s.ConsumeWhisper(ctx)
	require.NoError(t, err)
	assert.True(t, consumed)
	consumed, err = s.ConsumeWhisper(ctx)
	require.NoError(t, err)
	assert.False(t, consumed)
}

func TestCounterAndStats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.Counter(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, s.SetCounter(ctx, 41))
	require.NoError(t, s.SetCounter(ctx, 42))
	n, err = s.Counter(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)

	_, err = s.EnsureUser(ctx, "U1", "Ada")
	require.NoError(t, err)
	_, err = s.Append(ctx, Entry{ThreadKey: "t", TraceID: "tr", Content: "x"})
	require.NoError(t, err)
	require.NoError(t, s.PutWhisper(ctx, Whisper{Text: "w"}))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.WorkingEntries)
	assert.Equal(t, 1, st.Threads)
	assert.Equal(t, 1, st.Users)
	assert.True(t, st.PendingWhisper)
	assert.EqualValues(t, 42, st.Counter)
}

func TestConcurrentAppendsAcrossThreads(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := s.Append(ctx, Entry{ThreadKey: fmt.Sprintf("t%d", i), TraceID: "tr", Content: "x"})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80, st.WorkingEntries)
	assert.Equal(t, 8, st.Threads)
}
