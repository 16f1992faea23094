package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tdimino/claudicle/internal/bus"
	"github.com/tdimino/claudicle/internal/channel"
	"github.com/tdimino/claudicle/internal/config"
	"github.com/tdimino/claudicle/internal/cron"
	"github.com/tdimino/claudicle/internal/inbox"
	"github.com/tdimino/claudicle/internal/llm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Agent.Workspace = filepath.Join(dir, "workspace")
	cfg.Memory.DBPath = filepath.Join(dir, "memory.db")
	cfg.Inbox.Path = filepath.Join(dir, "inbox.jsonl")
	cfg.Inbox.OutboxPath = filepath.Join(dir, "outbox.jsonl")
	return cfg
}

// fakeModel answers cycle prompts with a tagged reply and anything else with a
// counsel whisper.
func fakeModel(calls *atomic.Int32) llm.Factory {
	return func(llm.Spec) (llm.Completer, error) {
		return llm.CompleterFunc(func(_ context.Context, req llm.Request) (string, error) {
			if calls != nil {
				calls.Add(1)
			}
			if strings.Contains(req.Prompt, "<untrusted_user_message") {
				return `<monologue verb="noticed">a new message</monologue><reply verb="said">hello back</reply>`, nil
			}
			return "Ask what they are building.", nil
		}), nil
	}
}

type recordingChannel struct {
	name string
	sent chan bus.OutboundMessage
}

func (c *recordingChannel) Name() string                { return c.name }
func (c *recordingChannel) Start(context.Context) error { return nil }
func (c *recordingChannel) Stop() error                 { return nil }
func (c *recordingChannel) Send(m bus.OutboundMessage) error {
	c.sent <- m
	return nil
}

func runGateway(t *testing.T, g *Gateway) (chan os.Signal, chan error) {
	t.Helper()
	sig := make(chan os.Signal, 1)
	g.signalChan = sig
	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()
	return sig, done
}

func TestGatewayRoundTripThroughChannel(t *testing.T) {
	cfg := testConfig(t)
	rec := &recordingChannel{name: "mock", sent: make(chan bus.OutboundMessage, 4)}
	g, err := NewWithOptions(context.Background(), cfg, Options{Factory: fakeModel(nil), Channels: []channel.Channel{rec}})
	require.NoError(t, err)

	sig, done := runGateway(t, g)
	g.bus.Inbound <- bus.InboundMessage{Channel: "mock", SenderID: "U1", ChatID: "42", Name: "Ada", Content: "hi there"}

	select {
	case out := <-rec.sent:
		assert.Equal(t, "hello back", out.Content)
		assert.Equal(t, "42", out.ChatID)
		assert.Len(t, out.TraceID, 12)
		assert.False(t, out.Degraded)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply delivered")
	}

	sig <- os.Interrupt
	require.NoError(t, <-done)
}

func TestGatewayInboxToOutbox(t *testing.T) {
	cfg := testConfig(t)
	cfg.Inbox.Watch = true
	in := inbox.New(cfg.InboxPath(), nil)
	rec, err := in.Append(inbox.Record{Channel: "slack", ThreadKey: "C1:171.2", UserID: "U9", DisplayName: "Bo", Text: "from the inbox"})
	require.NoError(t, err)

	g, err := NewWithOptions(context.Background(), cfg, Options{Factory: fakeModel(nil)})
	require.NoError(t, err)
	sig, done := runGateway(t, g)

	require.Eventually(t, func() bool {
		pending, _, err := in.ReadPending()
		return err == nil && len(pending) == 0
	}, 5*time.Second, 20*time.Millisecond)

	sig <- os.Interrupt
	require.NoError(t, <-done)

	f, err := os.Open(cfg.OutboxPath())
	require.NoError(t, err)
	defer f.Close()
	var replies []inbox.Reply
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r inbox.Reply
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		replies = append(replies, r)
	}
	require.Len(t, replies, 1)
	assert.Equal(t, "slack", replies[0].Channel)
	assert.Equal(t, rec.ThreadKey, replies[0].ThreadKey)
	assert.Equal(t, "U9", replies[0].UserID)
	assert.Equal(t, "hello back", replies[0].Text)
	assert.NotEmpty(t, replies[0].TraceID)
}

func TestGatewaySchedulesJobs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Counsel.ModelEnabled = true
	cfg.Counsel.Schedule = "@every 1h"
	var calls atomic.Int32

	g, err := NewWithOptions(context.Background(), cfg, Options{Factory: fakeModel(&calls)})
	require.NoError(t, err)
	defer g.Shutdown()

	jobs := g.cron.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, cron.JobCounsel, jobs[0].Name)
	assert.Equal(t, cron.JobSweep, jobs[1].Name)

	require.NoError(t, g.cron.RunNow(cron.JobCounsel))
	w, err := g.store.PendingWhisper(context.Background())
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "Ask what they are building.", w.Text)
	assert.EqualValues(t, 1, calls.Load())

	require.NoError(t, g.cron.RunNow(cron.JobSweep))
}

func TestGatewayNoCounselJobWhenDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Counsel.Schedule = "@every 1h"
	g, err := NewWithOptions(context.Background(), cfg, Options{Factory: fakeModel(nil)})
	require.NoError(t, err)
	defer g.Shutdown()

	jobs := g.cron.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, cron.JobSweep, jobs[0].Name)
}

func TestGatewayRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Counsel.ModelEnabled = true
	cfg.Counsel.Schedule = "whenever"
	_, err := NewWithOptions(context.Background(), cfg, Options{Factory: fakeModel(nil)})
	assert.Error(t, err)
}

func TestWorkersKeepThreadOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]string{}
	var inFlight, peak atomic.Int32
	w := newWorkers(func(_ context.Context, m bus.InboundMessage) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		seen[m.SessionKey()] = append(seen[m.SessionKey()], m.Content)
		mu.Unlock()
		inFlight.Add(-1)
	}, nil)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		for _, chat := range []string{"a", "b", "c"} {
			w.dispatch(ctx, bus.InboundMessage{Channel: "mock", ChatID: chat, Content: string(rune('0' + i))})
		}
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen["mock:a"])+len(seen["mock:b"])+len(seen["mock:c"]) == 15
	}, 5*time.Second, 5*time.Millisecond)
	w.stop()

	for _, chat := range []string{"mock:a", "mock:b", "mock:c"} {
		assert.Equal(t, []string{"0", "1", "2", "3", "4"}, seen[chat])
	}
	assert.Greater(t, peak.Load(), int32(1), "threads should run concurrently")
}

func TestWorkersRetireIdleThreads(t *testing.T) {
	w := newWorkers(func(context.Context, bus.InboundMessage) {}, nil)
	w.idle = 10 * time.Millisecond
	w.dispatch(context.Background(), bus.InboundMessage{Channel: "mock", ChatID: "x", Content: "hi"})
	require.Eventually(t, func() bool { return w.active() == 0 }, 2*time.Second, 5*time.Millisecond)
	w.stop()
}

func TestWorkersFinishQueueOnStop(t *testing.T) {
	var handled atomic.Int32
	w := newWorkers(func(context.Context, bus.InboundMessage) {
		time.Sleep(20 * time.Millisecond)
		handled.Add(1)
	}, nil)
	for i := 0; i < 5; i++ {
		w.dispatch(context.Background(), bus.InboundMessage{Channel: "mock", ChatID: "a", Content: "m"})
	}
	w.stop()
	assert.Equal(t, int32(5), handled.Load())
}

func TestWorkersDropAfterGrace(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	var handled atomic.Int32
	w := newWorkers(func(context.Context, bus.InboundMessage) {
		time.Sleep(30 * time.Millisecond)
		handled.Add(1)
	}, zap.New(core))
	w.grace = 10 * time.Millisecond
	for i := 0; i < 5; i++ {
		w.dispatch(context.Background(), bus.InboundMessage{Channel: "mock", ChatID: "a", Content: "m"})
	}
	w.stop()

	assert.Less(t, handled.Load(), int32(5))
	entries := logs.FilterMessage("dropped queued messages at shutdown").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(5-handled.Load()), entries[0].ContextMap()["dropped"])
	assert.Equal(t, "mock:a", entries[0].ContextMap()["thread"])
}
