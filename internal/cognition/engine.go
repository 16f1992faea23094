// Package cognition runs the cognitive cycle: assemble a prompt, call the model,
// extract the reply sections and persist what they say.
package cognition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tdimino/claudicle/internal/config"
	"github.com/tdimino/claudicle/internal/counsel"
	"github.com/tdimino/claudicle/internal/extract"
	"github.com/tdimino/claudicle/internal/llm"
	"github.com/tdimino/claudicle/internal/logging"
	"github.com/tdimino/claudicle/internal/memory"
	"github.com/tdimino/claudicle/internal/pipeline"
	"github.com/tdimino/claudicle/internal/prompt"
	"github.com/tdimino/claudicle/internal/trace"
)

const (
	FallbackReply      = "Sorry, I encountered an error processing your message."
	EmptyFallbackReply = "Sorry, I lost my train of thought. Could you say that again?"
)

var (
	ErrMissingThread = errors.New("message has no thread key")
	ErrMissingUser   = errors.New("message has no user id")
	ErrEmptyMessage  = errors.New("message has no text")
)

// Message is one inbound user message.
type Message struct {
	Channel     string
	ThreadKey   string
	UserID      string
	DisplayName string
	Text        string
}

// Outcome describes a finished cycle. It is returned even when the cycle failed,
// carrying the fallback reply.
type Outcome struct {
	TraceID  string
	Counter  int64
	Reply    string
	Verb     string
	Degraded bool
	Fallback bool
	Result   *extract.Result
	Raw      string
	Steps    []pipeline.StepResult
	Whisper  *memory.Whisper
	Writes   int
	Elapsed  time.Duration
}

// Settings are the engine knobs taken from config.
type Settings struct {
	Mode             string
	ModelTimeout     time.Duration
	MaxTokens        int
	ReplyMaxLength   int
	WorkingMemoryTTL time.Duration
	SweepEvery       time.Duration
}

func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		Mode:             cfg.Pipeline.Mode,
		ModelTimeout:     cfg.ModelTimeout(),
		MaxTokens:        cfg.Agent.MaxTokens,
		ReplyMaxLength:   cfg.Reply.MaxLength,
		WorkingMemoryTTL: cfg.WorkingMemoryTTL(),
		SweepEvery:       cfg.SweepEvery(),
	}
}

// Deps are the collaborators of an Engine. Completer is used in unified mode and
// Pipeline in split mode; Counsel may be nil.
type Deps struct {
	Store     *memory.Store
	Assembler *prompt.Assembler
	Completer llm.Completer
	Spec      llm.Spec
	Pipeline  *pipeline.Pipeline
	Counsel   *counsel.Channel
	Observer  Observer
	Logger    *zap.Logger
}

type Engine struct {
	store     *memory.Store
	assembler *prompt.Assembler
	completer llm.Completer
	spec      llm.Spec
	pipeline  *pipeline.Pipeline
	counsel   *counsel.Channel
	observer  Observer
	traces    *trace.Correlator
	cycle     *CycleContext
	settings  Settings
	logger    *zap.Logger
	now       func() time.Time

	locks      *threadLocks
	lastSweep  atomic.Int64
	background sync.WaitGroup

	counterMu sync.Mutex
	persisted int64
}

// New seeds the cycle counter from the store and returns a ready engine.
func New(ctx context.Context, deps Deps, settings Settings) (*Engine, error) {
	if deps.Store == nil || deps.Assembler == nil {
		return nil, errors.New("cognition: store and assembler are required")
	}
	split := settings.Mode == config.PipelineModeSplit
	if split && deps.Pipeline == nil {
		return nil, errors.New("cognition: split mode needs a pipeline")
	}
	if !split && deps.Completer == nil {
		return nil, errors.New("cognition: unified mode needs a completer")
	}
	if settings.ModelTimeout <= 0 {
		settings.ModelTimeout = time.Duration(config.DefaultTimeoutSeconds) * time.Second
	}
	if settings.ReplyMaxLength <= 0 {
		settings.ReplyMaxLength = config.DefaultReplyMaxLength
	}

	start, err := deps.Store.Counter(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed cycle counter: %w", err)
	}
	return &Engine{
		store:     deps.Store,
		assembler: deps.Assembler,
		completer: deps.Completer,
		spec:      deps.Spec,
		pipeline:  deps.Pipeline,
		counsel:   deps.Counsel,
		observer:  deps.Observer,
		traces:    trace.New(deps.Store),
		cycle:     NewCycleContext(start),
		settings:  settings,
		logger:    logging.OrNop(deps.Logger).Named("cognition"),
		now:       time.Now,
		locks:     newThreadLocks(),
		persisted: start,
	}, nil
}

func (e *Engine) Cycle() *CycleContext { return e.cycle }

// Wait blocks until counsel calls started by earlier cycles have finished. Call it
// before closing the store.
func (e *Engine) Wait() { e.background.Wait() }

func (e *Engine) Store() *memory.Store { return e.store }

// Process runs one full cycle for msg. Cycles on the same thread never overlap.
// On failure the returned Outcome carries a fallback reply and the error says why;
// model failures are *llm.CallError. The counsel call for the next cycle runs in the
// background after Process returns; see Wait.
func (e *Engine) Process(ctx context.Context, msg Message) (*Outcome, error) {
	msg.ThreadKey = strings.TrimSpace(msg.ThreadKey)
	msg.UserID = strings.TrimSpace(msg.UserID)
	switch {
	case msg.ThreadKey == "":
		return nil, ErrMissingThread
	case msg.UserID == "":
		return nil, ErrMissingUser
	case strings.TrimSpace(msg.Text) == "":
		return nil, ErrEmptyMessage
	}

	unlock := e.locks.lock(msg.ThreadKey)
	defer unlock()

	start := e.now()
	e.maybeSweep(ctx)

	traceID, err := e.traces.Next(ctx)
	if err != nil {
		return e.fail(&Outcome{Fallback: true, Reply: FallbackReply}, start, fmt.Errorf("issue trace id: %w", err))
	}
	c := &cycleRun{engine: e, msg: msg, out: &Outcome{TraceID: traceID}}
	c.out.Counter = e.cycle.Next()
	e.persistCounter(ctx, c.out.Counter)

	log := e.logger.With(zap.String("trace", traceID), zap.String("thread", msg.ThreadKey))
	c.log = log
	log.Info("cycle start", zap.String("user", msg.UserID), zap.Int64("counter", c.out.Counter))

	if _, err := e.store.EnsureUser(ctx, msg.UserID, msg.DisplayName); err != nil {
		log.Warn("ensure user failed", zap.Error(err))
	}
	interactions, err := e.store.IncrementInteraction(ctx, msg.UserID)
	if err != nil {
		log.Warn("increment interaction failed", zap.Error(err))
	}

	c.to(PhaseAssembling)
	pc, err := e.assembler.Assemble(ctx, prompt.Input{
		ThreadKey:   msg.ThreadKey,
		UserID:      msg.UserID,
		DisplayName: msg.DisplayName,
		Text:        msg.Text,
		Counter:     c.out.Counter,
	})
	if err != nil {
		c.to(PhaseIdle)
		c.out.Fallback, c.out.Reply = true, FallbackReply
		return e.fail(c.out, start, fmt.Errorf("assemble prompt: %w", err))
	}
	c.out.Whisper = pc.Whisper
	c.append(ctx, memory.Entry{Kind: memory.KindUserMessage, Author: authorOr(msg.DisplayName, msg.UserID), Content: msg.Text})
	if pc.Whisper != nil {
		c.append(ctx, memory.Entry{
			Kind:    memory.KindCounsel,
			Author:  pc.Whisper.Source,
			Content: pc.Whisper.Text,
			Meta:    memory.Meta{Source: pc.Whisper.Source, Extra: map[string]string{"event": "rendered"}},
		})
	}

	c.to(PhaseAwaitingModel)
	res, err := e.callModel(ctx, c, pc)
	if err != nil {
		c.to(PhaseIdle)
		c.out.Fallback, c.out.Reply = true, FallbackReply
		log.Warn("model call failed", zap.Error(err))
		return e.fail(c.out, start, err)
	}

	c.to(PhaseExtracting)
	c.out.Result = res
	c.out.Degraded = res.Degraded
	reply := strings.TrimSpace(res.Reply)
	if reply == "" {
		c.out.Fallback = true
		reply = EmptyFallbackReply
	}
	c.out.Reply = truncateRunes(reply, e.settings.ReplyMaxLength)
	c.out.Verb = res.ReplyVerb
	if res.Degraded {
		log.Info("degraded reply", zap.Int("raw_len", len(c.out.Raw)))
	}

	c.to(PhasePersisting)
	c.persist(ctx, res)
	if e.counsel.Enabled() {
		e.background.Add(1)
		go func(ctx context.Context, traceID, monologue string) {
			defer e.background.Done()
			e.invokeCounsel(ctx, msg, traceID, monologue, interactions, log)
		}(context.WithoutCancel(ctx), c.out.TraceID, res.Monologue)
	}

	c.to(PhaseIdle)
	c.out.Elapsed = e.now().Sub(start)
	log.Info("cycle done", zap.Int("writes", c.out.Writes), zap.Bool("degraded", c.out.Degraded), zap.Duration("elapsed", c.out.Elapsed))
	return c.out, nil
}

func (e *Engine) callModel(ctx context.Context, c *cycleRun, pc *prompt.Context) (*extract.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.settings.ModelTimeout)
	defer cancel()

	if e.settings.Mode == config.PipelineModeSplit {
		profile := ""
		if u, err := e.store.GetUser(ctx, c.msg.UserID); err == nil {
			profile = u.Profile
		}
		out, err := e.pipeline.Run(callCtx, pc, profile)
		if out != nil {
			c.out.Steps = out.Steps
			c.out.Raw = out.Raw
		}
		if err != nil {
			return nil, err
		}
		return out.Result, nil
	}

	raw, err := e.completer.Complete(callCtx, llm.Request{
		History:   pc.Turns(),
		Prompt:    pc.Render(),
		MaxTokens: e.settings.MaxTokens,
	})
	if err != nil {
		return nil, llm.Wrap("unified", e.spec, err)
	}
	c.out.Raw = raw
	return extract.Parse(raw), nil
}

// Sweep drops working memory older than the configured TTL.
func (e *Engine) Sweep(ctx context.Context) (int64, error) {
	e.lastSweep.Store(e.now().UnixNano())
	return e.store.Sweep(ctx, e.settings.WorkingMemoryTTL)
}

func (e *Engine) maybeSweep(ctx context.Context) {
	if e.settings.WorkingMemoryTTL <= 0 {
		return
	}
	now := e.now().UnixNano()
	last := e.lastSweep.Load()
	if last != 0 && time.Duration(now-last) < e.settings.SweepEvery {
		return
	}
	if !e.lastSweep.CompareAndSwap(last, now) {
		return
	}
	if n, err := e.store.Sweep(ctx, e.settings.WorkingMemoryTTL); err != nil {
		e.logger.Warn("sweep failed", zap.Error(err))
	} else if n > 0 {
		e.logger.Info("swept working memory", zap.Int64("rows", n))
	}
}

func (e *Engine) persistCounter(ctx context.Context, n int64) {
	e.counterMu.Lock()
	defer e.counterMu.Unlock()
	if n <= e.persisted {
		return
	}
	if err := e.store.SetCounter(ctx, n); err != nil {
		e.logger.Warn("persist counter failed", zap.Error(err))
		return
	}
	e.persisted = n
}

func (e *Engine) fail(out *Outcome, start time.Time, err error) (*Outcome, error) {
	out.Elapsed = e.now().Sub(start)
	return out, err
}

func authorOr(name, id string) string {
	if strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	return id
}

// truncateRunes caps s at n runes, marking the cut with an ellipsis.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
