package cognition

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tdimino/claudicle/internal/counsel"
	"github.com/tdimino/claudicle/internal/extract"
	"github.com/tdimino/claudicle/internal/memory"
)

// cycleRun carries the per-cycle state shared by the writers.
type cycleRun struct {
	engine *Engine
	msg    Message
	out    *Outcome
	phase  Phase
	log    *zap.Logger
}

func (c *cycleRun) to(next Phase) {
	prev := c.phase
	c.phase = next
	if c.engine.observer != nil && prev != next {
		c.engine.observer(c.out.TraceID, prev, next)
	}
}

// append writes one row under the cycle's trace id. Failures are logged only.
func (c *cycleRun) append(ctx context.Context, e memory.Entry) {
	e.ThreadKey = c.msg.ThreadKey
	e.UserID = c.msg.UserID
	e.TraceID = c.out.TraceID
	if _, err := c.engine.store.Append(ctx, e); err != nil {
		c.logger().Warn("append entry failed", zap.String("kind", string(e.Kind)), zap.Error(err))
		return
	}
	c.out.Writes++
}

func (c *cycleRun) logger() *zap.Logger {
	if c.log != nil {
		return c.log
	}
	return c.engine.logger
}

// persist applies the extracted sections. Update sections only take effect when
// their gate came back true.
func (c *cycleRun) persist(ctx context.Context, res *extract.Result) {
	agent := "agent"

	if res.Monologue != "" {
		c.append(ctx, memory.Entry{
			Kind:    memory.KindMonologue,
			Author:  agent,
			Verb:    verbOr(res.MonologueVerb, extract.DefaultMonologueVerb),
			Content: res.Monologue,
		})
	}
	if !c.out.Fallback {
		c.append(ctx, memory.Entry{
			Kind:    memory.KindDialogue,
			Author:  agent,
			Verb:    verbOr(res.ReplyVerb, extract.DefaultDialogueVerb),
			Content: c.out.Reply,
		})
	}

	if res.UserModelCheck != nil {
		c.append(ctx, gateEntry(memory.GateUserModel, *res.UserModelCheck))
		if *res.UserModelCheck {
			c.applyProfile(ctx, res)
		}
	}
	if res.StateCheck != nil {
		c.append(ctx, gateEntry(memory.GateStateCheck, *res.StateCheck))
		if *res.StateCheck {
			c.applyState(ctx, res)
		}
	}
}

func (c *cycleRun) applyProfile(ctx context.Context, res *extract.Result) {
	profile := strings.TrimSpace(res.UserModelUpdate)
	if profile == "" {
		if err := c.engine.store.MarkChecked(ctx, c.msg.UserID); err != nil {
			c.logger().Warn("mark user checked failed", zap.Error(err))
		}
		return
	}
	note := res.ProfileChangeNote
	if note == "" {
		note = "profile updated"
	}
	if err := c.engine.store.SaveProfile(ctx, c.msg.UserID, profile, note, c.out.TraceID); err != nil {
		c.logger().Warn("save profile failed", zap.Error(err))
		return
	}
	c.append(ctx, memory.Entry{
		Kind:    memory.KindSideEffect,
		Author:  "agent",
		Content: note,
		Meta:    memory.Meta{Effect: memory.EffectUserModelUpdate},
	})
}

func (c *cycleRun) applyState(ctx context.Context, res *extract.Result) {
	if len(res.DroppedKeys) > 0 {
		c.logger().Debug("dropped unknown state keys", zap.Strings("keys", res.DroppedKeys))
	}
	var applied []string
	for _, ch := range res.StateChanges {
		if err := c.engine.store.SetState(ctx, ch.Key, ch.Value); err != nil {
			c.logger().Warn("set state failed", zap.String("key", ch.Key), zap.Error(err))
			continue
		}
		applied = append(applied, fmt.Sprintf("%s: %s", ch.Key, ch.Value))
	}
	if len(applied) == 0 {
		return
	}
	c.append(ctx, memory.Entry{
		Kind:    memory.KindSideEffect,
		Author:  "agent",
		Content: strings.Join(applied, "\n"),
		Meta:    memory.Meta{Effect: memory.EffectStateUpdate},
	})
}

// invokeCounsel asks the counsel channel for a whisper about the finished cycle. It
// runs after the reply is returned, so it writes through the store directly.
func (e *Engine) invokeCounsel(ctx context.Context, msg Message, traceID, monologue string, interactions int64, log *zap.Logger) {
	state, err := e.store.AllState(ctx)
	if err != nil {
		log.Warn("load state for counsel failed", zap.Error(err))
		return
	}
	w := e.counsel.Invoke(ctx, counsel.SummaryFrom(state, monologue, interactions))
	if w == nil {
		return
	}
	if _, err := e.store.Append(ctx, memory.Entry{
		ThreadKey: msg.ThreadKey,
		UserID:    msg.UserID,
		TraceID:   traceID,
		Kind:      memory.KindCounsel,
		Author:    w.Source,
		Content:   w.Text,
		Meta:      memory.Meta{Source: w.Source, Extra: map[string]string{"event": "received"}},
	}); err != nil {
		log.Warn("append entry failed", zap.String("kind", string(memory.KindCounsel)), zap.Error(err))
	}
}

func gateEntry(name string, value bool) memory.Entry {
	return memory.Entry{
		Kind:    memory.KindGate,
		Author:  "agent",
		Content: fmt.Sprintf("%s: %t", name, value),
		Meta:    memory.Meta{Gate: name, Result: memory.Bool(value)},
	}
}

func verbOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
