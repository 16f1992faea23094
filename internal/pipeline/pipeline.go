// Package pipeline runs a cycle in split mode: one sub-prompt per reply section, each
// sent to its own configured provider and model.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tdimino/claudicle/internal/config"
	"github.com/tdimino/claudicle/internal/extract"
	"github.com/tdimino/claudicle/internal/llm"
	"github.com/tdimino/claudicle/internal/logging"
	"github.com/tdimino/claudicle/internal/prompt"
)

// Router resolves the completer for a step. *llm.Router satisfies it.
type Router interface {
	Step(step string) (llm.Completer, llm.Spec, error)
}

// StepResult is the outcome of one sub-call. It lives only for the cycle.
type StepResult struct {
	Step     string
	Provider string
	Model    string
	Output   string
	Elapsed  time.Duration
	Err      error
}

// Outcome is the merged result of all steps.
type Outcome struct {
	Result *extract.Result
	Steps  []StepResult
	// Raw is the merged result written back in the tagged reply shape.
	Raw string
}

type Pipeline struct {
	router    Router
	maxTokens int
	logger    *zap.Logger
}

func New(router Router, maxTokens int, logger *zap.Logger) *Pipeline {
	return &Pipeline{router: router, maxTokens: maxTokens, logger: logging.OrNop(logger).Named("pipeline")}
}

// Run executes the steps for pc. Gate steps and the monologue run in parallel first;
// the reply and any update steps whose gate came back true run after them. Only a
// reply failure is returned as an error; the Outcome is still non-nil then.
// profile is the user's current profile, shown to the profile update step.
//
// A newer message on the same thread does not interrupt a running cycle; callers
// serialize cycles per thread and the next one starts when this returns.
func (p *Pipeline) Run(ctx context.Context, pc *prompt.Context, profile string) (*Outcome, error) {
	first := []string{config.StepMonologue, config.StepUserModelCheck}
	if pc.StateCheck {
		first = append(first, config.StepStateCheck)
	}
	firstResults := make([]StepResult, len(first))

	var g errgroup.Group
	for i, step := range first {
		g.Go(func() error {
			firstResults[i] = p.runStep(ctx, step, pc, "", profile)
			return nil
		})
	}
	_ = g.Wait()

	res := &extract.Result{}
	for _, sr := range firstResults {
		if sr.Err != nil {
			p.logger.Warn("step failed", zap.String("step", sr.Step), zap.Error(sr.Err))
			continue
		}
		mergeFirst(res, sr)
	}

	second := []string{config.StepReply}
	if res.UserModelCheck != nil && *res.UserModelCheck {
		second = append(second, config.StepUserModelUpdate)
	}
	if res.StateCheck != nil && *res.StateCheck {
		second = append(second, config.StepStateUpdate)
	}
	secondResults := make([]StepResult, len(second))
	prior := priorSummary(firstResults)

	eg, egCtx := errgroup.WithContext(ctx)
	for i, step := range second {
		eg.Go(func() error {
			secondResults[i] = p.runStep(egCtx, step, pc, prior, profile)
			if step == config.StepReply && secondResults[i].Err != nil {
				return secondResults[i].Err
			}
			return nil
		})
	}
	replyErr := eg.Wait()

	for _, sr := range secondResults {
		if sr.Err != nil {
			if sr.Step != config.StepReply {
				p.logger.Warn("step failed", zap.String("step", sr.Step), zap.Error(sr.Err))
			}
			continue
		}
		mergeSecond(res, sr)
	}
	res.Sections = sectionsOf(res)
	res.Degraded = strings.TrimSpace(res.Reply) == ""

	out := &Outcome{
		Result: res,
		Steps:  append(firstResults, secondResults...),
		Raw:    extract.Format(res),
	}
	if replyErr != nil {
		return out, replyErr
	}
	return out, nil
}

func (p *Pipeline) runStep(ctx context.Context, step string, pc *prompt.Context, prior, profile string) StepResult {
	start := time.Now()
	sr := StepResult{Step: step}

	completer, spec, err := p.router.Step(step)
	sr.Provider, sr.Model = spec.Provider, spec.Model
	if err != nil {
		sr.Err = llm.Wrap(step, spec, err)
		return sr
	}

	req := llm.Request{Prompt: stepPrompt(step, pc, prior, profile), MaxTokens: p.maxTokens}
	if step == config.StepMonologue || step == config.StepReply {
		req.History = pc.Turns()
	}
	text, err := completer.Complete(ctx, req)
	sr.Elapsed = time.Since(start)
	if err != nil {
		sr.Err = llm.Wrap(step, spec, err)
		return sr
	}
	sr.Output = text
	p.logger.Debug("step done", zap.String("step", step), zap.String("model", spec.Model), zap.Duration("elapsed", sr.Elapsed))
	return sr
}

func stepPrompt(step string, pc *prompt.Context, prior, profile string) string {
	var task strings.Builder
	task.WriteString("## Your Task\nWrite only the section below and nothing else.\n\n")
	task.WriteString(prompt.FieldInstruction(extract.Field(step)))

	var current string
	if step == config.StepUserModelUpdate && pc.Profile == "" && strings.TrimSpace(profile) != "" {
		current = "## Current Profile\n\n" + strings.TrimSpace(profile)
	}
	return pc.RenderWith(current, prior, task.String())
}

func priorSummary(results []StepResult) string {
	var lines []string
	for _, sr := range results {
		if sr.Err != nil || strings.TrimSpace(sr.Output) == "" {
			continue
		}
		value := stepText(extract.Field(sr.Step), sr.Output)
		if value == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", sr.Step, value))
	}
	if len(lines) == 0 {
		return ""
	}
	return "## Earlier Steps This Turn\n" + strings.Join(lines, "\n")
}

// stepText pulls the value of field out of a step reply. A reply without the
// section tag is taken as the value itself.
func stepText(field extract.Field, raw string) string {
	r := extract.Parse(raw)
	switch field {
	case extract.FieldMonologue:
		if r.Has(field) {
			return r.Monologue
		}
	case extract.FieldUserModelUpdate:
		if r.Has(field) {
			return r.UserModelUpdate
		}
	case extract.FieldUserModelCheck, extract.FieldStateCheck:
		var b *bool
		if field == extract.FieldUserModelCheck {
			b = r.UserModelCheck
		} else {
			b = r.StateCheck
		}
		if b == nil {
			b = extract.ParseBool(raw)
		}
		if b == nil {
			return ""
		}
		return fmt.Sprint(*b)
	case extract.FieldReply:
		return r.Reply
	}
	return strings.TrimSpace(raw)
}

func mergeFirst(res *extract.Result, sr StepResult) {
	r := extract.Parse(sr.Output)
	switch sr.Step {
	case config.StepMonologue:
		res.Monologue = stepText(extract.FieldMonologue, sr.Output)
		res.MonologueVerb = r.MonologueVerb
	case config.StepUserModelCheck:
		res.UserModelCheck = extract.ParseBool(stepText(extract.FieldUserModelCheck, sr.Output))
	case config.StepStateCheck:
		res.StateCheck = extract.ParseBool(stepText(extract.FieldStateCheck, sr.Output))
	}
}

func mergeSecond(res *extract.Result, sr StepResult) {
	r := extract.Parse(sr.Output)
	switch sr.Step {
	case config.StepReply:
		res.Reply = r.Reply
		res.ReplyVerb = r.ReplyVerb
	case config.StepUserModelUpdate:
		res.UserModelUpdate = stepText(extract.FieldUserModelUpdate, sr.Output)
		res.ProfileChangeNote = r.ProfileChangeNote
	case config.StepStateUpdate:
		body := sr.Output
		if r.Has(extract.FieldStateUpdate) {
			res.StateChanges, res.DroppedKeys = r.StateChanges, r.DroppedKeys
			return
		}
		res.StateChanges, res.DroppedKeys = extract.ParseStateUpdate(body)
	}
}

func sectionsOf(res *extract.Result) []extract.Section {
	var out []extract.Section
	add := func(f extract.Field, verb, text string) {
		out = append(out, extract.Section{Field: f, Verb: verb, Text: text})
	}
	if res.Monologue != "" {
		add(extract.FieldMonologue, res.MonologueVerb, res.Monologue)
	}
	if res.Reply != "" {
		add(extract.FieldReply, res.ReplyVerb, res.Reply)
	}
	if res.UserModelCheck != nil {
		add(extract.FieldUserModelCheck, "", fmt.Sprint(*res.UserModelCheck))
	}
	if res.UserModelUpdate != "" {
		add(extract.FieldUserModelUpdate, "", res.UserModelUpdate)
	}
	if res.StateCheck != nil {
		add(extract.FieldStateCheck, "", fmt.Sprint(*res.StateCheck))
	}
	if len(res.StateChanges) > 0 {
		add(extract.FieldStateUpdate, "", "")
	}
	return out
}
