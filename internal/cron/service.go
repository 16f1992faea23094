// Package cron runs the gateway's periodic jobs on robfig/cron schedules.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tdimino/claudicle/internal/logging"
)

// Job names used by the gateway.
const (
	JobCounsel = "counsel"
	JobSweep   = "sweep"
)

// Accepts both 5-field and 6-field (seconds) expressions and @every/@hourly forms.
var parser = rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

type JobFunc func(ctx context.Context) error

// JobState is the last known outcome of a job.
type JobState struct {
	Name       string
	Spec       string
	Runs       int
	LastRunAt  time.Time
	LastStatus string
	LastError  string
	Next       time.Time
}

type job struct {
	state JobState
	fn    JobFunc
	entry rcron.EntryID
}

type Service struct {
	mu      sync.Mutex
	cron    *rcron.Cron
	jobs    map[string]*job
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  *zap.Logger
}

func NewService(logger *zap.Logger) *Service {
	l := logging.OrNop(logger).Named("cron")
	return &Service{
		cron: rcron.New(
			rcron.WithParser(parser),
			rcron.WithChain(rcron.Recover(cronLogger{l}), rcron.SkipIfStillRunning(cronLogger{l})),
			rcron.WithLogger(cronLogger{l}),
		),
		jobs:    make(map[string]*job),
		ctx:     context.Background(),
		timeout: 5 * time.Second,
		logger:  l,
	}
}

// Validate reports whether spec parses.
func Validate(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return nil
}

// AddJob registers fn under name. A job with the same name is replaced.
func (s *Service) AddJob(name, spec string, fn JobFunc) error {
	if err := Validate(spec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old.entry)
	}
	j := &job{state: JobState{Name: name, Spec: spec}, fn: fn}
	id, err := s.cron.AddFunc(spec, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	j.entry = id
	s.jobs[name] = j
	return nil
}

func (s *Service) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(j.entry)
	delete(s.jobs, name)
	return true
}

// Start runs the scheduler. Jobs receive a context that is cancelled by Stop or
// when ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	n := len(s.jobs)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("started", zap.Int("jobs", n))
}

// Stop halts scheduling and waits briefly for running jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	select {
	case <-s.cron.Stop().Done():
	case <-time.After(s.timeout):
		s.logger.Warn("stop timed out waiting for running jobs")
	}
	s.logger.Info("stopped")
}

// RunNow executes a job immediately, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(name)
}

func (s *Service) ListJobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := j.state
		st.Next = s.cron.Entry(j.entry).Next
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Service) execute(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return nil
	}

	start := time.Now()
	err := j.fn(ctx)

	s.mu.Lock()
	j.state.Runs++
	j.state.LastRunAt = start
	if err != nil {
		j.state.LastStatus, j.state.LastError = "error", err.Error()
	} else {
		j.state.LastStatus, j.state.LastError = "ok", ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("job failed", zap.String("job", name), zap.Error(err))
	} else {
		s.logger.Debug("job done", zap.String("job", name), zap.Duration("elapsed", time.Since(start)))
	}
	return err
}

// cronLogger routes robfig/cron's logging to zap.
type cronLogger struct{ l *zap.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
