// Package scheduler runs the periodic consistency passes. Each job runs once
// at start and then on its own ticker, and never overlaps itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hypetoken/ledger-engine/internal/logging"
	"github.com/hypetoken/ledger-engine/internal/metrics"
	"github.com/hypetoken/ledger-engine/internal/traces"
)

var (
	ErrJobRunning   = errors.New("scheduler: job already running")
	ErrUnknownJob   = errors.New("scheduler: unknown job")
	ErrDuplicateJob = errors.New("scheduler: duplicate job")
	ErrInvalidJob   = errors.New("scheduler: invalid job")
	ErrStarted      = errors.New("scheduler: already started")
)

// Func is one pass of a job.
type Func func(ctx context.Context) error

// Job is a named periodic pass.
type Job struct {
	Name     string
	Interval time.Duration
	Run      Func
}

// Status is a point-in-time view of a job.
type Status struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Running   bool          `json:"running"`
	Runs      int           `json:"runs"`
	Skipped   int           `json:"skipped"`
	LastStart *time.Time    `json:"last_start,omitempty"`
	LastTook  time.Duration `json:"last_took"`
	LastError string        `json:"last_error,omitempty"`
}

type job struct {
	Job
	running atomic.Bool

	mu        sync.Mutex
	runs      int
	skipped   int
	lastStart time.Time
	lastTook  time.Duration
	lastErr   error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocker adds a cross-process lease around every pass.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler owns a set of jobs.
type Scheduler struct {
	timeout time.Duration
	locker  Locker
	logger  *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	wg      sync.WaitGroup
}

// New creates a scheduler whose passes each run under timeout.
func New(timeout time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		timeout: timeout,
		logger:  slog.Default(),
		jobs:    make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. Jobs must be added before Start.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Interval <= 0 || j.Run == nil {
		return fmt.Errorf("%w: %q", ErrInvalidJob, j.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if _, ok := s.jobs[j.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.Name)
	}
	s.jobs[j.Name] = &job{Job: j}
	return nil
}

// Start launches one loop per job. Loops exit when ctx is cancelled; Wait
// blocks until they and any in-flight passes have returned.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs), "timeout", s.timeout)
	return nil
}

// Wait blocks until every loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	s.trigger(ctx, j)

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.trigger(ctx, j)
		}
	}
}

// trigger runs a pass in the background so that a trigger arriving while the
// previous pass is still in flight is observed and skipped.
func (s *Scheduler) trigger(ctx context.Context, j *job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.run(ctx, j)
	}()
}

// RunNow runs a pass of name synchronously. It returns ErrJobRunning when a
// pass is already in flight, here or behind the locker.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, j)
}

// Names lists registered jobs, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Statuses reports every job, sorted by name.
func (s *Scheduler) Statuses() []Status {
	names := s.Names()
	out := make([]Status, 0, len(names))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		out = append(out, s.jobs[n].status())
	}
	return out
}

func (j *job) status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := Status{
		Name:     j.Name,
		Interval: j.Interval,
		Running:  j.running.Load(),
		Runs:     j.runs,
		Skipped:  j.skipped,
		LastTook: j.lastTook,
	}
	if !j.lastStart.IsZero() {
		start := j.lastStart
		st.LastStart = &start
	}
	if j.lastErr != nil {
		st.LastError = j.lastErr.Error()
	}
	return st
}

func (s *Scheduler) skip(j *job, why string) error {
	metrics.JobSkipped.WithLabelValues(j.Name).Inc()
	j.mu.Lock()
	j.skipped++
	j.mu.Unlock()
	s.logger.Warn("job trigger skipped", "job", j.Name, "reason", why)
	return fmt.Errorf("%w: %s", ErrJobRunning, j.Name)
}

func (s *Scheduler) run(parent context.Context, j *job) (err error) {
	if !j.running.CompareAndSwap(false, true) {
		return s.skip(j, "previous pass still running")
	}
	defer j.running.Store(false)

	if s.locker != nil {
		release, ok, lerr := s.locker.Acquire(parent, leaseKey(j.Name), s.timeout)
		if lerr != nil {
			s.logger.Error("job lease failed", "job", j.Name, "error", lerr)
			metrics.JobRuns.WithLabelValues(j.Name, "error").Inc()
			return fmt.Errorf("acquire lease: %w", lerr)
		}
		if !ok {
			return s.skip(j, "lease held elsewhere")
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 5*time.Second)
			defer cancel()
			if rerr := release(rctx); rerr != nil {
				s.logger.Warn("job lease release failed", "job", j.Name, "error", rerr)
			}
		}()
	}

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	ctx = logging.WithJob(ctx, j.Name)
	ctx, span := traces.StartSpan(ctx, "scheduler.run", traces.Job(j.Name))
	defer func() { traces.End(span, err) }()

	start := time.Now()
	outcome := "ok"
	err = safeRun(ctx, j.Run)
	took := time.Since(start)

	var pe *panicError
	switch {
	case errors.As(err, &pe):
		outcome = "panic"
		s.logger.Error("job panicked", "job", j.Name, "panic", pe.value)
	case err != nil:
		outcome = "error"
		s.logger.Error("job failed", "job", j.Name, "error", err, "took", took)
	default:
		s.logger.Debug("job finished", "job", j.Name, "took", took)
	}
	metrics.JobRuns.WithLabelValues(j.Name, outcome).Inc()
	metrics.JobDuration.WithLabelValues(j.Name).Observe(took.Seconds())

	j.mu.Lock()
	j.runs++
	j.lastStart = start
	j.lastTook = took
	j.lastErr = err
	j.mu.Unlock()
	return err
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func safeRun(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return fn(ctx)
}

func leaseKey(name string) string {
	return "ledger-engine:job:" + name
}
