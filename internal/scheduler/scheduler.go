// Package scheduler runs named jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrDuplicateJob = errors.New("job already registered")
	ErrInvalidCron  = errors.New("invalid cron expression")
)

// Func is the body of a job.
type Func func(ctx context.Context) error

// Job is a registered schedule.
type Job struct {
	Name string
	Expr string
	Run  Func
}

// Execution records one run of a job.
type Execution struct {
	Job       string
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Status is the externally visible state of a job.
type Status struct {
	Name    string
	Expr    string
	LastRun *Execution
	NextRun time.Time
}

const historyLimit = 20

type jobState struct {
	Job
	next    time.Time
	history []Execution
	running sync.Mutex
}

// Scheduler owns a set of jobs and runs each on its own timer.
type Scheduler struct {
	mu        sync.RWMutex
	jobs      map[string]*jobState
	nextRunFn func(expr string, from time.Time) (time.Time, error)
	now       func() time.Time

	wg      sync.WaitGroup
	started bool
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		jobs:      make(map[string]*jobState),
		nextRunFn: NextRun,
		now:       time.Now,
	}
}

// SetNextRunFunc overrides the next-run calculation.
func (s *Scheduler) SetNextRunFunc(fn func(string, time.Time) (time.Time, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRunFn = fn
}

// Validate reports whether expr is a cron expression gronx accepts.
func Validate(expr string) error {
	if expr == "" || !gronx.New().IsValid(expr) {
		return fmt.Errorf("%w: %q", ErrInvalidCron, expr)
	}
	return nil
}

// NextRun returns the first tick of expr strictly after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	return gronx.NextTickAfter(expr, from, false)
}

// Add registers a job. Jobs must be added before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %q: run func is required", job.Name)
	}
	if err := Validate(job.Expr); err != nil {
		return fmt.Errorf("job %q: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("job %q: scheduler already started", job.Name)
	}
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	next, err := s.nextRunFn(job.Expr, s.now())
	if err != nil {
		return fmt.Errorf("job %q: %w", job.Name, err)
	}
	s.jobs[job.Name] = &jobState{Job: job, next: next}
	return nil
}

// Start launches one loop per job. The loops exit when ctx is cancelled;
// Wait blocks until they have.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	jobs := make([]*jobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	for _, j := range jobs {
		slog.Info("scheduler job registered", "job", j.Name, "cron", j.Expr, "next", j.next.Format(time.RFC3339))
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
}

// Wait blocks until every job loop has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) loop(ctx context.Context, j *jobState) {
	defer s.wg.Done()
	for {
		s.mu.RLock()
		next := j.next
		s.mu.RUnlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.execute(ctx, j)
	}
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (Execution, error) {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.execute(ctx, j), nil
}

func (s *Scheduler) execute(ctx context.Context, j *jobState) Execution {
	j.running.Lock()
	defer j.running.Unlock()

	start := s.now()
	err := runSafe(ctx, j.Run)
	rec := Execution{Job: j.Name, StartedAt: start, Duration: time.Since(start), Err: err}
	if err != nil {
		slog.Warn("scheduler job failed", "job", j.Name, "error", err)
	} else {
		slog.Info("scheduler job finished", "job", j.Name, "duration", rec.Duration)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if next, nerr := s.nextRunFn(j.Expr, s.now()); nerr == nil {
		j.next = next
	} else {
		slog.Error("scheduler next run", "job", j.Name, "error", nerr)
		j.next = s.now().Add(time.Hour)
	}
	j.history = append(j.history, rec)
	if len(j.history) > historyLimit {
		j.history = j.history[len(j.history)-historyLimit:]
	}
	return rec
}

func runSafe(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// History returns the recent executions of a job, newest first.
func (s *Scheduler) History(name string) []Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[name]
	if !ok {
		return nil
	}
	out := make([]Execution, len(j.history))
	for i, rec := range j.history {
		out[len(out)-1-i] = rec
	}
	return out
}

// Jobs returns the status of every job, sorted by name.
func (s *Scheduler) Jobs() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Status, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := Status{Name: j.Name, Expr: j.Expr, NextRun: j.next}
		if n := len(j.history); n > 0 {
			last := j.history[n-1]
			st.LastRun = &last
		}
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}
