// Package scheduler drives the daemon's interval and calendar-anchored jobs.
// A job never runs twice concurrently, missed calendar slots are caught up on
// startup, and shutdown waits for running jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Job run statuses recorded in the ledger.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped_running"
)

// ErrUnknownJob is returned for a job name that was never registered.
var ErrUnknownJob = errors.New("scheduler: unknown job")

// Func is the body of a job.
type Func func(ctx context.Context) error

// Job defines a schedulable unit of work. Exactly one of Every and At is set.
type Job struct {
	Name  string
	Every time.Duration
	At    *Slot
	Run   Func
	// Missed reports whether today's already-passed slot of a calendar job
	// still has to run. Calendar jobs without it are not caught up.
	Missed func() (bool, error)
}

// Ledger records job runs.
type Ledger interface {
	UpsertScheduledJob(jobName, status string, runAt time.Time) error
}

// Config holds scheduler settings.
type Config struct {
	TickInterval    time.Duration
	ShutdownTimeout time.Duration
	// Location is the zone calendar jobs are evaluated in.
	Location *time.Location
	Now      func() time.Time
}

type entry struct {
	job      *Job
	guard    *Semaphore
	next     time.Time
	lastSlot time.Time
}

// Scheduler dispatches registered jobs on their own periods.
type Scheduler struct {
	cfg    Config
	ledger Ledger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*entry
	wg   sync.WaitGroup
	// base is the context handed to jobs; it outlives Run's context so
	// in-flight jobs finish during shutdown.
	base context.Context
}

// New creates a Scheduler. ledger may be nil.
func New(cfg Config, ledger Ledger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 60 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		cfg:    cfg,
		ledger: ledger,
		now:    cfg.Now,
		jobs:   make(map[string]*entry),
		base:   context.Background(),
	}
}

// Register adds a job to the scheduler.
func (s *Scheduler) Register(job *Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("scheduler: job needs a name and a body")
	}
	if (job.Every > 0) == (job.At != nil) {
		return fmt.Errorf("scheduler: job %s needs exactly one of an interval or a slot", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("scheduler: job %s already registered", job.Name)
	}
	s.jobs[job.Name] = &entry{job: job, guard: NewSemaphore(1)}
	slog.Info("Scheduler job registered", "name", job.Name, "every", job.Every, "calendar", job.At != nil)
	return nil
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Running reports whether the named job is executing right now.
func (s *Scheduler) Running(name string) bool {
	e, ok := s.entry(name)
	return ok && e.guard.Available() == 0
}

// Run starts the tick loop and blocks until ctx is cancelled. It then waits
// up to ShutdownTimeout for running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.base = context.WithoutCancel(ctx)
	n := len(s.jobs)
	s.mu.Unlock()

	slog.Info("Scheduler started", "tick", s.cfg.TickInterval, "jobs", n)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick(s.now())
	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler stopping, draining running jobs")
			return s.Drain(s.cfg.ShutdownTimeout)
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

// Drain waits for running jobs.
func (s *Scheduler) Drain(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Scheduler stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("scheduler: jobs still running after %s", timeout)
	}
}

// tick starts every job that is due at now.
func (s *Scheduler) tick(now time.Time) {
	local := now.In(s.cfg.Location)
	slot := local.Truncate(time.Minute)

	s.mu.Lock()
	var due []*entry
	for _, e := range s.jobs {
		switch {
		case e.job.Every > 0:
			if !now.Before(e.next) {
				e.next = now.Add(e.job.Every)
				due = append(due, e)
			}
		case e.job.At.Matches(slot) && !slot.Equal(e.lastSlot):
			e.lastSlot = slot
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.start(e, e.job.Run, now)
	}
}

// Trigger starts the named job now unless it is already running.
func (s *Scheduler) Trigger(name string) (bool, error) {
	e, ok := s.entry(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.start(e, e.job.Run, s.now()), nil
}

// TriggerWith runs fn in the background under the named job's guard, as if
// it were that job. It returns false when the job is already running.
func (s *Scheduler) TriggerWith(name string, fn Func) (bool, error) {
	e, ok := s.entry(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.start(e, fn, s.now()), nil
}

// RunNow runs the named job in the caller's goroutine, waiting for a
// running instance to finish first.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	e, ok := s.entry(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if err := e.guard.Acquire(ctx); err != nil {
		return err
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer e.guard.Release()
	return s.execute(ctx, e.job.Name, e.job.Run, s.now())
}

// CatchUp runs, synchronously and in name order, every calendar job whose
// slot has already passed today and whose Missed hook says it has not run.
// It returns the names of the jobs it ran.
func (s *Scheduler) CatchUp(ctx context.Context) []string {
	now := s.now().In(s.cfg.Location)
	var ran []string
	for _, name := range s.Jobs() {
		e, _ := s.entry(name)
		if e.job.At == nil || e.job.Missed == nil {
			continue
		}
		slot, passed := e.job.At.LastToday(now)
		if !passed {
			continue
		}
		missed, err := e.job.Missed()
		if err != nil {
			slog.Warn("Catch-up check failed", "job", name, "error", err)
			continue
		}
		if !missed {
			slog.Info("Catch-up not needed", "job", name, "slot", slot.Format("15:04"))
			continue
		}
		slog.Warn("Missed scheduled slot, running now", "job", name, "slot", slot.Format("15:04"))
		if err := s.RunNow(ctx, name); err != nil {
			slog.Error("Catch-up run failed", "job", name, "error", err)
		}
		s.mu.Lock()
		e.lastSlot = slot
		s.mu.Unlock()
		ran = append(ran, name)
	}
	return ran
}

func (s *Scheduler) entry(name string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	return e, ok
}

// start runs fn in the background if the job's guard is free.
func (s *Scheduler) start(e *entry, fn Func, now time.Time) bool {
	if !e.guard.TryAcquire() {
		slog.Debug("Scheduler job skipped: still running", "job", e.job.Name)
		s.record(e.job.Name, StatusSkipped, now)
		return false
	}
	s.mu.Lock()
	ctx := s.base
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer e.guard.Release()
		_ = s.execute(ctx, e.job.Name, fn, now)
	}()
	return true
}

func (s *Scheduler) execute(ctx context.Context, name string, fn Func, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}
		status := StatusSuccess
		if err != nil {
			status = StatusFailed
			slog.Error("Scheduler job failed", "job", name, "error", err)
		}
		s.record(name, status, now)
	}()
	return fn(ctx)
}

// record persists the run status to the ledger (best-effort).
func (s *Scheduler) record(name, status string, at time.Time) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.UpsertScheduledJob(name, status, at); err != nil {
		slog.Debug("Scheduler ledger write failed", "job", name, "error", err)
	}
}
