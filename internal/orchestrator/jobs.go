package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/bus"
	"github.com/scalytics/pmdaemon/internal/report"
	"github.com/scalytics/pmdaemon/internal/scheduler"
)

// Job names.
const (
	JobIngest   = "ingest"
	JobExecute  = "execute"
	JobAnalysis = "analysis"
	JobCleanup  = "cleanup"
	JobMorning  = "report-morning"
	JobEvening  = "report-evening"
	JobWeekly   = "report-weekly"
)

func (o *Orchestrator) registerJobs() error {
	sc := o.cfg.Scheduler
	jobs := []*scheduler.Job{
		{Name: JobIngest, Every: sc.IngestInterval.Duration(), Run: o.track(JobIngest, func(ctx context.Context) error {
			_, err := o.Cycle(ctx)
			return err
		})},
		{Name: JobExecute, Every: sc.ExecuteInterval.Duration(), Run: o.track(JobExecute, func(ctx context.Context) error {
			_, err := o.Execute(ctx)
			return err
		})},
		{Name: JobAnalysis, Every: sc.AnalysisInterval.Duration(), Run: o.track(JobAnalysis, func(ctx context.Context) error {
			_, err := o.Analyze(ctx)
			return err
		})},
		{Name: JobCleanup, Every: sc.CleanupInterval.Duration(), Run: o.track(JobCleanup, func(ctx context.Context) error {
			_, err := o.Cleanup(ctx)
			return err
		})},
	}
	if o.cfg.Reports.Enabled {
		for _, r := range []struct {
			name string
			expr string
			slot report.Slot
		}{
			{JobMorning, o.cfg.Reports.Morning, report.SlotMorning},
			{JobEvening, o.cfg.Reports.Evening, report.SlotEvening},
			{JobWeekly, o.cfg.Reports.Weekly, report.SlotWeekly},
		} {
			if r.expr == "" {
				continue
			}
			at, err := scheduler.ParseSlot(r.expr)
			if err != nil {
				return fmt.Errorf("report %s: %w", r.slot, err)
			}
			slot := r.slot
			jobs = append(jobs, &scheduler.Job{
				Name: r.name,
				At:   at,
				Run: o.track(r.name, func(ctx context.Context) error {
					_, err := o.reporter.Run(ctx, slot)
					return err
				}),
				Missed: func() (bool, error) {
					sent, err := o.reporter.Sent(slot)
					return !sent, err
				},
			})
		}
	}

	for _, j := range jobs {
		if j.At == nil && j.Every <= 0 {
			slog.Info("Scheduler job disabled", "job", j.Name)
			continue
		}
		if err := o.sched.Register(j); err != nil {
			return err
		}
	}
	return nil
}

// track counts job outcomes.
func (o *Orchestrator) track(name string, fn scheduler.Func) scheduler.Func {
	return func(ctx context.Context) error {
		err := fn(ctx)
		outcome := "success"
		if err != nil {
			outcome = "failed"
		}
		o.metrics.JobRuns.WithLabelValues(name, outcome).Inc()
		return err
	}
}

// consumeTriggers starts jobs asked for on the bus. A trigger naming a
// channel runs an ingestion cycle for that channel under the ingest guard.
func (o *Orchestrator) consumeTriggers(ctx context.Context) {
	for {
		t, err := o.bus.ConsumeTrigger(ctx)
		if err != nil {
			return
		}
		o.handleTrigger(t)
	}
}

func (o *Orchestrator) handleTrigger(t *bus.Trigger) {
	var (
		started bool
		err     error
	)
	if t.Job == JobIngest && t.Channel != "" {
		channel := t.Channel
		started, err = o.sched.TriggerWith(JobIngest, o.track(JobIngest, func(ctx context.Context) error {
			_, err := o.ChannelCycle(ctx, channel)
			return err
		}))
	} else {
		started, err = o.sched.Trigger(t.Job)
	}
	switch {
	case err != nil:
		slog.Warn("Trigger rejected", "job", t.Job, "source", t.Source, "error", err)
	case !started:
		slog.Info("Trigger skipped, job already running", "job", t.Job, "channel", t.Channel, "source", t.Source)
	default:
		slog.Info("Job triggered", "job", t.Job, "channel", t.Channel, "source", t.Source, "trace_id", t.TraceID)
	}
}

const recentCap = 500

// recentEvents keeps the last ingested events for the proactive analysis.
type recentEvents struct {
	mu     sync.Mutex
	cap    int
	maxAge time.Duration
	items  []stamped
}

type stamped struct {
	at time.Time
	ev action.Event
}

func newRecentEvents(capacity int, maxAge time.Duration) *recentEvents {
	return &recentEvents{cap: capacity, maxAge: maxAge}
}

func (r *recentEvents) add(now time.Time, events ...action.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range events {
		r.items = append(r.items, stamped{at: now, ev: ev})
	}
	if over := len(r.items) - r.cap; over > 0 {
		r.items = append([]stamped(nil), r.items[over:]...)
	}
}

func (r *recentEvents) snapshot(now time.Time) []action.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []action.Event
	kept := r.items[:0]
	for _, it := range r.items {
		if now.Sub(it.at) > r.maxAge {
			continue
		}
		kept = append(kept, it)
		out = append(out, it.ev)
	}
	r.items = kept
	return out
}
