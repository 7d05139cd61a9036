// Package orchestrator wires ingestion, planning, gating, the action queue,
// execution and reports onto the scheduler.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/approval"
	"github.com/scalytics/pmdaemon/internal/bus"
	"github.com/scalytics/pmdaemon/internal/calendar"
	"github.com/scalytics/pmdaemon/internal/channels"
	"github.com/scalytics/pmdaemon/internal/config"
	"github.com/scalytics/pmdaemon/internal/document"
	"github.com/scalytics/pmdaemon/internal/executor"
	"github.com/scalytics/pmdaemon/internal/gate"
	"github.com/scalytics/pmdaemon/internal/ingest"
	"github.com/scalytics/pmdaemon/internal/mail"
	"github.com/scalytics/pmdaemon/internal/metrics"
	"github.com/scalytics/pmdaemon/internal/planner"
	"github.com/scalytics/pmdaemon/internal/policy"
	"github.com/scalytics/pmdaemon/internal/queue"
	"github.com/scalytics/pmdaemon/internal/report"
	"github.com/scalytics/pmdaemon/internal/scheduler"
	"github.com/scalytics/pmdaemon/internal/store"
)

// Planner proposes actions for a batch of events.
type Planner interface {
	Plan(ctx context.Context, req planner.Request) ([]action.Proposal, error)
}

// Deps are the collaborators New wires together. Store is required; a nil
// Messenger disables the Slack sources and every message-shaped action.
type Deps struct {
	Store     *store.Store
	Messenger channels.Messenger
	Planner   Planner
	Mail      mail.Sender
	Calendar  calendar.Creator
	// Sources are ingested in addition to the Slack mention source.
	Sources []ingest.Source
	Metrics *metrics.Metrics
	Bus     *bus.MessageBus
	Now     func() time.Time
}

// Orchestrator owns one daemon's components.
type Orchestrator struct {
	cfg *config.Config
	now func() time.Time

	store     *store.Store
	queue     *queue.Queue
	approvals *approval.Manager
	doc       *document.Store
	messenger channels.Messenger
	planner   Planner
	policy    policy.Engine
	ids       *gate.IDSource

	ingester *ingest.Ingester
	executor *executor.Executor
	reporter *report.Reporter
	analyzer *report.Analyzer
	sched    *scheduler.Scheduler
	bus      *bus.MessageBus
	metrics  *metrics.Metrics
	recent   *recentEvents

	mu      sync.Mutex
	running bool
	closers []func() error
}

// New wires the components for cfg around d.
func New(cfg *config.Config, d Deps) (*Orchestrator, error) {
	if d.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Bus == nil {
		d.Bus = bus.NewMessageBus()
	}

	q := queue.New(d.Store)
	doc := document.Open(cfg.Paths.DocumentPath)
	o := &Orchestrator{
		cfg:       cfg,
		now:       d.Now,
		store:     d.Store,
		queue:     q,
		approvals: approval.NewManager(q),
		doc:       doc,
		messenger: d.Messenger,
		planner:   d.Planner,
		policy:    policy.NewDefaultEngine(cfg.Identity.OperatorID, cfg.Gate),
		ids:       &gate.IDSource{},
		bus:       d.Bus,
		metrics:   d.Metrics,
		recent:    newRecentEvents(recentCap, 24*time.Hour),
	}

	sources := append([]ingest.Source(nil), d.Sources...)
	threads := map[string]ingest.Threads{}
	if d.Messenger != nil && len(cfg.Slack.Channels) > 0 {
		sources = append([]ingest.Source{o.mentionSource(cfg.Slack.Channels...)}, sources...)
		threads[channels.SourceSlack] = d.Messenger
	}
	o.ingester = &ingest.Ingester{
		Sources:  sources,
		Markers:  d.Store,
		Threads:  threads,
		SelfID:   cfg.Identity.BotID,
		Senders:  cfg.Identity.Senders(),
		Lookback: cfg.Slack.Lookback.Duration(),
		Now:      d.Now,
	}

	loc := cfg.Reports.Location()
	o.reporter = &report.Reporter{
		Queue:        q,
		Store:        d.Store,
		Document:     doc,
		Channel:      reportChannel(cfg),
		OperatorMail: cfg.Identity.OperatorMail,
		Location:     loc,
		Now:          d.Now,
	}
	o.analyzer = &report.Analyzer{
		Queue:     q,
		Store:     d.Store,
		Document:  doc,
		StaleDays: cfg.Reports.StaleDays,
		Now:       d.Now,
	}
	o.executor = &executor.Executor{
		Queue:        q,
		Store:        d.Store,
		Messenger:    d.Messenger,
		Document:     doc,
		Mail:         d.Mail,
		Calendar:     d.Calendar,
		Summarize:    o.reporter.Summary,
		BotID:        cfg.Identity.BotID,
		OperatorMail: cfg.Identity.OperatorMail,
		Now:          d.Now,
		OnResult:     o.publishOutcome,
	}
	o.sched = scheduler.New(scheduler.Config{
		TickInterval:    cfg.Scheduler.TickInterval.Duration(),
		ShutdownTimeout: cfg.Scheduler.ShutdownTimeout.Duration(),
		Location:        loc,
		Now:             d.Now,
	}, d.Store)

	o.bus.Subscribe(bus.TopicAll, func(out *bus.Outcome) {
		o.metrics.ActionsFinished.WithLabelValues(out.Kind, out.Status).Inc()
	})
	o.approvals.OnDecision(func(a action.Action) {
		o.metrics.Decisions.WithLabelValues(string(a.Kind), fmt.Sprint(a.Status == action.StatusApproved)).Inc()
	})

	if err := o.registerJobs(); err != nil {
		return nil, err
	}
	return o, nil
}

// Open builds the production adapters from cfg and wires them.
func Open(cfg *config.Config) (*Orchestrator, error) {
	st, err := store.Open(cfg.Paths.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d := Deps{Store: st}
	var closers []func() error

	if cfg.Slack.Enabled {
		d.Messenger = channels.NewSlack(cfg.Slack)
	}
	if cfg.Kafka.Enabled {
		src := ingest.NewKafkaSource(ingest.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.Topic))
		d.Sources = append(d.Sources, src)
		closers = append(closers, src.Close)
	}
	if len(cfg.Planner.APIKeys) > 0 {
		p, err := planner.NewFromConfig(cfg.Planner)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("planner: %w", err)
		}
		d.Planner = p
	} else {
		slog.Warn("No planner keys configured, events will be marked processed without planning")
	}
	if cfg.Mail.Enabled {
		d.Mail = mail.NewSMTP(cfg.Mail)
	}
	if cfg.Calendar.Enabled {
		d.Calendar = calendar.NewGoogle(cfg.Calendar, nil)
	}

	o, err := New(cfg, d)
	if err != nil {
		st.Close()
		return nil, err
	}
	o.closers = append(closers, st.Close)
	return o, nil
}

// Run performs the startup catch-up pass, starts the trigger and outcome
// loops and blocks in the scheduler until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("orchestrator: already running")
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	if ran := o.CatchUp(ctx); len(ran) > 0 {
		slog.Info("Catch-up pass finished", "jobs", ran)
	}

	loops, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = o.bus.DispatchOutcomes(loops) }()
	go o.consumeTriggers(loops)

	slog.Info("Orchestrator started",
		"bot", o.cfg.Identity.BotID,
		"channels", len(o.cfg.Slack.Channels),
		"sources", len(o.ingester.Sources),
		"planner", o.planner != nil)
	return o.sched.Run(ctx)
}

// CatchUp runs the calendar jobs whose slot passed today without a marker.
func (o *Orchestrator) CatchUp(ctx context.Context) []string {
	return o.sched.CatchUp(ctx)
}

// Close releases the adapters opened by Open.
func (o *Orchestrator) Close() error {
	var errs []error
	for _, c := range o.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Queue returns the action queue.
func (o *Orchestrator) Queue() *queue.Queue { return o.queue }

// Approvals returns the operator approval manager.
func (o *Orchestrator) Approvals() *approval.Manager { return o.approvals }

// Store returns the durable store.
func (o *Orchestrator) Store() *store.Store { return o.store }

// Bus returns the trigger and outcome bus.
func (o *Orchestrator) Bus() *bus.MessageBus { return o.bus }

// Scheduler returns the job scheduler.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.sched }

// MetricsHandler serves the Prometheus registry.
func (o *Orchestrator) MetricsHandler() http.Handler { return o.metrics.Handler() }

// Status is a point-in-time view for the operator surface.
type Status struct {
	Queue     map[action.Status]int      `json:"queue"`
	Processed int                        `json:"processed_events"`
	Paused    bool                       `json:"execution_paused"`
	Jobs      []store.ScheduledJobRecord `json:"jobs"`
	Running   []string                   `json:"running_jobs,omitempty"`
}

// Status collects queue counts, marker totals and the job ledger.
func (o *Orchestrator) Status() (Status, error) {
	var st Status
	counts, err := o.queue.Counts()
	if err != nil {
		return st, err
	}
	st.Queue = counts
	o.metrics.SetQueue(counts)
	if st.Processed, err = o.store.CountProcessed(); err != nil {
		return st, err
	}
	st.Paused = o.store.IsExecutionPaused()
	if st.Jobs, err = o.store.ListScheduledJobs(); err != nil {
		return st, err
	}
	for _, name := range o.sched.Jobs() {
		if o.sched.Running(name) {
			st.Running = append(st.Running, name)
		}
	}
	return st, nil
}

func (o *Orchestrator) mentionSource(chans ...string) *channels.MentionSource {
	return &channels.MentionSource{
		Messenger:  o.messenger,
		Channels:   chans,
		BotID:      o.cfg.Identity.BotID,
		OperatorID: o.cfg.Identity.OperatorID,
		Keywords:   o.cfg.Slack.Keywords,
	}
}

func (o *Orchestrator) publishOutcome(a action.Action) {
	o.bus.PublishOutcome(&bus.Outcome{
		ActionID: a.ID,
		Kind:     string(a.Kind),
		Status:   string(a.Status),
		Result:   a.Result,
	})
}

func reportChannel(cfg *config.Config) string {
	if cfg.Reports.Channel != "" {
		return cfg.Reports.Channel
	}
	if len(cfg.Slack.Channels) > 0 {
		return cfg.Slack.Channels[0]
	}
	return ""
}
