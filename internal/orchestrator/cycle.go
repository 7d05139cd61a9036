package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/executor"
	"github.com/scalytics/pmdaemon/internal/gate"
	"github.com/scalytics/pmdaemon/internal/ingest"
	"github.com/scalytics/pmdaemon/internal/planner"
)

// CycleResult summarizes one ingest, plan and gate pass.
type CycleResult struct {
	TraceID   string
	Events    int
	Proposals int
	Queued    []action.Action
	Dropped   []gate.Drop
	Held      []gate.Held
}

// Cycle ingests from every source, plans over the new events, gates the
// proposals and appends the survivors to the queue.
func (o *Orchestrator) Cycle(ctx context.Context) (CycleResult, error) {
	return o.cycle(ctx, o.ingester.Sources)
}

// ChannelCycle runs a cycle over one Slack channel only.
func (o *Orchestrator) ChannelCycle(ctx context.Context, channel string) (CycleResult, error) {
	if o.messenger == nil {
		return CycleResult{}, fmt.Errorf("slack is not configured, cannot ingest %s", channel)
	}
	return o.cycle(ctx, []ingest.Source{o.mentionSource(channel)})
}

func (o *Orchestrator) cycle(ctx context.Context, sources []ingest.Source) (CycleResult, error) {
	res := CycleResult{TraceID: uuid.NewString()}

	events, rep, err := o.ingester.IngestFrom(ctx, sources...)
	o.observeIngest(events, rep)
	if err != nil {
		return res, fmt.Errorf("ingest: %w", err)
	}
	res.Events = len(events)
	if len(events) == 0 {
		return res, nil
	}
	o.recent.add(o.now(), events...)
	slog.Info("New events ingested", "trace_id", res.TraceID, "count", len(events))

	if o.planner == nil {
		slog.Warn("Events processed without a planner", "trace_id", res.TraceID, "count", len(events))
		return res, nil
	}
	doc, err := o.doc.ReadAll()
	if err != nil {
		slog.Warn("Planning without the context document", "trace_id", res.TraceID, "error", err)
	}
	proposals, err := o.planner.Plan(ctx, planner.Request{
		Now:       o.now(),
		Document:  doc,
		Events:    events,
		Directory: o.cfg.Identity.Directory,
		Operator:  o.cfg.Identity.OperatorID,
		Bot:       o.cfg.Identity.BotID,
		Timezone:  o.cfg.Reports.Location(),
	})
	if err != nil {
		// The events stay marked processed; a failed plan is not retried.
		o.metrics.PlannerFailures.Inc()
		slog.Error("Planning failed", "trace_id", res.TraceID, "events", len(events), "error", err)
		return res, fmt.Errorf("plan: %w", err)
	}
	res.Proposals = len(proposals)
	o.metrics.Proposals.Add(float64(len(proposals)))
	if len(proposals) == 0 {
		return res, nil
	}

	var gated gate.Result
	added, err := o.queue.Enqueue(func(queueLen int) []action.Action {
		gated = gate.Gate(proposals, events, gate.Options{
			BotID:      o.cfg.Identity.BotID,
			OperatorID: o.cfg.Identity.OperatorID,
			Policy:     o.policy,
			IDs:        o.ids,
			QueueLen:   queueLen,
			Now:        o.now(),
			TraceID:    res.TraceID,
		})
		return gated.Actions
	})
	if err != nil {
		return res, fmt.Errorf("enqueue: %w", err)
	}
	res.Queued, res.Dropped, res.Held = added, gated.Dropped, gated.Held
	o.observeGate(res)
	return res, nil
}

func (o *Orchestrator) observeIngest(events []action.Event, rep ingest.Report) {
	for _, ev := range events {
		o.metrics.EventsIngested.WithLabelValues(ev.Source).Inc()
	}
	for reason, n := range map[string]int{
		"duplicate":    rep.Duplicates,
		"self":         rep.Self,
		"unauthorized": rep.Unauthorized,
		"processed":    rep.Processed,
		"answered":     rep.Answered,
	} {
		if n > 0 {
			o.metrics.EventsSkipped.WithLabelValues(reason).Add(float64(n))
		}
	}
	for name := range rep.SourceErrors {
		o.metrics.SourceErrors.WithLabelValues(name).Inc()
	}
}

func (o *Orchestrator) observeGate(res CycleResult) {
	for _, d := range res.Dropped {
		o.metrics.GateDrops.WithLabelValues(string(d.Rule)).Inc()
		slog.Info("Proposal dropped", "trace_id", res.TraceID, "kind", d.Proposal.Kind, "rule", d.Rule, "trigger", d.Proposal.Trigger)
	}
	for _, h := range res.Held {
		o.metrics.GateHolds.WithLabelValues(h.Hold.String()).Inc()
		slog.Info("Action held for review", "trace_id", res.TraceID, "action_id", h.ActionID, "hold", h.Hold, "reason", h.Reason)
	}
	for _, a := range res.Queued {
		o.metrics.ActionsQueued.WithLabelValues(string(a.Kind), string(a.Status)).Inc()
		slog.Info("Action queued", "trace_id", res.TraceID, "action_id", a.ID, "kind", a.Kind, "status", a.Status, "trigger", a.Trigger)
	}
}

// Execute runs one execution cycle.
func (o *Orchestrator) Execute(ctx context.Context) (executor.Summary, error) {
	sum, err := o.executor.ExecuteApproved(ctx)
	if counts, cerr := o.queue.Counts(); cerr == nil {
		o.metrics.SetQueue(counts)
	}
	return sum, err
}

// Analyze runs the proactive analysis over the document and recent events.
func (o *Orchestrator) Analyze(ctx context.Context) ([]action.Action, error) {
	added, err := o.analyzer.Analyze(ctx, o.recent.snapshot(o.now()))
	for _, a := range added {
		o.metrics.ActionsQueued.WithLabelValues(string(a.Kind), string(a.Status)).Inc()
	}
	return added, err
}

// Cleanup purges queue entries past their retention.
func (o *Orchestrator) Cleanup(context.Context) (int, error) {
	n, err := o.queue.Cleanup(o.now(), o.cfg.Queue.PendingRetention.Duration(), o.cfg.Queue.TerminalRetention.Duration())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("Queue cleanup", "removed", n)
	}
	return n, nil
}
