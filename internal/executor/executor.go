// Package executor dispatches APPROVED actions to their collaborator adapters.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/calendar"
	"github.com/scalytics/pmdaemon/internal/channels"
	"github.com/scalytics/pmdaemon/internal/mail"
	"github.com/scalytics/pmdaemon/internal/queue"
	"github.com/scalytics/pmdaemon/internal/store"
)

// Results recorded for dispatches that were deliberately not performed.
const (
	ResultSelfTarget   = "skipped: self-target"
	ResultPastDue      = "skipped: past-due"
	ResultAcknowledged = "proactive suggestion acknowledged"
)

// DefaultSection is the document section planner task updates replace.
const DefaultSection = "2. Active Epics & Tasks"

// Document is the part of the document store the executor writes.
type Document interface {
	ReplaceSection(title, body string) error
}

// Summarizer renders a report body for a period such as "weekly".
type Summarizer func(ctx context.Context, period string) (string, error)

// Executor runs the execution cycle.
type Executor struct {
	Queue     *queue.Queue
	Store     *store.Store
	Messenger channels.Messenger
	Document  Document
	Mail      mail.Sender
	Calendar  calendar.Creator
	Summarize Summarizer

	BotID        string
	OperatorMail string
	Now          func() time.Time
	// OnResult observes every finished action.
	OnResult func(a action.Action)
}

// Summary counts one cycle's outcomes.
type Summary struct {
	Claimed  int
	Executed int
	Failed   int
	Rejected int
}

// ExecuteApproved claims every APPROVED action and runs it. A failing action
// is recorded as FAILED and never stops the rest of the batch. Actions that
// already finished are never claimed again.
func (e *Executor) ExecuteApproved(ctx context.Context) (Summary, error) {
	var sum Summary
	if e.Store != nil && e.Store.IsExecutionPaused() {
		slog.Info("Execution paused, skipping cycle")
		return sum, nil
	}

	n, err := e.Queue.LogRejections()
	if err != nil {
		slog.Error("Failed to log rejected actions", "error", err)
	}
	sum.Rejected = n

	claimed, err := e.Queue.Claim()
	if err != nil {
		return sum, fmt.Errorf("claim approved actions: %w", err)
	}
	sum.Claimed = len(claimed)

	for _, a := range claimed {
		result, execErr := e.run(ctx, a)
		done, err := e.Queue.Complete(a.ID, result, execErr, e.now())
		if err != nil {
			slog.Error("Failed to record action outcome", "action_id", a.ID, "error", err)
			continue
		}
		e.logRun(done)
		if execErr != nil {
			sum.Failed++
			slog.Warn("Action failed", "action_id", a.ID, "kind", a.Kind, "error", execErr)
		} else {
			sum.Executed++
			slog.Info("Action executed", "action_id", a.ID, "kind", a.Kind, "result", result)
		}
		if e.OnResult != nil {
			e.OnResult(done)
		}
	}
	return sum, nil
}

func (e *Executor) run(ctx context.Context, a action.Action) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.dispatch(ctx, a)
}

func (e *Executor) dispatch(ctx context.Context, a action.Action) (string, error) {
	switch p := a.Payload.(type) {
	case *action.Notify:
		return e.send(ctx, p.Message)
	case *action.Reply:
		return e.send(ctx, p.Message)
	case *action.ScheduleNotify:
		return e.schedule(ctx, a, p)
	case *action.UpdateDocument:
		return e.updateDocument(p)
	case *action.SendReport:
		return e.sendReport(ctx, p)
	case *action.CreatePoll:
		return e.poll(ctx, p)
	case *action.CreateMeeting:
		return e.meeting(ctx, p)
	case *action.Advisory:
		return ResultAcknowledged, nil
	case *action.Unsupported:
		return "", fmt.Errorf("unsupported action kind %q", p.RawKind)
	default:
		return "", fmt.Errorf("no payload for %s action", a.Kind)
	}
}

func (e *Executor) send(ctx context.Context, m action.Message) (string, error) {
	if e.Messenger == nil {
		return "", errors.New("messaging is not configured")
	}
	if m.Channel == "" {
		return "", errors.New("missing target channel")
	}
	text := channels.StripTag(m.Text, e.BotID)
	if text == "" {
		return "", errors.New("missing message text")
	}
	if e.BotID != "" && m.Channel == e.BotID {
		return ResultSelfTarget, nil
	}
	ts, err := e.Messenger.Send(ctx, m.Channel, text, m.ThreadID)
	if err != nil {
		return "", err
	}
	return "message sent: " + ts, nil
}

func (e *Executor) schedule(ctx context.Context, a action.Action, p *action.ScheduleNotify) (string, error) {
	if e.Messenger == nil {
		return "", errors.New("messaging is not configured")
	}
	if p.Channel == "" {
		return "", errors.New("missing target channel")
	}
	if p.At.IsZero() {
		return "", errors.New("missing reminder time")
	}
	if e.BotID != "" && p.Channel == e.BotID {
		return ResultSelfTarget, nil
	}
	if !p.At.After(e.now()) {
		return ResultPastDue, nil
	}
	text := p.Text
	if strings.TrimSpace(text) == "" {
		text = a.Rationale
	}
	id, err := e.Messenger.Schedule(ctx, p.Channel, ReminderText(channels.StripTag(text, e.BotID), p.Mentions), p.At)
	if errors.Is(err, channels.ErrPastDue) {
		return ResultPastDue, nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("scheduled %s for %s", id, p.At.Format(time.RFC3339)), nil
}

// ReminderText renders a scheduled reminder, tagging the target users first.
func ReminderText(text string, users []string) string {
	var tags []string
	for _, u := range users {
		if u = strings.TrimSpace(u); u != "" {
			tags = append(tags, channels.Tag(u))
		}
	}
	body := "📋 Reminder: " + strings.TrimSpace(text)
	if len(tags) == 0 {
		return body
	}
	return strings.Join(tags, " ") + " " + body
}

func (e *Executor) updateDocument(p *action.UpdateDocument) (string, error) {
	if e.Document == nil {
		return "", errors.New("document store is not configured")
	}
	if strings.TrimSpace(p.Body) == "" {
		return "", errors.New("missing document body")
	}
	section := p.Section
	if section == "" {
		section = DefaultSection
	}
	if err := e.Document.ReplaceSection(section, p.Body); err != nil {
		return "", err
	}
	return fmt.Sprintf("document section %q updated", section), nil
}

func (e *Executor) sendReport(ctx context.Context, p *action.SendReport) (string, error) {
	if e.Mail == nil {
		return "", mail.ErrDisabled
	}
	to := p.To
	if to == "" {
		to = e.OperatorMail
	}
	if to == "" {
		return "", errors.New("no report recipient configured")
	}
	period := p.Period
	if period == "" {
		period = "weekly"
	}
	body := p.Body
	if body == "" {
		if e.Summarize == nil {
			return "", errors.New("report body is empty")
		}
		var err error
		if body, err = e.Summarize(ctx, period); err != nil {
			return "", fmt.Errorf("render %s report: %w", period, err)
		}
	}
	subject := p.Subject
	if subject == "" {
		subject = fmt.Sprintf("📊 %s PM Report - %s", titleCase(period), e.now().Format("2006-01-02"))
	}
	if err := e.Mail.SendMail(ctx, to, subject, body); err != nil {
		return "", err
	}
	return "report sent to " + to, nil
}

func (e *Executor) poll(ctx context.Context, p *action.CreatePoll) (string, error) {
	if e.Messenger == nil {
		return "", errors.New("messaging is not configured")
	}
	if p.Channel == "" {
		return "", errors.New("missing poll channel")
	}
	ts, err := e.Messenger.Poll(ctx, p.Channel, p.Question, p.Options, p.ThreadID)
	if err != nil {
		return "", err
	}
	return "poll posted: " + ts, nil
}

func (e *Executor) meeting(ctx context.Context, p *action.CreateMeeting) (string, error) {
	if e.Calendar == nil {
		return "", calendar.ErrDisabled
	}
	created, err := e.Calendar.CreateEvent(ctx, calendar.Event{
		Summary:     p.Summary,
		Description: p.Description,
		Start:       p.Start,
		End:         p.End,
		Attendees:   p.Attendees,
	})
	if err != nil {
		return "", err
	}
	return "event created: " + created.ID, nil
}

func (e *Executor) logRun(a action.Action) {
	if e.Store == nil {
		return
	}
	payload, _ := json.Marshal(a.Payload)
	rec := &store.ActionRunRecord{
		ActionID:  a.ID,
		Kind:      string(a.Kind),
		Status:    store.RunSuccess,
		Rationale: a.Rationale,
		Payload:   string(payload),
		Result:    a.Result,
		CreatedAt: e.now(),
	}
	if a.Status == action.StatusFailed {
		rec.Status = store.RunFailed
		rec.Result = a.Error
	}
	if err := e.Store.LogActionRun(rec); err != nil {
		slog.Warn("Failed to log action run", "action_id", a.ID, "error", err)
	}
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
