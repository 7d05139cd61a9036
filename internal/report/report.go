// Package report builds the calendar-anchored status reports and the hourly
// proactive suggestions. Both only enqueue actions; delivery is the
// executor's job.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/document"
	"github.com/scalytics/pmdaemon/internal/queue"
	"github.com/scalytics/pmdaemon/internal/store"
)

// Slot is one calendar-anchored report.
type Slot string

const (
	SlotMorning Slot = "morning"
	SlotEvening Slot = "evening"
	SlotWeekly  Slot = "weekly"
)

// Daily reports whether the slot is posted to the team channel.
func (s Slot) Daily() bool { return s == SlotMorning || s == SlotEvening }

// Period is the summary window the slot reports on.
func (s Slot) Period() string {
	if s.Daily() {
		return string(s)
	}
	return "weekly"
}

// Key is the marker key of slot on the local calendar day of t.
func Key(slot Slot, t time.Time) string {
	day := t.Format("2006-01-02")
	if slot.Daily() {
		return "daily-" + string(slot) + "-" + day
	}
	return string(slot) + "-" + day
}

const (
	rule       = "════════════════════════════════════════"
	historyCap = 500
	footer     = "Generated by pmdaemon"
)

// Reader is the part of the document store reports read.
type Reader interface {
	ReadAll() (string, error)
}

// Reporter renders reports and enqueues them at most once per slot and day.
type Reporter struct {
	Queue    *queue.Queue
	Store    *store.Store
	Document Reader

	// Channel receives the daily reports.
	Channel string
	// OperatorMail receives the weekly report once approved.
	OperatorMail string
	Location     *time.Location
	Now          func() time.Time
}

// Sent reports whether the marker for slot exists for the current local day.
func (r *Reporter) Sent(slot Slot) (bool, error) {
	return r.Store.HasSentReport(Key(slot, r.now()))
}

// Run enqueues the report for slot unless today's marker already exists.
// The marker is written after the action is queued. The action id is derived
// from the marker key, so a retry after a failed marker write cannot queue a
// second copy while the first is still in the queue.
func (r *Reporter) Run(ctx context.Context, slot Slot) (bool, error) {
	now := r.now()
	key := Key(slot, now)
	sent, err := r.Store.HasSentReport(key)
	if err != nil {
		return false, err
	}
	if sent {
		slog.Info("Report already sent for this slot", "report", key)
		return false, nil
	}

	body, err := r.Summary(ctx, slot.Period())
	if err != nil {
		return false, fmt.Errorf("render %s report: %w", slot, err)
	}
	a, err := r.build(slot, key, body, now)
	if err != nil {
		return false, err
	}
	added, err := r.Queue.Append(a)
	if err != nil {
		return false, fmt.Errorf("enqueue %s report: %w", slot, err)
	}
	if _, err := r.Store.MarkReportSent(key, now); err != nil {
		return false, err
	}
	slog.Info("Report queued", "report", key, "action_id", a.ID, "status", a.Status, "new", len(added) > 0)
	return len(added) > 0, nil
}

func (r *Reporter) build(slot Slot, key, body string, now time.Time) (action.Action, error) {
	a := action.Action{
		ID:         "report-" + key,
		Confidence: 0.95,
		Severity:   action.SeverityLow,
		Trigger:    "scheduler",
		CreatedAt:  now,
		Proactive:  true,
	}
	if slot.Daily() {
		if r.Channel == "" {
			return a, errors.New("no report channel configured")
		}
		a.Kind = action.KindNotify
		a.Status = action.StatusApproved
		a.Rationale = fmt.Sprintf("📢 Daily %s Update", titleCase(string(slot)))
		a.Payload = &action.Notify{Message: action.Message{Channel: r.Channel, Text: body}}
		return a, nil
	}
	a.Kind = action.KindSendReport
	a.Status = action.StatusPending
	a.Rationale = "📊 Weekly status report is ready. Approve to send via email."
	a.Payload = &action.SendReport{
		To:      r.OperatorMail,
		Subject: fmt.Sprintf("📊 Weekly PM Report - %s", now.Format("2006-01-02")),
		Body:    body,
		Period:  "weekly",
	}
	return a, nil
}

// Metrics are the figures a report shows.
type Metrics struct {
	Health   string
	Blockers int
	Executed int
	Success  float64
	Approval float64
	ByKind   map[string]int
}

// Collect gathers the metrics for period ("morning", "evening", "daily" or "weekly").
func (r *Reporter) Collect(period string) (Metrics, error) {
	m := Metrics{Health: "Unknown", ByKind: map[string]int{}}
	since := r.now().Add(-window(period))

	if r.Document != nil {
		text, err := r.Document.ReadAll()
		if err != nil {
			slog.Warn("Report could not read document", "error", err)
		} else {
			m.Health, m.Blockers = docHealth(text)
		}
	}

	stats, err := r.Store.StatsSince(since)
	if err != nil {
		return m, err
	}
	m.Success = stats.SuccessRate() * 100
	m.Approval = stats.ApprovalRate() * 100

	runs, err := r.Store.ListActionRuns(historyCap)
	if err != nil {
		return m, err
	}
	for _, run := range runs {
		if run.CreatedAt.Before(since) {
			continue
		}
		m.ByKind[run.Kind]++
		if run.Status == store.RunSuccess {
			m.Executed++
		}
	}
	return m, nil
}

// Summary renders the plain-text report for period.
func (r *Reporter) Summary(_ context.Context, period string) (string, error) {
	m, err := r.Collect(period)
	if err != nil {
		return "", err
	}
	return Render(period, m, r.now()), nil
}

// Render lays out metrics as the report text.
func Render(period string, m Metrics, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 %s\n", title(period))
	fmt.Fprintf(&b, "Generated: %s\n\n", at.Format("2006-01-02 15:04 MST"))
	b.WriteString(rule + "\n\n")
	b.WriteString("📈 KEY METRICS\n")
	fmt.Fprintf(&b, "  • Health Status: %s\n", m.Health)
	fmt.Fprintf(&b, "  • Active Blockers: %d\n", m.Blockers)
	fmt.Fprintf(&b, "  • Actions Executed: %d\n", m.Executed)
	fmt.Fprintf(&b, "  • Success Rate: %.1f%%\n", m.Success)
	fmt.Fprintf(&b, "  • Approval Rate: %.1f%%\n\n", m.Approval)

	if len(m.ByKind) > 0 {
		kinds := make([]string, 0, len(m.ByKind))
		for k := range m.ByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		b.WriteString("📋 ACTIONS BY TYPE\n")
		for _, k := range kinds {
			fmt.Fprintf(&b, "  • %s: %d\n", k, m.ByKind[k])
		}
		b.WriteString("\n")
	}
	b.WriteString(rule + "\n")
	b.WriteString(footer)
	return b.String()
}

// docHealth reads the health field from the frontmatter, falling back to a
// "**Health:**" line, and counts body lines that mention a blocker.
func docHealth(text string) (string, int) {
	fm, body, _ := document.Split(text)
	health := strings.TrimSpace(fm.Health)
	blockers := 0
	for _, line := range strings.Split(body, "\n") {
		if health == "" {
			if _, after, ok := strings.Cut(line, "**Health:**"); ok {
				health = strings.TrimSpace(after)
			}
		}
		if strings.Contains(strings.ToLower(line), "blocker") {
			blockers++
		}
	}
	if health == "" {
		health = "Unknown"
	}
	return health, blockers
}

func window(period string) time.Duration {
	if period == "weekly" {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

func title(period string) string {
	switch period {
	case "morning", "evening":
		return "Daily " + titleCase(period) + " Status Report"
	case "":
		return "Status Report"
	}
	return titleCase(period) + " Status Report"
}

func (r *Reporter) now() time.Time {
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	if r.Location != nil {
		now = now.In(r.Location)
	}
	return now
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
