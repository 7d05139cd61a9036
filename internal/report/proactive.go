package report

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/queue"
	"github.com/scalytics/pmdaemon/internal/store"
)

const (
	remindersHeader = "## 3. Reminders"
	defaultStale    = 3
)

var (
	datedItem = regexp.MustCompile(`\[(\d{4}-\d{2}-\d{2})`)

	blockerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)waiting\s+(on|for)\s+`),
		regexp.MustCompile(`(?i)blocked\s+(by|on)\s+`),
		regexp.MustCompile(`(?i)need\s+.*\s+before`),
		regexp.MustCompile(`(?i)can'?t\s+proceed`),
		regexp.MustCompile(`(?i)dependency\s+on`),
		regexp.MustCompile(`(?i)stuck\s+(on|at)`),
		regexp.MustCompile(`(?i)pending\s+(approval|review)`),
	}
)

// Finding is one proactive observation.
type Finding struct {
	Kind     action.Kind
	Source   string
	Content  string
	Detail   string
	Severity action.Severity
	// Origin identifies the observed item; it keys the suggestion id.
	Origin string
}

// ID is stable for the same observation across analysis runs.
func (f Finding) ID() string {
	sum := sha256.Sum256([]byte(string(f.Kind) + "\x00" + f.Origin))
	return "proactive-" + hex.EncodeToString(sum[:6])
}

// StaleItems finds dated document lines older than days. Lines under the
// reminders section are reported as stale reminders.
func StaleItems(text string, now time.Time, days int) []Finding {
	if days <= 0 {
		days = defaultStale
	}
	threshold := now.AddDate(0, 0, -days)
	var out []Finding
	inReminders := false
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "## ") {
			inReminders = strings.HasPrefix(line, remindersHeader)
			continue
		}
		m := datedItem.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		date, err := time.ParseInLocation("2006-01-02", m[1], now.Location())
		if err != nil || !date.Before(threshold) {
			continue
		}
		age := int(now.Sub(date).Hours() / 24)
		source := "stale_task"
		if inReminders {
			source = "stale_reminder"
		}
		sev := action.SeverityMedium
		if age > 7 {
			sev = action.SeverityHigh
		}
		content := strings.TrimSpace(line)
		out = append(out, Finding{
			Kind:     action.KindFollowUp,
			Source:   source,
			Content:  content,
			Detail:   fmt.Sprintf("Follow up on this item (last activity %d days ago)", age),
			Severity: sev,
			Origin:   content,
		})
	}
	return out
}

// Blockers finds at most one blocker phrase per message.
func Blockers(events []action.Event) []Finding {
	var out []Finding
	for _, ev := range events {
		for _, re := range blockerPatterns {
			loc := re.FindStringIndex(ev.Text)
			if loc == nil {
				continue
			}
			out = append(out, Finding{
				Kind:     action.KindBlockerAlert,
				Source:   "blocker_detection",
				Content:  excerpt(ev.Text, loc[0]-20, loc[1]+50),
				Detail:   "Address this blocker or follow up",
				Severity: action.SeverityHigh,
				Origin:   ev.Key(),
			})
			break
		}
	}
	return out
}

// Analyzer turns findings into PENDING proactive suggestions.
type Analyzer struct {
	Queue     *queue.Queue
	Store     *store.Store
	Document  Reader
	StaleDays int
	Now       func() time.Time
}

// Analyze scans the document and the recent events and enqueues one
// suggestion per new finding. A finding that was raised before is never
// raised again, even after its action left the queue.
func (a *Analyzer) Analyze(_ context.Context, recent []action.Event) ([]action.Action, error) {
	now := time.Now()
	if a.Now != nil {
		now = a.Now()
	}

	var findings []Finding
	if a.Document != nil {
		text, err := a.Document.ReadAll()
		if err != nil {
			slog.Warn("Proactive analysis could not read document", "error", err)
		} else {
			findings = append(findings, StaleItems(text, now, a.StaleDays)...)
		}
	}
	findings = append(findings, Blockers(recent)...)

	var fresh []action.Action
	for _, f := range findings {
		id := f.ID()
		seen, err := a.Store.HasSentReport(id)
		if err != nil {
			return nil, err
		}
		if !seen {
			fresh = append(fresh, suggestion(id, f, now))
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	added, err := a.Queue.Append(fresh...)
	if err != nil {
		return nil, fmt.Errorf("enqueue suggestions: %w", err)
	}
	for _, s := range fresh {
		if _, err := a.Store.MarkReportSent(s.ID, now); err != nil {
			slog.Warn("Failed to mark suggestion raised", "action_id", s.ID, "error", err)
		}
	}
	if len(added) > 0 {
		slog.Info("Proactive suggestions queued", "count", len(added))
	}
	return added, nil
}

func suggestion(id string, f Finding, now time.Time) action.Action {
	prefix := "🔔 Stale item detected: "
	if f.Kind == action.KindBlockerAlert {
		prefix = "🚨 Blocker detected: "
	}
	return action.Action{
		ID:         id,
		Kind:       f.Kind,
		Rationale:  prefix + truncate(f.Content, 100),
		Confidence: 0.8,
		Severity:   f.Severity,
		Trigger:    "proactive",
		Status:     action.StatusPending,
		CreatedAt:  now,
		Proactive:  true,
		Payload: &action.Advisory{
			Subject: f.Content,
			Detail:  f.Detail,
			Source:  f.Source,
		},
	}
}

// excerpt returns s[from:to] clamped to s and widened to rune boundaries.
func excerpt(s string, from, to int) string {
	if from < 0 {
		from = 0
	}
	if to > len(s) {
		to = len(s)
	}
	for from > 0 && !utf8.RuneStart(s[from]) {
		from--
	}
	for to < len(s) && !utf8.RuneStart(s[to]) {
		to++
	}
	return s[from:to]
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
