package report

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/queue"
	"github.com/scalytics/pmdaemon/internal/store"
)

const testDoc = `---
project: Atlas
health: Yellow
---
## 1. Overview
Atlas ships the new billing flow.

## 2. Active Epics & Tasks
- [2025-12-01] Payments API (blocker: vendor contract)
- [2025-12-09] Onboarding copy

## 3. Reminders
- [2025-12-02] Renew staging certificates
`

type fakeDoc struct{ text string }

func (d fakeDoc) ReadAll() (string, error) { return d.text, nil }

func newTestReporter(t *testing.T, now time.Time) (*Reporter, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "report.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return &Reporter{
		Queue:        queue.New(st),
		Store:        st,
		Document:     fakeDoc{testDoc},
		Channel:      "C1",
		OperatorMail: "pm@example.com",
		Location:     time.UTC,
		Now:          func() time.Time { return now },
	}, st
}

func TestKey(t *testing.T) {
	day := time.Date(2025, 12, 10, 18, 30, 0, 0, time.UTC)
	if got := Key(SlotMorning, day); got != "daily-morning-2025-12-10" {
		t.Fatalf("morning key = %s", got)
	}
	if got := Key(SlotWeekly, day); got != "weekly-2025-12-10" {
		t.Fatalf("weekly key = %s", got)
	}
}

func TestDailyReportOncePerDay(t *testing.T) {
	now := time.Date(2025, 12, 10, 10, 0, 0, 0, time.UTC)
	r, _ := newTestReporter(t, now)

	queued, err := r.Run(context.Background(), SlotMorning)
	if err != nil || !queued {
		t.Fatalf("first run: queued=%v err=%v", queued, err)
	}
	queued, err = r.Run(context.Background(), SlotMorning)
	if err != nil || queued {
		t.Fatalf("second run must be a no-op: queued=%v err=%v", queued, err)
	}
	if sent, _ := r.Sent(SlotMorning); !sent {
		t.Fatal("marker should exist after run")
	}
	if sent, _ := r.Sent(SlotEvening); sent {
		t.Fatal("evening marker must be independent")
	}

	all, err := r.Queue.List()
	if err != nil || len(all) != 1 {
		t.Fatalf("expected one queued report, got %d (%v)", len(all), err)
	}
	a := all[0]
	if a.ID != "report-daily-morning-2025-12-10" || a.Status != action.StatusApproved || a.Kind != action.KindNotify {
		t.Fatalf("unexpected action %+v", a)
	}
	n := a.Payload.(*action.Notify)
	if n.Channel != "C1" {
		t.Fatalf("report channel = %s", n.Channel)
	}
	for _, want := range []string{"Daily Morning Status Report", "Health Status: Yellow", "Active Blockers: 1"} {
		if !strings.Contains(n.Text, want) {
			t.Fatalf("report missing %q:\n%s", want, n.Text)
		}
	}
}

func TestWeeklyReportWaitsForApproval(t *testing.T) {
	now := time.Date(2025, 12, 12, 17, 0, 0, 0, time.UTC)
	r, _ := newTestReporter(t, now)

	if _, err := r.Run(context.Background(), SlotWeekly); err != nil {
		t.Fatalf("run: %v", err)
	}
	a, err := r.Queue.Get("report-weekly-2025-12-12")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Status != action.StatusPending || a.Kind != action.KindSendReport {
		t.Fatalf("weekly report should be a pending send-report, got %s %s", a.Status, a.Kind)
	}
	p := a.Payload.(*action.SendReport)
	if p.To != "pm@example.com" || p.Period != "weekly" || !strings.Contains(p.Body, "Weekly Status Report") {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestDailyReportWithoutChannelLeavesNoMarker(t *testing.T) {
	r, _ := newTestReporter(t, time.Date(2025, 12, 10, 18, 0, 0, 0, time.UTC))
	r.Channel = ""
	if _, err := r.Run(context.Background(), SlotEvening); err == nil {
		t.Fatal("expected error without a channel")
	}
	if sent, _ := r.Sent(SlotEvening); sent {
		t.Fatal("marker must not be written when nothing was queued")
	}
}

func TestCollectUsesRecentHistory(t *testing.T) {
	now := time.Now()
	r, st := newTestReporter(t, now)
	r.Document = fakeDoc{"## Status\n**Health:** Green\n"}

	_ = st.LogDecision(&store.DecisionRecord{Kind: "notify", Approved: true, CreatedAt: now.Add(-time.Hour)})
	_ = st.LogDecision(&store.DecisionRecord{Kind: "notify", Approved: false, CreatedAt: now.Add(-time.Hour)})
	_ = st.LogActionRun(&store.ActionRunRecord{ActionID: "a", Kind: "notify", Status: store.RunSuccess, CreatedAt: now.Add(-time.Hour)})
	_ = st.LogActionRun(&store.ActionRunRecord{ActionID: "b", Kind: "create-poll", Status: store.RunFailed, CreatedAt: now.Add(-time.Hour)})
	_ = st.LogActionRun(&store.ActionRunRecord{ActionID: "c", Kind: "notify", Status: store.RunSuccess, CreatedAt: now.Add(-48 * time.Hour)})

	m, err := r.Collect("daily")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if m.Health != "Green" || m.Blockers != 0 {
		t.Fatalf("unexpected document metrics %+v", m)
	}
	if m.Executed != 1 || m.Success != 50 || m.Approval != 50 {
		t.Fatalf("unexpected history metrics %+v", m)
	}
	if m.ByKind["notify"] != 1 || m.ByKind["create-poll"] != 1 {
		t.Fatalf("old runs must be outside the window: %v", m.ByKind)
	}

	weekly, _ := r.Collect("weekly")
	if weekly.Executed != 2 {
		t.Fatalf("weekly window should include the older run, got %d", weekly.Executed)
	}
}

func TestRender(t *testing.T) {
	at := time.Date(2025, 12, 12, 17, 0, 0, 0, time.UTC)
	text := Render("weekly", Metrics{
		Health:   "Green",
		Blockers: 2,
		Executed: 3,
		Success:  75,
		Approval: 66.666,
		ByKind:   map[string]int{"reply": 1, "notify": 2},
	}, at)

	for _, want := range []string{
		"📊 Weekly Status Report\nGenerated: 2025-12-12 17:00 UTC\n",
		"  • Success Rate: 75.0%\n",
		"  • Approval Rate: 66.7%\n",
		"📋 ACTIONS BY TYPE\n  • notify: 2\n  • reply: 1\n",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("render missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(Render("daily", Metrics{Health: "Unknown"}, at), "ACTIONS BY TYPE") {
		t.Fatal("empty breakdown should be omitted")
	}
}
