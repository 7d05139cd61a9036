package report

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
)

func TestStaleItems(t *testing.T) {
	now := time.Date(2025, 12, 10, 9, 0, 0, 0, time.UTC)
	items := StaleItems(testDoc, now, 3)
	if len(items) != 2 {
		t.Fatalf("expected 2 stale items, got %d: %+v", len(items), items)
	}
	if items[0].Source != "stale_task" || items[0].Severity != action.SeverityHigh {
		t.Fatalf("nine-day-old task should be high: %+v", items[0])
	}
	if items[0].Detail != "Follow up on this item (last activity 9 days ago)" {
		t.Fatalf("detail = %q", items[0].Detail)
	}
	if items[1].Source != "stale_reminder" || items[1].Severity != action.SeverityHigh {
		t.Fatalf("unexpected reminder finding %+v", items[1])
	}
	if got := StaleItems(testDoc, now, 30); len(got) != 0 {
		t.Fatalf("nothing is older than 30 days, got %d", len(got))
	}
}

func TestBlockersOnePerMessage(t *testing.T) {
	events := []action.Event{
		{ID: "1", ChannelID: "C1", Text: "Still waiting on the vendor, also blocked by legal"},
		{ID: "2", ChannelID: "C1", Text: "Shipped the release notes"},
		{ID: "3", ChannelID: "C2", Text: "We are Stuck on the migration"},
	}
	found := Blockers(events)
	if len(found) != 2 {
		t.Fatalf("expected 2 blockers, got %+v", found)
	}
	if found[0].Origin != "C1:1" || !strings.HasPrefix(found[0].Content, "Still waiting on") {
		t.Fatalf("unexpected first finding %+v", found[0])
	}
	if found[1].Kind != action.KindBlockerAlert || found[1].Origin != "C2:3" {
		t.Fatalf("unexpected second finding %+v", found[1])
	}
}

func TestExcerptKeepsRunes(t *testing.T) {
	s := "ééé waiting on"
	if got := excerpt(s, 1, 4); got != "éé" {
		t.Fatalf("excerpt = %q", got)
	}
}

func TestAnalyzeRaisesEachFindingOnce(t *testing.T) {
	now := time.Date(2025, 12, 10, 9, 0, 0, 0, time.UTC)
	r, st := newTestReporter(t, now)
	an := &Analyzer{Queue: r.Queue, Store: st, Document: fakeDoc{testDoc}, StaleDays: 3, Now: r.Now}
	recent := []action.Event{{ID: "1", ChannelID: "C1", Text: "pending review from security"}}

	added, err := an.Analyze(context.Background(), recent)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(added) != 3 {
		t.Fatalf("expected 3 suggestions, got %d", len(added))
	}
	for _, a := range added {
		if a.Status != action.StatusPending || !a.Proactive || !strings.HasPrefix(a.ID, "proactive-") {
			t.Fatalf("unexpected suggestion %+v", a)
		}
	}
	if !strings.HasPrefix(added[2].Rationale, "🚨 Blocker detected: ") {
		t.Fatalf("rationale = %q", added[2].Rationale)
	}

	// Drop everything, as retention would, and analyze again.
	if err := r.Queue.Update(func([]action.Action) ([]action.Action, error) { return nil, nil }); err != nil {
		t.Fatalf("clear: %v", err)
	}
	again, err := an.Analyze(context.Background(), recent)
	if err != nil || len(again) != 0 {
		t.Fatalf("findings must not be raised twice: %d %v", len(again), err)
	}
}
