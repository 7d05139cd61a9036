package approval

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/queue"
	"github.com/scalytics/pmdaemon/internal/store"
)

func newTestManager(t *testing.T, seed ...action.Action) (*Manager, *queue.Queue, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "approval.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	q := queue.New(st)
	if len(seed) > 0 {
		if _, err := q.Append(seed...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return NewManager(q), q, st
}

func pending(id string) action.Action {
	return action.Action{
		ID:        id,
		Kind:      action.KindUpdateDocument,
		Status:    action.StatusPending,
		CreatedAt: time.Now(),
		Payload:   &action.UpdateDocument{Section: "Risks", Body: "- none"},
	}
}

func TestApproved(t *testing.T) {
	m, _, _ := newTestManager(t, pending("a1"))

	var notified []string
	m.OnDecision(func(a action.Action) { notified = append(notified, a.ID) })

	a, err := m.Respond("a1", true)
	if err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	if a.Status != action.StatusApproved {
		t.Fatalf("expected APPROVED, got %s", a.Status)
	}
	if len(notified) != 1 || notified[0] != "a1" {
		t.Fatalf("expected listener call for a1, got %v", notified)
	}
}

func TestDenied(t *testing.T) {
	m, _, st := newTestManager(t, pending("a1"))

	a, err := m.Respond("a1", false)
	if err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	if a.Status != action.StatusRejectedLogged {
		t.Fatalf("expected REJECTED_LOGGED, got %s", a.Status)
	}
	decisions, _ := st.ListDecisions(5)
	if len(decisions) != 1 || decisions[0].Approved {
		t.Fatalf("expected one rejection record, got %+v", decisions)
	}
}

func TestRespondNotPending(t *testing.T) {
	m, _, _ := newTestManager(t, pending("a1"))
	if _, err := m.Respond("a1", true); err != nil {
		t.Fatalf("first respond: %v", err)
	}
	if _, err := m.Respond("a1", false); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestRespondNonexistent(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.Respond("nonexistent", true); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStartupFailsInterruptedActions(t *testing.T) {
	executing := pending("x")
	executing.Status = action.StatusExecuting
	_, q, _ := newTestManager(t, executing, pending("p"))

	x, err := q.Get("x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if x.Status != action.StatusFailed || x.Error != queue.InterruptedError {
		t.Fatalf("expected interrupted failure, got %+v", x)
	}
}

func TestPendingListsOnlyPending(t *testing.T) {
	approved := pending("ok")
	approved.Status = action.StatusApproved
	m, _, _ := newTestManager(t, pending("p1"), approved, pending("p2"))

	got, err := m.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(got) != 2 || got[0].ID != "p1" || got[1].ID != "p2" {
		t.Fatalf("unexpected pending list: %+v", got)
	}
}
