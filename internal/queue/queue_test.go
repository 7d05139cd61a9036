package queue

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

func newAction(id string, status action.Status, created time.Time) action.Action {
	return action.Action{
		ID:         id,
		Kind:       action.KindNotify,
		Confidence: 0.9,
		Status:     status,
		CreatedAt:  created,
		Payload:    &action.Notify{Message: action.Message{Channel: "C1", Text: "hi " + id}},
	}
}

func TestEnqueueSeesQueueLengthAndSkipsKnownIDs(t *testing.T) {
	q, st := newTestQueue(t)
	now := time.Now()

	if _, err := q.Append(newAction("a", action.StatusPending, now)); err != nil {
		t.Fatalf("append: %v", err)
	}
	var seenLen int
	added, err := q.Enqueue(func(n int) []action.Action {
		seenLen = n
		return []action.Action{
			newAction("a", action.StatusPending, now),
			newAction("b", action.StatusApproved, now),
		}
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if seenLen != 1 {
		t.Fatalf("expected builder to see queue length 1, got %d", seenLen)
	}
	if len(added) != 1 || added[0].ID != "b" {
		t.Fatalf("expected only b appended, got %+v", added)
	}

	decisions, err := st.ListDecisions(10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 1 || decisions[0].ActionID != "b" || !decisions[0].Approved {
		t.Fatalf("expected one approval decision for b, got %+v", decisions)
	}
}

func TestApproveRejectOnlyFromPending(t *testing.T) {
	q, _ := newTestQueue(t)
	now := time.Now()
	if _, err := q.Append(
		newAction("p1", action.StatusPending, now),
		newAction("p2", action.StatusPending, now),
		newAction("done", action.StatusExecuted, now),
	); err != nil {
		t.Fatalf("append: %v", err)
	}

	a, err := q.Approve("p1")
	if err != nil || a.Status != action.StatusApproved {
		t.Fatalf("approve p1: %v %s", err, a.Status)
	}
	if _, err := q.Approve("p1"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("double approve should be illegal, got %v", err)
	}
	if _, err := q.Reject("done"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("rejecting terminal action should be illegal, got %v", err)
	}
	if _, err := q.Approve("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if a, err := q.Reject("p2"); err != nil || a.Status != action.StatusRejected {
		t.Fatalf("reject p2: %v %s", err, a.Status)
	}
}

func TestLogRejectionsExactlyOnce(t *testing.T) {
	q, st := newTestQueue(t)
	if _, err := q.Append(newAction("r", action.StatusPending, time.Now())); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := q.Reject("r"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := q.LogRejections(); err != nil {
			t.Fatalf("log rejections: %v", err)
		}
	}
	decisions, _ := st.ListDecisions(10)
	if len(decisions) != 1 || decisions[0].Approved {
		t.Fatalf("expected one rejection decision, got %+v", decisions)
	}
	a, _ := q.Get("r")
	if a.Status != action.StatusRejectedLogged {
		t.Fatalf("expected REJECTED_LOGGED, got %s", a.Status)
	}
}

func TestClaimAndComplete(t *testing.T) {
	q, _ := newTestQueue(t)
	now := time.Now()
	if _, err := q.Append(
		newAction("ok", action.StatusApproved, now),
		newAction("bad", action.StatusApproved, now),
		newAction("wait", action.StatusPending, now),
	); err != nil {
		t.Fatalf("append: %v", err)
	}

	claimed, err := q.Claim()
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed, got %d", len(claimed))
	}
	again, _ := q.Claim()
	if len(again) != 0 {
		t.Fatalf("claimed actions must not be claimed twice, got %d", len(again))
	}

	if _, err := q.Complete("ok", "sent ts=1", nil, now); err != nil {
		t.Fatalf("complete ok: %v", err)
	}
	if _, err := q.Complete("bad", "", errors.New("channel_not_found"), now); err != nil {
		t.Fatalf("complete bad: %v", err)
	}
	if _, err := q.Complete("ok", "again", nil, now); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("terminal action must not transition again, got %v", err)
	}

	ok, _ := q.Get("ok")
	bad, _ := q.Get("bad")
	if ok.Status != action.StatusExecuted || ok.Result != "sent ts=1" || ok.ExecutedAt == nil {
		t.Fatalf("unexpected ok action: %+v", ok)
	}
	if bad.Status != action.StatusFailed || bad.Error != "channel_not_found" {
		t.Fatalf("unexpected bad action: %+v", bad)
	}
}

func TestCleanupRetention(t *testing.T) {
	q, _ := newTestQueue(t)
	now := time.Date(2025, 12, 10, 12, 0, 0, 0, time.UTC)
	old := now.Add(-2 * time.Hour)
	executedLongAgo := newAction("term-old", action.StatusExecuted, now.Add(-4*24*time.Hour))
	executedLongAgo.ExecutedAt = &old
	executedRecently := newAction("term-new", action.StatusFailed, now.Add(-4*24*time.Hour))
	recent := now.Add(-10 * time.Minute)
	executedRecently.ExecutedAt = &recent

	if _, err := q.Append(
		newAction("pend-old", action.StatusPending, now.Add(-73*time.Hour)),
		newAction("pend-new", action.StatusPending, now.Add(-71*time.Hour)),
		executedLongAgo,
		executedRecently,
		newAction("logged", action.StatusRejectedLogged, now.Add(-3*time.Hour)),
		newAction("approved-old", action.StatusApproved, now.Add(-100*time.Hour)),
	); err != nil {
		t.Fatalf("append: %v", err)
	}

	removed, err := q.Cleanup(now, 72*time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	left, _ := q.List()
	want := []string{"pend-new", "term-new", "approved-old"}
	if len(left) != len(want) {
		t.Fatalf("unexpected remaining queue: %+v", left)
	}
	for i, id := range want {
		if left[i].ID != id {
			t.Fatalf("position %d: got %s want %s", i, left[i].ID, id)
		}
	}
}

func TestRecoverInterrupted(t *testing.T) {
	q, _ := newTestQueue(t)
	now := time.Now()
	if _, err := q.Append(newAction("x", action.StatusApproved, now)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := q.Claim(); err != nil {
		t.Fatalf("claim: %v", err)
	}

	recovered, err := q.RecoverInterrupted(now)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("expected one recovered action, got %d", len(recovered))
	}
	a, _ := q.Get("x")
	if a.Status != action.StatusFailed || a.Error != InterruptedError {
		t.Fatalf("unexpected recovered action: %+v", a)
	}
}
