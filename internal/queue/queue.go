// Package queue is the durable action queue. Every mutation is a full
// read-modify-write of the stored snapshot, serialized within the process.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/store"
)

var (
	// ErrNotFound is returned when no queued action has the given id.
	ErrNotFound = errors.New("queue: action not found")
	// ErrIllegalTransition wraps every rejected status change.
	ErrIllegalTransition = errors.New("queue: illegal transition")
)

// InterruptedError is the error text recorded on actions found EXECUTING at startup.
const InterruptedError = "interrupted: process restarted during execution"

// Queue serializes access to the stored action snapshot.
type Queue struct {
	mu    sync.Mutex
	store *store.Store
}

// New creates a queue backed by st.
func New(st *store.Store) *Queue {
	return &Queue{store: st}
}

// Update runs fn over the full snapshot and persists its result atomically.
func (q *Queue) Update(fn func([]action.Action) ([]action.Action, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.UpdateQueue(fn)
}

func (q *Queue) updateAudited(fn func([]action.Action) ([]action.Action, []store.DecisionRecord, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.UpdateQueueAudited(fn)
}

// List returns the current snapshot.
func (q *Queue) List() ([]action.Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.LoadQueue()
}

// Get returns the action with the given id.
func (q *Queue) Get(id string) (action.Action, error) {
	actions, err := q.List()
	if err != nil {
		return action.Action{}, err
	}
	for _, a := range actions {
		if a.ID == id {
			return a, nil
		}
	}
	return action.Action{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Counts returns the number of actions per status.
func (q *Queue) Counts() (map[action.Status]int, error) {
	actions, err := q.List()
	if err != nil {
		return nil, err
	}
	out := map[action.Status]int{}
	for _, a := range actions {
		out[a.Status]++
	}
	return out, nil
}

// Enqueue calls build with the current queue length and appends what it
// returns in the same transaction. Actions whose id is already queued are
// skipped. It returns the actions actually appended.
func (q *Queue) Enqueue(build func(queueLen int) []action.Action) ([]action.Action, error) {
	var added []action.Action
	err := q.updateAudited(func(current []action.Action) ([]action.Action, []store.DecisionRecord, error) {
		added = nil
		ids := make(map[string]bool, len(current))
		for _, a := range current {
			ids[a.ID] = true
		}
		var decisions []store.DecisionRecord
		for _, a := range build(len(current)) {
			if ids[a.ID] {
				continue
			}
			ids[a.ID] = true
			current = append(current, a)
			added = append(added, a)
			if a.Status == action.StatusApproved {
				decisions = append(decisions, decisionFor(a, true))
			}
		}
		return current, decisions, nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// Append adds actions to the end of the queue.
func (q *Queue) Append(actions ...action.Action) ([]action.Action, error) {
	return q.Enqueue(func(int) []action.Action { return actions })
}

// Approve moves a PENDING action to APPROVED and records the decision.
func (q *Queue) Approve(id string) (action.Action, error) {
	return q.decide(id, action.StatusApproved)
}

// Reject moves a PENDING action to REJECTED. The audit record is written by
// LogRejections.
func (q *Queue) Reject(id string) (action.Action, error) {
	return q.decide(id, action.StatusRejected)
}

func (q *Queue) decide(id string, to action.Status) (action.Action, error) {
	var out action.Action
	err := q.updateAudited(func(current []action.Action) ([]action.Action, []store.DecisionRecord, error) {
		i := indexOf(current, id)
		if i < 0 {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := current[i].Transition(to); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrIllegalTransition, err)
		}
		out = current[i]
		var decisions []store.DecisionRecord
		if to == action.StatusApproved {
			decisions = append(decisions, decisionFor(out, true))
		}
		return current, decisions, nil
	})
	return out, err
}

// Claim moves every APPROVED action to EXECUTING and returns the claimed actions.
func (q *Queue) Claim() ([]action.Action, error) {
	var claimed []action.Action
	err := q.Update(func(current []action.Action) ([]action.Action, error) {
		claimed = nil
		for i := range current {
			if current[i].Status != action.StatusApproved {
				continue
			}
			if err := current[i].Transition(action.StatusExecuting); err != nil {
				return nil, err
			}
			claimed = append(claimed, current[i])
		}
		return current, nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete moves an EXECUTING action to EXECUTED with result, or to FAILED
// when execErr is non-nil.
func (q *Queue) Complete(id, result string, execErr error, at time.Time) (action.Action, error) {
	var out action.Action
	err := q.Update(func(current []action.Action) ([]action.Action, error) {
		i := indexOf(current, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		a := &current[i]
		to := action.StatusExecuted
		if execErr != nil {
			to = action.StatusFailed
		}
		if err := a.Transition(to); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIllegalTransition, err)
		}
		executed := at
		a.ExecutedAt = &executed
		if execErr != nil {
			a.Error = execErr.Error()
		} else {
			a.Result = result
		}
		out = *a
		return current, nil
	})
	return out, err
}

// LogRejections writes one decision record per REJECTED action and marks it
// REJECTED_LOGGED in the same transaction.
func (q *Queue) LogRejections() (int, error) {
	n := 0
	err := q.updateAudited(func(current []action.Action) ([]action.Action, []store.DecisionRecord, error) {
		n = 0
		var decisions []store.DecisionRecord
		for i := range current {
			if current[i].Status != action.StatusRejected {
				continue
			}
			if err := current[i].Transition(action.StatusRejectedLogged); err != nil {
				return nil, nil, err
			}
			decisions = append(decisions, decisionFor(current[i], false))
			n++
		}
		return current, decisions, nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("Logged rejected actions", "count", n)
	}
	return n, nil
}

// Cleanup removes PENDING actions created before now-pending and terminal
// actions finished before now-terminal.
func (q *Queue) Cleanup(now time.Time, pending, terminal time.Duration) (int, error) {
	removed := 0
	err := q.Update(func(current []action.Action) ([]action.Action, error) {
		removed = 0
		kept := current[:0]
		for _, a := range current {
			switch {
			case a.Status == action.StatusPending && now.Sub(a.CreatedAt) > pending:
				removed++
			case a.Status.Terminal() && now.Sub(a.Finished()) > terminal:
				removed++
			default:
				kept = append(kept, a)
			}
		}
		return kept, nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Info("Queue cleanup removed actions", "count", removed)
	}
	return removed, nil
}

// RecoverInterrupted fails every action left EXECUTING by a previous process.
func (q *Queue) RecoverInterrupted(now time.Time) ([]action.Action, error) {
	var recovered []action.Action
	err := q.Update(func(current []action.Action) ([]action.Action, error) {
		recovered = nil
		for i := range current {
			a := &current[i]
			if a.Status != action.StatusExecuting {
				continue
			}
			if err := a.Transition(action.StatusFailed); err != nil {
				return nil, err
			}
			at := now
			a.ExecutedAt = &at
			a.Error = InterruptedError
			recovered = append(recovered, *a)
		}
		return current, nil
	})
	if err != nil {
		return nil, err
	}
	for _, a := range recovered {
		slog.Warn("Recovered interrupted action", "action_id", a.ID, "kind", a.Kind)
	}
	return recovered, nil
}

func indexOf(actions []action.Action, id string) int {
	for i := range actions {
		if actions[i].ID == id {
			return i
		}
	}
	return -1
}

func decisionFor(a action.Action, approved bool) store.DecisionRecord {
	payload, _ := json.Marshal(a.Payload)
	return store.DecisionRecord{
		ActionID:  a.ID,
		Kind:      string(a.Kind),
		Approved:  approved,
		Rationale: a.Rationale,
		Payload:   string(payload),
		CreatedAt: time.Now(),
	}
}
