// Package approval resolves PENDING actions on behalf of the operator.
package approval

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/queue"
)

// ErrNotPending is returned when the operator decides on an action that is
// no longer awaiting review.
var ErrNotPending = errors.New("approval: action is not pending")

// Manager handles the operator side of the queue lifecycle: listing held
// actions and approving or rejecting them.
type Manager struct {
	mu        sync.Mutex
	queue     *queue.Queue
	listeners []func(action.Action)
}

// NewManager creates an approval manager. On creation, actions left EXECUTING
// by a previous process are surfaced as FAILED.
func NewManager(q *queue.Queue) *Manager {
	m := &Manager{queue: q}
	m.cleanupStale()
	return m
}

// cleanupStale fails leftovers from a process that died mid-execution.
func (m *Manager) cleanupStale() {
	if _, err := m.queue.RecoverInterrupted(time.Now()); err != nil {
		slog.Error("Failed to recover interrupted actions", "error", err)
	}
}

// OnDecision registers fn to be called after every successful decision.
func (m *Manager) OnDecision(fn func(action.Action)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Pending returns the actions awaiting review, oldest first.
func (m *Manager) Pending() ([]action.Action, error) {
	all, err := m.queue.List()
	if err != nil {
		return nil, err
	}
	var out []action.Action
	for _, a := range all {
		if a.Status == action.StatusPending {
			out = append(out, a)
		}
	}
	return out, nil
}

// Respond approves or rejects a PENDING action. A rejection is written to the
// decision history right away.
func (m *Manager) Respond(id string, approved bool) (action.Action, error) {
	var (
		a   action.Action
		err error
	)
	if approved {
		a, err = m.queue.Approve(id)
	} else {
		a, err = m.queue.Reject(id)
	}
	if errors.Is(err, queue.ErrIllegalTransition) {
		return a, fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	if err != nil {
		return a, err
	}
	if !approved {
		if _, err := m.queue.LogRejections(); err != nil {
			slog.Warn("Rejection logging deferred", "action_id", id, "error", err)
		} else {
			a.Status = action.StatusRejectedLogged
		}
	}
	slog.Info("Operator decision", "action_id", id, "kind", a.Kind, "approved", approved)

	m.mu.Lock()
	listeners := append([]func(action.Action){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(a)
	}
	return a, nil
}
