package action

import "fmt"

// Status is the lifecycle state of a queued action.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusApproved       Status = "APPROVED"
	StatusExecuting      Status = "EXECUTING"
	StatusExecuted       Status = "EXECUTED"
	StatusFailed         Status = "FAILED"
	StatusRejected       Status = "REJECTED"
	StatusRejectedLogged Status = "REJECTED_LOGGED"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusRejected},
	StatusApproved:  {StatusExecuting},
	StatusExecuting: {StatusExecuted, StatusFailed},
	StatusRejected:  {StatusRejectedLogged},
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusRejectedLogged:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError describes an illegal status change.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("action %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

// Transition moves the action to the given status or returns a *TransitionError.
func (a *Action) Transition(to Status) error {
	if !CanTransition(a.Status, to) {
		return &TransitionError{ID: a.ID, From: a.Status, To: to}
	}
	a.Status = to
	return nil
}
