// Package policy assigns the initial approval status of a gated proposal.
package policy

import (
	"fmt"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/config"
)

// Context holds the facts about a proposal needed for approval assignment.
type Context struct {
	Kind       action.Kind
	Confidence float64
	Trigger    string
	TraceID    string
}

// Hold explains why a proposal was left PENDING.
type Hold int

const (
	HoldNone Hold = iota
	// HoldConfidence means the intent was not clear enough.
	HoldConfidence
	// HoldUnauthorized means only the operator may trigger this kind.
	HoldUnauthorized
	// HoldUnknownKind means the kind is outside the closed set.
	HoldUnknownKind
	// HoldAdvisory means the action is a system suggestion for human review.
	HoldAdvisory
)

func (h Hold) String() string {
	switch h {
	case HoldNone:
		return "none"
	case HoldConfidence:
		return "confidence"
	case HoldUnauthorized:
		return "unauthorized"
	case HoldUnknownKind:
		return "unknown_kind"
	case HoldAdvisory:
		return "advisory"
	}
	return fmt.Sprintf("hold(%d)", int(h))
}

// Decision is the result of a policy evaluation.
type Decision struct {
	Status  action.Status
	Hold    Hold
	Reason  string
	Ts      time.Time
	TraceID string
}

// Approved reports whether the proposal may execute without review.
func (d Decision) Approved() bool { return d.Status == action.StatusApproved }

// Engine evaluates the approval status of a proposal.
type Engine interface {
	Evaluate(ctx Context) Decision
}

// DefaultEngine applies confidence thresholds per kind class and restricts
// state-mutating kinds to the operator.
type DefaultEngine struct {
	// Operator is the only identity allowed to trigger mutating kinds and polls.
	Operator string

	MessageThreshold  float64
	PollThreshold     float64
	MutatingThreshold float64
}

// NewDefaultEngine creates an engine from the gate thresholds.
func NewDefaultEngine(operator string, cfg config.GateConfig) *DefaultEngine {
	return &DefaultEngine{
		Operator:          operator,
		MessageThreshold:  cfg.MessageThreshold,
		PollThreshold:     cfg.PollThreshold,
		MutatingThreshold: cfg.MutatingThreshold,
	}
}

// Evaluate returns APPROVED or PENDING. Thresholds are strict: a confidence
// equal to the threshold is held.
func (e *DefaultEngine) Evaluate(ctx Context) Decision {
	d := Decision{
		Status:  action.StatusPending,
		Ts:      time.Now(),
		TraceID: ctx.TraceID,
	}

	switch ctx.Kind.Class() {
	case action.ClassMessage:
		return e.threshold(d, ctx, e.MessageThreshold)

	case action.ClassPoll:
		if !e.authorized(ctx.Trigger) {
			return unauthorized(d, ctx)
		}
		return e.threshold(d, ctx, e.PollThreshold)

	case action.ClassMutating:
		if !e.authorized(ctx.Trigger) {
			return unauthorized(d, ctx)
		}
		return e.threshold(d, ctx, e.MutatingThreshold)

	case action.ClassAdvisory:
		d.Hold = HoldAdvisory
		d.Reason = "advisory_requires_review"
		return d
	}

	d.Hold = HoldUnknownKind
	d.Reason = fmt.Sprintf("unknown_kind_requires_review: %s", ctx.Kind)
	return d
}

func (e *DefaultEngine) authorized(trigger string) bool {
	return e.Operator != "" && trigger == e.Operator
}

func (e *DefaultEngine) threshold(d Decision, ctx Context, min float64) Decision {
	if ctx.Confidence > min {
		d.Status = action.StatusApproved
		d.Reason = fmt.Sprintf("confidence_%.2f_auto_approved", ctx.Confidence)
		return d
	}
	d.Hold = HoldConfidence
	d.Reason = fmt.Sprintf("confidence_%.2f_below_%.2f", ctx.Confidence, min)
	return d
}

func unauthorized(d Decision, ctx Context) Decision {
	d.Hold = HoldUnauthorized
	d.Reason = fmt.Sprintf("trigger_not_authorized: %s", ctx.Trigger)
	return d
}
