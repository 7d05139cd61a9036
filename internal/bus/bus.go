// Package bus carries job triggers from the operator surface to the
// scheduler and action outcomes from the executor to observers.
package bus

import (
	"context"
	"sync"
	"time"
)

// Well-known trigger sources.
const (
	SourceWebhook  = "webhook"
	SourceOperator = "operator"
)

// TopicAll subscribes to outcomes of every kind.
const TopicAll = "*"

// Trigger asks for an out-of-band run of a scheduler job.
type Trigger struct {
	Job     string `json:"job"`
	Channel string `json:"channel,omitempty"`
	Source  string `json:"source"`
	TraceID string `json:"trace_id,omitempty"`
	// EventID is the upstream delivery id; repeated deliveries share it.
	EventID   string    `json:"event_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome reports one finished action.
type Outcome struct {
	ActionID  string    `json:"action_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Result    string    `json:"result,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageBus decouples the gateway and executor from their consumers.
type MessageBus struct {
	triggers chan *Trigger
	outcomes chan *Outcome
	subs     map[string][]func(*Outcome)
	seen     map[string]time.Time
	mu       sync.RWMutex
}

const dedupWindow = 10 * time.Minute

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		triggers: make(chan *Trigger, 100),
		outcomes: make(chan *Outcome, 100),
		subs:     make(map[string][]func(*Outcome)),
		seen:     make(map[string]time.Time),
	}
}

// PublishTrigger queues a trigger without blocking. It returns false when
// the trigger was dropped, either as a redelivery of a recent EventID or
// because the queue is full.
func (b *MessageBus) PublishTrigger(t *Trigger) bool {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	if t.EventID != "" && !b.firstDelivery(t.EventID, t.Timestamp) {
		return false
	}
	select {
	case b.triggers <- t:
		return true
	default:
		return false
	}
}

func (b *MessageBus) firstDelivery(id string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, at := range b.seen {
		if now.Sub(at) > dedupWindow {
			delete(b.seen, k)
		}
	}
	if _, ok := b.seen[id]; ok {
		return false
	}
	b.seen[id] = now
	return true
}

// ConsumeTrigger blocks until a trigger is available or context is cancelled.
func (b *MessageBus) ConsumeTrigger(ctx context.Context) (*Trigger, error) {
	select {
	case t := <-b.triggers:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutcome queues an outcome for the dispatcher. Outcomes are dropped
// when the queue is full.
func (b *MessageBus) PublishOutcome(o *Outcome) {
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}
	select {
	case b.outcomes <- o:
	default:
	}
}

// Subscribe registers a callback for outcomes of one action kind, or of all
// kinds with TopicAll.
func (b *MessageBus) Subscribe(topic string, callback func(*Outcome)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[topic] = append(b.subs[topic], callback)
}

// DispatchOutcomes runs the outcome dispatcher.
// This should be run as a goroutine.
func (b *MessageBus) DispatchOutcomes(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-b.outcomes:
			b.mu.RLock()
			callbacks := append(append([]func(*Outcome){}, b.subs[o.Kind]...), b.subs[TopicAll]...)
			b.mu.RUnlock()

			for _, cb := range callbacks {
				cb(o)
			}
		}
	}
}

// TriggerSize returns the number of pending triggers.
func (b *MessageBus) TriggerSize() int {
	return len(b.triggers)
}

// OutcomeSize returns the number of undelivered outcomes.
func (b *MessageBus) OutcomeSize() int {
	return len(b.outcomes)
}
