// Package gate filters planner proposals and turns the survivors into queued
// actions with an initial approval status.
package gate

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/policy"
)

// Rule names a drop rule.
type Rule string

const (
	RuleSelfAnswer        Rule = "self_answer_loop"
	RuleClarifyAuthorizer Rule = "clarify_authorizer"
	RuleSelfTag           Rule = "self_tag"
)

// Options carries the authorization config and the id source.
type Options struct {
	BotID      string
	OperatorID string
	Policy     policy.Engine
	IDs        *IDSource
	// QueueLen is the queue length before this batch is appended.
	QueueLen int
	Now      time.Time
	TraceID  string
}

// Drop records a proposal removed by a rule.
type Drop struct {
	Proposal action.Proposal
	Rule     Rule
}

// Held records a proposal accepted as PENDING together with the reason.
type Held struct {
	ActionID string
	Hold     policy.Hold
	Reason   string
}

// Result is the outcome of one gating pass.
type Result struct {
	Actions []action.Action
	Dropped []Drop
	Held    []Held
}

// IDSource generates action ids. The counter is monotonic for the lifetime of
// the process; the queue length keeps ids distinct across restarts.
type IDSource struct {
	seq atomic.Uint64
}

// Next returns an id of the form {millis}_{position}_{seq}.
func (s *IDSource) Next(now time.Time, position int) string {
	n := s.seq.Add(1)
	return fmt.Sprintf("%d_%d_%d", now.UnixMilli(), position, n)
}

// Gate applies the drop rules in order, backfills correlation fields and
// assigns an approval status to each surviving proposal. It does not touch
// the queue or any collaborator.
func Gate(proposals []action.Proposal, events []action.Event, opts Options) Result {
	if opts.IDs == nil {
		opts.IDs = &IDSource{}
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	triggers := triggeringSet(events)
	var res Result
	for _, p := range proposals {
		p = normalize(p)

		if rule, ok := dropRule(p, triggers, opts); ok {
			res.Dropped = append(res.Dropped, Drop{Proposal: p, Rule: rule})
			continue
		}
		backfill(&p, events)

		d := opts.Policy.Evaluate(policy.Context{
			Kind:       p.Kind,
			Confidence: p.Confidence,
			Trigger:    p.Trigger,
			TraceID:    opts.TraceID,
		})
		a := action.Action{
			ID:         opts.IDs.Next(opts.Now, opts.QueueLen+len(res.Actions)),
			Kind:       p.Kind,
			Rationale:  p.Rationale,
			Confidence: p.Confidence,
			Severity:   p.Severity,
			Trigger:    p.Trigger,
			Payload:    p.Payload,
			Status:     d.Status,
			CreatedAt:  opts.Now,
		}
		if !d.Approved() {
			res.Held = append(res.Held, Held{ActionID: a.ID, Hold: d.Hold, Reason: d.Reason})
		}
		res.Actions = append(res.Actions, a)
	}
	return res
}

// normalize maps proposals whose payload is missing or does not belong to
// their kind to the unsupported variant and clamps confidence into [0,1].
func normalize(p action.Proposal) action.Proposal {
	if !action.Fits(p.Kind, p.Payload) {
		p.Payload = &action.Unsupported{RawKind: string(p.Kind), Data: payloadData(p.Payload)}
		p.Kind = action.KindUnsupported
	}
	if p.Confidence < 0 {
		p.Confidence = 0
	}
	if p.Confidence > 1 {
		p.Confidence = 1
	}
	if p.Severity == "" {
		p.Severity = action.SeverityMedium
	}
	return p
}

// payloadData keeps a mismatched payload readable for the operator.
func payloadData(p action.Payload) map[string]any {
	if p == nil {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

type triggering struct {
	users    map[string]bool
	channels map[string]bool
}

func triggeringSet(events []action.Event) triggering {
	t := triggering{users: map[string]bool{}, channels: map[string]bool{}}
	for _, e := range events {
		if e.SenderID != "" {
			t.users[e.SenderID] = true
		}
		if e.ChannelID != "" {
			t.channels[e.ChannelID] = true
		}
	}
	return t
}

func dropRule(p action.Proposal, trig triggering, opts Options) (Rule, bool) {
	text, target, mentions := outbound(p)
	question := strings.Contains(text, "?")

	if question && p.Kind.Class() == action.ClassMessage && target != "" {
		if trig.users[target] || trig.channels[target] || target == p.Trigger {
			return RuleSelfAnswer, true
		}
	}

	if question && opts.OperatorID != "" {
		asksOperator := target == opts.OperatorID || contains(mentions, opts.OperatorID) ||
			strings.Contains(text, "<@"+opts.OperatorID+">")
		byOperator := p.Trigger == opts.OperatorID || trig.users[opts.OperatorID]
		if asksOperator && byOperator {
			return RuleClarifyAuthorizer, true
		}
	}

	if opts.BotID != "" && strings.Contains(text, "<@"+opts.BotID+">") {
		return RuleSelfTag, true
	}
	return "", false
}

// outbound returns the user-visible text, the target and mentions of payloads
// that post into a conversation.
func outbound(p action.Proposal) (text, target string, mentions []string) {
	if m, ok := action.MessageOf(p.Payload); ok {
		return m.Text, m.Channel, m.Mentions
	}
	if poll, ok := p.Payload.(*action.CreatePoll); ok {
		return poll.Question + " " + strings.Join(poll.Options, " "), poll.Channel, nil
	}
	return "", "", nil
}

// backfill fills a missing channel or thread id of immediate messages from the
// triggering event in the same conversation.
func backfill(p *action.Proposal, events []action.Event) {
	var m *action.Message
	switch pl := p.Payload.(type) {
	case *action.Reply:
		cp := *pl
		p.Payload, m = &cp, &cp.Message
	case *action.Notify:
		cp := *pl
		p.Payload, m = &cp, &cp.Message
	default:
		return
	}
	ev, ok := matchEvent(*p, m.Channel, events)
	if !ok {
		return
	}
	if m.Channel == "" {
		m.Channel = ev.ChannelID
	}
	if m.ThreadID == "" && m.Channel == ev.ChannelID {
		m.ThreadID = ev.CorrelationID()
	}
}

// matchEvent prefers the trigger's event in the target channel, then any event
// in that channel, then the trigger's first event.
func matchEvent(p action.Proposal, channel string, events []action.Event) (action.Event, bool) {
	var byChannel, byTrigger *action.Event
	for i := range events {
		e := &events[i]
		sameChannel := channel != "" && e.ChannelID == channel
		if sameChannel && e.SenderID == p.Trigger {
			return *e, true
		}
		if sameChannel && byChannel == nil {
			byChannel = e
		}
		if channel == "" && e.SenderID == p.Trigger && byTrigger == nil {
			byTrigger = e
		}
	}
	if byChannel != nil {
		return *byChannel, true
	}
	if byTrigger != nil {
		return *byTrigger, true
	}
	if channel == "" && len(events) > 0 {
		return events[0], true
	}
	return action.Event{}, false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
