// Package action defines the data model shared by ingestion, planning, gating,
// the durable queue and the execution engine.
package action

import (
	"strings"
	"time"
)

// Event is one inbound message-like unit from a monitored source.
// ID is stable across polls of the same underlying message.
type Event struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	ChannelID string    `json:"channel_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Thread holds the full conversation when the event was enriched.
	Thread []ThreadMessage `json:"thread,omitempty"`
}

// Threaded reports whether the event is a reply inside an existing thread.
func (e Event) Threaded() bool {
	return e.ThreadID != "" && e.ThreadID != e.ID
}

// Key is the dedup key of the event. Message ids are only unique per
// channel, so the key includes the channel.
func (e Event) Key() string {
	if e.ChannelID == "" {
		return e.ID
	}
	return e.ChannelID + ":" + e.ID
}

// CorrelationID is the id replies to this event should attach to.
func (e Event) CorrelationID() string {
	if e.ThreadID != "" {
		return e.ThreadID
	}
	return e.ID
}

// ThreadMessage is one message of a thread used as planner context.
type ThreadMessage struct {
	ID       string `json:"id"`
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`
}

// Kind enumerates the closed set of action kinds.
type Kind string

const (
	KindNotify         Kind = "notify"
	KindReply          Kind = "reply"
	KindScheduleNotify Kind = "schedule-notify"
	KindUpdateDocument Kind = "update-document"
	KindSendReport     Kind = "send-report"
	KindCreatePoll     Kind = "create-poll"
	KindCreateMeeting  Kind = "create-meeting"
	KindFollowUp       Kind = "follow-up"
	KindBlockerAlert   Kind = "blocker-alert"
	KindUnsupported    Kind = "unsupported"
)

var kindAliases = map[string]Kind{
	"notify":              KindNotify,
	"send_message":        KindNotify,
	"reply":               KindReply,
	"draft_reply":         KindReply,
	"schedule-notify":     KindScheduleNotify,
	"schedule_reminder":   KindScheduleNotify,
	"update-document":     KindUpdateDocument,
	"update_context_task": KindUpdateDocument,
	"send-report":         KindSendReport,
	"send_email_summary":  KindSendReport,
	"weekly_report":       KindSendReport,
	"create-poll":         KindCreatePoll,
	"post_slack_poll":     KindCreatePoll,
	"create-meeting":      KindCreateMeeting,
	"add_calendar_event":  KindCreateMeeting,
	"follow-up":           KindFollowUp,
	"blocker-alert":       KindBlockerAlert,
}

// ParseKind maps a raw kind name to the closed enumeration. Unknown names map
// to KindUnsupported.
func ParseKind(raw string) Kind {
	if k, ok := kindAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return k
	}
	return KindUnsupported
}

// Class groups kinds by approval treatment.
type Class int

const (
	ClassUnknown Class = iota
	ClassMessage
	ClassMutating
	ClassPoll
	ClassAdvisory
)

// Class returns the approval class of the kind.
func (k Kind) Class() Class {
	switch k {
	case KindNotify, KindReply:
		return ClassMessage
	case KindScheduleNotify, KindUpdateDocument, KindSendReport, KindCreateMeeting:
		return ClassMutating
	case KindCreatePoll:
		return ClassPoll
	case KindFollowUp, KindBlockerAlert:
		return ClassAdvisory
	default:
		return ClassUnknown
	}
}

// Severity is the planner-assigned impact of a proposal.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ParseSeverity normalizes a severity string, defaulting to medium.
func ParseSeverity(raw string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(raw))) {
	case SeverityLow:
		return SeverityLow
	case SeverityHigh:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// Proposal is a candidate action suggested by the planner. It is not durable
// until gating accepts it into the queue.
type Proposal struct {
	Kind       Kind
	Rationale  string
	Confidence float64
	Severity   Severity
	Trigger    string
	Payload    Payload
}

// Action is a proposal accepted into the durable queue.
type Action struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	Rationale  string     `json:"rationale"`
	Confidence float64    `json:"confidence"`
	Severity   Severity   `json:"severity"`
	Trigger    string     `json:"trigger,omitempty"`
	Payload    Payload    `json:"-"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	// Proactive marks actions raised by the system itself rather than the planner.
	Proactive bool `json:"proactive,omitempty"`
}

// Finished returns the time used for retention of terminal actions.
func (a *Action) Finished() time.Time {
	if a.ExecutedAt != nil {
		return *a.ExecutedAt
	}
	return a.CreatedAt
}
