package action

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the kind-specific body of a proposal or action. Each kind has
// exactly one concrete payload type.
type Payload interface {
	payloadKind() Kind
}

// Message is the common body of message-shaped payloads.
type Message struct {
	Channel  string   `json:"channel"`
	Text     string   `json:"text"`
	ThreadID string   `json:"thread_id,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
}

// Notify posts a message immediately.
type Notify struct {
	Message
}

// Reply answers the triggering conversation.
type Reply struct {
	Message
}

// ScheduleNotify posts a message at an absolute time.
type ScheduleNotify struct {
	Message
	At time.Time `json:"at"`
}

// UpdateDocument replaces the body of one document section.
type UpdateDocument struct {
	Section string `json:"section"`
	Body    string `json:"body"`
}

// SendReport mails a report. An empty Body means a summary of the document.
type SendReport struct {
	To      string `json:"to,omitempty"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
	Period  string `json:"period,omitempty"`
}

// CreatePoll posts a reaction-based poll.
type CreatePoll struct {
	Channel  string   `json:"channel"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
	ThreadID string   `json:"thread_id,omitempty"`
}

// CreateMeeting creates a calendar event.
type CreateMeeting struct {
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Attendees   []string  `json:"attendees,omitempty"`
}

// Advisory is a system-raised suggestion; executing it acknowledges it.
type Advisory struct {
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
	Source  string `json:"source,omitempty"`
}

// Unsupported carries a proposal whose kind is not in the closed set.
type Unsupported struct {
	RawKind string         `json:"raw_kind"`
	Data    map[string]any `json:"data,omitempty"`
}

func (Notify) payloadKind() Kind         { return KindNotify }
func (Reply) payloadKind() Kind          { return KindReply }
func (ScheduleNotify) payloadKind() Kind { return KindScheduleNotify }
func (UpdateDocument) payloadKind() Kind { return KindUpdateDocument }
func (SendReport) payloadKind() Kind     { return KindSendReport }
func (CreatePoll) payloadKind() Kind     { return KindCreatePoll }
func (CreateMeeting) payloadKind() Kind  { return KindCreateMeeting }
func (Advisory) payloadKind() Kind       { return KindFollowUp }
func (Unsupported) payloadKind() Kind    { return KindUnsupported }

// MessageOf returns the message body of message-shaped payloads.
func MessageOf(p Payload) (*Message, bool) {
	switch v := p.(type) {
	case *Notify:
		return &v.Message, true
	case *Reply:
		return &v.Message, true
	case *ScheduleNotify:
		return &v.Message, true
	}
	return nil, false
}

// NewPayload returns an empty payload of the concrete type for the kind.
func NewPayload(k Kind) Payload {
	switch k {
	case KindNotify:
		return &Notify{}
	case KindReply:
		return &Reply{}
	case KindScheduleNotify:
		return &ScheduleNotify{}
	case KindUpdateDocument:
		return &UpdateDocument{}
	case KindSendReport:
		return &SendReport{}
	case KindCreatePoll:
		return &CreatePoll{}
	case KindCreateMeeting:
		return &CreateMeeting{}
	case KindFollowUp, KindBlockerAlert:
		return &Advisory{}
	default:
		return &Unsupported{}
	}
}

// Fits reports whether p is the payload variant NewPayload(k) builds.
func Fits(k Kind, p Payload) bool {
	if p == nil {
		return false
	}
	return NewPayload(k).payloadKind() == p.payloadKind()
}

type actionJSON struct {
	*actionAlias
	Payload json.RawMessage `json:"payload,omitempty"`
}

type actionAlias Action

// MarshalJSON encodes the payload next to the action fields.
func (a Action) MarshalJSON() ([]byte, error) {
	alias := actionAlias(a)
	out := actionJSON{actionAlias: &alias}
	if a.Payload != nil {
		raw, err := json.Marshal(a.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", a.Kind, err)
		}
		out.Payload = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the payload into the concrete type for the kind.
func (a *Action) UnmarshalJSON(data []byte) error {
	var alias actionAlias
	in := actionJSON{actionAlias: &alias}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*a = Action(alias)
	a.Kind = ParseKind(string(a.Kind))
	p := NewPayload(a.Kind)
	if len(in.Payload) > 0 {
		if err := json.Unmarshal(in.Payload, p); err != nil {
			return fmt.Errorf("decode %s payload: %w", a.Kind, err)
		}
	}
	a.Payload = p
	return nil
}
