package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/provider"
)

// Request is everything the oracle sees for one cycle.
type Request struct {
	Now       time.Time
	Document  string
	Events    []action.Event
	Directory map[string]string
	Operator  string
	Bot       string
	Timezone  *time.Location
}

const instructions = `You are a project management assistant embedded in a team chat.
You receive the current time, the project context document, an operator directory
and a list of new messages (each with its full thread). Decide which actions, if any,
the messages call for.

Answer with a single JSON object and nothing else:
{
  "analysis": "<short summary of what you saw>",
  "actions": [
    {
      "type": "<one of: notify, reply, schedule-notify, update-document, send-report, create-poll, create-meeting>",
      "reasoning": "<why>",
      "confidence": <0.0-1.0>,
      "severity": "<low|medium|high>",
      "triggered_by": "<user id of the message author that caused this action>",
      "data": { ... kind specific fields ... }
    }
  ]
}

Kind specific data fields:
- notify, reply: channel, text, thread_id (optional), mentions (user ids, optional)
- schedule-notify: channel, text, at (RFC3339 absolute time), mentions (optional)
- update-document: section (exact section title), body (full new section body)
- send-report: to (optional), subject, body (optional), period (optional)
- create-poll: channel, question, options (2 to 10 strings), thread_id (optional)
- create-meeting: summary, description (optional), start, end (RFC3339), attendees (emails)

Rules:
- Return an empty actions list when nothing is needed.
- Never ask the author a clarifying question; act on the clearest interpretation or do nothing.
- Never mention or tag yourself.
- Resolve relative times ("tomorrow 10am") against the current time and timezone given.
- Use confidence honestly: low when the intent is ambiguous.`

type promptPayload struct {
	CurrentTime string            `json:"current_time"`
	Timezone    string            `json:"timezone"`
	Operator    string            `json:"operator"`
	Self        string            `json:"self"`
	Directory   map[string]string `json:"directory,omitempty"`
	Document    string            `json:"document"`
	Events      []action.Event    `json:"events"`
}

// buildMessages renders the request into a system instruction and one user message.
func buildMessages(req Request) ([]provider.Message, error) {
	loc := req.Timezone
	if loc == nil {
		loc = time.Local
	}
	now := req.Now.In(loc)
	payload := promptPayload{
		CurrentTime: now.Format(time.RFC3339) + " (" + now.Weekday().String() + ")",
		Timezone:    loc.String(),
		Operator:    req.Operator,
		Self:        req.Bot,
		Directory:   req.Directory,
		Document:    req.Document,
		Events:      req.Events,
	}
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode planner context: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("Context:\n")
	sb.Write(body)

	return []provider.Message{
		{Role: "system", Content: instructions},
		{Role: "user", Content: sb.String()},
	}, nil
}
