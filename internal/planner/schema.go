package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/scalytics/pmdaemon/internal/action"
)

const responseSchemaURL = "https://pmdaemon.schemas.local/planner/response.schema.json"

// responseSchema is the fixed shape every oracle answer must have.
const responseSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["actions"],
  "properties": {
    "analysis": {"type": "string"},
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "confidence"],
        "properties": {
          "type": {"type": "string", "minLength": 1},
          "reasoning": {"type": "string"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "severity": {"type": "string"},
          "triggered_by": {"type": "string"},
          "data": {"type": "object"}
        }
      }
    }
  }
}`

func compileResponseSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(responseSchemaURL, strings.NewReader(responseSchema)); err != nil {
		return nil, fmt.Errorf("planner schema load failed: %w", err)
	}
	compiled, err := c.Compile(responseSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("planner schema compile failed: %w", err)
	}
	return compiled, nil
}

type response struct {
	Analysis string        `json:"analysis"`
	Actions  []rawProposal `json:"actions"`
}

type rawProposal struct {
	Type        string         `json:"type"`
	Reasoning   string         `json:"reasoning"`
	Confidence  float64        `json:"confidence"`
	Severity    string         `json:"severity"`
	TriggeredBy string         `json:"triggered_by"`
	Data        map[string]any `json:"data"`
}

// dataAliases maps field names the oracle tends to use onto payload fields.
var dataAliases = map[string]string{
	"message":      "text",
	"thread_ts":    "thread_id",
	"users":        "mentions",
	"user_ids":     "mentions",
	"content":      "body",
	"time":         "at",
	"send_at":      "at",
	"title":        "summary",
	"start_time":   "start",
	"end_time":     "end",
	"recipient":    "to",
	"section_name": "section",
}

// parseResponse validates content against the schema and converts it into
// proposals. Any failure yields an error and no proposals.
func parseResponse(schema *jsonschema.Schema, content string) (string, []action.Proposal, error) {
	content = stripFences(content)

	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return "", nil, fmt.Errorf("decode planner response: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return "", nil, fmt.Errorf("planner response failed schema validation: %w", err)
	}

	var resp response
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		return "", nil, fmt.Errorf("decode planner response: %w", err)
	}

	out := make([]action.Proposal, 0, len(resp.Actions))
	for _, raw := range resp.Actions {
		out = append(out, toProposal(raw))
	}
	return resp.Analysis, out, nil
}

// toProposal decodes the kind-specific data. A kind outside the closed set or
// data that does not fit the kind becomes an unsupported proposal.
func toProposal(raw rawProposal) action.Proposal {
	p := action.Proposal{
		Kind:       action.ParseKind(raw.Type),
		Rationale:  raw.Reasoning,
		Confidence: raw.Confidence,
		Severity:   action.ParseSeverity(raw.Severity),
		Trigger:    raw.TriggeredBy,
	}

	data := normalizeData(raw.Data)
	unsupported := &action.Unsupported{RawKind: raw.Type, Data: raw.Data}
	if p.Kind == action.KindUnsupported {
		p.Payload = unsupported
		return p
	}

	payload := action.NewPayload(p.Kind)
	body, err := json.Marshal(data)
	if err == nil {
		err = json.Unmarshal(body, payload)
	}
	if err != nil {
		p.Kind = action.KindUnsupported
		p.Payload = unsupported
		return p
	}
	p.Payload = payload
	return p
}

func normalizeData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		key := strings.ToLower(k)
		if alias, ok := dataAliases[key]; ok {
			if _, taken := in[alias]; taken {
				continue
			}
			key = alias
		}
		out[key] = v
	}
	return out
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
