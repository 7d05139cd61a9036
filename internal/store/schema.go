package store

import "time"

// Schema creates every table the daemon persists. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS processed_events (
	event_id TEXT PRIMARY KEY,
	channel_id TEXT DEFAULT '',
	processed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS action_queue (
	position INTEGER PRIMARY KEY,
	action_id TEXT UNIQUE NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	created_unix INTEGER NOT NULL,
	body TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	decision_id TEXT UNIQUE NOT NULL,
	action_id TEXT DEFAULT '',
	kind TEXT NOT NULL,
	approved BOOLEAN NOT NULL,
	rationale TEXT DEFAULT '',
	payload TEXT DEFAULT '',
	created_unix INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_unix);

CREATE TABLE IF NOT EXISTS action_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	rationale TEXT DEFAULT '',
	payload TEXT DEFAULT '',
	result TEXT DEFAULT '',
	created_unix INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_history_created ON action_history(created_unix);

CREATE TABLE IF NOT EXISTS sent_reports (
	report_key TEXT PRIMARY KEY,
	sent_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_name TEXT UNIQUE NOT NULL,
	last_status TEXT DEFAULT '',
	last_run_at DATETIME,
	run_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT,
	updated_at DATETIME
);
`

// DecisionRecord is one append-only audit entry for an approved or rejected action.
type DecisionRecord struct {
	ID         int64     `json:"id"`
	DecisionID string    `json:"decision_id"`
	ActionID   string    `json:"action_id"`
	Kind       string    `json:"kind"`
	Approved   bool      `json:"approved"`
	Rationale  string    `json:"rationale"`
	Payload    string    `json:"payload,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ActionRunRecord is one execution attempt outcome.
type ActionRunRecord struct {
	ID        int64     `json:"id"`
	ActionID  string    `json:"action_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"` // SUCCESS, FAILED, PENDING
	Rationale string    `json:"rationale"`
	Payload   string    `json:"payload,omitempty"`
	Result    string    `json:"result"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	RunSuccess = "SUCCESS"
	RunFailed  = "FAILED"
	RunPending = "PENDING"
)

// ScheduledJobRecord tracks the last run of a scheduler job.
type ScheduledJobRecord struct {
	ID         int64     `json:"id"`
	JobName    string    `json:"job_name"`
	LastStatus string    `json:"last_status"`
	LastRunAt  time.Time `json:"last_run_at"`
	RunCount   int       `json:"run_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Stats aggregates history over a window for reports.
type Stats struct {
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// ApprovalRate is approved / (approved + rejected), or 0 with no decisions.
func (s Stats) ApprovalRate() float64 {
	total := s.Approved + s.Rejected
	if total == 0 {
		return 0
	}
	return float64(s.Approved) / float64(total)
}

// SuccessRate is succeeded / (succeeded + failed), or 0 with no runs.
func (s Stats) SuccessRate() float64 {
	total := s.Succeeded + s.Failed
	if total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(total)
}
