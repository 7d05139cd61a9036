// Package store persists processed-event markers, the action queue snapshot,
// decision and execution history, report markers and scheduler bookkeeping
// in a process-local SQLite database.
package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/scalytics/pmdaemon/internal/action"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups that find no row.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	s := New(db)
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database. Call Migrate before first use.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the schema plus best-effort upgrades for older files.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migration for files created before channel tracking.
	_, _ = s.db.Exec(`ALTER TABLE processed_events ADD COLUMN channel_id TEXT DEFAULT ''`)
	return nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

// --- Processed markers ---

// MarkProcessed writes the marker for eventID. It returns false when the
// marker already existed; an existing marker is never overwritten.
func (s *Store) MarkProcessed(eventID, channelID string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO processed_events (event_id, channel_id, processed_at) VALUES (?, ?, ?)`,
		eventID, channelID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("mark processed %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processed %s: %w", eventID, err)
	}
	return n == 1, nil
}

// IsProcessed reports whether a marker exists for eventID.
func (s *Store) IsProcessed(eventID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM processed_events WHERE event_id = ?`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check processed %s: %w", eventID, err)
	}
	return n > 0, nil
}

// CountProcessed returns the number of stored markers.
func (s *Store) CountProcessed() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM processed_events`).Scan(&n)
	return n, err
}

// --- Action queue snapshot ---

// LoadQueue reads the full queue snapshot in insertion order.
func (s *Store) LoadQueue() ([]action.Action, error) {
	return loadQueue(s.db)
}

// UpdateQueue reads the snapshot, applies fn and writes the result back in a
// single transaction. Returning an error from fn leaves the snapshot unchanged.
func (s *Store) UpdateQueue(fn func([]action.Action) ([]action.Action, error)) error {
	return s.UpdateQueueAudited(func(current []action.Action) ([]action.Action, []DecisionRecord, error) {
		next, err := fn(current)
		return next, nil, err
	})
}

// UpdateQueueAudited is UpdateQueue that also appends the returned decision
// records in the same transaction, so a status change and its audit entry
// commit together.
func (s *Store) UpdateQueueAudited(fn func([]action.Action) ([]action.Action, []DecisionRecord, error)) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("update queue: %w", err)
	}
	current, err := loadQueue(tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	next, decisions, err := fn(current)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := saveQueue(tx, next); err != nil {
		_ = tx.Rollback()
		return err
	}
	for i := range decisions {
		if err := logDecision(tx, &decisions[i]); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update queue: commit: %w", err)
	}
	return nil
}

type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func loadQueue(q queryer) ([]action.Action, error) {
	rows, err := q.Query(`SELECT body FROM action_queue ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	defer rows.Close()

	var out []action.Action
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("load queue: %w", err)
		}
		var a action.Action
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			return nil, fmt.Errorf("load queue: decode: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func saveQueue(tx *sql.Tx, actions []action.Action) error {
	if _, err := tx.Exec(`DELETE FROM action_queue`); err != nil {
		return fmt.Errorf("save queue: clear: %w", err)
	}
	for i, a := range actions {
		body, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("save queue: encode %s: %w", a.ID, err)
		}
		if _, err := tx.Exec(`INSERT INTO action_queue (position, action_id, kind, status, created_unix, body) VALUES (?, ?, ?, ?, ?, ?)`,
			i, a.ID, string(a.Kind), string(a.Status), a.CreatedAt.UnixMilli(), string(body)); err != nil {
			return fmt.Errorf("save queue: insert %s: %w", a.ID, err)
		}
	}
	return nil
}

// --- Decisions and execution history ---

func newDecisionID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	var b [16]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return fmt.Sprintf("dec-%d", time.Now().UnixNano())
}

// LogDecision appends a decision record. Records are never updated.
func (s *Store) LogDecision(rec *DecisionRecord) error {
	return logDecision(s.db, rec)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func logDecision(x execer, rec *DecisionRecord) error {
	if rec.DecisionID == "" {
		rec.DecisionID = newDecisionID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res, err := x.Exec(`INSERT INTO decisions (decision_id, action_id, kind, approved, rationale, payload, created_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.DecisionID, rec.ActionID, rec.Kind, rec.Approved, rec.Rationale, rec.Payload, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// ListDecisions returns the most recent decisions, newest first.
func (s *Store) ListDecisions(limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, decision_id, COALESCE(action_id,''), kind, approved,
		COALESCE(rationale,''), COALESCE(payload,''), created_unix
		FROM decisions ORDER BY created_unix DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var r DecisionRecord
		var created int64
		if err := rows.Scan(&r.ID, &r.DecisionID, &r.ActionID, &r.Kind, &r.Approved,
			&r.Rationale, &r.Payload, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogActionRun appends an execution outcome.
func (s *Store) LogActionRun(rec *ActionRunRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`INSERT INTO action_history (action_id, kind, status, rationale, payload, result, created_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ActionID, rec.Kind, rec.Status, rec.Rationale, rec.Payload, rec.Result, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("log action run: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// ListActionRuns returns the most recent execution outcomes, newest first.
func (s *Store) ListActionRuns(limit int) ([]ActionRunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, action_id, kind, status, COALESCE(rationale,''),
		COALESCE(payload,''), COALESCE(result,''), created_unix
		FROM action_history ORDER BY created_unix DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActionRunRecord
	for rows.Next() {
		var r ActionRunRecord
		var created int64
		if err := rows.Scan(&r.ID, &r.ActionID, &r.Kind, &r.Status, &r.Rationale,
			&r.Payload, &r.Result, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// StatsSince aggregates decisions and execution outcomes recorded at or after since.
func (s *Store) StatsSince(since time.Time) (Stats, error) {
	var st Stats
	cutoff := since.UnixMilli()
	err := s.db.QueryRow(`SELECT
		COALESCE(SUM(CASE WHEN approved THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN approved THEN 0 ELSE 1 END), 0)
		FROM decisions WHERE created_unix >= ?`, cutoff).Scan(&st.Approved, &st.Rejected)
	if err != nil {
		return st, fmt.Errorf("decision stats: %w", err)
	}
	err = s.db.QueryRow(`SELECT
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM action_history WHERE created_unix >= ?`, RunSuccess, RunFailed, cutoff).Scan(&st.Succeeded, &st.Failed)
	if err != nil {
		return st, fmt.Errorf("run stats: %w", err)
	}
	return st, nil
}

// --- Report markers ---

// HasSentReport reports whether the marker for key exists.
func (s *Store) HasSentReport(key string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM sent_reports WHERE report_key = ?`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check report %s: %w", key, err)
	}
	return n > 0, nil
}

// MarkReportSent writes the marker for key. It returns false when the marker
// already existed.
func (s *Store) MarkReportSent(key string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO sent_reports (report_key, sent_at) VALUES (?, ?)`, key, at.UTC())
	if err != nil {
		return false, fmt.Errorf("mark report %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark report %s: %w", key, err)
	}
	return n == 1, nil
}

// --- Scheduled jobs ---

// UpsertScheduledJob inserts or updates a scheduled job run record.
func (s *Store) UpsertScheduledJob(jobName, status string, runAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO scheduled_jobs (job_name, last_status, last_run_at, run_count, updated_at)
		VALUES (?, ?, ?, 1, datetime('now'))
		ON CONFLICT(job_name) DO UPDATE SET
			last_status = excluded.last_status,
			last_run_at = excluded.last_run_at,
			run_count = scheduled_jobs.run_count + 1,
			updated_at = datetime('now')`,
		jobName, status, runAt.UTC())
	return err
}

// GetScheduledJob returns a scheduled job record by name.
func (s *Store) GetScheduledJob(jobName string) (*ScheduledJobRecord, error) {
	var r ScheduledJobRecord
	var lastRunAt sql.NullTime
	err := s.db.QueryRow(`SELECT id, job_name, COALESCE(last_status,''), last_run_at,
		run_count, created_at, updated_at
		FROM scheduled_jobs WHERE job_name = ?`, jobName).
		Scan(&r.ID, &r.JobName, &r.LastStatus, &lastRunAt,
			&r.RunCount, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastRunAt.Valid {
		r.LastRunAt = lastRunAt.Time
	}
	return &r, nil
}

// ListScheduledJobs returns all scheduled job records.
func (s *Store) ListScheduledJobs() ([]ScheduledJobRecord, error) {
	rows, err := s.db.Query(`SELECT id, job_name, COALESCE(last_status,''), last_run_at,
		run_count, created_at, updated_at
		FROM scheduled_jobs ORDER BY job_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledJobRecord
	for rows.Next() {
		var r ScheduledJobRecord
		var lastRunAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.JobName, &r.LastStatus, &lastRunAt,
			&r.RunCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if lastRunAt.Valid {
			r.LastRunAt = lastRunAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Settings ---

// GetSetting returns a setting value by key, or ErrNotFound.
func (s *Store) GetSetting(key string) (string, error) {
	var val string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// SetSetting persists a setting value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	return err
}

// SettingExecutionPaused holds "true" while the operator has paused execution.
const SettingExecutionPaused = "execution_paused"

// IsExecutionPaused reports whether the operator paused execution. Defaults to false.
func (s *Store) IsExecutionPaused() bool {
	val, err := s.GetSetting(SettingExecutionPaused)
	if err != nil {
		return false
	}
	return val == "true"
}
