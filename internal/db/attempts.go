package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/vigil/internal/workitem"
)

// Fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Attempt is one logged execution attempt.
type Attempt struct {
	ID          int64
	WorkItemID  string
	Kind        workitem.Kind
	Name        string
	Attempt     int // 1-based
	Status      workitem.Status
	Reason      string
	ExitCode    int
	Duration    time.Duration
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// LogAttempt appends one attempt record. attempt is 1-based.
func (d *DB) LogAttempt(r workitem.ExecutionResult, attempt int) error {
	if d == nil || d.sql == nil {
		return nil
	}
	completed := r.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	_, err := d.sql.Exec(`
		INSERT INTO attempts (work_item_id, kind, name, attempt, status, reason, exit_code, duration_ms, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.WorkItemID, string(r.Kind), r.Name, attempt, string(r.Status), r.Reason, r.ExitCode,
		r.Duration.Milliseconds(), nullString(r.Error), formatTime(r.StartedAt), completed.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert attempt %s#%d: %w", r.WorkItemID, attempt, err)
	}
	return nil
}

// Attempts returns every attempt for a work item in order.
func (d *DB) Attempts(workItemID string) ([]Attempt, error) {
	rows, err := d.sql.Query(`
		SELECT id, work_item_id, kind, name, attempt, status, reason, exit_code, duration_ms, error, started_at, completed_at
		FROM attempts WHERE work_item_id = ? ORDER BY attempt ASC, id ASC`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	return scanAttempts(rows)
}

// History returns the most recent attempts across all items, newest first.
func (d *DB) History(limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.sql.Query(`
		SELECT id, work_item_id, kind, name, attempt, status, reason, exit_code, duration_ms, error, started_at, completed_at
		FROM attempts ORDER BY completed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return scanAttempts(rows)
}

func scanAttempts(rows *sql.Rows) ([]Attempt, error) {
	defer func() { _ = rows.Close() }()

	var out []Attempt
	for rows.Next() {
		var (
			a                  Attempt
			kind, status       string
			durationMS         int64
			errMsg, startedRaw sql.NullString
			completedRaw       string
		)
		if err := rows.Scan(&a.ID, &a.WorkItemID, &kind, &a.Name, &a.Attempt, &status, &a.Reason,
			&a.ExitCode, &durationMS, &errMsg, &startedRaw, &completedRaw); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Kind = workitem.Kind(kind)
		a.Status = workitem.Status(status)
		a.Duration = time.Duration(durationMS) * time.Millisecond
		a.Error = errMsg.String
		a.StartedAt = parseTime(startedRaw.String)
		a.CompletedAt = parseTime(completedRaw)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Run is a grouped execution, such as one hook event or one CLI batch.
type Run struct {
	ID          string
	Kind        string // "hooks" or "batch"
	Label       string // event name or batch description
	StartedAt   time.Time
	CompletedAt time.Time
	Total       int
	Failed      int
	Status      string // success, failed
}

// RecordRun inserts or replaces a run record.
func (d *DB) RecordRun(r Run) error {
	if d == nil || d.sql == nil {
		return nil
	}
	_, err := d.sql.Exec(`
		INSERT OR REPLACE INTO runs (id, kind, label, started_at, completed_at, total, failed, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.Label, r.StartedAt.UTC().Format(timeLayout), formatTime(r.CompletedAt),
		r.Total, r.Failed, r.Status,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// Runs returns the most recent runs, newest first.
func (d *DB) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := d.sql.Query(`
		SELECT id, kind, label, started_at, completed_at, total, failed, status
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var (
			r            Run
			startedRaw   string
			completedRaw sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.Label, &startedRaw, &completedRaw, &r.Total, &r.Failed, &r.Status); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = parseTime(startedRaw)
		r.CompletedAt = parseTime(completedRaw.String)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summary aggregates attempts completed since a point in time.
type Summary struct {
	Attempts  int
	ByStatus  map[workitem.Status]int
	Retried   int // attempts after the first
	TotalTime time.Duration
}

// Summarize counts attempts completed at or after since.
func (d *DB) Summarize(since time.Time) (Summary, error) {
	s := Summary{ByStatus: make(map[workitem.Status]int)}
	rows, err := d.sql.Query(`
		SELECT status, COUNT(*), SUM(CASE WHEN attempt > 1 THEN 1 ELSE 0 END), COALESCE(SUM(duration_ms), 0)
		FROM attempts WHERE completed_at >= ? GROUP BY status`, since.UTC().Format(timeLayout))
	if err != nil {
		return s, fmt.Errorf("query summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			status         string
			count, retried int
			durationMS     int64
		)
		if err := rows.Scan(&status, &count, &retried, &durationMS); err != nil {
			return s, fmt.Errorf("scan summary: %w", err)
		}
		s.ByStatus[workitem.Status(status)] = count
		s.Attempts += count
		s.Retried += retried
		s.TotalTime += time.Duration(durationMS) * time.Millisecond
	}
	return s, rows.Err()
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
