package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned by GetRun for an unknown ID.
var ErrRunNotFound = errors.New("run not found")

// tsLayout is fixed-width UTC so timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Store handles run history persistence. It shares the agent database.
type Store struct {
	db *sql.DB
}

// NewStore creates the run table on db if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		trigger TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		status TEXT NOT NULL,
		result TEXT,
		decision_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_scheduled_at ON runs(scheduled_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// CreateRun records a new run.
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, trigger, scheduled_at, started_at, completed_at, status, result, decision_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Trigger, r.ScheduledAt.UTC().Format(tsLayout),
		formatTime(r.StartedAt), formatTime(r.CompletedAt), r.Status, r.Result, nullString(r.DecisionID))
	return err
}

// UpdateRun updates a run record.
func (s *Store) UpdateRun(ctx context.Context, r *Run) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET started_at = ?, completed_at = ?, status = ?, result = ?, decision_id = ?
		WHERE id = ?
	`, formatTime(r.StartedAt), formatTime(r.CompletedAt), r.Status, r.Result, nullString(r.DecisionID), r.ID)
	return err
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, trigger, scheduled_at, started_at, completed_at, status, result, decision_id
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return r, err
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger, scheduled_at, started_at, completed_at, status, result, decision_id
		FROM runs ORDER BY scheduled_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// MarkInterrupted closes runs left running by a previous process and
// returns how many it changed.
func (s *Store) MarkInterrupted(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, result = ?, completed_at = ?
		WHERE status = ?
	`, StatusAborted, "interrupted by restart", now.UTC().Format(tsLayout), StatusRunning)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Counts returns the number of runs per status.
func (s *Store) Counts(ctx context.Context) (map[RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[RunStatus]int)
	for rows.Next() {
		var status RunStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var scheduledAt string
	var startedAt, completedAt, result, decisionID sql.NullString

	err := row.Scan(&r.ID, &r.Trigger, &scheduledAt, &startedAt, &completedAt, &r.Status, &result, &decisionID)
	if err != nil {
		return nil, err
	}

	r.ScheduledAt, _ = time.Parse(tsLayout, scheduledAt)
	r.StartedAt = parseTime(startedAt)
	r.CompletedAt = parseTime(completedAt)
	r.Result = result.String
	r.DecisionID = decisionID.String
	return &r, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(tsLayout)
	return &s
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(tsLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
