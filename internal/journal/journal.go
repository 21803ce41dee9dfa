// Package journal persists terminal goal results in a local sqlite file.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

var (
	ErrPathRequired = errors.New("journal: path required")
	ErrMissingGoal  = errors.New("journal: entry missing goal id")
)

const DefaultRecentLimit = 20

// Entry is one recorded goal outcome.
type Entry struct {
	GoalID         string          `json:"goal_id"`
	Label          string          `json:"label,omitempty"`
	Status         string          `json:"status"`
	StepsCompleted int             `json:"steps_completed"`
	TotalSteps     int             `json:"total_steps"`
	FailedStep     string          `json:"failed_step,omitempty"`
	ErrorKind      string          `json:"error_kind,omitempty"`
	Detail         string          `json:"detail,omitempty"`
	Steps          json.RawMessage `json:"steps,omitempty"`
	AcceptedAt     time.Time       `json:"accepted_at"`
	FinishedAt     time.Time       `json:"finished_at"`
}

// Store is a goal journal backed by sqlite.
type Store struct {
	db *sql.DB
}

// Open creates the file's parent directory and schema when missing.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrPathRequired
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("journal: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	queries := []string{
		`CREATE TABLE IF NOT EXISTS goals (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			goal_id TEXT NOT NULL UNIQUE,
			label TEXT,
			status TEXT NOT NULL,
			steps_completed INTEGER NOT NULL,
			total_steps INTEGER NOT NULL,
			failed_step TEXT,
			error_kind TEXT,
			detail TEXT,
			steps TEXT,
			accepted_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS goals_status ON goals (status);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("journal: schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes e. A goal id is recorded at most once.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if strings.TrimSpace(e.GoalID) == "" {
		return ErrMissingGoal
	}
	steps := string(e.Steps)
	if steps == "" {
		steps = "[]"
	}
	query := `INSERT INTO goals (goal_id, label, status, steps_completed, total_steps, failed_step, error_kind, detail, steps, accepted_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		e.GoalID,
		e.Label,
		e.Status,
		e.StepsCompleted,
		e.TotalSteps,
		e.FailedStep,
		e.ErrorKind,
		e.Detail,
		steps,
		e.AcceptedAt.UTC().Format(time.RFC3339Nano),
		e.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal: insert %s: %w", e.GoalID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	query := `SELECT goal_id, label, status, steps_completed, total_steps, failed_step, error_kind, detail, steps, accepted_at, finished_at
		FROM goals ORDER BY seq DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns the entry recorded for goalID.
func (s *Store) Get(ctx context.Context, goalID string) (Entry, bool, error) {
	query := `SELECT goal_id, label, status, steps_completed, total_steps, failed_step, error_kind, detail, steps, accepted_at, finished_at
		FROM goals WHERE goal_id = ?`
	rows, err := s.db.QueryContext(ctx, query, goalID)
	if err != nil {
		return Entry{}, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return Entry{}, false, rows.Err()
	}
	e, err := scanEntry(rows)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// CountByStatus summarizes recorded outcomes.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM goals GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e                    Entry
		label, failed, kind  sql.NullString
		detail, steps        sql.NullString
		acceptedAt, finished string
	)
	if err := rows.Scan(
		&e.GoalID,
		&label,
		&e.Status,
		&e.StepsCompleted,
		&e.TotalSteps,
		&failed,
		&kind,
		&detail,
		&steps,
		&acceptedAt,
		&finished,
	); err != nil {
		return Entry{}, err
	}
	e.Label = label.String
	e.FailedStep = failed.String
	e.ErrorKind = kind.String
	e.Detail = detail.String
	if steps.Valid && steps.String != "" {
		e.Steps = json.RawMessage(steps.String)
	}
	var err error
	if e.AcceptedAt, err = time.Parse(time.RFC3339Nano, acceptedAt); err != nil {
		return Entry{}, fmt.Errorf("journal: accepted_at: %w", err)
	}
	if e.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return Entry{}, fmt.Errorf("journal: finished_at: %w", err)
	}
	return e, nil
}
