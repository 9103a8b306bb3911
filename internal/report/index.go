package report

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Index is the sqlite-backed run history.
type Index struct {
	db *sql.DB
}

// RunRecord is one indexed run as the status command displays it.
type RunRecord struct {
	ID           int64
	PlanID       string
	Outcome      string
	StartedAt    time.Time
	FinishedAt   time.Time
	StepsTotal   int
	StepsBlocked int
	ReportPath   string
}

// OpenIndex opens (and if needed creates) the history database.
func OpenIndex(path string) (*Index, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening run index: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring run index: %w", err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing run index schema: %w", err)
	}

	return &Index{db: db}, nil
}

// Close releases the database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Record inserts a completed run and its steps.
func (ix *Index) Record(ctx context.Context, r *RunReport, reportPath string) (int64, error) {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("recording run: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs (plan_id, outcome, source_branch, work_branch, started_at, finished_at, steps_total, steps_blocked, report_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PlanID, r.Outcome, r.SourceBranch, r.WorkBranch,
		r.StartedAt, r.FinishedAt, len(r.Steps), r.BlockedCount(), reportPath)
	if err != nil {
		return 0, fmt.Errorf("recording run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("recording run: %w", err)
	}

	for _, s := range r.Steps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_steps (run_id, step_id, status, agent, summary, blocked_reason, review_rounds)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, s.ID, s.Status, s.Agent, s.Summary, s.BlockedReason, s.ReviewRounds); err != nil {
			return 0, fmt.Errorf("recording step %s: %w", s.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("recording run: %w", err)
	}
	return runID, nil
}

// PlanHistory returns the runs of one plan, newest first.
func (ix *Index) PlanHistory(ctx context.Context, planID string) ([]RunRecord, error) {
	return ix.query(ctx,
		`SELECT id, plan_id, outcome, started_at, finished_at, steps_total, steps_blocked, report_path
		 FROM runs WHERE plan_id = ? ORDER BY finished_at DESC`, planID)
}

// RecentRuns returns the latest runs across all plans.
func (ix *Index) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	return ix.query(ctx,
		`SELECT id, plan_id, outcome, started_at, finished_at, steps_total, steps_blocked, report_path
		 FROM runs ORDER BY finished_at DESC LIMIT ?`, limit)
}

func (ix *Index) query(ctx context.Context, q string, args ...interface{}) ([]RunRecord, error) {
	rows, err := ix.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying run index: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.PlanID, &r.Outcome, &r.StartedAt, &r.FinishedAt,
			&r.StepsTotal, &r.StepsBlocked, &r.ReportPath); err != nil {
			return nil, fmt.Errorf("scanning run record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
