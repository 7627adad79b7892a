// Package ledger provides the SQL run ledger: runs, per-task metrics, the
// IoU history and checkpoint writes.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/StOnEGiggity/ViLCo/internal/domain/continual"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Ledger errors.
var (
	ErrLedgerInit   = errors.New("ledger initialization failed")
	ErrLedgerClosed = errors.New("ledger closed")
	ErrRunNotFound  = errors.New("run not found")

	// ErrHistoryIncomplete indicates stored IoU history rows with gaps.
	ErrHistoryIncomplete = errors.New("history incomplete")
)

// Config configures the ledger connection.
type Config struct {
	// Driver is sqlite or postgres.
	Driver string `json:"driver" yaml:"driver"`

	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `json:"dsn" yaml:"dsn"`
}

// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Run is one training run.
type Run struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Benchmark string    `json:"benchmark"`
	Method    string    `json:"method"`
	NumTasks  int       `json:"numTasks"`
	WorldSize int       `json:"worldSize"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CheckpointRecord is one checkpoint write.
type CheckpointRecord struct {
	Name    string    `json:"name"`
	Task    int       `json:"task"`
	Epoch   int       `json:"epoch"`
	Path    string    `json:"path"`
	SavedAt time.Time `json:"savedAt"`
}

// Ledger stores run records in SQLite or PostgreSQL.
type Ledger struct {
	mu     sync.RWMutex
	db     *sql.DB
	driver string
	closed bool
}

// Open connects to the ledger database and creates the schema.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	switch driver {
	case DriverSQLite:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("%w: sqlite ledger needs a path", ErrLedgerInit)
		}
		if cfg.DSN != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
				return nil, fmt.Errorf("%w: failed to create directory: %v", ErrLedgerInit, err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrLedgerInit, driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrLedgerInit, err)
	}
	if driver == DriverSQLite {
		// One writer; avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	}

	l := &Ledger{db: db, driver: driver}
	if err := l.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			benchmark TEXT NOT NULL,
			method TEXT NOT NULL,
			num_tasks INTEGER NOT NULL,
			world_size INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_metrics (
			run_id TEXT NOT NULL,
			task INTEGER NOT NULL,
			best_iou DOUBLE PRECISION NOT NULL,
			best_prob DOUBLE PRECISION NOT NULL,
			final_iou DOUBLE PRECISION NOT NULL,
			final_prob DOUBLE PRECISION NOT NULL,
			bwf DOUBLE PRECISION,
			recorded_at BIGINT NOT NULL,
			PRIMARY KEY (run_id, task)
		)`,
		`CREATE TABLE IF NOT EXISTS iou_history (
			run_id TEXT NOT NULL,
			after_task INTEGER NOT NULL,
			task INTEGER NOT NULL,
			iou DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (run_id, after_task, task)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			task INTEGER NOT NULL,
			epoch INTEGER NOT NULL,
			path TEXT NOT NULL,
			saved_at BIGINT NOT NULL,
			PRIMARY KEY (run_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
	}
	for _, stmt := range statements {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: failed to create schema: %v", ErrLedgerInit, err)
		}
	}
	return nil
}

// rebind turns ? placeholders into $N for postgres.
func (l *Ledger) rebind(query string) string {
	if l.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// StartRun registers a run, or marks an existing run as running again.
func (l *Ledger) StartRun(ctx context.Context, run Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLedgerClosed
	}

	now := time.Now()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	_, err := l.db.ExecContext(ctx, l.rebind(`
		INSERT INTO runs (id, name, benchmark, method, num_tasks, world_size, status, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			world_size = excluded.world_size,
			updated_at = excluded.updated_at
	`), run.ID, run.Name, run.Benchmark, run.Method, run.NumTasks, run.WorldSize,
		StatusRunning, run.StartedAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("start run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun sets the final status of a run.
func (l *Ledger) FinishRun(ctx context.Context, runID, status string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLedgerClosed
	}

	res, err := l.db.ExecContext(ctx, l.rebind(`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`),
		status, time.Now().UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// RecordTask stores the metrics of a finished task together with the IoU
// history row measured after it. Re-recording a task replaces it.
func (l *Ledger) RecordTask(ctx context.Context, runID string, m continual.TaskMetrics, perTask []float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLedgerClosed
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record task %d: %w", m.Task, err)
	}
	defer tx.Rollback()

	var bwf sql.NullFloat64
	if m.BWF != nil {
		bwf = sql.NullFloat64{Float64: *m.BWF, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, l.rebind(`
		INSERT INTO task_metrics (run_id, task, best_iou, best_prob, final_iou, final_prob, bwf, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, task) DO UPDATE SET
			best_iou = excluded.best_iou,
			best_prob = excluded.best_prob,
			final_iou = excluded.final_iou,
			final_prob = excluded.final_prob,
			bwf = excluded.bwf,
			recorded_at = excluded.recorded_at
	`), runID, m.Task, m.BestIoU, m.BestProb, m.FinalIoU, m.FinalProb, bwf, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("record task %d metrics: %w", m.Task, err)
	}

	stmt, err := tx.PrepareContext(ctx, l.rebind(`
		INSERT INTO iou_history (run_id, after_task, task, iou)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, after_task, task) DO UPDATE SET iou = excluded.iou
	`))
	if err != nil {
		return fmt.Errorf("record task %d history: %w", m.Task, err)
	}
	defer stmt.Close()
	for task, iou := range perTask {
		if _, err := stmt.ExecContext(ctx, runID, m.Task, task, iou); err != nil {
			return fmt.Errorf("record task %d history: %w", m.Task, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record task %d: %w", m.Task, err)
	}
	return nil
}

// RecordCheckpoint notes a checkpoint write.
func (l *Ledger) RecordCheckpoint(ctx context.Context, runID string, rec CheckpointRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLedgerClosed
	}

	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, l.rebind(`
		INSERT INTO checkpoints (run_id, name, task, epoch, path, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, name) DO UPDATE SET
			task = excluded.task,
			epoch = excluded.epoch,
			path = excluded.path,
			saved_at = excluded.saved_at
	`), runID, rec.Name, rec.Task, rec.Epoch, rec.Path, rec.SavedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record checkpoint %s: %w", rec.Name, err)
	}
	return nil
}

// Runs lists all runs, newest first.
func (l *Ledger) Runs(ctx context.Context) ([]Run, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrLedgerClosed
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, name, benchmark, method, num_tasks, world_size, status, started_at, updated_at
		FROM runs ORDER BY started_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, updated int64
		if err := rows.Scan(&r.ID, &r.Name, &r.Benchmark, &r.Method, &r.NumTasks, &r.WorldSize, &r.Status, &started, &updated); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		r.UpdatedAt = time.UnixMilli(updated)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run.
func (l *Ledger) GetRun(ctx context.Context, runID string) (*Run, error) {
	runs, err := l.Runs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].ID == runID {
			return &runs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
}

// TaskMetrics returns the recorded task metrics of a run in task order.
func (l *Ledger) TaskMetrics(ctx context.Context, runID string) ([]continual.TaskMetrics, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrLedgerClosed
	}

	rows, err := l.db.QueryContext(ctx, l.rebind(`
		SELECT task, best_iou, best_prob, final_iou, final_prob, bwf
		FROM task_metrics WHERE run_id = ? ORDER BY task ASC
	`), runID)
	if err != nil {
		return nil, fmt.Errorf("task metrics: %w", err)
	}
	defer rows.Close()

	var out []continual.TaskMetrics
	for rows.Next() {
		var m continual.TaskMetrics
		var bwf sql.NullFloat64
		if err := rows.Scan(&m.Task, &m.BestIoU, &m.BestProb, &m.FinalIoU, &m.FinalProb, &bwf); err != nil {
			return nil, fmt.Errorf("scan task metrics: %w", err)
		}
		if bwf.Valid {
			m.BWF = continual.Float64Ptr(bwf.Float64)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// History rebuilds the IoU history of a run.
func (l *Ledger) History(ctx context.Context, runID string) (*continual.History, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrLedgerClosed
	}

	rows, err := l.db.QueryContext(ctx, l.rebind(`
		SELECT after_task, task, iou FROM iou_history
		WHERE run_id = ? ORDER BY after_task ASC, task ASC
	`), runID)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	h := &continual.History{}
	var row []float64
	current := -1
	flush := func() error {
		if current < 0 {
			return nil
		}
		if err := h.Record(current, row); err != nil {
			return fmt.Errorf("%w: run %s: %v", ErrHistoryIncomplete, runID, err)
		}
		return nil
	}
	for rows.Next() {
		var after, task int
		var iou float64
		if err := rows.Scan(&after, &task, &iou); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if after != current {
			if err := flush(); err != nil {
				return nil, err
			}
			if after != h.Len() {
				return nil, fmt.Errorf("%w: run %s has no row after task %d", ErrHistoryIncomplete, runID, h.Len())
			}
			current, row = after, nil
		}
		if task != len(row) {
			return nil, fmt.Errorf("%w: run %s row %d misses task %d", ErrHistoryIncomplete, runID, after, len(row))
		}
		row = append(row, iou)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return h, nil
}

// Checkpoints lists the checkpoint writes of a run by name.
func (l *Ledger) Checkpoints(ctx context.Context, runID string) ([]CheckpointRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrLedgerClosed
	}

	rows, err := l.db.QueryContext(ctx, l.rebind(`
		SELECT name, task, epoch, path, saved_at FROM checkpoints
		WHERE run_id = ? ORDER BY name ASC
	`), runID)
	if err != nil {
		return nil, fmt.Errorf("checkpoints: %w", err)
	}
	defer rows.Close()

	var out []CheckpointRecord
	for rows.Next() {
		var c CheckpointRecord
		var saved int64
		if err := rows.Scan(&c.Name, &c.Task, &c.Epoch, &c.Path, &saved); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		c.SavedAt = time.UnixMilli(saved)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close closes the database.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
