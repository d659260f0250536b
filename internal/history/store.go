// Package history persists lane scheduler execution records in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Swind/go-lane-runner/core"
)

var ErrStoreClosed = errors.New("history store is closed")

const schema = `
	CREATE TABLE IF NOT EXISTS executions (
		run_id       TEXT PRIMARY KEY,
		task_id      TEXT NOT NULL,
		name         TEXT NOT NULL,
		lane         TEXT NOT NULL,
		state        INTEGER NOT NULL,
		state_name   TEXT NOT NULL,
		submitted_at INTEGER NOT NULL,
		started_at   INTEGER NOT NULL,
		finished_at  INTEGER NOT NULL,
		duration_ns  INTEGER NOT NULL,
		panicked     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_task ON executions(task_id);
	CREATE INDEX IF NOT EXISTS idx_executions_finished ON executions(finished_at);
`

// Options tunes a Store.
type Options struct {
	// Retain keeps at most this many rows; 0 keeps everything.
	Retain int
	// Buffer is the number of records queued for the writer. Defaults to 1024.
	Buffer int
	Logger core.Logger
}

type item struct {
	rec     core.TaskExecutionRecord
	flushed chan struct{}
}

// Store is a core.ExecutionObserver that writes records on its own goroutine,
// so the scheduler never waits on the database. Records arriving while the
// buffer is full are dropped and counted.
type Store struct {
	db     *sql.DB
	logger core.Logger
	retain int

	closeMu sync.RWMutex
	closed  bool
	items   chan item
	done    chan struct{}

	written atomic.Int64
	dropped atomic.Int64
}

var _ core.ExecutionObserver = (*Store)(nil)

// Open opens (or creates) the database at path and starts the writer.
func Open(path string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = core.NewNoOpLogger()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// one writer goroutine; readers share the same connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}

	s := &Store{
		db:     db,
		logger: opts.Logger,
		retain: opts.Retain,
		items:  make(chan item, opts.Buffer),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// ObserveExecution queues rec for writing without blocking.
func (s *Store) ObserveExecution(rec core.TaskExecutionRecord) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.closed {
		return
	}
	select {
	case s.items <- item{rec: rec}:
	default:
		s.dropped.Add(1)
	}
}

// Flush waits until every record queued before the call has been written.
func (s *Store) Flush(ctx context.Context) error {
	flushed := make(chan struct{})

	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return ErrStoreClosed
	}
	select {
	case s.items <- item{flushed: flushed}:
	case <-ctx.Done():
		s.closeMu.RUnlock()
		return ctx.Err()
	}
	s.closeMu.RUnlock()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)

	sincePrune := 0
	for it := range s.items {
		if it.flushed != nil {
			close(it.flushed)
			continue
		}
		if err := s.insert(it.rec); err != nil {
			s.logger.Error("Failed to store execution record",
				core.F("run_id", it.rec.RunID), core.F("error", err.Error()))
			continue
		}
		s.written.Add(1)

		sincePrune++
		if s.retain > 0 && sincePrune >= 100 {
			sincePrune = 0
			if _, err := s.Prune(context.Background(), s.retain); err != nil {
				s.logger.Warn("Failed to prune execution history", core.F("error", err.Error()))
			}
		}
	}
}

func (s *Store) insert(rec core.TaskExecutionRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO executions
			(run_id, task_id, name, lane, state, state_name, submitted_at, started_at, finished_at, duration_ns, panicked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.TaskID, rec.Name, rec.Lane,
		int(rec.State), rec.State.String(),
		unixNano(rec.SubmittedAt), unixNano(rec.StartedAt), unixNano(rec.FinishedAt),
		int64(rec.Duration), rec.Panicked,
	)
	return err
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]core.TaskExecutionRecord, error) {
	return s.query(ctx, `
		SELECT run_id, task_id, name, lane, state, submitted_at, started_at, finished_at, duration_ns, panicked
		FROM executions ORDER BY finished_at DESC, rowid DESC LIMIT ?`, limit)
}

// ByTask returns up to limit records of one task id, newest first.
func (s *Store) ByTask(ctx context.Context, taskID string, limit int) ([]core.TaskExecutionRecord, error) {
	return s.query(ctx, `
		SELECT run_id, task_id, name, lane, state, submitted_at, started_at, finished_at, duration_ns, panicked
		FROM executions WHERE task_id = ? ORDER BY finished_at DESC, rowid DESC LIMIT ?`, taskID, limit)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]core.TaskExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution history: %w", err)
	}
	defer rows.Close()

	var out []core.TaskExecutionRecord
	for rows.Next() {
		var (
			rec                          core.TaskExecutionRecord
			state                        int
			submitted, started, finished int64
			duration                     int64
		)
		if err := rows.Scan(&rec.RunID, &rec.TaskID, &rec.Name, &rec.Lane, &state,
			&submitted, &started, &finished, &duration, &rec.Panicked); err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		rec.State = core.TaskState(state)
		rec.SubmittedAt = fromUnixNano(submitted)
		rec.StartedAt = fromUnixNano(started)
		rec.FinishedAt = fromUnixNano(finished)
		rec.Duration = time.Duration(duration)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByState returns the number of stored records per state name.
func (s *Store) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state_name, COUNT(*) FROM executions GROUP BY state_name")
	if err != nil {
		return nil, fmt.Errorf("failed to count execution history: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		counts[name] = n
	}
	return counts, rows.Err()
}

// Prune deletes everything but the newest keep records.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM executions WHERE rowid NOT IN (
			SELECT rowid FROM executions ORDER BY finished_at DESC, rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune execution history: %w", err)
	}
	return res.RowsAffected()
}

// Written returns the number of records stored so far.
func (s *Store) Written() int64 { return s.written.Load() }

// Dropped returns the number of records lost to a full buffer.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

// Close stops the writer after it drained the queue and closes the database.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.items)
	s.closeMu.Unlock()

	<-s.done
	return s.db.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
