// Package sqlite provides an embedded SQLite store backend using the
// CGo-free modernc driver. One row per job document; the priority-ordered
// fetch is a single indexed query.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // register the "sqlite" driver

	"github.com/stashq/stashq"
	"github.com/stashq/stashq/job"
	"github.com/stashq/stashq/store"
)

// Ensure Store implements the backend contract at compile time.
var _ store.Store = (*Store)(nil)

// Store is a SQLite implementation of store.Store.
type Store struct {
	dsn    string
	logger *slog.Logger

	mu     sync.Mutex
	db     *sql.DB
	loaded bool
	closed bool
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a Store backed by the database file at path. Use
// NewInMemory for an ephemeral database.
func New(path string, opts ...Option) *Store {
	s := &Store{
		dsn:    path,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemory creates a Store backed by an in-memory database.
func NewInMemory(opts ...Option) *Store {
	return New(":memory:", opts...)
}

// ── stashq.Storer ───────────────────────────────────

// Init opens the database and applies the schema. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return stashq.ErrStoreClosed
	}
	if s.loaded {
		return nil
	}

	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return fmt.Errorf("sqlite: open %s: %w", s.dsn, err)
	}
	// The driver serializes writes; a single connection avoids
	// SQLITE_BUSY and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}

	s.db = db
	s.loaded = true
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close releases the database. Further operations fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, stashq.ErrStoreClosed
	}
	if !s.loaded {
		return nil, stashq.ErrNoStore
	}
	return s.db, nil
}

// ── job.Store ───────────────────────────────────────

const selectColumns = `id, type, priority, data, state,
	created_at, updated_at, started_at, completed_at, failed_at,
	duration, progress, logs`

// List returns all jobs, optionally filtered by state, sorted by
// CreatedAt ascending (ties by insertion order).
func (s *Store) List(ctx context.Context, state job.State) ([]*job.Job, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	query := "SELECT " + selectColumns + " FROM jobs"
	var args []any
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY created_at ASC, seq ASC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list jobs: %w", err)
	}
	defer rows.Close()

	var result []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

// Find returns the job with the given id.
func (s *Store) Find(ctx context.Context, id string) (*job.Job, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stashq.ErrJobNotFound
	}
	return j, err
}

// Exists reports whether a job with the given id is persisted.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}

	var one int
	err = db.QueryRowContext(ctx,
		"SELECT 1 FROM jobs WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// NextInactive returns the inactive job of the given type minimizing
// (priority asc, created_at asc, seq asc), or (nil, nil).
func (s *Store) NextInactive(ctx context.Context, typ string) (*job.Job, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx,
		"SELECT "+selectColumns+` FROM jobs
		WHERE type = ? AND state = ?
		ORDER BY priority ASC, created_at ASC, seq ASC
		LIMIT 1`, typ, string(job.StateInactive))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// Insert persists a new document.
func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	logs, err := marshalLogs(j.Logs)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, priority, data, state,
			created_at, updated_at, started_at, completed_at, failed_at,
			duration, progress, logs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Type, int(j.Priority), j.Data, string(j.State),
		j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
		msOrNil(j.StartedAt), msOrNil(j.CompletedAt), msOrNil(j.FailedAt),
		j.Duration, j.Progress, logs)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return stashq.ErrJobExists
		}
		return fmt.Errorf("sqlite: insert job %s: %w", j.ID, err)
	}
	return nil
}

// Update replaces the mutable fields of the row with j's id. Fails unless
// exactly one row is affected.
func (s *Store) Update(ctx context.Context, j *job.Job) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	logs, err := marshalLogs(j.Logs)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `
		UPDATE jobs SET type = ?, priority = ?, data = ?, state = ?,
			created_at = ?, updated_at = ?, started_at = ?,
			completed_at = ?, failed_at = ?, duration = ?, progress = ?,
			logs = ?
		WHERE id = ?`,
		j.Type, int(j.Priority), j.Data, string(j.State),
		j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
		msOrNil(j.StartedAt), msOrNil(j.CompletedAt), msOrNil(j.FailedAt),
		j.Duration, j.Progress, logs, j.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update job %s: %w", j.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update job %s: %w", j.ID, err)
	}
	if affected != 1 {
		return stashq.ErrJobNotFound
	}
	return nil
}

// Remove deletes the row with the given id. Silent if absent.
func (s *Store) Remove(ctx context.Context, id string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("sqlite: remove job %s: %w", id, err)
	}
	return nil
}

// ── row mapping ─────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j         job.Job
		priority  int
		state     string
		createdAt int64
		updatedAt int64
		started   sql.NullInt64
		completed sql.NullInt64
		failed    sql.NullInt64
		duration  sql.NullInt64
		progress  sql.NullInt64
		logs      string
	)

	err := row.Scan(&j.ID, &j.Type, &priority, &j.Data, &state,
		&createdAt, &updatedAt, &started, &completed, &failed,
		&duration, &progress, &logs)
	if err != nil {
		return nil, err
	}

	j.Priority = job.Priority(priority)
	j.State = job.State(state)
	j.CreatedAt = time.UnixMilli(createdAt).UTC()
	j.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	j.StartedAt = timeOrNil(started)
	j.CompletedAt = timeOrNil(completed)
	j.FailedAt = timeOrNil(failed)
	if duration.Valid {
		d := duration.Int64
		j.Duration = &d
	}
	if progress.Valid {
		p := int(progress.Int64)
		j.Progress = &p
	}
	if err := json.Unmarshal([]byte(logs), &j.Logs); err != nil {
		return nil, fmt.Errorf("sqlite: decode logs for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func marshalLogs(logs []string) (string, error) {
	if logs == nil {
		logs = []string{}
	}
	b, err := json.Marshal(logs)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode logs: %w", err)
	}
	return string(b), nil
}

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeOrNil(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}
