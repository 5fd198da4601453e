package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // Register SQLite driver
	"github.com/rossigee/libvirt-mirror-orchestrator/pkg/types"
	"github.com/sirupsen/logrus"
)

// ErrRunNotFound is returned when no run has the requested ID.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is a mirror run as stored in the journal
type RunRecord struct {
	ID            string
	Domain        string
	Status        string
	State         string
	FailedPhase   string
	TargetPath    string
	CorrelationID string
	RequestJSON   string
	ProgressJSON  string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// RunEvent is one entry of a run's transition log.
type RunEvent struct {
	RunID     string
	State     string
	Phase     string
	Message   string
	CreatedAt time.Time
}

// Store is the SQLite run journal
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewStore opens or creates the journal at dbPath and applies migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.migrate(context.Background()); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database connection after init error")
		}
		return nil, err
	}

	logrus.WithField("db_path", dbPath).Info("Initialized run journal")
	return store, nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) migrate(ctx context.Context) error {
	current := 0
	// schema_version does not exist before the first migration
	_ = s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current)

	for _, migration := range Migrations {
		if migration.Version <= current {
			continue
		}

		logrus.WithField("version", migration.Version).Info("Applying schema migration")

		if _, err := s.db.ExecContext(ctx, migration.SQL); err != nil {
			return fmt.Errorf("failed to apply migration v%d: %w", migration.Version, err)
		}
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			migration.Version,
			time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to record migration v%d: %w", migration.Version, err)
		}

		current = migration.Version
	}

	return nil
}

// SaveRun inserts a run or updates its mutable columns.
func (s *Store) SaveRun(ctx context.Context, record *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs
		 (id, domain, status, state, failed_phase, target_path, correlation_id,
		  request_json, progress_json, error_message, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		  status = excluded.status,
		  state = excluded.state,
		  failed_phase = excluded.failed_phase,
		  target_path = excluded.target_path,
		  progress_json = excluded.progress_json,
		  error_message = excluded.error_message,
		  updated_at = excluded.updated_at,
		  completed_at = excluded.completed_at`,
		record.ID,
		record.Domain,
		record.Status,
		record.State,
		record.FailedPhase,
		record.TargetPath,
		record.CorrelationID,
		record.RequestJSON,
		record.ProgressJSON,
		record.ErrorMessage,
		record.CreatedAt.Unix(),
		record.UpdatedAt.Unix(),
		timeToUnixPtr(record.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", record.ID, err)
	}

	return nil
}

const runColumns = `id, domain, status, state, failed_phase, target_path, correlation_id,
	request_json, progress_json, error_message, created_at, updated_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	record := &RunRecord{}
	var progressJSON, errorMessage sql.NullString
	var createdAtUnix, updatedAtUnix int64
	var completedAtUnix *int64

	if err := row.Scan(
		&record.ID,
		&record.Domain,
		&record.Status,
		&record.State,
		&record.FailedPhase,
		&record.TargetPath,
		&record.CorrelationID,
		&record.RequestJSON,
		&progressJSON,
		&errorMessage,
		&createdAtUnix,
		&updatedAtUnix,
		&completedAtUnix,
	); err != nil {
		return nil, err
	}

	record.ProgressJSON = progressJSON.String
	record.ErrorMessage = errorMessage.String
	record.CreatedAt = time.Unix(createdAtUnix, 0)
	record.UpdatedAt = time.Unix(updatedAtUnix, 0)
	if completedAtUnix != nil {
		t := time.Unix(*completedAtUnix, 0)
		record.CompletedAt = &t
	}
	return record, nil
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, err := scanRun(s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return record, nil
}

// ListRunsFilter narrows ListRuns
type ListRunsFilter struct {
	Status string
	Domain string
	Limit  int // default: 100
	Offset int
}

// ListRuns returns runs, most recently updated first.
func (s *Store) ListRuns(ctx context.Context, filter ListRunsFilter) ([]*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	if filter.Limit > 10000 {
		filter.Limit = 10000
	}

	query := "SELECT " + runColumns + " FROM runs WHERE 1 = 1"
	args := []any{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Domain != "" {
		query += " AND domain = ?"
		args = append(args, filter.Domain)
	}
	query += " ORDER BY updated_at DESC, created_at DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database rows")
		}
	}()

	var records []*RunRecord
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return records, nil
}

// AppendEvent adds an entry to the transition log of a run.
func (s *Store) AppendEvent(ctx context.Context, event RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO run_events (run_id, state, phase, message, created_at) VALUES (?, ?, ?, ?, ?)",
		event.RunID,
		event.State,
		event.Phase,
		event.Message,
		event.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("failed to append event for run %s: %w", event.RunID, err)
	}
	return nil
}

// ListEvents returns the transition log of a run in insertion order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id, state, phase, message, created_at FROM run_events WHERE run_id = ? ORDER BY seq",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database rows")
		}
	}()

	var events []RunEvent
	for rows.Next() {
		var event RunEvent
		var createdAtUnix int64
		if err := rows.Scan(&event.RunID, &event.State, &event.Phase, &event.Message, &createdAtUnix); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.CreatedAt = time.Unix(createdAtUnix, 0)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// MarkInProgressRunsFailed fails every pending or running run. Called at
// startup: a run cannot survive a daemon restart.
func (s *Store) MarkInProgressRunsFailed(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs
		 SET status = ?, error_message = ?, updated_at = ?, completed_at = ?
		 WHERE status IN (?, ?)`,
		string(types.StatusFailed),
		"daemon restarted while run in progress",
		now,
		now,
		string(types.StatusRunning),
		string(types.StatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark in-progress runs as failed: %w", err)
	}

	return result.RowsAffected()
}

// DeleteOldRuns removes finished runs not updated within olderThan.
func (s *Store) DeleteOldRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).Unix()
	finished := []any{
		string(types.StatusCompleted),
		string(types.StatusFailed),
		string(types.StatusCancelled),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				logrus.WithError(rollbackErr).Warn("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM run_events WHERE run_id IN
		 (SELECT id FROM runs WHERE status IN (?, ?, ?) AND updated_at < ?)`,
		append(finished, cutoff)...,
	); err != nil {
		return 0, fmt.Errorf("failed to delete old run events: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		"DELETE FROM runs WHERE status IN (?, ?, ?) AND updated_at < ?",
		append(finished, cutoff)...,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old runs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if deleted > 0 {
		logrus.WithField("deleted_count", deleted).Debug("Cleaned up old run records")
	}

	return deleted, nil
}

// GetRunCount returns the number of runs with a given status
func (s *Store) GetRunCount(ctx context.Context, status string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs WHERE status = ?", status).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get run count: %w", err)
	}

	return count, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}
	return nil
}

func timeToUnixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
