package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal records lifecycle transitions in SQLite for inspection with
// `gantry history`. It is observational: the environment record is the
// source of truth, losing the journal loses history only.
type Journal struct {
	db   *sql.DB
	path string
	cfg  JournalConfig
}

// JournalConfig holds journal configuration.
type JournalConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewJournal creates a new journal instance.
func NewJournal(cfg JournalConfig) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &Journal{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (j *Journal) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", j.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return NewInternalError("journal.init", "", err).WithPath(j.path)
	}

	// Configure connection pool
	db.SetMaxOpenConns(j.cfg.MaxOpenConns)
	db.SetMaxIdleConns(j.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(j.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return NewInternalError("journal.init", "", fmt.Errorf("failed to ping database: %w", err)).WithPath(j.path)
	}

	j.db = db
	return nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (j *Journal) Migrate(_ context.Context) error {
	if j.db == nil {
		return NewInternalError("journal.migrate", "", fmt.Errorf("database not initialized"))
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return NewInternalError("journal.migrate", "", fmt.Errorf("failed to create migration source: %w", err))
	}

	driver, err := sqlite3.WithInstance(j.db, &sqlite3.Config{})
	if err != nil {
		return NewInternalError("journal.migrate", "", fmt.Errorf("failed to create database driver: %w", err))
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return NewInternalError("journal.migrate", "", fmt.Errorf("failed to create migration instance: %w", err))
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return NewInternalError("journal.migrate", "", fmt.Errorf("failed to run migrations: %w", err)).WithPath(j.path)
	}

	return nil
}

// Record appends one transition. The record's ID is filled in on return;
// a zero RecordedAt is stamped with the current time.
func (j *Journal) Record(ctx context.Context, rec *TransitionRecord) error {
	const op = "journal.record"

	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO transitions (environment, from_stage, to_stage, operation, failed_step, trace_ref, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := j.db.ExecContext(ctx, query,
		rec.Environment,
		rec.FromStage,
		rec.ToStage,
		rec.Operation,
		rec.FailedStep,
		rec.TraceRef,
		rec.RecordedAt,
	)
	if err != nil {
		return NewInternalError(op, rec.Environment, err).WithPath(j.path)
	}

	if id, err := result.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// List returns an environment's transitions, oldest first, with pagination.
func (j *Journal) List(ctx context.Context, environment string, limit, offset int) ([]*TransitionRecord, error) {
	const op = "journal.list"

	query := `
		SELECT id, environment, from_stage, to_stage, operation, failed_step, trace_ref, recorded_at
		FROM transitions
		WHERE environment = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := j.db.QueryContext(ctx, query, environment, limit, offset)
	if err != nil {
		return nil, NewInternalError(op, environment, err).WithPath(j.path)
	}
	defer rows.Close()

	records := []*TransitionRecord{}
	for rows.Next() {
		rec := &TransitionRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.Environment,
			&rec.FromStage,
			&rec.ToStage,
			&rec.Operation,
			&rec.FailedStep,
			&rec.TraceRef,
			&rec.RecordedAt,
		)
		if err != nil {
			return nil, NewInternalError(op, environment, err).WithPath(j.path)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, NewInternalError(op, environment, err).WithPath(j.path)
	}
	return records, nil
}

// LastTransition returns an environment's most recent transition.
func (j *Journal) LastTransition(ctx context.Context, environment string) (*TransitionRecord, error) {
	const op = "journal.last"

	query := `
		SELECT id, environment, from_stage, to_stage, operation, failed_step, trace_ref, recorded_at
		FROM transitions
		WHERE environment = ?
		ORDER BY id DESC
		LIMIT 1
	`

	rec := &TransitionRecord{}
	err := j.db.QueryRowContext(ctx, query, environment).Scan(
		&rec.ID,
		&rec.Environment,
		&rec.FromStage,
		&rec.ToStage,
		&rec.Operation,
		&rec.FailedStep,
		&rec.TraceRef,
		&rec.RecordedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError(op, environment)
	}
	if err != nil {
		return nil, NewInternalError(op, environment, err).WithPath(j.path)
	}
	return rec, nil
}

// Prune deletes all transitions for an environment and returns the number
// removed. Called on cleanup, after the environment record itself is gone.
func (j *Journal) Prune(ctx context.Context, environment string) (int64, error) {
	const op = "journal.prune"

	result, err := j.db.ExecContext(ctx, `DELETE FROM transitions WHERE environment = ?`, environment)
	if err != nil {
		return 0, NewInternalError(op, environment, err).WithPath(j.path)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, NewInternalError(op, environment, err).WithPath(j.path)
	}
	return rows, nil
}

// HealthCheck verifies the database connection is alive.
func (j *Journal) HealthCheck(ctx context.Context) error {
	if j.db == nil {
		return NewInternalError("journal.health", "", fmt.Errorf("database not initialized"))
	}
	if err := j.db.PingContext(ctx); err != nil {
		return NewInternalError("journal.health", "", err).WithPath(j.path)
	}
	return nil
}
