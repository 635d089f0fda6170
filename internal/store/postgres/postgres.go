// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/2389/coven-dispatch/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) SaveAgent(ctx context.Context, agent *store.Agent) error {
	return queryUpsertAgent(ctx, s.db, agent)
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	return queryListAgents(ctx, s.db)
}

func (s *PostgresStore) SaveJob(ctx context.Context, job *store.Job) error {
	return queryUpsertJob(ctx, s.db, job)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*store.Job, error) {
	job, err := queryGetJob(ctx, s.db, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return job, err
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]*store.Job, error) {
	return queryListJobs(ctx, s.db)
}

func (s *PostgresStore) SaveStatusEvent(ctx context.Context, event *store.StatusEvent) error {
	return queryInsertStatusEvent(ctx, s.db, event)
}

func (s *PostgresStore) ListStatusEvents(ctx context.Context, agentID string, limit int) ([]*store.StatusEvent, error) {
	return queryListStatusEvents(ctx, s.db, agentID, limit)
}
