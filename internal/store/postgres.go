// Package store provides storage backends for EyeLine.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/EyeLine/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetOrCreateSession(ctx context.Context, userID string, lang models.Language) (models.Session, error) {
	if userID == "" {
		return models.Session{}, models.ErrEmptyUserID
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (phone, consent, lang, step, pending_name, created_at, updated_at)
		 VALUES ($1, FALSE, $2, $3, '', $4, $4) ON CONFLICT (phone) DO NOTHING`,
		userID, string(lang), string(models.StepStart), now)
	if err != nil {
		slog.Error("PostgresStore GetOrCreateSession insert failed", "error", err, "userID", userID)
		return models.Session{}, fmt.Errorf("failed to create session for %s: %w", userID, err)
	}
	sess, err := s.getSession(ctx, userID)
	if err != nil {
		return models.Session{}, err
	}
	normalizeSession(&sess, lang)
	return sess, nil
}

func (s *PostgresStore) getSession(ctx context.Context, userID string) (models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM users WHERE phone = $1`, userID)
	sess, err := scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrSessionNotFound
	}
	if err != nil {
		slog.Error("PostgresStore getSession failed", "error", err, "userID", userID)
		return models.Session{}, fmt.Errorf("failed to load session for %s: %w", userID, err)
	}
	return sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, userID string, patch models.SessionPatch) (models.Session, error) {
	if err := patch.Validate(); err != nil {
		return models.Session{}, err
	}
	query, args := buildSessionUpdate(userID, patch, time.Now().UTC(), postgresPlaceholder)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore UpdateSession failed", "error", err, "userID", userID)
		return models.Session{}, fmt.Errorf("failed to update session for %s: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.Session{}, ErrSessionNotFound
	}
	sess, err := s.getSession(ctx, userID)
	if err != nil {
		return models.Session{}, err
	}
	normalizeSession(&sess, models.LanguageES)
	return sess, nil
}

func (s *PostgresStore) AppendInteraction(ctx context.Context, i models.Interaction) error {
	if err := i.Validate(); err != nil {
		return err
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions (phone, role, content, urgency, created_at) VALUES ($1, $2, $3, $4, $5)`,
		i.UserID, string(i.Role), i.Text, string(i.Urgency), i.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AppendInteraction failed", "error", err, "userID", i.UserID)
		return fmt.Errorf("failed to insert interaction for %s: %w", i.UserID, err)
	}
	return nil
}

func (s *PostgresStore) RecentInteractions(ctx context.Context, userID string, limit int) ([]models.Interaction, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT phone, role, content, urgency, created_at FROM interactions WHERE phone = $1 ORDER BY id DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		slog.Error("PostgresStore RecentInteractions query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query interactions for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanInteractions(rows)
}

func (s *PostgresStore) AddAppointment(ctx context.Context, a models.Appointment) (models.Appointment, error) {
	a, err := prepareAppointment(a, time.Now())
	if err != nil {
		return models.Appointment{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO appointments (id, phone, full_name, preferred, note, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.UserID, a.FullName, a.PreferredDateTime, a.Note, a.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddAppointment failed", "error", err, "userID", a.UserID)
		return models.Appointment{}, fmt.Errorf("failed to insert appointment for %s: %w", a.UserID, err)
	}
	slog.Debug("PostgresStore AddAppointment succeeded", "id", a.ID, "userID", a.UserID)
	return a, nil
}

func (s *PostgresStore) ListAppointments(ctx context.Context, limit int) ([]models.Appointment, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, phone, full_name, preferred, note, created_at FROM appointments ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		slog.Error("PostgresStore ListAppointments query failed", "error", err)
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

// DB exposes the connection pool for stats collection.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}
