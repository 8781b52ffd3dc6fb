// Package store provides storage backends for EyeLine.
//
// This file implements an SQLite-backed store for sessions, interactions and appointments.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/EyeLine/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN is a file path (optionally with a "file:" prefix and query parameters).
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(sqliteFilePath(dsn))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY under concurrent webhook deliveries.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// sqliteFilePath strips the URI scheme and query from a go-sqlite3 DSN.
func sqliteFilePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, userID string, lang models.Language) (models.Session, error) {
	if userID == "" {
		return models.Session{}, models.ErrEmptyUserID
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (phone, consent, lang, step, pending_name, created_at, updated_at) VALUES (?, ?, ?, ?, '', ?, ?)`,
		userID, false, string(lang), string(models.StepStart), now, now)
	if err != nil {
		slog.Error("SQLiteStore GetOrCreateSession insert failed", "error", err, "userID", userID)
		return models.Session{}, fmt.Errorf("failed to create session for %s: %w", userID, err)
	}
	sess, err := s.getSession(ctx, userID)
	if err != nil {
		return models.Session{}, err
	}
	normalizeSession(&sess, lang)
	return sess, nil
}

func (s *SQLiteStore) getSession(ctx context.Context, userID string) (models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM users WHERE phone = ?`, userID)
	sess, err := scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrSessionNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore getSession failed", "error", err, "userID", userID)
		return models.Session{}, fmt.Errorf("failed to load session for %s: %w", userID, err)
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, userID string, patch models.SessionPatch) (models.Session, error) {
	if err := patch.Validate(); err != nil {
		return models.Session{}, err
	}
	query, args := buildSessionUpdate(userID, patch, time.Now().UTC(), sqlitePlaceholder)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore UpdateSession failed", "error", err, "userID", userID)
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
	slog.Debug("SQLiteStore UpdateSession succeeded", "userID", userID, "step", sess.Step)
	return sess, nil
}

func (s *SQLiteStore) AppendInteraction(ctx context.Context, i models.Interaction) error {
	if err := i.Validate(); err != nil {
		return err
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions (phone, role, content, urgency, created_at) VALUES (?, ?, ?, ?, ?)`,
		i.UserID, string(i.Role), i.Text, string(i.Urgency), i.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AppendInteraction failed", "error", err, "userID", i.UserID)
		return fmt.Errorf("failed to insert interaction for %s: %w", i.UserID, err)
	}
	return nil
}

func (s *SQLiteStore) RecentInteractions(ctx context.Context, userID string, limit int) ([]models.Interaction, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT phone, role, content, urgency, created_at FROM interactions WHERE phone = ? ORDER BY id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		slog.Error("SQLiteStore RecentInteractions query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query interactions for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanInteractions(rows)
}

func (s *SQLiteStore) AddAppointment(ctx context.Context, a models.Appointment) (models.Appointment, error) {
	a, err := prepareAppointment(a, time.Now())
	if err != nil {
		return models.Appointment{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO appointments (id, phone, full_name, preferred, note, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.FullName, a.PreferredDateTime, a.Note, a.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddAppointment failed", "error", err, "userID", a.UserID)
		return models.Appointment{}, fmt.Errorf("failed to insert appointment for %s: %w", a.UserID, err)
	}
	slog.Debug("SQLiteStore AddAppointment succeeded", "id", a.ID, "userID", a.UserID)
	return a, nil
}

func (s *SQLiteStore) ListAppointments(ctx context.Context, limit int) ([]models.Appointment, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, phone, full_name, preferred, note, created_at FROM appointments ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		slog.Error("SQLiteStore ListAppointments query failed", "error", err)
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// DB exposes the connection pool for stats collection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}
