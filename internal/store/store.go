// Package store provides storage backends for EyeLine.
//
// It persists the three durable collections the conversation engine relies on:
// users (keyed by messaging address), interactions and appointments (both append-only).
// Backends: in-memory (tests and ephemeral runs), SQLite (default) and PostgreSQL.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/EyeLine/internal/models"
)

// ErrSessionNotFound is returned when a patch targets a user that was never created.
var ErrSessionNotFound = errors.New("session not found")

// Store is the read/write contract of the user session store.
type Store interface {
	// GetOrCreateSession loads the session for userID, creating it with defaults
	// (consent=false, step=start, the given language) on first contact.
	GetOrCreateSession(ctx context.Context, userID string, lang models.Language) (models.Session, error)

	// UpdateSession applies a partial patch and returns the updated session.
	UpdateSession(ctx context.Context, userID string, patch models.SessionPatch) (models.Session, error)

	// AppendInteraction adds an immutable entry to the interaction log.
	AppendInteraction(ctx context.Context, i models.Interaction) error

	// RecentInteractions returns up to limit most recent entries for userID in chronological order.
	RecentInteractions(ctx context.Context, userID string, limit int) ([]models.Interaction, error)

	// AddAppointment persists an appointment, assigning its ID and creation time.
	AddAppointment(ctx context.Context, a models.Appointment) (models.Appointment, error)

	// ListAppointments returns up to limit appointments, newest first.
	ListAppointments(ctx context.Context, limit int) ([]models.Appointment, error)

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	Driver string // "sqlite3" or "postgres"; empty selects the in-memory store
	DSN    string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN selects the SQLite backend with the given database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.Driver = "sqlite3"
		o.DSN = dsn
	}
}

// WithPostgresDSN selects the PostgreSQL backend with the given connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.Driver = "postgres"
		o.DSN = dsn
	}
}

// DetectDSNType reports "postgres" for PostgreSQL connection strings and "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.Contains(lower, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// New builds the backend selected by opts.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch cfg.Driver {
	case "postgres":
		return NewPostgresStore(opts...)
	case "sqlite3":
		return NewSQLiteStore(opts...)
	default:
		slog.Warn("store.New: no database configured, using in-memory store; state will not survive restarts")
		return NewInMemoryStore(), nil
	}
}

// InMemoryStore is a mutex-guarded in-process store.
type InMemoryStore struct {
	mu           sync.Mutex
	sessions     map[string]models.Session
	interactions map[string][]models.Interaction
	appointments []models.Appointment
	dedup        map[string]*DedupRecord
	now          func() time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:     make(map[string]models.Session),
		interactions: make(map[string][]models.Interaction),
		dedup:        make(map[string]*DedupRecord),
		now:          time.Now,
	}
}

func (s *InMemoryStore) GetOrCreateSession(ctx context.Context, userID string, lang models.Language) (models.Session, error) {
	if userID == "" {
		return models.Session{}, models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[userID]; ok {
		return sess, nil
	}
	sess := models.NewSession(userID, lang, s.now().UTC())
	s.sessions[userID] = sess
	slog.Debug("InMemoryStore GetOrCreateSession created", "userID", userID, "lang", lang)
	return sess, nil
}

func (s *InMemoryStore) UpdateSession(ctx context.Context, userID string, patch models.SessionPatch) (models.Session, error) {
	if err := patch.Validate(); err != nil {
		return models.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	patch.Apply(&sess)
	sess.UpdatedAt = s.now().UTC()
	s.sessions[userID] = sess
	return sess, nil
}

func (s *InMemoryStore) AppendInteraction(ctx context.Context, i models.Interaction) error {
	if err := i.Validate(); err != nil {
		return err
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions[i.UserID] = append(s.interactions[i.UserID], i)
	return nil
}

func (s *InMemoryStore) RecentInteractions(ctx context.Context, userID string, limit int) ([]models.Interaction, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.interactions[userID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]models.Interaction, len(all))
	copy(out, all)
	return out, nil
}

func (s *InMemoryStore) AddAppointment(ctx context.Context, a models.Appointment) (models.Appointment, error) {
	a, err := prepareAppointment(a, s.now())
	if err != nil {
		return models.Appointment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appointments = append(s.appointments, a)
	slog.Debug("InMemoryStore AddAppointment succeeded", "id", a.ID, "userID", a.UserID)
	return a, nil
}

func (s *InMemoryStore) ListAppointments(ctx context.Context, limit int) ([]models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Appointment
	for i := len(s.appointments) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.appointments[i])
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
