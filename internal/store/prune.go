package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pruner deletes bookkeeping rows that are no longer needed for redelivery or retry.
type Pruner interface {
	// PruneDedup removes dedup records received before the cutoff.
	PruneDedup(ctx context.Context, before time.Time) (int, error)

	// PruneOutbox removes sent and failed outbox messages last updated before the cutoff.
	// Queued and sending messages are never touched.
	PruneOutbox(ctx context.Context, before time.Time) (int, error)
}

var (
	_ Pruner = (*InMemoryStore)(nil)
	_ Pruner = (*SQLiteStore)(nil)
	_ Pruner = (*PostgresStore)(nil)
)

func (s *InMemoryStore) PruneDedup(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.dedup {
		if rec.ReceivedAt.Before(before) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}

// PruneOutbox is a no-op: the in-memory store keeps no outbox.
func (s *InMemoryStore) PruneOutbox(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}

func (s *SQLiteStore) PruneDedup(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune dedup failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.PruneDedup", "deleted", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) PruneOutbox(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_messages WHERE status IN ('sent', 'failed') AND updated_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune outbox failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.PruneOutbox", "deleted", n)
	}
	return int(n), nil
}

func (s *PostgresStore) PruneDedup(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune dedup failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.PruneDedup", "deleted", n)
	}
	return int(n), nil
}

func (s *PostgresStore) PruneOutbox(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_messages WHERE status IN ('sent', 'failed') AND updated_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune outbox failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.PruneOutbox", "deleted", n)
	}
	return int(n), nil
}
