package store

import (
	"context"
	"fmt"
	"time"
)

func (s *SQLiteStore) ClaimInbound(ctx context.Context, messageID, participantID string, staleBefore time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_dedup (message_id, participant_id, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO UPDATE SET participant_id = excluded.participant_id, received_at = excluded.received_at
		 WHERE inbound_dedup.processed_at IS NULL AND inbound_dedup.received_at < ?`,
		messageID, participantID, time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("claim inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseInbound(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM inbound_dedup WHERE message_id = ? AND processed_at IS NULL`, messageID)
	if err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		time.Now().UTC(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
