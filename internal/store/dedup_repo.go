package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID     string     `json:"message_id"`
	ParticipantID string     `json:"participant_id"`
	ReceivedAt    time.Time  `json:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
}

// DedupRepo remembers provider message IDs so redelivered webhooks are answered once.
//
// A delivery first claims its ID. The claim is settled with MarkProcessed once the
// turn succeeds, or dropped with ReleaseInbound so the provider's retry runs again.
type DedupRepo interface {
	// ClaimInbound reserves messageID for the caller. It returns false when the ID is
	// already processed or claimed by another delivery. An unprocessed claim received
	// before staleBefore is taken over, so a crash mid-turn does not block retries forever.
	ClaimInbound(ctx context.Context, messageID, participantID string, staleBefore time.Time) (bool, error)

	// ReleaseInbound drops an unprocessed claim. Processed records are kept.
	ReleaseInbound(ctx context.Context, messageID string) error

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}

// Compile-time checks that every backend implements DedupRepo.
var (
	_ DedupRepo = (*InMemoryStore)(nil)
	_ DedupRepo = (*SQLiteStore)(nil)
	_ DedupRepo = (*PostgresStore)(nil)
)

func (s *InMemoryStore) ClaimInbound(ctx context.Context, messageID, participantID string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		if rec.ProcessedAt != nil || !rec.ReceivedAt.Before(staleBefore) {
			return false, nil
		}
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, ParticipantID: participantID, ReceivedAt: s.now()}
	return true, nil
}

func (s *InMemoryStore) ReleaseInbound(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok && rec.ProcessedAt == nil {
		delete(s.dedup, messageID)
	}
	return nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := s.now()
		rec.ProcessedAt = &now
	}
	return nil
}
