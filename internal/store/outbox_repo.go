package store

import (
	"context"
	"time"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// MaxOutboxAttempts is the number of delivery attempts before a reply is marked failed.
const MaxOutboxAttempts = 5

// OutboxMessage is a reply waiting to be pushed to a user over a session-based transport.
type OutboxMessage struct {
	ID            string       `json:"id"`
	Recipient     string       `json:"recipient"`
	Body          string       `json:"body"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo persists outgoing replies so they survive restarts and transport outages.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a reply. If dedupeKey is non-empty and a pending
	// message with that key exists, the existing ID is returned instead.
	EnqueueOutboxMessage(ctx context.Context, recipient, body, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages marks up to limit due queued messages as sending and returns them.
	ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboxMessageSent marks a message as delivered.
	MarkOutboxMessageSent(ctx context.Context, id string) error

	// FailOutboxMessage records a send failure. The message is retried at nextAttemptAt,
	// or marked failed once MaxOutboxAttempts is reached.
	FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleSendingMessages resets messages stuck in sending since before staleBefore.
	RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error)
}

const outboxColumns = `id, recipient, body, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`
