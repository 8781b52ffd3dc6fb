package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/EyeLine/internal/store"
)

const (
	// DefaultHousekeepingSchedule runs once a day at 03:17 server time.
	DefaultHousekeepingSchedule = "17 3 * * *"
	DefaultDedupRetention       = 7 * 24 * time.Hour
	DefaultOutboxRetention      = 30 * 24 * time.Hour

	// housekeepingTimeout bounds a single pruning pass.
	housekeepingTimeout = 5 * time.Minute
)

// HousekeepingOpts configures the pruning job.
type HousekeepingOpts struct {
	Schedule        string
	DedupRetention  time.Duration
	OutboxRetention time.Duration
}

// Option configures a Housekeeper.
type Option func(*HousekeepingOpts)

// WithSchedule sets the cron expression; "off" disables the job.
func WithSchedule(expr string) Option {
	return func(o *HousekeepingOpts) {
		o.Schedule = expr
	}
}

// WithDedupRetention sets how long dedup records are kept.
func WithDedupRetention(d time.Duration) Option {
	return func(o *HousekeepingOpts) {
		o.DedupRetention = d
	}
}

// WithOutboxRetention sets how long sent and failed outbox messages are kept.
func WithOutboxRetention(d time.Duration) Option {
	return func(o *HousekeepingOpts) {
		o.OutboxRetention = d
	}
}

// Housekeeper prunes dedup and outbox bookkeeping from the store.
type Housekeeper struct {
	pruner store.Pruner
	opts   HousekeepingOpts
	now    func() time.Time
}

// NewHousekeeper creates a Housekeeper. Non-positive retentions fall back to the defaults.
func NewHousekeeper(p store.Pruner, opts ...Option) *Housekeeper {
	cfg := HousekeepingOpts{
		Schedule:        DefaultHousekeepingSchedule,
		DedupRetention:  DefaultDedupRetention,
		OutboxRetention: DefaultOutboxRetention,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultHousekeepingSchedule
	}
	if cfg.DedupRetention <= 0 {
		cfg.DedupRetention = DefaultDedupRetention
	}
	if cfg.OutboxRetention <= 0 {
		cfg.OutboxRetention = DefaultOutboxRetention
	}
	return &Housekeeper{pruner: p, opts: cfg, now: time.Now}
}

// Enabled reports whether the job should be scheduled at all.
func (h *Housekeeper) Enabled() bool {
	return h.opts.Schedule != "off"
}

// RunOnce prunes both tables and returns the number of deleted rows.
func (h *Housekeeper) RunOnce(ctx context.Context) (dedup, outbox int, err error) {
	now := h.now()
	dedup, dedupErr := h.pruner.PruneDedup(ctx, now.Add(-h.opts.DedupRetention))
	if dedupErr != nil {
		dedupErr = fmt.Errorf("prune dedup: %w", dedupErr)
	}
	outbox, outboxErr := h.pruner.PruneOutbox(ctx, now.Add(-h.opts.OutboxRetention))
	if outboxErr != nil {
		outboxErr = fmt.Errorf("prune outbox: %w", outboxErr)
	}
	return dedup, outbox, errors.Join(dedupErr, outboxErr)
}

// Register adds the pruning job to s. It is a no-op when the job is disabled.
func (h *Housekeeper) Register(s *Scheduler) error {
	if !h.Enabled() {
		slog.Info("Housekeeper.Register: housekeeping disabled")
		return nil
	}
	if err := s.AddJob(h.opts.Schedule, h.tick); err != nil {
		return err
	}
	slog.Info("Housekeeper.Register: scheduled", "schedule", h.opts.Schedule,
		"dedup_retention", h.opts.DedupRetention, "outbox_retention", h.opts.OutboxRetention)
	return nil
}

func (h *Housekeeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), housekeepingTimeout)
	defer cancel()
	dedup, outbox, err := h.RunOnce(ctx)
	if err != nil {
		slog.Error("Housekeeper.tick: pruning failed", "error", err, "dedup_deleted", dedup, "outbox_deleted", outbox)
		return
	}
	slog.Info("Housekeeper.tick: pruned", "dedup_deleted", dedup, "outbox_deleted", outbox)
}
