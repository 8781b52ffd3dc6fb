// Package flow implements the conversation state machine: one inbound message in, one reply out,
// with the session patch, interaction log and appointment writes applied before returning.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/EyeLine/internal/models"
	"github.com/BTreeMap/EyeLine/internal/ratelimit"
	"github.com/BTreeMap/EyeLine/internal/reply"
	"github.com/BTreeMap/EyeLine/internal/store"
)

// Defaults for engine construction.
const (
	DefaultHistoryLimit   = 6
	DefaultAdminListLimit = 10
)

// Rule names, reported to the Recorder.
const (
	RuleAccept          = "accept"
	RuleAdmin           = "admin"
	RuleReset           = "reset"
	RuleLanguage        = "language"
	RuleStart           = "start"
	RuleConsent         = "consent"
	RuleRateLimited     = "rate_limited"
	RuleSchedule        = "schedule"
	RuleCollectName     = "collect_name"
	RuleCollectDateTime = "collect_datetime"
	RuleChat            = "chat"
)

// Recorder receives per-turn counters. *metrics.Metrics satisfies it.
type Recorder interface {
	RuleHit(rule string)
	RateLimited()
	AppointmentCreated()
}

// Opts holds configuration for the Engine.
type Opts struct {
	DefaultLanguage models.Language
	AdminID         string
	HistoryLimit    int
	AdminListLimit  int
	Limiter         ratelimit.Limiter
	Recorder        Recorder
}

// Option defines a configuration option for the Engine.
type Option func(*Opts)

// WithDefaultLanguage sets the language of new and reset sessions.
func WithDefaultLanguage(lang models.Language) Option {
	return func(o *Opts) { o.DefaultLanguage = lang }
}

// WithAdminID enables the appointment listing command for one canonical address.
func WithAdminID(id string) Option {
	return func(o *Opts) { o.AdminID = id }
}

// WithHistoryLimit sets how many prior turns are sent to the inference gateway.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithAdminListLimit sets how many appointments the admin command lists.
func WithAdminListLimit(n int) Option {
	return func(o *Opts) { o.AdminListLimit = n }
}

// WithLimiter sets the per-user message limiter. Without one no turn is limited.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(o *Opts) { o.Limiter = l }
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// turn carries one inbound message through the rule list.
type turn struct {
	userID string
	text   string // trimmed body
	cmd    string // upper-cased body with collapsed whitespace, for command matching
	sess   models.Session
}

type rule struct {
	name  string
	apply func(ctx context.Context, t *turn) (reply string, handled bool, err error)
}

// Engine is the conversation state machine.
type Engine struct {
	store          store.Store
	composer       *reply.Composer
	limiter        ratelimit.Limiter
	recorder       Recorder
	locks          *keyedLock
	defaultLang    models.Language
	adminID        string
	historyLimit   int
	adminListLimit int
	rules          []rule
}

// NewEngine creates an Engine over st. Chat turns are answered by composer.
func NewEngine(st store.Store, composer *reply.Composer, opts ...Option) *Engine {
	cfg := Opts{
		DefaultLanguage: models.LanguageES,
		HistoryLimit:    DefaultHistoryLimit,
		AdminListLimit:  DefaultAdminListLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.DefaultLanguage = models.ParseLanguage(string(cfg.DefaultLanguage), models.LanguageES)
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = 0
	}
	if cfg.AdminListLimit <= 0 {
		cfg.AdminListLimit = DefaultAdminListLimit
	}
	if composer == nil {
		composer = reply.NewComposer(nil)
	}

	e := &Engine{
		store:          st,
		composer:       composer,
		limiter:        cfg.Limiter,
		recorder:       cfg.Recorder,
		locks:          newKeyedLock(),
		defaultLang:    cfg.DefaultLanguage,
		adminID:        strings.TrimSpace(cfg.AdminID),
		historyLimit:   cfg.HistoryLimit,
		adminListLimit: cfg.AdminListLimit,
	}
	// Order matters: first match wins.
	e.rules = []rule{
		{RuleAccept, e.acceptRule},
		{RuleAdmin, e.adminRule},
		{RuleReset, e.resetRule},
		{RuleLanguage, e.languageRule},
		{RuleStart, e.startRule},
		{RuleConsent, e.consentRule},
		{RuleRateLimited, e.rateLimitRule},
		{RuleSchedule, e.scheduleRule},
		{RuleCollectName, e.collectNameRule},
		{RuleCollectDateTime, e.collectDateTimeRule},
		{RuleChat, e.chatRule},
	}
	slog.Debug("flow.NewEngine: engine created", "defaultLang", e.defaultLang, "admin_set", e.adminID != "",
		"historyLimit", e.historyLimit, "limiter_set", e.limiter != nil)
	return e
}

// Handle processes one inbound message from userID and returns the reply to send.
// Messages from the same user are handled one at a time. A returned error means a
// store failure; no reply should be sent for it.
func (e *Engine) Handle(ctx context.Context, userID, text string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", models.ErrEmptyUserID
	}

	unlock, err := e.locks.Lock(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("waiting for conversation lock: %w", err)
	}
	defer unlock()

	sess, err := e.store.GetOrCreateSession(ctx, userID, e.defaultLang)
	if err != nil {
		slog.Error("Engine.Handle: failed to load session", "error", err, "userID", userID)
		return "", fmt.Errorf("failed to load session: %w", err)
	}

	trimmed := strings.TrimSpace(text)
	t := &turn{
		userID: userID,
		text:   trimmed,
		cmd:    strings.ToUpper(strings.Join(strings.Fields(trimmed), " ")),
		sess:   sess,
	}
	slog.Debug("Engine.Handle: message received", "userID", userID, "step", sess.Step, "length", len(trimmed))

	for _, r := range e.rules {
		out, handled, err := r.apply(ctx, t)
		if err != nil {
			slog.Error("Engine.Handle: rule failed", "rule", r.name, "error", err, "userID", userID)
			return "", err
		}
		if handled {
			e.ruleHit(r.name)
			slog.Debug("Engine.Handle: rule matched", "rule", r.name, "userID", userID, "step", t.sess.Step)
			return out, nil
		}
	}
	// chatRule always handles; reaching here means the rule list was changed.
	return "", fmt.Errorf("no rule handled message for %s", userID)
}

// patch applies p to the turn's session and keeps the in-memory copy in sync.
func (e *Engine) patch(ctx context.Context, t *turn, p models.SessionPatch) error {
	sess, err := e.store.UpdateSession(ctx, t.userID, p)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	t.sess = sess
	return nil
}

func (e *Engine) logTurn(ctx context.Context, userID string, role models.Role, text string, urgency models.Urgency) error {
	err := e.store.AppendInteraction(ctx, models.Interaction{
		UserID:  userID,
		Role:    role,
		Text:    text,
		Urgency: urgency,
	})
	if err != nil {
		return fmt.Errorf("failed to log %s turn: %w", role, err)
	}
	return nil
}

func (e *Engine) ruleHit(name string) {
	if e.recorder != nil {
		e.recorder.RuleHit(name)
	}
}
