// Package reply composes the assistant's triage answer from the inference gateway,
// substituting the localized fallback whenever the gateway fails.
package reply

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/EyeLine/internal/genai"
	"github.com/BTreeMap/EyeLine/internal/i18n"
	"github.com/BTreeMap/EyeLine/internal/models"
)

// DefaultMaxWords is the reply length cap.
const DefaultMaxWords = 120

// Inference outcome labels reported to the observer.
const (
	OutcomeOK            = "ok"
	OutcomeTimeout       = "timeout"
	OutcomeMalformed     = "malformed"
	OutcomeNoChoices     = "no_choices"
	OutcomeNotConfigured = "not_configured"
	OutcomeError         = "error"
)

// Completer is the inference gateway contract the composer depends on.
type Completer interface {
	Complete(ctx context.Context, req genai.Request) (models.TriageResult, error)
}

// Observer receives one call per inference attempt.
type Observer interface {
	ObserveInference(outcome string, elapsed time.Duration)
}

// LimitWords cuts text to at most max whitespace-separated words. Text that is already
// short enough is returned unchanged, so applying it twice equals applying it once.
func LimitWords(text string, max int) string {
	if max <= 0 {
		return text
	}
	words := strings.Fields(text)
	if len(words) <= max {
		return text
	}
	return strings.Join(words[:max], " ")
}

// Opts holds configuration for the Composer.
type Opts struct {
	MaxWords int
	Observer Observer
}

// Option defines a configuration option for the Composer.
type Option func(*Opts)

// WithMaxWords sets the reply length cap.
func WithMaxWords(n int) Option {
	return func(o *Opts) { o.MaxWords = n }
}

// WithObserver reports inference outcomes, typically to metrics.
func WithObserver(obs Observer) Option {
	return func(o *Opts) { o.Observer = obs }
}

// Composer builds the prompt sequence and post-processes the answer.
type Composer struct {
	gateway  Completer
	maxWords int
	observer Observer
}

// NewComposer creates a Composer. A nil gateway makes every turn use the fallback.
func NewComposer(gateway Completer, opts ...Option) *Composer {
	cfg := Opts{MaxWords: DefaultMaxWords}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = DefaultMaxWords
	}
	return &Composer{gateway: gateway, maxWords: cfg.MaxWords, observer: cfg.Observer}
}

// MaxWords returns the configured cap.
func (c *Composer) MaxWords() int {
	return c.maxWords
}

// Compose returns the reply for text given the session and its recent history (oldest first).
// It never fails: gateway errors yield the fallback with nonurgent urgency.
func (c *Composer) Compose(ctx context.Context, sess models.Session, history []models.Interaction, text string) models.TriageResult {
	req := genai.Request{
		Messages:   c.buildMessages(sess, history, text),
		Structured: true,
		Language:   sess.Language,
	}

	start := time.Now()
	var res models.TriageResult
	var err error
	if c.gateway == nil {
		err = genai.ErrNotConfigured
	} else {
		res, err = c.gateway.Complete(ctx, req)
	}
	elapsed := time.Since(start)
	outcome := classify(err)
	if c.observer != nil {
		c.observer.ObserveInference(outcome, elapsed)
	}

	if err != nil {
		slog.Warn("Composer.Compose: using fallback reply", "userID", sess.UserID, "outcome", outcome, "error", err, "elapsed", elapsed)
		return c.Fallback(sess.Language)
	}
	res.ResponseText = LimitWords(res.ResponseText, c.maxWords)
	slog.Debug("Composer.Compose: reply composed", "userID", sess.UserID, "urgency", res.Urgency, "elapsed", elapsed)
	return res
}

// Fallback returns the canned reply for lang.
func (c *Composer) Fallback(lang models.Language) models.TriageResult {
	return models.TriageResult{
		Language:     lang,
		Urgency:      models.UrgencyNonurgent,
		ResponseText: LimitWords(i18n.T(lang, i18n.Fallback), c.maxWords),
		Fallback:     true,
	}
}

func (c *Composer) buildMessages(sess models.Session, history []models.Interaction, text string) []genai.Message {
	msgs := make([]genai.Message, 0, len(history)+2)
	msgs = append(msgs, genai.Message{Role: genai.RoleSystem, Content: i18n.SystemPrompt(sess.Language, c.maxWords)})
	for _, h := range history {
		msgs = append(msgs, genai.Message{Role: h.Role, Content: h.Text})
	}
	return append(msgs, genai.Message{Role: models.RoleUser, Content: text})
}

func classify(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, genai.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, genai.ErrMalformedOutput):
		return OutcomeMalformed
	case errors.Is(err, genai.ErrNoChoices):
		return OutcomeNoChoices
	case errors.Is(err, genai.ErrNotConfigured):
		return OutcomeNotConfigured
	default:
		return OutcomeError
	}
}
