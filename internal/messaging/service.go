// Package messaging connects inbound transports (the Twilio webhook and the WhatsApp-native
// whatsmeow client) to the conversation engine.
package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/EyeLine/internal/store"
)

// claimTTL bounds how long an unfinished delivery blocks redelivery of its message ID.
// It outlasts the inference deadline plus the HTTP write timeout.
const claimTTL = 2 * time.Minute

// Channel labels used for metrics and logs.
const (
	ChannelTwilio    = "twilio"
	ChannelWhatsmeow = "whatsmeow"
)

// Inbound results used for metrics.
const (
	ResultOK        = "ok"
	ResultDuplicate = "duplicate"
	ResultForbidden = "forbidden"
	ResultBadInput  = "bad_request"
	ResultError     = "error"
	ResultIgnored   = "ignored"
)

// Handler turns one inbound message into one reply. *flow.Engine satisfies it.
type Handler interface {
	Handle(ctx context.Context, userID, text string) (string, error)
}

// InboundRecorder counts inbound messages per channel and result. *metrics.Metrics satisfies it.
type InboundRecorder interface {
	Inbound(channel, result string)
}

// CanonicalAddress normalizes a sender address to "+digits" form: the "whatsapp:" scheme and
// whitespace are removed and a leading "+" is added to bare digit strings. Anything else is
// returned trimmed and without the scheme.
func CanonicalAddress(addr string) string {
	a := strings.TrimSpace(addr)
	if len(a) >= len("whatsapp:") && strings.EqualFold(a[:len("whatsapp:")], "whatsapp:") {
		a = a[len("whatsapp:"):]
	}
	a = strings.Join(strings.Fields(a), "")
	if a == "" {
		return ""
	}
	digits := strings.TrimPrefix(a, "+")
	if digits == "" {
		return ""
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return a
		}
	}
	return "+" + digits
}

// inboundClaim is one delivery's hold on a provider message ID.
type inboundClaim struct {
	repo store.DedupRepo
	id   string
}

// claimInbound reserves id before the engine runs, so concurrent redeliveries cannot
// both reach it. dup is true when another delivery holds or finished the ID. A nil claim
// with dup false means the message is processed without dedup.
func claimInbound(ctx context.Context, repo store.DedupRepo, id, from string) (c *inboundClaim, dup bool) {
	if repo == nil || id == "" {
		return nil, false
	}
	ok, err := repo.ClaimInbound(ctx, id, from, time.Now().Add(-claimTTL))
	if err != nil {
		slog.Warn("messaging.claimInbound: dedup claim failed, processing anyway", "error", err, "id", id)
		return nil, false
	}
	if !ok {
		return nil, true
	}
	return &inboundClaim{repo: repo, id: id}, false
}

// done settles the claim after a successful turn.
func (c *inboundClaim) done(ctx context.Context) {
	if c == nil {
		return
	}
	if err := c.repo.MarkProcessed(context.WithoutCancel(ctx), c.id); err != nil {
		slog.Warn("inboundClaim.done: failed to mark processed", "error", err, "id", c.id)
	}
}

// release drops the claim after a failed turn so the provider's retry is processed.
func (c *inboundClaim) release(ctx context.Context) {
	if c == nil {
		return
	}
	if err := c.repo.ReleaseInbound(context.WithoutCancel(ctx), c.id); err != nil {
		slog.Warn("inboundClaim.release: failed to release claim", "error", err, "id", c.id)
	}
}

func record(r InboundRecorder, channel, result string) {
	if r != nil {
		r.Inbound(channel, result)
	}
}
