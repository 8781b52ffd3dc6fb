package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/EyeLine/internal/store"
	"github.com/BTreeMap/EyeLine/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// DefaultOutboxPollInterval is how often queued replies are retried.
const DefaultOutboxPollInterval = 2 * time.Second

// InboundMessage is a text message received on the whatsmeow transport.
type InboundMessage struct {
	ID   string
	From string
	Text string
}

// WhatsAppOpts holds optional dependencies for WhatsAppService.
type WhatsAppOpts struct {
	Outbox       store.OutboxRepo
	Dedup        store.DedupRepo
	Recorder     InboundRecorder
	PollInterval time.Duration
}

// WhatsAppOption defines a configuration option for WhatsAppService.
type WhatsAppOption func(*WhatsAppOpts)

// WithOutbox queues replies durably instead of sending them inline.
func WithOutbox(repo store.OutboxRepo) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.Outbox = repo }
}

// WithWhatsAppDedup skips message IDs that were already handled.
func WithWhatsAppDedup(d store.DedupRepo) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.Dedup = d }
}

// WithWhatsAppRecorder sets the metrics sink.
func WithWhatsAppRecorder(r InboundRecorder) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.Recorder = r }
}

// WithOutboxPollInterval overrides DefaultOutboxPollInterval.
func WithOutboxPollInterval(d time.Duration) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.PollInterval = d }
}

// WhatsAppService feeds whatsmeow message events into the conversation engine and
// delivers the replies, through the outbox when one is configured.
type WhatsAppService struct {
	handler  Handler
	sender   whatsapp.WhatsAppSender
	outbox   store.OutboxRepo
	dedup    store.DedupRepo
	recorder InboundRecorder
	sendLoop *store.OutboxSender

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewWhatsAppService creates the service. It does nothing until Start is called.
func NewWhatsAppService(h Handler, sender whatsapp.WhatsAppSender, opts ...WhatsAppOption) *WhatsAppService {
	cfg := WhatsAppOpts{PollInterval: DefaultOutboxPollInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &WhatsAppService{
		handler:  h,
		sender:   sender,
		outbox:   cfg.Outbox,
		dedup:    cfg.Dedup,
		recorder: cfg.Recorder,
	}
	if s.outbox != nil {
		s.sendLoop = store.NewOutboxSender(s.outbox, s.deliver, cfg.PollInterval)
	}
	return s
}

// Start subscribes to client events and starts the outbox loop.
func (s *WhatsAppService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("whatsapp service already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	if c, ok := s.sender.(*whatsapp.Client); ok {
		c.AddEventHandler(s.handleEvent)
	}

	if s.sendLoop != nil {
		if err := s.sendLoop.RecoverStaleMessages(s.ctx); err != nil {
			slog.Warn("WhatsAppService.Start: stale outbox recovery failed", "error", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sendLoop.Run(s.ctx)
		}()
	}
	slog.Info("WhatsAppService.Start: started", "outbox", s.sendLoop != nil, "dedup", s.dedup != nil)
	return nil
}

// Stop cancels background work and waits for in-flight handlers.
func (s *WhatsAppService) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()
	s.wg.Wait()
	slog.Info("WhatsAppService.Stop: stopped")
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	msg, ok := inboundFromEvent(evt)
	if !ok {
		return
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.HandleMessage(ctx, msg); err != nil {
			slog.Error("WhatsAppService.handleEvent: message handling failed", "error", err, "id", msg.ID, "from", msg.From)
		}
	}()
}

// inboundFromEvent extracts a direct text message; group, self-sent and non-text messages are skipped.
func inboundFromEvent(evt interface{}) (InboundMessage, bool) {
	m, ok := evt.(*events.Message)
	if !ok || m.Message == nil {
		return InboundMessage{}, false
	}
	if m.Info.IsFromMe || m.Info.IsGroup {
		return InboundMessage{}, false
	}
	text := m.Message.GetConversation()
	if text == "" {
		text = m.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return InboundMessage{}, false
	}
	return InboundMessage{
		ID:   m.Info.ID,
		From: CanonicalAddress(m.Info.Sender.User),
		Text: text,
	}, true
}

// HandleMessage runs one message through the engine and delivers the reply.
func (s *WhatsAppService) HandleMessage(ctx context.Context, msg InboundMessage) error {
	from := CanonicalAddress(msg.From)
	if from == "" {
		record(s.recorder, ChannelWhatsmeow, ResultIgnored)
		return fmt.Errorf("inbound message %q has no sender", msg.ID)
	}

	claim, dup := claimInbound(ctx, s.dedup, msg.ID, from)
	if dup {
		slog.Info("WhatsAppService.HandleMessage: duplicate delivery ignored", "id", msg.ID, "from", from)
		record(s.recorder, ChannelWhatsmeow, ResultDuplicate)
		return nil
	}

	slog.Debug("WhatsAppService.HandleMessage: received", "id", msg.ID, "from", from, "length", len(msg.Text))
	reply, err := s.handler.Handle(ctx, from, msg.Text)
	if err != nil {
		claim.release(ctx)
		record(s.recorder, ChannelWhatsmeow, ResultError)
		return fmt.Errorf("failed to handle message: %w", err)
	}

	if strings.TrimSpace(reply) != "" {
		if err := s.send(ctx, from, reply, msg.ID); err != nil {
			claim.release(ctx)
			record(s.recorder, ChannelWhatsmeow, ResultError)
			return err
		}
	}

	claim.done(ctx)
	record(s.recorder, ChannelWhatsmeow, ResultOK)
	return nil
}

func (s *WhatsAppService) send(ctx context.Context, to, body, dedupeKey string) error {
	if s.outbox == nil {
		if err := s.sender.SendMessage(ctx, to, body); err != nil {
			return fmt.Errorf("failed to send reply: %w", err)
		}
		return nil
	}
	id, err := s.outbox.EnqueueOutboxMessage(ctx, to, body, dedupeKey)
	if err != nil {
		return fmt.Errorf("failed to enqueue reply: %w", err)
	}
	slog.Debug("WhatsAppService.send: reply queued", "id", id, "to", to)
	s.sendLoop.Notify()
	return nil
}

func (s *WhatsAppService) deliver(ctx context.Context, msg store.OutboxMessage) error {
	return s.sender.SendMessage(ctx, msg.Recipient, msg.Body)
}
