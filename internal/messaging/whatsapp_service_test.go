package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/EyeLine/internal/store"
	"github.com/BTreeMap/EyeLine/internal/testutil"
	"github.com/BTreeMap/EyeLine/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func textEvent(id, user, text string) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Sender: types.NewJID(user, types.DefaultUserServer),
			},
			ID: id,
		},
		Message: &waE2E.Message{Conversation: proto.String(text)},
	}
}

func TestInboundFromEvent(t *testing.T) {
	msg, ok := inboundFromEvent(textEvent("ABC", "5215550001", "hola"))
	if !ok || msg.ID != "ABC" || msg.From != "+5215550001" || msg.Text != "hola" {
		t.Errorf("unexpected conversion %+v, %v", msg, ok)
	}

	extended := textEvent("DEF", "5215550001", "")
	extended.Message = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("veo borroso")}}
	if msg, ok := inboundFromEvent(extended); !ok || msg.Text != "veo borroso" {
		t.Errorf("extended text not extracted: %+v", msg)
	}

	fromMe := textEvent("G", "5215550001", "hola")
	fromMe.Info.IsFromMe = true
	group := textEvent("H", "5215550001", "hola")
	group.Info.IsGroup = true
	empty := textEvent("I", "5215550001", "")
	for name, evt := range map[string]interface{}{
		"from me":    fromMe,
		"group":      group,
		"no text":    empty,
		"nil body":   &events.Message{},
		"other type": &events.Connected{},
	} {
		if _, ok := inboundFromEvent(evt); ok {
			t.Errorf("%s: expected event to be skipped", name)
		}
	}
}

func TestWhatsAppServiceSendsReplyDirectly(t *testing.T) {
	h := &stubHandler{reply: "respuesta"}
	sender := whatsapp.NewMockClient()
	rec := &countingRecorder{}
	svc := NewWhatsAppService(h, sender, WithWhatsAppDedup(store.NewInMemoryStore()), WithWhatsAppRecorder(rec))

	ctx := context.Background()
	msg := InboundMessage{ID: "W1", From: "5215550001", Text: "hola"}
	if err := svc.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if err := svc.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage on redelivery failed: %v", err)
	}

	sent := sender.Sent()
	if len(sent) != 1 || sent[0].To != "+5215550001" || sent[0].Body != "respuesta" {
		t.Errorf("unexpected sent messages %+v", sent)
	}
	if calls := h.Calls(); len(calls) != 1 || calls[0].userID != "+5215550001" {
		t.Errorf("unexpected handler calls %+v", calls)
	}
	if rec.Count(ChannelWhatsmeow, ResultOK) != 1 || rec.Count(ChannelWhatsmeow, ResultDuplicate) != 1 {
		t.Errorf("unexpected counts %+v", rec.counts)
	}
}

func TestWhatsAppServiceHandlerError(t *testing.T) {
	h := &stubHandler{err: errors.New("store down")}
	sender := whatsapp.NewMockClient()
	dedup := store.NewInMemoryStore()
	svc := NewWhatsAppService(h, sender, WithWhatsAppDedup(dedup))

	err := svc.HandleMessage(context.Background(), InboundMessage{ID: "W2", From: "+5215550001", Text: "hola"})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(sender.Sent()) != 0 {
		t.Error("nothing should be sent when handling fails")
	}

	h.mu.Lock()
	h.err, h.reply = nil, "respuesta"
	h.mu.Unlock()
	if err := svc.HandleMessage(context.Background(), InboundMessage{ID: "W2", From: "+5215550001", Text: "hola"}); err != nil {
		t.Fatalf("redelivery after failure should be processed: %v", err)
	}
	if len(h.Calls()) != 2 || len(sender.Sent()) != 1 {
		t.Errorf("expected the redelivery to run, calls=%d sent=%d", len(h.Calls()), len(sender.Sent()))
	}
}

func TestWhatsAppServiceSendError(t *testing.T) {
	h := &stubHandler{reply: "respuesta"}
	sender := whatsapp.NewMockClient()
	sender.Err = errors.New("not connected")
	svc := NewWhatsAppService(h, sender)

	if err := svc.HandleMessage(context.Background(), InboundMessage{ID: "W3", From: "+1", Text: "hola"}); err == nil {
		t.Fatal("expected send error")
	}
}

func TestWhatsAppServiceRejectsMissingSender(t *testing.T) {
	h := &stubHandler{reply: "x"}
	svc := NewWhatsAppService(h, whatsapp.NewMockClient())
	if err := svc.HandleMessage(context.Background(), InboundMessage{ID: "W4", Text: "hola"}); err == nil {
		t.Fatal("expected error for message without sender")
	}
	if len(h.Calls()) != 0 {
		t.Error("handler must not run")
	}
}

func TestWhatsAppServiceQueuesThroughOutbox(t *testing.T) {
	st := testutil.NewTempSQLiteStore(t)
	h := &stubHandler{reply: "respuesta"}
	sender := whatsapp.NewMockClient()
	svc := NewWhatsAppService(h, sender,
		WithOutbox(st),
		WithWhatsAppDedup(st),
		WithOutboxPollInterval(time.Hour),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := svc.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	if err := svc.HandleMessage(ctx, InboundMessage{ID: "W5", From: "+5215550001", Text: "hola"}); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	// The enqueue wakes the sender loop, so delivery does not wait for the hour-long tick.
	deadline := time.Now().Add(5 * time.Second)
	for len(sender.Sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	svc.Stop()

	sent := sender.Sent()
	if len(sent) != 1 || sent[0].To != "+5215550001" || sent[0].Body != "respuesta" {
		t.Fatalf("unexpected sent messages %+v", sent)
	}
	msgs, err := st.ClaimDueOutboxMessages(context.Background(), time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("delivered reply still queued: %+v", msgs)
	}
}

func TestWhatsAppServiceStopWithoutStart(t *testing.T) {
	svc := NewWhatsAppService(&stubHandler{}, whatsapp.NewMockClient())
	svc.Stop()
}
