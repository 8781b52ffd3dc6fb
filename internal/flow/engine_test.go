package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/EyeLine/internal/genai"
	"github.com/BTreeMap/EyeLine/internal/i18n"
	"github.com/BTreeMap/EyeLine/internal/models"
	"github.com/BTreeMap/EyeLine/internal/ratelimit"
	"github.com/BTreeMap/EyeLine/internal/reply"
	"github.com/BTreeMap/EyeLine/internal/store"
	"github.com/BTreeMap/EyeLine/internal/testutil"
)

const testUser = "+5215550001"

type fakeRecorder struct {
	mu           sync.Mutex
	rules        map[string]int
	limited      int
	appointments int
}

func (r *fakeRecorder) RuleHit(rule string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rules == nil {
		r.rules = make(map[string]int)
	}
	r.rules[rule]++
}

func (r *fakeRecorder) RateLimited() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limited++
}

func (r *fakeRecorder) AppointmentCreated() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appointments++
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// failingStore wraps the in-memory store and fails selected operations.
type failingStore struct {
	*store.InMemoryStore
	failGet         bool
	failAppointment bool
	failAppend      bool
}

var errStoreDown = errors.New("store down")

func (f *failingStore) GetOrCreateSession(ctx context.Context, userID string, lang models.Language) (models.Session, error) {
	if f.failGet {
		return models.Session{}, errStoreDown
	}
	return f.InMemoryStore.GetOrCreateSession(ctx, userID, lang)
}

func (f *failingStore) AddAppointment(ctx context.Context, a models.Appointment) (models.Appointment, error) {
	if f.failAppointment {
		return models.Appointment{}, errStoreDown
	}
	return f.InMemoryStore.AddAppointment(ctx, a)
}

func (f *failingStore) AppendInteraction(ctx context.Context, i models.Interaction) error {
	if f.failAppend {
		return errStoreDown
	}
	return f.InMemoryStore.AppendInteraction(ctx, i)
}

type errLimiter struct{}

func (errLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return false, errors.New("redis unreachable")
}

func triage(text string, urgency models.Urgency) models.TriageResult {
	return models.TriageResult{Language: models.LanguageES, Urgency: urgency, ResponseText: text}
}

func newTestEngine(t *testing.T, st store.Store, completer reply.Completer, opts ...Option) *Engine {
	t.Helper()
	return NewEngine(st, reply.NewComposer(completer), opts...)
}

func send(t *testing.T, e *Engine, user, text string) string {
	t.Helper()
	out, err := e.Handle(context.Background(), user, text)
	if err != nil {
		t.Fatalf("Handle(%q) failed: %v", text, err)
	}
	return out
}

func loadSession(t *testing.T, st store.Store, user string) models.Session {
	t.Helper()
	sess, err := st.GetOrCreateSession(context.Background(), user, models.LanguageES)
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	return sess
}

func setSession(t *testing.T, st store.Store, user string, p models.SessionPatch) {
	t.Helper()
	loadSession(t, st, user)
	if _, err := st.UpdateSession(context.Background(), user, p); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
}

// consented walks a new user through the greeting and consent.
func consented(t *testing.T, e *Engine, user string) {
	t.Helper()
	send(t, e, user, "hola")
	if got := send(t, e, user, "ACEPTO"); got != i18n.T(models.LanguageES, i18n.Accepted) {
		t.Fatalf("unexpected accept reply %q", got)
	}
}

func TestNewUserGetsGreeting(t *testing.T) {
	st := store.NewInMemoryStore()
	completer := &testutil.FakeCompleter{}
	e := newTestEngine(t, st, completer)

	got := send(t, e, testUser, "me duele el ojo")
	if got != i18n.Greeting(models.LanguageES) {
		t.Errorf("expected greeting, got %q", got)
	}
	sess := loadSession(t, st, testUser)
	if sess.Step != models.StepConsent || sess.Consent {
		t.Errorf("expected consent step without consent, got %+v", sess)
	}
	if completer.Calls() != 0 {
		t.Error("inference must not run before consent")
	}
}

func TestStartAlwaysGreets(t *testing.T) {
	for _, text := range []string{"", "agendar cita", "NO", "2025-11-05 10:00", "hello"} {
		st := store.NewInMemoryStore()
		e := newTestEngine(t, st, &testutil.FakeCompleter{})
		if got := send(t, e, testUser, text); got != i18n.Greeting(models.LanguageES) {
			t.Errorf("%q: expected greeting, got %q", text, got)
		}
		if sess := loadSession(t, st, testUser); sess.Step != models.StepConsent {
			t.Errorf("%q: expected consent step, got %s", text, sess.Step)
		}
	}
}

func TestConsentDeclineAndRepeat(t *testing.T) {
	st := store.NewInMemoryStore()
	completer := &testutil.FakeCompleter{}
	e := newTestEngine(t, st, completer)
	send(t, e, testUser, "hola")

	for _, text := range []string{"no", "No Acepto", "decline"} {
		if got := send(t, e, testUser, text); got != i18n.T(models.LanguageES, i18n.NotAccepted) {
			t.Errorf("%q: expected not_accepted, got %q", text, got)
		}
	}
	if got := send(t, e, testUser, "¿qué es esto?"); got != i18n.T(models.LanguageES, i18n.Disclaimer) {
		t.Errorf("expected disclaimer, got %q", got)
	}
	sess := loadSession(t, st, testUser)
	if sess.Step != models.StepConsent || sess.Consent {
		t.Errorf("user should remain at consent, got %+v", sess)
	}
	if completer.Calls() != 0 {
		t.Error("inference must not run without consent")
	}
}

func TestConsentGateForLegacyChatWithoutConsent(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st, &testutil.FakeCompleter{})
	setSession(t, st, testUser, models.PatchStep(models.StepChat).WithConsent(false))

	if got := send(t, e, testUser, "hola"); got != i18n.T(models.LanguageES, i18n.Disclaimer) {
		t.Errorf("expected disclaimer, got %q", got)
	}
	if sess := loadSession(t, st, testUser); sess.Step != models.StepConsent {
		t.Errorf("expected consent step, got %s", sess.Step)
	}
}

func TestAcceptFromAnyStep(t *testing.T) {
	tests := []struct {
		name  string
		patch models.SessionPatch
	}{
		{"start", models.PatchStep(models.StepStart)},
		{"consent", models.PatchStep(models.StepConsent)},
		{"chat", models.PatchStep(models.StepChat).WithConsent(true)},
		{"collecting name", models.PatchStep(models.StepCollectingName).WithConsent(true)},
		{"collecting datetime", models.PatchStep(models.StepCollectingDateTime).WithConsent(true).WithPendingName("Ana Pérez")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewInMemoryStore()
			e := newTestEngine(t, st, &testutil.FakeCompleter{})
			setSession(t, st, testUser, tt.patch)

			for i := 0; i < 2; i++ {
				if got := send(t, e, testUser, " accept "); got != i18n.T(models.LanguageES, i18n.Accepted) {
					t.Fatalf("expected accepted reply, got %q", got)
				}
				sess := loadSession(t, st, testUser)
				if !sess.Consent || sess.Step != models.StepChat || sess.PendingName != "" {
					t.Fatalf("unexpected session after accept: %+v", sess)
				}
			}
		})
	}
}

func TestResetCommand(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st, &testutil.FakeCompleter{}, WithDefaultLanguage(models.LanguageES))
	consented(t, e, testUser)
	send(t, e, testUser, "EN")
	send(t, e, testUser, "schedule")

	if got := send(t, e, testUser, "Reiniciar"); got != i18n.Greeting(models.LanguageES) {
		t.Errorf("expected Spanish greeting, got %q", got)
	}
	sess := loadSession(t, st, testUser)
	if sess.Consent || sess.Step != models.StepStart || sess.Language != models.LanguageES || sess.PendingName != "" {
		t.Errorf("unexpected session after reset: %+v", sess)
	}
}

func TestLanguageSwitchFallsThrough(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st, &testutil.FakeCompleter{})

	if got := send(t, e, testUser, "en"); got != i18n.Greeting(models.LanguageEN) {
		t.Errorf("expected English greeting, got %q", got)
	}
	sess := loadSession(t, st, testUser)
	if sess.Language != models.LanguageEN || sess.Step != models.StepConsent {
		t.Errorf("unexpected session: %+v", sess)
	}

	// Mid-scheduling the sub-flow is preserved.
	setSession(t, st, testUser, models.PatchStep(models.StepCollectingDateTime).WithConsent(true).WithPendingName("Ana Pérez"))
	if got := send(t, e, testUser, "ES"); got != i18n.T(models.LanguageES, i18n.DateTimeInvalid) {
		t.Errorf("expected Spanish date prompt, got %q", got)
	}
	sess = loadSession(t, st, testUser)
	if sess.Step != models.StepCollectingDateTime || sess.PendingName != "Ana Pérez" || sess.Language != models.LanguageES {
		t.Errorf("sub-flow not preserved: %+v", sess)
	}
}

func TestSchedulingRoundTrip(t *testing.T) {
	st := store.NewInMemoryStore()
	rec := &fakeRecorder{}
	completer := &testutil.FakeCompleter{}
	e := newTestEngine(t, st, completer, WithRecorder(rec))
	consented(t, e, testUser)

	if got := send(t, e, testUser, "Quiero agendar"); got != i18n.T(models.LanguageES, i18n.AskName) {
		t.Errorf("expected ask_name, got %q", got)
	}
	if sess := loadSession(t, st, testUser); sess.Step != models.StepCollectingName {
		t.Fatalf("expected collecting name, got %s", sess.Step)
	}

	if got := send(t, e, testUser, "Ana Pérez"); got != i18n.T(models.LanguageES, i18n.AskDateTime) {
		t.Errorf("expected ask_datetime, got %q", got)
	}
	sess := loadSession(t, st, testUser)
	if sess.Step != models.StepCollectingDateTime || sess.PendingName != "Ana Pérez" {
		t.Fatalf("unexpected session after name: %+v", sess)
	}

	if got := send(t, e, testUser, "2025-11-05 15:30 dolor ocular"); got != i18n.T(models.LanguageES, i18n.Scheduled) {
		t.Errorf("expected scheduled, got %q", got)
	}
	sess = loadSession(t, st, testUser)
	if sess.Step != models.StepChat || sess.PendingName != "" {
		t.Errorf("unexpected session after scheduling: %+v", sess)
	}

	appts, err := st.ListAppointments(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListAppointments failed: %v", err)
	}
	if len(appts) != 1 {
		t.Fatalf("expected 1 appointment, got %d", len(appts))
	}
	a := appts[0]
	if a.FullName != "Ana Pérez" || a.PreferredDateTime != "2025-11-05 15:30" || a.Note != "dolor ocular" || a.UserID != testUser {
		t.Errorf("unexpected appointment: %+v", a)
	}
	if completer.Calls() != 0 {
		t.Error("scheduling must not call inference")
	}
	if rec.appointments != 1 || rec.rules[RuleCollectDateTime] != 1 || rec.rules[RuleSchedule] != 1 {
		t.Errorf("unexpected recorder state: %+v", rec)
	}
}

func TestSchedulingDateOnlyAndLongNote(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st, &testutil.FakeCompleter{})
	setSession(t, st, testUser, models.PatchStep(models.StepCollectingDateTime).WithConsent(true).WithPendingName("Luis Gómez"))

	send(t, e, testUser, "2025-11-05 "+strings.Repeat("ñ", 250))
	appts, _ := st.ListAppointments(context.Background(), 1)
	if len(appts) != 1 {
		t.Fatalf("expected an appointment, got %d", len(appts))
	}
	if appts[0].PreferredDateTime != "2025-11-05" {
		t.Errorf("expected date-only preferred value, got %q", appts[0].PreferredDateTime)
	}
	if n := len([]rune(appts[0].Note)); n != models.MaxNoteLength {
		t.Errorf("expected note of %d characters, got %d", models.MaxNoteLength, n)
	}
}

func TestNameRejection(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st, &testutil.FakeCompleter{})
	setSession(t, st, testUser, models.PatchStep(models.StepCollectingName).WithConsent(true))

	for _, text := range []string{"Ana", "", "   "} {
		if got := send(t, e, testUser, text); got != i18n.T(models.LanguageES, i18n.NameInvalid) {
			t.Errorf("%q: expected name_invalid, got %q", text, got)
		}
		sess := loadSession(t, st, testUser)
		if sess.Step != models.StepCollectingName || sess.PendingName != "" {
			t.Errorf("%q: session changed: %+v", text, sess)
		}
	}
}

func TestSchedulingCancel(t *testing.T) {
	for _, text := range []string{"no gracias", "Luego", "más tarde", "mejor después", "NO", "later please"} {
		t.Run(text, func(t *testing.T) {
			st := store.NewInMemoryStore()
			e := newTestEngine(t, st, &testutil.FakeCompleter{})
			setSession(t, st, testUser, models.PatchStep(models.StepCollectingDateTime).WithConsent(true).WithPendingName("Ana Pérez"))

			if got := send(t, e, testUser, text); got != i18n.T(models.LanguageES, i18n.ScheduleCancelled) {
				t.Errorf("expected schedule_cancelled, got %q", got)
			}
			sess := loadSession(t, st, testUser)
			if sess.Step != models.StepChat || sess.PendingName != "" {
				t.Errorf("unexpected session: %+v", sess)
			}
			if appts, _ := st.ListAppointments(context.Background(), 10); len(appts) != 0 {
				t.Errorf("expected no appointment, got %d", len(appts))
			}
		})
	}
}

func TestDateTimeStepReprompts(t *testing.T) {
	tests := []struct {
		text string
		want i18n.Key
	}{
		{"mañana por la tarde", i18n.DateTimeInvalid},
		{"2025-13-40 10:00", i18n.DateTimeInvalid},
		{"05/11/2025", i18n.DateTimeInvalid},
		{"¿para qué es la cita?", i18n.AskDateTime},
	}
	for _, tt := range tests {
		st := store.NewInMemoryStore()
		completer := &testutil.FakeCompleter{}
		e := newTestEngine(t, st, completer)
		setSession(t, st, testUser, models.PatchStep(models.StepCollectingDateTime).WithConsent(true).WithPendingName("Ana Pérez"))

		if got := send(t, e, testUser, tt.text); got != i18n.T(models.LanguageES, tt.want) {
			t.Errorf("%q: expected %s, got %q", tt.text, tt.want, got)
		}
		sess := loadSession(t, st, testUser)
		if sess.Step != models.StepCollectingDateTime || sess.PendingName != "Ana Pérez" {
			t.Errorf("%q: session changed: %+v", tt.text, sess)
		}
		if completer.Calls() != 0 {
			t.Errorf("%q: a failed date must not fall through to inference", tt.text)
		}
	}
}

func TestDatedMessageChecksCancelAndKeywordFirst(t *testing.T) {
	tests := []struct {
		text     string
		want     i18n.Key
		wantStep models.Step
		wantName string
	}{
		{"2025-11-05 no", i18n.ScheduleCancelled, models.StepChat, ""},
		{"2025-11-05 10:00 luego te confirmo", i18n.ScheduleCancelled, models.StepChat, ""},
		{"2025-11-05T09:00 no veo bien de lejos", i18n.ScheduleCancelled, models.StepChat, ""},
		{"2025-11-05 10:00 cita de control", i18n.AskDateTime, models.StepCollectingDateTime, "Ana Pérez"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			st := store.NewInMemoryStore()
			e := newTestEngine(t, st, &testutil.FakeCompleter{})
			setSession(t, st, testUser, models.PatchStep(models.StepCollectingDateTime).WithConsent(true).WithPendingName("Ana Pérez"))

			if got := send(t, e, testUser, tt.text); got != i18n.T(models.LanguageES, tt.want) {
				t.Errorf("expected %s, got %q", tt.want, got)
			}
			sess := loadSession(t, st, testUser)
			if sess.Step != tt.wantStep || sess.PendingName != tt.wantName {
				t.Errorf("unexpected session: %+v", sess)
			}
			if appts, _ := st.ListAppointments(context.Background(), 10); len(appts) != 0 {
				t.Errorf("expected no appointment, got %+v", appts)
			}
		})
	}
}

func TestMissingPendingNameRestartsNameCapture(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st, &testutil.FakeCompleter{})
	setSession(t, st, testUser, models.PatchStep(models.StepCollectingDateTime).WithConsent(true))

	if got := send(t, e, testUser, "2025-11-05 10:00"); got != i18n.T(models.LanguageES, i18n.AskName) {
		t.Errorf("expected ask_name, got %q", got)
	}
	if sess := loadSession(t, st, testUser); sess.Step != models.StepCollectingName {
		t.Errorf("expected collecting name, got %s", sess.Step)
	}
	if appts, _ := st.ListAppointments(context.Background(), 10); len(appts) != 0 {
		t.Error("no appointment should be stored without a name")
	}
}

func TestRateLimit(t *testing.T) {
	st := store.NewInMemoryStore()
	clock := &fakeClock{t: time.Date(2025, 11, 5, 10, 0, 0, 0, time.UTC)}
	limiter := ratelimit.NewFixedWindow(2, time.Minute).WithClock(clock.Now)
	rec := &fakeRecorder{}
	completer := &testutil.FakeCompleter{Result: triage("Aplica lágrimas artificiales.", models.UrgencyNonurgent)}
	e := newTestEngine(t, st, completer, WithLimiter(limiter), WithRecorder(rec))
	consented(t, e, testUser)

	for i := 0; i < 2; i++ {
		if got := send(t, e, testUser, "ojo seco"); got != "Aplica lágrimas artificiales." {
			t.Fatalf("message %d: unexpected reply %q", i+1, got)
		}
	}
	before := loadSession(t, st, testUser)
	history, _ := st.RecentInteractions(context.Background(), testUser, 100)

	if got := send(t, e, testUser, "agendar cita"); got != i18n.T(models.LanguageES, i18n.RateLimited) {
		t.Fatalf("expected rate_limited, got %q", got)
	}
	after := loadSession(t, st, testUser)
	if after.Step != before.Step || after.PendingName != before.PendingName {
		t.Errorf("rate-limited message mutated the session: %+v", after)
	}
	if h, _ := st.RecentInteractions(context.Background(), testUser, 100); len(h) != len(history) {
		t.Errorf("rate-limited message was logged")
	}
	if completer.Calls() != 2 || rec.limited != 1 {
		t.Errorf("calls=%d limited=%d", completer.Calls(), rec.limited)
	}

	clock.Advance(time.Minute)
	if got := send(t, e, testUser, "ojo seco"); got != "Aplica lágrimas artificiales." {
		t.Errorf("first message of the next window should pass, got %q", got)
	}
}

func TestRateLimiterErrorFailsOpen(t *testing.T) {
	st := store.NewInMemoryStore()
	completer := &testutil.FakeCompleter{Result: triage("ok", models.UrgencyNonurgent)}
	e := newTestEngine(t, st, completer, WithLimiter(errLimiter{}))
	consented(t, e, testUser)

	if got := send(t, e, testUser, "ojo rojo"); got != "ok" {
		t.Errorf("expected inference reply, got %q", got)
	}
}

func TestChatUsesComposerAndLogsTurns(t *testing.T) {
	st := store.NewInMemoryStore()
	completer := &testutil.FakeCompleter{Result: triage("Acude a consulta en 24 horas. Si quieres agenda una cita.", models.UrgencyPriority)}
	e := newTestEngine(t, st, completer, WithHistoryLimit(6))
	consented(t, e, testUser)

	got := send(t, e, testUser, "veo borroso desde ayer")
	if got != completer.Result.ResponseText {
		t.Errorf("unexpected reply %q", got)
	}
	if sess := loadSession(t, st, testUser); sess.Step != models.StepChat {
		t.Errorf("chat must not change step, got %s", sess.Step)
	}

	history, err := st.RecentInteractions(context.Background(), testUser, 10)
	if err != nil {
		t.Fatalf("RecentInteractions failed: %v", err)
	}
	// accepted marker, user turn, assistant turn
	if len(history) != 3 {
		t.Fatalf("expected 3 interactions, got %d", len(history))
	}
	if history[1].Role != models.RoleUser || history[1].Text != "veo borroso desde ayer" {
		t.Errorf("unexpected user turn %+v", history[1])
	}
	if history[2].Role != models.RoleAssistant || history[2].Urgency != models.UrgencyPriority {
		t.Errorf("unexpected assistant turn %+v", history[2])
	}

	send(t, e, testUser, "¿es grave?")
	reqs := completer.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 inference calls, got %d", len(reqs))
	}
	// system + 3 prior turns + new message
	msgs := reqs[1].Messages
	if len(msgs) != 5 || msgs[0].Role != genai.RoleSystem || msgs[4].Content != "¿es grave?" {
		t.Errorf("unexpected prompt sequence: %+v", msgs)
	}
	if !reqs[1].Structured || reqs[1].Language != models.LanguageES {
		t.Errorf("unexpected request flags: %+v", reqs[1])
	}
}

func TestChatHistoryWindow(t *testing.T) {
	st := store.NewInMemoryStore()
	completer := &testutil.FakeCompleter{Result: triage("ok", models.UrgencyNonurgent)}
	e := newTestEngine(t, st, completer, WithHistoryLimit(2))
	consented(t, e, testUser)
	for i := 0; i < 4; i++ {
		send(t, e, testUser, "mensaje")
	}
	reqs := completer.Requests()
	if n := len(reqs[len(reqs)-1].Messages); n != 4 {
		t.Errorf("expected system + 2 history + user, got %d messages", n)
	}
}

func TestChatInferenceTimeoutUsesFallback(t *testing.T) {
	st := store.NewInMemoryStore()
	completer := &testutil.FakeCompleter{
		Result:   triage("tarde", models.UrgencyEmergent),
		Delay:    time.Second,
		Deadline: 20 * time.Millisecond,
	}
	e := newTestEngine(t, st, completer)
	consented(t, e, testUser)

	got, err := e.Handle(context.Background(), testUser, "tengo destellos")
	if err != nil {
		t.Fatalf("timeout must not surface as an error: %v", err)
	}
	if got != i18n.T(models.LanguageES, i18n.Fallback) {
		t.Errorf("expected fallback reply, got %q", got)
	}
	history, _ := st.RecentInteractions(context.Background(), testUser, 1)
	if len(history) != 1 || history[0].Urgency != models.UrgencyNonurgent || history[0].Text != got {
		t.Errorf("expected fallback logged as nonurgent, got %+v", history)
	}
}

func TestChatWithoutGatewayUsesFallback(t *testing.T) {
	st := store.NewInMemoryStore()
	e := NewEngine(st, nil)
	consented(t, e, testUser)
	send(t, e, testUser, "EN")
	if got := send(t, e, testUser, "my eye hurts"); got != i18n.T(models.LanguageEN, i18n.Fallback) {
		t.Errorf("expected English fallback, got %q", got)
	}
}

func TestEmptyMessageInChat(t *testing.T) {
	st := store.NewInMemoryStore()
	completer := &testutil.FakeCompleter{}
	e := newTestEngine(t, st, completer)
	consented(t, e, testUser)

	if got := send(t, e, testUser, "   "); got != i18n.T(models.LanguageES, i18n.EmptyMessage) {
		t.Errorf("expected empty_message, got %q", got)
	}
	if completer.Calls() != 0 {
		t.Error("empty message must not call inference")
	}
}

func TestAdminListing(t *testing.T) {
	const admin = "+5215559999"
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st, &testutil.FakeCompleter{}, WithAdminID(admin), WithAdminListLimit(2))

	if got := send(t, e, admin, "citas"); got != i18n.T(models.LanguageES, i18n.AdminEmpty) {
		t.Errorf("expected admin_empty, got %q", got)
	}

	seeded := testutil.SeedAppointments(t, st, testUser, 3)
	got := send(t, e, admin, "Lista  Citas")
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", got)
	}
	if !strings.HasPrefix(lines[0], seeded[2].ID+" | 2025-11-03 10:00 | Paciente 3 | "+testUser) {
		t.Errorf("unexpected first line %q", lines[0])
	}
	if sess := loadSession(t, st, admin); sess.Step != models.StepStart {
		t.Errorf("admin listing must not mutate state, step=%s", sess.Step)
	}

	// Other users get the normal flow.
	if got := send(t, e, testUser, "citas"); got != i18n.Greeting(models.LanguageES) {
		t.Errorf("non-admin should be greeted, got %q", got)
	}
}

func TestStoreFailureIsFatal(t *testing.T) {
	t.Run("load", func(t *testing.T) {
		e := newTestEngine(t, &failingStore{InMemoryStore: store.NewInMemoryStore(), failGet: true}, &testutil.FakeCompleter{})
		if _, err := e.Handle(context.Background(), testUser, "hola"); !errors.Is(err, errStoreDown) {
			t.Errorf("expected store error, got %v", err)
		}
	})

	t.Run("appointment", func(t *testing.T) {
		fs := &failingStore{InMemoryStore: store.NewInMemoryStore(), failAppointment: true}
		e := newTestEngine(t, fs, &testutil.FakeCompleter{})
		setSession(t, fs, testUser, models.PatchStep(models.StepCollectingDateTime).WithConsent(true).WithPendingName("Ana Pérez"))

		out, err := e.Handle(context.Background(), testUser, "2025-11-05 15:30 control")
		if !errors.Is(err, errStoreDown) || out != "" {
			t.Fatalf("expected store error and no reply, got %q, %v", out, err)
		}
		sess := loadSession(t, fs, testUser)
		if sess.Step != models.StepCollectingDateTime || sess.PendingName != "Ana Pérez" {
			t.Errorf("session advanced despite failed write: %+v", sess)
		}
	})

	t.Run("interaction log", func(t *testing.T) {
		fs := &failingStore{InMemoryStore: store.NewInMemoryStore()}
		e := newTestEngine(t, fs, &testutil.FakeCompleter{Result: triage("ok", models.UrgencyNonurgent)})
		consented(t, e, testUser)
		fs.failAppend = true
		if _, err := e.Handle(context.Background(), testUser, "ojo rojo"); !errors.Is(err, errStoreDown) {
			t.Errorf("expected store error, got %v", err)
		}
	})
}

func TestHandleRejectsEmptyUser(t *testing.T) {
	e := newTestEngine(t, store.NewInMemoryStore(), nil)
	if _, err := e.Handle(context.Background(), "  ", "hola"); !errors.Is(err, models.ErrEmptyUserID) {
		t.Errorf("expected ErrEmptyUserID, got %v", err)
	}
}

func TestSessionInvariantsHold(t *testing.T) {
	st := store.NewInMemoryStore()
	completer := &testutil.FakeCompleter{Result: triage("ok", models.UrgencyNonurgent)}
	e := newTestEngine(t, st, completer, WithAdminID(testUser))
	inputs := []string{
		"hola", "no", "EN", "accept", "schedule", "Ana", "Ana Pérez", "ES", "cita", "later",
		"agendar", "Luis Gómez", "xyz", "2025-02-30 10:00", "2025-02-28 10:00 revisión", "citas",
		"reset", "", "acepto", "agenda", "Ana Pérez", "no quiero", "START", "NO ACEPTO",
	}
	for _, in := range inputs {
		send(t, e, testUser, in)
		sess := loadSession(t, st, testUser)
		if !sess.Step.Valid() {
			t.Fatalf("after %q: invalid step %q", in, sess.Step)
		}
		if sess.PendingName != "" && sess.Step != models.StepCollectingDateTime {
			t.Fatalf("after %q: pending name %q outside date capture (step %s)", in, sess.PendingName, sess.Step)
		}
		if (sess.Step == models.StepChat || sess.Step.InScheduling()) && !sess.Consent {
			t.Fatalf("after %q: step %s reached without consent", in, sess.Step)
		}
	}
}

// overlapCompleter records the highest number of concurrent calls.
type overlapCompleter struct {
	inFlight int32
	max      int32
}

func (o *overlapCompleter) Complete(ctx context.Context, req genai.Request) (models.TriageResult, error) {
	n := atomic.AddInt32(&o.inFlight, 1)
	for {
		m := atomic.LoadInt32(&o.max)
		if n <= m || atomic.CompareAndSwapInt32(&o.max, m, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	atomic.AddInt32(&o.inFlight, -1)
	return triage("ok", models.UrgencyNonurgent), nil
}

func TestSameUserMessagesAreSerialized(t *testing.T) {
	st := store.NewInMemoryStore()
	oc := &overlapCompleter{}
	e := newTestEngine(t, st, oc)
	consented(t, e, testUser)
	consented(t, e, "+5215550002")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Handle(context.Background(), testUser, "ojo seco"); err != nil {
				t.Errorf("Handle failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if m := atomic.LoadInt32(&oc.max); m != 1 {
		t.Errorf("same-user turns overlapped: max in flight %d", m)
	}
	history, _ := st.RecentInteractions(context.Background(), testUser, 100)
	if len(history) != 21 {
		t.Errorf("expected 21 interactions, got %d", len(history))
	}
	if n := e.locks.size(); n != 0 {
		t.Errorf("expected lock table to drain, %d entries left", n)
	}
}

func TestHandleHonoursContextWhileWaiting(t *testing.T) {
	e := newTestEngine(t, store.NewInMemoryStore(), nil)
	unlock, err := e.locks.Lock(context.Background(), testUser)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := e.Handle(ctx, testUser, "hola"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}
