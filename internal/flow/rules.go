package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/EyeLine/internal/i18n"
	"github.com/BTreeMap/EyeLine/internal/models"
)

// acceptRule grants consent from any step.
func (e *Engine) acceptRule(ctx context.Context, t *turn) (string, bool, error) {
	if !isAccept(t.cmd) {
		return "", false, nil
	}
	p := models.PatchStep(models.StepChat).WithConsent(true).ClearPendingName()
	if err := e.patch(ctx, t, p); err != nil {
		return "", false, err
	}
	msg := i18n.T(t.sess.Language, i18n.Accepted)
	if err := e.logTurn(ctx, t.userID, models.RoleAssistant, msg, ""); err != nil {
		return "", false, err
	}
	slog.Info("Engine.acceptRule: consent granted", "userID", t.userID)
	return msg, true, nil
}

func (e *Engine) adminRule(ctx context.Context, t *turn) (string, bool, error) {
	if e.adminID == "" || t.userID != e.adminID || !isAdminList(t.cmd) {
		return "", false, nil
	}
	appts, err := e.store.ListAppointments(ctx, e.adminListLimit)
	if err != nil {
		return "", false, fmt.Errorf("failed to list appointments: %w", err)
	}
	return FormatAppointments(appts, t.sess.Language), true, nil
}

func (e *Engine) resetRule(ctx context.Context, t *turn) (string, bool, error) {
	if !isReset(t.cmd) {
		return "", false, nil
	}
	p := models.PatchStep(models.StepStart).WithConsent(false).WithLanguage(e.defaultLang).ClearPendingName()
	if err := e.patch(ctx, t, p); err != nil {
		return "", false, err
	}
	return i18n.Greeting(t.sess.Language), true, nil
}

// languageRule switches the reply language and lets the remaining rules run.
func (e *Engine) languageRule(ctx context.Context, t *turn) (string, bool, error) {
	lang, ok := languageCommand(t.cmd)
	if !ok {
		return "", false, nil
	}
	e.ruleHit(RuleLanguage)
	if lang == t.sess.Language {
		return "", false, nil
	}
	if err := e.patch(ctx, t, models.SessionPatch{}.WithLanguage(lang)); err != nil {
		return "", false, err
	}
	return "", false, nil
}

func (e *Engine) startRule(ctx context.Context, t *turn) (string, bool, error) {
	if t.sess.Step != models.StepStart {
		return "", false, nil
	}
	if err := e.patch(ctx, t, models.PatchStep(models.StepConsent)); err != nil {
		return "", false, err
	}
	return i18n.Greeting(t.sess.Language), true, nil
}

// consentRule holds every user without consent at the disclaimer. Accepting is handled by acceptRule.
func (e *Engine) consentRule(ctx context.Context, t *turn) (string, bool, error) {
	if t.sess.Step != models.StepConsent && t.sess.Consent {
		return "", false, nil
	}
	if t.sess.Step != models.StepConsent {
		if err := e.patch(ctx, t, models.PatchStep(models.StepConsent).ClearPendingName()); err != nil {
			return "", false, err
		}
	}
	if isDecline(t.cmd) {
		return i18n.T(t.sess.Language, i18n.NotAccepted), true, nil
	}
	return i18n.T(t.sess.Language, i18n.Disclaimer), true, nil
}

// rateLimitRule fails open: a limiter error lets the message through.
func (e *Engine) rateLimitRule(ctx context.Context, t *turn) (string, bool, error) {
	if e.limiter == nil {
		return "", false, nil
	}
	allowed, err := e.limiter.Allow(ctx, t.userID)
	if err != nil {
		slog.Warn("Engine.rateLimitRule: limiter unavailable, allowing message", "error", err, "userID", t.userID)
		return "", false, nil
	}
	if allowed {
		return "", false, nil
	}
	if e.recorder != nil {
		e.recorder.RateLimited()
	}
	slog.Info("Engine.rateLimitRule: message rate limited", "userID", t.userID)
	return i18n.T(t.sess.Language, i18n.RateLimited), true, nil
}

func (e *Engine) scheduleRule(ctx context.Context, t *turn) (string, bool, error) {
	if t.sess.Step.InScheduling() || !hasScheduleKeyword(t.text) {
		return "", false, nil
	}
	if err := e.patch(ctx, t, models.PatchStep(models.StepCollectingName).ClearPendingName()); err != nil {
		return "", false, err
	}
	return i18n.T(t.sess.Language, i18n.AskName), true, nil
}

func (e *Engine) collectNameRule(ctx context.Context, t *turn) (string, bool, error) {
	if t.sess.Step != models.StepCollectingName {
		return "", false, nil
	}
	fields := strings.Fields(t.text)
	if len(fields) < 2 || utf8.RuneCountInString(t.text) < 3 {
		return i18n.T(t.sess.Language, i18n.NameInvalid), true, nil
	}
	name := strings.Join(fields, " ")
	if err := e.patch(ctx, t, models.PatchStep(models.StepCollectingDateTime).WithPendingName(name)); err != nil {
		return "", false, err
	}
	return i18n.T(t.sess.Language, i18n.AskDateTime), true, nil
}

func (e *Engine) collectDateTimeRule(ctx context.Context, t *turn) (string, bool, error) {
	if t.sess.Step != models.StepCollectingDateTime {
		return "", false, nil
	}
	lang := t.sess.Language
	if t.sess.PendingName == "" {
		// The name turn was lost; ask for it again rather than store a nameless appointment.
		if err := e.patch(ctx, t, models.PatchStep(models.StepCollectingName)); err != nil {
			return "", false, err
		}
		return i18n.T(lang, i18n.AskName), true, nil
	}

	// Cancel and keyword checks run before date parsing.
	switch {
	case isCancel(t.text):
		if err := e.patch(ctx, t, models.PatchStep(models.StepChat).ClearPendingName()); err != nil {
			return "", false, err
		}
		return i18n.T(lang, i18n.ScheduleCancelled), true, nil
	case hasScheduleKeyword(t.text):
		return i18n.T(lang, i18n.AskDateTime), true, nil
	}

	preferred, note, ok := parsePreferred(t.text)
	if !ok {
		return i18n.T(lang, i18n.DateTimeInvalid), true, nil
	}
	appt, err := e.store.AddAppointment(ctx, models.Appointment{
		UserID:            t.userID,
		FullName:          t.sess.PendingName,
		PreferredDateTime: preferred,
		Note:              note,
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to add appointment: %w", err)
	}
	if err := e.patch(ctx, t, models.PatchStep(models.StepChat).ClearPendingName()); err != nil {
		return "", false, err
	}
	if e.recorder != nil {
		e.recorder.AppointmentCreated()
	}
	slog.Info("Engine.collectDateTimeRule: appointment recorded", "id", appt.ID, "userID", t.userID, "preferred", preferred)
	return i18n.T(lang, i18n.Scheduled), true, nil
}

// chatRule answers through the reply composer. It never changes the step.
func (e *Engine) chatRule(ctx context.Context, t *turn) (string, bool, error) {
	if t.text == "" {
		return i18n.T(t.sess.Language, i18n.EmptyMessage), true, nil
	}
	history, err := e.store.RecentInteractions(ctx, t.userID, e.historyLimit)
	if err != nil {
		return "", false, fmt.Errorf("failed to load history: %w", err)
	}
	if err := e.logTurn(ctx, t.userID, models.RoleUser, t.text, ""); err != nil {
		return "", false, err
	}
	res := e.composer.Compose(ctx, t.sess, history, t.text)
	if err := e.logTurn(ctx, t.userID, models.RoleAssistant, res.ResponseText, res.Urgency); err != nil {
		return "", false, err
	}
	return res.ResponseText, true, nil
}
