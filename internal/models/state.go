// Package models defines per-user session state and its typed partial updates.
package models

import "time"

// Session is the durable per-user conversation record, keyed by messaging address.
type Session struct {
	UserID      string    `json:"user_id"`
	Consent     bool      `json:"consent"`
	Language    Language  `json:"language"`
	Step        Step      `json:"step"`
	PendingName string    `json:"pending_name,omitempty"` // only set while Step == StepCollectingDateTime
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewSession returns the record created for a first-time user.
func NewSession(userID string, lang Language, now time.Time) Session {
	return Session{
		UserID:    userID,
		Consent:   false,
		Language:  lang,
		Step:      StepStart,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SessionPatch lists every mutable session field as optional. Applying a patch
// sets only the provided fields.
type SessionPatch struct {
	Consent     *bool
	Language    *Language
	Step        *Step
	PendingName *string
}

// IsEmpty reports whether the patch changes nothing.
func (p SessionPatch) IsEmpty() bool {
	return p.Consent == nil && p.Language == nil && p.Step == nil && p.PendingName == nil
}

// Apply writes the provided fields onto s.
func (p SessionPatch) Apply(s *Session) {
	if p.Consent != nil {
		s.Consent = *p.Consent
	}
	if p.Language != nil {
		s.Language = *p.Language
	}
	if p.Step != nil {
		s.Step = *p.Step
	}
	if p.PendingName != nil {
		s.PendingName = *p.PendingName
	}
}

// Validate rejects patches that would put a session outside the known steps or languages.
func (p SessionPatch) Validate() error {
	if p.Step != nil && !p.Step.Valid() {
		return ErrInvalidStep
	}
	if p.Language != nil && *p.Language != LanguageES && *p.Language != LanguageEN {
		return ErrInvalidLanguage
	}
	return nil
}

// Patch builders keep rule code short.

func PatchStep(step Step) SessionPatch {
	return SessionPatch{Step: &step}
}

func (p SessionPatch) WithConsent(v bool) SessionPatch {
	p.Consent = &v
	return p
}

func (p SessionPatch) WithLanguage(lang Language) SessionPatch {
	p.Language = &lang
	return p
}

func (p SessionPatch) WithPendingName(name string) SessionPatch {
	p.PendingName = &name
	return p
}

// ClearPendingName empties the scheduling scratch slot.
func (p SessionPatch) ClearPendingName() SessionPatch {
	return p.WithPendingName("")
}
