// Package models defines conversation step and enum types shared across packages.
package models

import "strings"

// Step names the phase of the conversation a user is in. It decides which input rules apply.
type Step string

// Conversation steps. No other value is reachable.
const (
	StepStart              Step = "start"
	StepConsent            Step = "consent"
	StepChat               Step = "chat"
	StepCollectingName     Step = "collecting_name"
	StepCollectingDateTime Step = "collecting_datetime"
)

// Valid reports whether s is one of the known steps.
func (s Step) Valid() bool {
	switch s {
	case StepStart, StepConsent, StepChat, StepCollectingName, StepCollectingDateTime:
		return true
	default:
		return false
	}
}

// InScheduling reports whether s belongs to the two-turn scheduling sub-flow.
func (s Step) InScheduling() bool {
	return s == StepCollectingName || s == StepCollectingDateTime
}

// Language is the user's selected reply language.
type Language string

const (
	LanguageES Language = "es"
	LanguageEN Language = "en"
)

// ParseLanguage maps a free-form language code to a supported Language.
// Unknown values return fallback.
func ParseLanguage(code string, fallback Language) Language {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "es", "spa", "spanish", "español", "espanol":
		return LanguageES
	case "en", "eng", "english":
		return LanguageEN
	default:
		return fallback
	}
}

// Role tags the author of an interaction record.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Urgency is the triage tier returned by the inference service.
type Urgency string

const (
	UrgencyEmergent  Urgency = "emergent"
	UrgencyPriority  Urgency = "priority"
	UrgencyNonurgent Urgency = "nonurgent"
)

// Valid reports whether u is one of the known urgency tiers.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyEmergent, UrgencyPriority, UrgencyNonurgent:
		return true
	default:
		return false
	}
}
