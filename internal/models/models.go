// Package models defines the core data structures for EyeLine.
//
// It includes session, interaction and appointment records plus the JSON envelope used by the HTTP API.
package models

import (
	"errors"
	"time"
)

// Validation constants for appointment records
const (
	// MaxNoteLength is the maximum number of characters kept from an appointment note
	MaxNoteLength = 200
	// AdminNotePreviewLength is the number of note characters shown in admin listings
	AdminNotePreviewLength = 40
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID     = errors.New("user id cannot be empty")
	ErrInvalidStep     = errors.New("invalid conversation step")
	ErrInvalidLanguage = errors.New("invalid language")
	ErrInvalidRole     = errors.New("invalid interaction role")
	ErrEmptyFullName   = errors.New("appointment full name cannot be empty")
)

// Interaction is an append-only conversation log entry.
type Interaction struct {
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Urgency   Urgency   `json:"urgency,omitempty"` // set on assistant replies produced by triage
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the interaction can be persisted.
func (i *Interaction) Validate() error {
	if i.UserID == "" {
		return ErrEmptyUserID
	}
	if i.Role != RoleUser && i.Role != RoleAssistant {
		return ErrInvalidRole
	}
	return nil
}

// Appointment is an append-only record created once per completed scheduling sub-flow.
type Appointment struct {
	ID                string    `json:"id"`
	UserID            string    `json:"phone"`
	FullName          string    `json:"full_name"`
	PreferredDateTime string    `json:"preferred"`
	Note              string    `json:"note"`
	CreatedAt         time.Time `json:"created_at"`
}

// Validate checks the appointment can be persisted.
func (a *Appointment) Validate() error {
	if a.UserID == "" {
		return ErrEmptyUserID
	}
	if a.FullName == "" {
		return ErrEmptyFullName
	}
	return nil
}

// TriageResult is the structured outcome of one triage turn.
type TriageResult struct {
	Language     Language `json:"language"`
	Urgency      Urgency  `json:"urgency"`
	ResponseText string   `json:"response"`
	Fallback     bool     `json:"fallback"` // true when the canned reply replaced the inference result
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
