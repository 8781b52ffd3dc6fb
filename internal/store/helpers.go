package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/EyeLine/internal/models"
	"github.com/google/uuid"
)

// placeholderFunc renders the bind parameter for the n-th (1-based) argument.
type placeholderFunc func(n int) string

func sqlitePlaceholder(int) string { return "?" }

func postgresPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

// buildSessionUpdate renders an UPDATE touching only the columns present in patch.
// Column names come from this function, never from callers.
func buildSessionUpdate(userID string, patch models.SessionPatch, now time.Time, ph placeholderFunc) (string, []interface{}) {
	var sets []string
	var args []interface{}
	add := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, col+" = "+ph(len(args)))
	}
	if patch.Consent != nil {
		add("consent", *patch.Consent)
	}
	if patch.Language != nil {
		add("lang", string(*patch.Language))
	}
	if patch.Step != nil {
		add("step", string(*patch.Step))
	}
	if patch.PendingName != nil {
		add("pending_name", *patch.PendingName)
	}
	add("updated_at", now)
	args = append(args, userID)
	return "UPDATE users SET " + strings.Join(sets, ", ") + " WHERE phone = " + ph(len(args)), args
}

// normalizeSession maps rows written by older deployments onto the current enums.
// A leftover "schedule" step (or any unknown value) resumes at chat for consenting users.
func normalizeSession(s *models.Session, defaultLang models.Language) {
	if !s.Step.Valid() {
		if s.Consent {
			s.Step = models.StepChat
		} else {
			s.Step = models.StepStart
		}
		s.PendingName = ""
	}
	s.Language = models.ParseLanguage(string(s.Language), defaultLang)
	if s.Step != models.StepCollectingDateTime {
		s.PendingName = ""
	}
}

// prepareAppointment validates a and fills in its ID and creation time.
func prepareAppointment(a models.Appointment, now time.Time) (models.Appointment, error) {
	if err := a.Validate(); err != nil {
		return a, err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now.UTC()
	}
	return a, nil
}

// scanSessionRow scans a users row selected by sessionColumns.
func scanSessionRow(row *sql.Row) (models.Session, error) {
	var s models.Session
	var lang, step string
	if err := row.Scan(&s.UserID, &s.Consent, &lang, &step, &s.PendingName, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return s, err
	}
	s.Language = models.Language(lang)
	s.Step = models.Step(step)
	return s, nil
}

// scanInteractions collects interaction rows and returns them oldest first.
// Rows are expected newest first, as produced by ORDER BY id DESC.
func scanInteractions(rows *sql.Rows) ([]models.Interaction, error) {
	var out []models.Interaction
	for rows.Next() {
		var i models.Interaction
		var role, urgency string
		if err := rows.Scan(&i.UserID, &role, &i.Text, &urgency, &i.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan interaction failed: %w", err)
		}
		i.Role = models.Role(role)
		i.Urgency = models.Urgency(urgency)
		out = append(out, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interactions failed: %w", err)
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out, nil
}

// scanAppointments collects appointment rows in query order.
func scanAppointments(rows *sql.Rows) ([]models.Appointment, error) {
	var out []models.Appointment
	for rows.Next() {
		var a models.Appointment
		if err := rows.Scan(&a.ID, &a.UserID, &a.FullName, &a.PreferredDateTime, &a.Note, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan appointment failed: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointments failed: %w", err)
	}
	return out, nil
}

const sessionColumns = `phone, consent, lang, step, pending_name, created_at, updated_at`
