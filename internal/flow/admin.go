package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/EyeLine/internal/i18n"
	"github.com/BTreeMap/EyeLine/internal/models"
)

// FormatAppointments renders appointments one per line as
// "id | preferred | name | phone | note", with the note cut to models.AdminNotePreviewLength characters.
func FormatAppointments(appts []models.Appointment, lang models.Language) string {
	if len(appts) == 0 {
		return i18n.T(lang, i18n.AdminEmpty)
	}
	lines := make([]string, 0, len(appts))
	for _, a := range appts {
		preferred := a.PreferredDateTime
		if preferred == "" {
			preferred = "no date"
		}
		name := a.FullName
		if name == "" {
			name = "N/A"
		}
		note := truncateRunes(strings.Join(strings.Fields(a.Note), " "), models.AdminNotePreviewLength)
		lines = append(lines, fmt.Sprintf("%s | %s | %s | %s | %s", a.ID, preferred, name, a.UserID, note))
	}
	return strings.Join(lines, "\n")
}
