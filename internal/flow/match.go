package flow

import (
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/EyeLine/internal/models"
)

// Command words, compared against the upper-cased message.
var (
	acceptWords    = []string{"ACEPTO", "ACCEPT"}
	declineWords   = []string{"NO ACEPTO", "DECLINE", "NO"}
	resetWords     = []string{"RESET", "REINICIAR", "NUEVO", "START"}
	adminListWords = []string{"LISTA CITAS", "CITAS"}
)

// scheduleKeywords are matched as case-insensitive substrings.
var scheduleKeywords = []string{"cita", "agendar", "agenda", "appointment", "schedule"}

// cancelPattern matches a cancellation phrase as a whole word.
var cancelPattern = regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])(?:no gracias|no quiero|no thanks|not now|m[aá]s tarde|despu[eé]s|luego|later|no)(?:$|[^\p{L}\p{N}])`)

// preferredPattern captures a leading YYYY-MM-DD, an optional HH:MM and the trailing note.
var preferredPattern = regexp.MustCompile(`(?s)^(\d{4}-\d{2}-\d{2})(?:[ T](\d{2}:\d{2}))?(?:\s+(.*))?$`)

func matchesAny(cmd string, words []string) bool {
	for _, w := range words {
		if cmd == w {
			return true
		}
	}
	return false
}

func isAccept(cmd string) bool    { return matchesAny(cmd, acceptWords) }
func isDecline(cmd string) bool   { return matchesAny(cmd, declineWords) }
func isReset(cmd string) bool     { return matchesAny(cmd, resetWords) }
func isAdminList(cmd string) bool { return matchesAny(cmd, adminListWords) }

func languageCommand(cmd string) (models.Language, bool) {
	switch cmd {
	case "EN":
		return models.LanguageEN, true
	case "ES":
		return models.LanguageES, true
	default:
		return "", false
	}
}

func hasScheduleKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range scheduleKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func isCancel(text string) bool {
	return cancelPattern.MatchString(text)
}

// parsePreferred reads "YYYY-MM-DD[ HH:MM] note". The returned preferred value is
// "YYYY-MM-DD HH:MM", or the date alone when no time was given. The note is trimmed
// and cut to models.MaxNoteLength characters.
func parsePreferred(text string) (preferred, note string, ok bool) {
	m := preferredPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", "", false
	}
	if _, err := time.Parse("2006-01-02", m[1]); err != nil {
		return "", "", false
	}
	preferred = m[1]
	if m[2] != "" {
		if _, err := time.Parse("15:04", m[2]); err != nil {
			return "", "", false
		}
		preferred += " " + m[2]
	}
	return preferred, truncateRunes(strings.TrimSpace(m[3]), models.MaxNoteLength), true
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
