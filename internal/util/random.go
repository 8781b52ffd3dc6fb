package util

import (
	"math/rand/v2"
	"strings"
)

const hexChars = "0123456789abcdef"

// GenerateRandomID returns prefix followed by hexLength random hex characters.
// It is for row identifiers only; nothing security-sensitive may depend on it.
func GenerateRandomID(prefix string, hexLength int) string {
	if hexLength <= 0 {
		return prefix
	}
	var b strings.Builder
	b.Grow(len(prefix) + hexLength)
	b.WriteString(prefix)
	for i := 0; i < hexLength; i++ {
		b.WriteByte(hexChars[rand.IntN(len(hexChars))])
	}
	return b.String()
}
