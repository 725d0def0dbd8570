package memory

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Namespace for content-addressed record ids. Changing it would orphan
// every previously written record, so it is fixed for the life of the
// schema.
var idNamespace = uuid.MustParse("6c1f3c7e-9b64-4b2a-a9d5-37d2f41c5a90")

// DeterministicID derives a stable record id from its scope parts.
// Empty parts are dropped; identical inputs always produce the
// identical id, which is what makes repeated upserts of the same
// logical fact a no-op.
func DeterministicID(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(kept, "::"))).String()
}

// SanitizeDocument truncates document text to MaxDocumentLength bytes,
// backing up to the nearest rune boundary so the cut never splits a
// UTF-8 sequence. Truncation is deterministic and never an error.
func SanitizeDocument(document string) string {
	if len(document) <= MaxDocumentLength {
		return document
	}
	cut := MaxDocumentLength
	for cut > 0 && !utf8.RuneStart(document[cut]) {
		cut--
	}
	return document[:cut]
}

// estimateTokens approximates a token count at one token per four
// characters, used when the model reported no usage for a turn.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
