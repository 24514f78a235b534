// Package healer implements tiered self-healing: failure signatures, a
// remediation ladder that escalates through increasingly capable fixes, and
// failed-fix avoidance backed by the pattern memory.
package healer

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Volatile fragments stripped before hashing so the same logical failure
// produces the same signature across runs.
var (
	// Case-insensitive: Normalize lowercases before stripping, so the T and
	// Z of ISO-8601 timestamps arrive as t and z.
	timestampPattern = regexp.MustCompile(`(?i)\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	uuidPattern      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	hexIDPattern     = regexp.MustCompile(`\b(0x)?[0-9a-fA-F]{8,}\b`)
	numberPattern    = regexp.MustCompile(`\b\d+\b`)
	spacePattern     = regexp.MustCompile(`\s+`)
)

// Normalize strips timestamps, UUIDs, hex identifiers, and bare numbers from
// an error message, yielding stable text for signature hashing and keyword
// search.
func Normalize(errText string) string {
	s := strings.ToLower(errText)
	s = timestampPattern.ReplaceAllString(s, "")
	s = uuidPattern.ReplaceAllString(s, "")
	s = hexIDPattern.ReplaceAllString(s, "")
	s = numberPattern.ReplaceAllString(s, "N")
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Signature hashes normalized failure text into a short stable identifier.
func Signature(errText string) string {
	sum := sha256.Sum256([]byte(Normalize(errText)))
	return hex.EncodeToString(sum[:8])
}
