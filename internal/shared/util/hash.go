package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// HashOwnerKey returns a filesystem-safe identifier for an owner ID.
func HashOwnerKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns the deterministic dedup key for contract text.
// The input is canonicalized first so that OCR whitespace jitter and case
// differences do not defeat deduplication.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(CanonicalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// CanonicalizeText lowercases the input and collapses all whitespace runs
// to single spaces.
func CanonicalizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inSpace := false
	for _, r := range strings.ToLower(text) {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
