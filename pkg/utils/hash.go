package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashString returns the hex SHA-256 of input.
func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the first n hex characters of HashString(input).
func ShortHash(input string, n int) string {
	h := HashString(input)
	if n <= 0 || n >= len(h) {
		return h
	}
	return h[:n]
}

// NormalizeQuery folds case and whitespace so equivalent questions share a
// cache key.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
