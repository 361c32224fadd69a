package sync

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"
)

// IdempotencyKey returns the lowercase hex sha1 of the trimmed fields joined by "|".
func IdempotencyKey(fields ...string) string {
	trimmed := make([]string, len(fields))
	for i, field := range fields {
		trimmed[i] = strings.TrimSpace(field)
	}
	sum := sha1.Sum([]byte(strings.Join(trimmed, "|")))
	return hex.EncodeToString(sum[:])
}

// CandidateKey derives the stable key for pushing candidate to integration.
// Re-running the same window yields the same keys.
func CandidateKey(integration string, candidate Candidate) string {
	return IdempotencyKey(
		strings.ToLower(integration),
		candidate.EntityType,
		candidate.EntityID,
		NormalizeEmail(candidate.Email),
		candidate.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
