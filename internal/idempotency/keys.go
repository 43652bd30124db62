package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	Namespace = "payrail"

	// maxKeyLength keeps derived keys inside provider header limits.
	maxKeyLength = 200

	// emptyPart holds the position of a blank part so keys stay positional.
	emptyPart = "-"
)

// MakeKey joins the parts with ":", writing blank parts as "-". Keys longer
// than the provider limit keep their first two parts readable and hash the rest.
func MakeKey(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			p = emptyPart
		}
		cleaned = append(cleaned, p)
	}

	key := strings.Join(cleaned, ":")
	if len(key) <= maxKeyLength || len(cleaned) <= 2 {
		return key
	}

	sum := sha256.Sum256([]byte(strings.Join(cleaned[2:], ":")))
	return strings.Join(cleaned[:2], ":") + ":" + hex.EncodeToString(sum[:])
}

// DeriveKey is the fallback key for a step when the caller sent none.
func DeriveKey(step, actorID, resourceID string) string {
	return MakeKey(Namespace, step, actorID, resourceID)
}

// KeyFromHeader prefers a client supplied key, scoped to the step so the same
// header value cannot collide across operations.
func KeyFromHeader(header, step, actorID, resourceID string) string {
	if h := strings.TrimSpace(header); h != "" {
		return MakeKey(Namespace, step, h)
	}
	return DeriveKey(step, actorID, resourceID)
}
