// Package idempotency provides deterministic keys for recognizing the same
// logical record across submissions.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// GenerateKey creates a deterministic key from the given parts. Callers
// normalize the parts; the separator keeps ("ab","c") distinct from ("a","bc").
func GenerateKey(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h[:16])
}
