package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Keys are namespaced by purpose so DeletePattern can target one namespace
// without touching the others: result:*, session:*, ratelimit:*, http:*, job:*.

func ResultKey(url string) string {
	return fmt.Sprintf("result:%s", hashURL(url))
}

func ResultKeyByAudit(auditID uuid.UUID) string {
	return fmt.Sprintf("result:audit:%s", auditID)
}

func SessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func HTTPKey(method, path string) string {
	return fmt.Sprintf("http:%s:%s", method, path)
}

func JobKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

// hashURL keeps keys bounded and free of glob metacharacters regardless of
// what the submitted URL contains.
func hashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:16])
}
