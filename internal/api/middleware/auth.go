package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/rankready/sitescore/internal/api/response"
	"github.com/rankready/sitescore/internal/cache"
	"github.com/rankready/sitescore/internal/store"
)

const (
	keyPrefixLen = 8

	// sessionTTL bounds how long a verified key skips the bcrypt check.
	// Revoking a key therefore takes effect within this window.
	sessionTTL = 5 * time.Minute
)

// Auth provides authentication and scope-checking middleware. Verified keys
// are cached as sessions so the hot path skips the store lookup and the
// bcrypt comparison.
type Auth struct {
	store    store.Store
	sessions cache.Cache
}

// session is the cached record of a successful key verification. The key is
// derived from the raw credential's fingerprint, never the credential itself.
type session struct {
	KeyID  uuid.UUID `json:"key_id"`
	Prefix string    `json:"prefix"`
	Scopes []string  `json:"scopes"`
}

// NewAuth creates a new Auth middleware. A nil cache disables the session
// fast path.
func NewAuth(s store.Store, c cache.Cache) *Auth {
	return &Auth{store: s, sessions: c}
}

// Authenticate validates the Bearer token, looks up the API key by its
// prefix, and sets key_prefix and scopes in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:keyPrefixLen]
		fingerprint := fingerprintKey(rawKey)

		if sess, ok := a.lookupSession(r.Context(), fingerprint); ok {
			ctx := WithKeyPrefix(r.Context(), sess.Prefix)
			ctx = WithScopes(ctx, sess.Scopes)

			go a.store.UpdateAPIKeyLastUsed(context.Background(), sess.KeyID) //nolint:errcheck
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		keys, err := a.store.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		// Find matching key by bcrypt comparison
		var matched bool
		for _, key := range keys {
			if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
				ctx := r.Context()
				ctx = WithKeyPrefix(ctx, prefix)
				ctx = WithScopes(ctx, key.Scopes)
				r = r.WithContext(ctx)
				matched = true

				a.storeSession(r.Context(), fingerprint, session{
					KeyID:  key.ID,
					Prefix: prefix,
					Scopes: key.Scopes,
				})

				// Update last_used_at async
				go a.store.UpdateAPIKeyLastUsed(context.Background(), key.ID) //nolint:errcheck
				break
			}
		}

		if !matched {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, s := range Scopes(r) {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func (a *Auth) lookupSession(ctx context.Context, fingerprint string) (session, bool) {
	if a.sessions == nil {
		return session{}, false
	}
	data, found, err := a.sessions.Get(ctx, cache.SessionKey(fingerprint))
	if err != nil || !found {
		return session{}, false
	}
	var sess session
	if err := json.Unmarshal(data, &sess); err != nil {
		return session{}, false
	}
	return sess, true
}

func (a *Auth) storeSession(ctx context.Context, fingerprint string, sess session) {
	if a.sessions == nil {
		return
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return
	}
	a.sessions.Set(ctx, cache.SessionKey(fingerprint), data, sessionTTL) //nolint:errcheck
}

func fingerprintKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
