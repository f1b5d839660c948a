package cache

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// HTTPCache is middleware that caches successful GET responses. Only 2xx
// bodies are stored; everything else passes through untouched. Cache status
// and TTL are recorded as response headers so callers can see what happened.
type HTTPCache struct {
	cache Cache
	ttl   time.Duration

	// SkipCache decides per request whether to bypass the cache read.
	// SkipCacheSet decides whether to skip storing the response.
	// Both default to honoring Cache-Control: no-cache / no-store.
	SkipCache    func(r *http.Request) bool
	SkipCacheSet func(r *http.Request) bool
}

// NewHTTPCache creates response-caching middleware with the given TTL.
func NewHTTPCache(c Cache, ttl time.Duration) *HTTPCache {
	return &HTTPCache{
		cache: c,
		ttl:   ttl,
		SkipCache: func(r *http.Request) bool {
			return r.Header.Get("Cache-Control") == "no-cache"
		},
		SkipCacheSet: func(r *http.Request) bool {
			return r.Header.Get("Cache-Control") == "no-store"
		},
	}
}

// cachedResponse is the stored wire form of one response.
type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

// Wrap returns the caching middleware.
func (h *HTTPCache) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || h.SkipCache(r) {
			w.Header().Set("X-Cache", "SKIP")
			next.ServeHTTP(w, r)
			return
		}

		key := HTTPKey(r.Method, r.URL.RequestURI())
		if data, found, err := h.cache.Get(r.Context(), key); err == nil && found {
			var cached cachedResponse
			if err := json.Unmarshal(data, &cached); err == nil {
				w.Header().Set("Content-Type", cached.ContentType)
				w.Header().Set("X-Cache", "HIT")
				w.Header().Set("X-Cache-TTL", strconv.Itoa(int(h.ttl.Seconds())))
				w.WriteHeader(cached.Status)
				w.Write(cached.Body)
				return
			}
		}

		cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		cw.Header().Set("X-Cache", "MISS")
		next.ServeHTTP(cw, r)

		if cw.status < 200 || cw.status >= 300 || h.SkipCacheSet(r) {
			return
		}

		data, err := json.Marshal(cachedResponse{
			Status:      cw.status,
			ContentType: cw.Header().Get("Content-Type"),
			Body:        cw.buf.Bytes(),
		})
		if err != nil {
			return
		}
		if err := h.cache.Set(r.Context(), key, data, h.ttl); err != nil {
			// Cache store failure is not a request failure.
			slog.Debug("http cache store failed", "key", key, "error", err)
		}
	})
}
