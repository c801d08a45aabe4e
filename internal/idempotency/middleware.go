package idempotency

import (
	"bytes"
	"net/http"
	"time"

	apierrors "github.com/CedrosPay/tokenpay/internal/errors"
)

const (
	// HeaderKey carries the client's idempotency key.
	HeaderKey = "Idempotency-Key"
	// ReplayHeader is set on responses served from the cache.
	ReplayHeader = "X-Idempotency-Replay"
	// UserHeader scopes keys per caller when present.
	UserHeader = "X-User-ID"

	DefaultTTL = 24 * time.Hour

	// inflightTTL bounds how long a crashed request can hold its key.
	inflightTTL = 2 * time.Minute
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// Middleware replays completed 2xx responses for a repeated Idempotency-Key
// and answers 409 while a request with the same key is still running. Keys
// are scoped by method, path and X-User-ID.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(HeaderKey)
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Method + ":" + r.URL.Path + ":" + r.Header.Get(UserHeader) + ":" + rawKey
			ctx := r.Context()

			if cached, ok := store.Get(ctx, key); ok {
				replay(w, cached)
				return
			}
			if !store.Reserve(ctx, key, inflightTTL) {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeIdempotencyConflict, "a request with this idempotency key is still in progress")
				return
			}
			defer store.Release(ctx, key)

			// The first request may have finished between Get and Reserve.
			if cached, ok := store.Get(ctx, key); ok {
				replay(w, cached)
				return
			}

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			if rw.statusCode >= 200 && rw.statusCode < 300 {
				headers := make(map[string]string, len(w.Header()))
				for k := range w.Header() {
					headers[k] = w.Header().Get(k)
				}
				_ = store.Set(ctx, key, &Response{
					StatusCode: rw.statusCode,
					Headers:    headers,
					Body:       rw.body.Bytes(),
					CachedAt:   time.Now(),
				}, ttl)
			}
		})
	}
}

func replay(w http.ResponseWriter, cached *Response) {
	for k, v := range cached.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set(ReplayHeader, "true")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}
