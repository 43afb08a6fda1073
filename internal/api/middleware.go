package api

import (
	"bytes"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mjza/mra-core-sub000/internal/audit"
	"github.com/rs/zerolog/log"
)

// requestIDMiddleware attaches a UUID request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newUUID()
		w.Header().Set("X-Request-ID", id)
		ctx := withRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// credentialMiddleware requires a bearer credential on protected routes.
// Absence is "unauthorized", distinct from a policy "forbidden"; the request
// never reaches the authorization path. It runs after the audit middleware
// so credential-less requests are still audited, with a null subject.
func credentialMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred := r.Header.Get("Authorization")
		if cred == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized: missing credential")
			return
		}
		ctx := withCredential(r.Context(), cred)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// responseRecorder captures the status code and, for error responses, a
// bounded copy of the body for the audit outcome.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	errBody    bytes.Buffer
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.statusCode >= 400 && rr.errBody.Len() < 4096 {
		rr.errBody.Write(b[:min(len(b), 4096-rr.errBody.Len())])
	}
	return rr.ResponseWriter.Write(b)
}

// auditMiddleware opens the audit record when a protected request enters and
// closes it with the outcome when the handler chain finishes. Trail failures
// degrade to the 0 sentinel and the request proceeds unaudited.
func auditMiddleware(trail *audit.Trail) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := trail.OpenRequest(r.Context(), r, requestIDFromCtx(r.Context()), nil)
			rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rr, r.WithContext(withAuditID(r.Context(), id)))

			var outcome any
			if rr.statusCode >= 400 {
				outcome = map[string]any{
					"status": rr.statusCode,
					"error":  strings.TrimSpace(rr.errBody.String()),
				}
			} else {
				outcome = map[string]any{"status": rr.statusCode, "result": "ok"}
			}
			trail.Close(r.Context(), id, outcome)
		})
	}
}

// rateLimiter is a simple per-IP token bucket rate limiter.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int // requests per second
	burst   int
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

func newRateLimiter(rps, burst int) *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rps,
		burst:   burst,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: float64(rl.burst), lastCheck: time.Now()}
		rl.buckets[ip] = b
	}
	now := time.Now()
	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * float64(rl.rate)
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastCheck = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.allow(ip) {
			log.Warn().Str("ip", ip).Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
