package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"gigvault/observability"
	"gigvault/services/marketd/models"
)

// RateLimiter throttles callers by authenticated subject, falling back to the remote
// address for anonymous requests.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*visitor
	rps      rate.Limit
	burst    int
	ttl      time.Duration
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter constructs a limiter allowing rps sustained requests with burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		ttl:      10 * time.Minute,
		now:      time.Now,
	}
}

func (l *RateLimiter) allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.limiters[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = v
	}
	v.lastSeen = now
	for k, other := range l.limiters {
		if now.Sub(other.lastSeen) > l.ttl {
			delete(l.limiters, k)
		}
	}
	return v.limiter.AllowN(now, 1)
}

// Middleware rejects callers over their budget with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(callerKey(r)) {
			observability.ModuleMetrics().RecordThrottle("marketd", "rate_limit")
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerKey(r *http.Request) string {
	if claims, err := FromContext(r.Context()); err == nil {
		return "sub:" + claims.Subject.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

type idempotencyContextKey string

const contextKeyIdempotency idempotencyContextKey = "idempotency-key"

// WithIdempotency replays the stored response for a repeated Idempotency-Key. Only settled
// successful responses are stored; a pending settlement (202) is re-evaluated on retry.
func WithIdempotency(db *gorm.DB, logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > 128 {
			http.Error(w, "idempotency key too long", http.StatusBadRequest)
			return
		}
		subject := ""
		if claims, err := FromContext(r.Context()); err == nil {
			subject = claims.Subject.String()
		}

		var record models.IdempotencyKey
		err := db.WithContext(r.Context()).First(&record, "key = ?", key).Error
		switch {
		case err == nil:
			if record.Subject != subject || record.Method != r.Method || record.Path != r.URL.Path {
				http.Error(w, "idempotency key reused for a different request", http.StatusConflict)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		case !errors.Is(err, gorm.ErrRecordNotFound):
			http.Error(w, "idempotency lookup failed", http.StatusInternalServerError)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		ctx := context.WithValue(r.Context(), contextKeyIdempotency, key)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if status < 200 || status >= 300 || status == http.StatusAccepted {
			return
		}
		payload := models.IdempotencyKey{
			Key:       key,
			Subject:   subject,
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    status,
			Response:  recorder.buf.String(),
			CreatedAt: time.Now().UTC(),
		}
		if err := db.WithContext(context.WithoutCancel(r.Context())).Create(&payload).Error; err != nil {
			logger.Warn("store idempotency record failed",
				slog.String("key", key),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()))
		}
	})
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
