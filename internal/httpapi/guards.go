package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"planfold.app/internal/csrf"
	"planfold.app/internal/obs"
	"planfold.app/internal/ratelimit"
)

// RateLimit rejects requests once the client IP exhausts the limiter's rule.
// Responses carry the standard accounting headers whether allowed or not, so
// well-behaved clients can back off before hitting the wall.
func RateLimit(limiter *ratelimit.Limiter, scope string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := scope + ":" + clientIP(r)
			d := limiter.Check(r.Context(), key)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.UnixMilli(), 10))

			if !d.Allowed {
				obs.RateLimitDrops.WithLabelValues(scope).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter(timeNow())))
				writeError(w, r, http.StatusTooManyRequests, CodeRateLimited, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CSRF enforces the double-submit check on state-changing methods. Safe
// methods pass through untouched.
func CSRF(verifier *csrf.Verifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if csrf.Exempt(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			if err := verifier.Verify(r); err != nil {
				obs.CSRFRejections.Inc()
				msg := "request origin could not be verified"
				if errors.Is(err, csrf.ErrTokenMissing) || errors.Is(err, csrf.ErrTokenMismatch) {
					msg = "csrf token missing or invalid"
				}
				writeError(w, r, http.StatusForbidden, CodeCSRFRejected, msg)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
