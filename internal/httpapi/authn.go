package httpapi

import (
	"net/http"

	"planfold.app/internal/audit"
	"planfold.app/internal/identity"
	"planfold.app/internal/obs"
	"planfold.app/internal/session"
)

// Authenticate resolves the access cookie into a verified principal. The
// token proves who the caller is; the role and capabilities are re-read from
// the identity provider on every request (through its cache), so a demotion
// takes effect without waiting for the token to expire.
func Authenticate(codec *session.Codec, provider identity.Provider) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := session.ReadCookie(r, codec.AccessName())
			if token == "" {
				obs.AuthFailures.WithLabelValues("no_cookie").Inc()
				writeError(w, r, http.StatusUnauthorized, CodeUnauthenticated, "authentication required")
				return
			}

			subject, err := provider.VerifyAccessToken(r.Context(), token)
			if err != nil {
				obs.AuthFailures.WithLabelValues("bad_token").Inc()
				writeIdentityError(w, r, err)
				return
			}

			principal, err := provider.LookupPrincipal(r.Context(), subject)
			if err != nil {
				obs.AuthFailures.WithLabelValues("lookup").Inc()
				writeIdentityError(w, r, err)
				return
			}

			ctx := identity.ContextWithPrincipal(r.Context(), principal)
			ctx = identity.ContextWithToken(ctx, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole gates a chain on the caller's role. Admin-gated requests are
// written to the audit trail before the handler runs; an audit append failure
// fails the request rather than proceeding unrecorded.
func RequireRole(required identity.Role, recorder *audit.Recorder) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := identity.PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, CodeUnauthenticated, "authentication required")
				return
			}
			if !principal.Role.Satisfies(required) {
				obs.AuthFailures.WithLabelValues("forbidden").Inc()
				writeError(w, r, http.StatusForbidden, CodeForbidden, "insufficient privileges")
				return
			}
			if required.Satisfies(identity.RoleAdmin) && recorder != nil {
				err := recorder.Record(r.Context(), audit.Entry{
					Action:   "admin.access",
					Resource: r.Method + " " + r.URL.Path,
					IP:       clientIP(r),
				})
				if err != nil {
					writeError(w, r, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "audit trail unavailable")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
