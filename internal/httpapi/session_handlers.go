package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"planfold.app/internal/audit"
	"planfold.app/internal/csrf"
	"planfold.app/internal/identity"
	"planfold.app/internal/obs"
	"planfold.app/internal/session"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userView struct {
	ID           string   `json:"id"`
	Email        string   `json:"email"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities"`
}

type sessionResponse struct {
	User      userView  `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}

func viewOf(p identity.Principal) userView {
	return userView{
		ID:           p.ID,
		Email:        p.Email,
		Role:         string(p.Role),
		Capabilities: p.Capabilities,
	}
}

// handleLogin exchanges credentials for the cookie triple. Tokens never
// appear in the response body; the browser carries them in HttpOnly cookies
// and scripts see only the CSRF cookie.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "email and password are required")
		return
	}

	pair, principal, err := a.opt.Identity.IssueSession(r.Context(), req.Email, req.Password)
	if err != nil {
		writeIdentityError(w, r, err)
		return
	}

	csrfToken, err := csrf.NewToken()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeUpstreamUnavailable, "internal error")
		return
	}
	a.opt.Codec.SetSession(w, pair.AccessToken, pair.RefreshToken, csrfToken)

	// Successful logins do not count against the credential budget.
	if a.opt.AuthLimiter != nil {
		a.opt.AuthLimiter.Forgive(r.Context(), "auth:"+clientIP(r))
	}
	if a.opt.Recorder != nil {
		ctx := identity.ContextWithPrincipal(r.Context(), principal)
		_ = a.opt.Recorder.Record(ctx, audit.Entry{
			Action:   "session.login",
			Resource: principal.Email,
			IP:       clientIP(r),
		})
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		User:      viewOf(principal),
		ExpiresAt: pair.AccessExpiresAt,
	})
}

// handleRefresh rotates the refresh token. A failed rotation is terminal:
// the cookies are cleared and the client must authenticate again.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := session.ReadCookie(r, a.opt.Codec.RefreshName())
	if raw == "" {
		obs.RefreshFailures.Inc()
		a.opt.Codec.ClearSession(w)
		writeError(w, r, http.StatusUnauthorized, CodeRefreshFailed, "no session to renew")
		return
	}

	pair, principal, err := a.opt.Identity.Refresh(r.Context(), raw)
	if err != nil {
		if errors.Is(err, identity.ErrUpstreamUnavailable) {
			// Transient; keep the cookies so the client can retry.
			writeIdentityError(w, r, err)
			return
		}
		obs.RefreshFailures.Inc()
		a.opt.Codec.ClearSession(w)
		writeError(w, r, http.StatusUnauthorized, CodeRefreshFailed, "session could not be renewed")
		return
	}

	csrfToken, err := csrf.NewToken()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeUpstreamUnavailable, "internal error")
		return
	}
	a.opt.Codec.SetSession(w, pair.AccessToken, pair.RefreshToken, csrfToken)
	obs.RefreshRotations.Inc()

	// Successful rotations, like successful logins, do not count against
	// the credential budget.
	if a.opt.AuthLimiter != nil {
		a.opt.AuthLimiter.Forgive(r.Context(), "auth:"+clientIP(r))
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		User:      viewOf(principal),
		ExpiresAt: pair.AccessExpiresAt,
	})
}

func (a *API) handleWhoami(w http.ResponseWriter, r *http.Request) {
	principal, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, CodeUnauthenticated, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": viewOf(principal)})
}

// handleLogout revokes the refresh token, evicts the cached principal and
// clears all three cookies. Always succeeds for an authenticated caller.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal, _ := identity.PrincipalFromContext(r.Context())

	if raw := session.ReadCookie(r, a.opt.Codec.RefreshName()); raw != "" {
		_ = a.opt.Identity.Revoke(r.Context(), raw)
	}
	if a.opt.Cache != nil && principal.ID != "" {
		a.opt.Cache.Invalidate(principal.ID)
	}
	a.opt.Codec.ClearSession(w)

	if a.opt.Recorder != nil {
		_ = a.opt.Recorder.Record(r.Context(), audit.Entry{
			Action:   "session.logout",
			Resource: principal.Email,
			IP:       clientIP(r),
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminVerify confirms the caller holds administrative privileges. The
// role gate has already re-derived the role from the identity store, so a
// 200 here is authoritative for the admin UI shell.
func (a *API) handleAdminVerify(w http.ResponseWriter, r *http.Request) {
	principal, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, CodeUnauthenticated, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"verified": true,
		"user":     viewOf(principal),
	})
}
