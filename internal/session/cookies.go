// Package session encodes the three browser cookies that carry a Planfold
// session: the access token, the refresh token and the CSRF token. Each has
// its own scope and transport attributes; nothing here performs I/O beyond
// header manipulation.
package session

import (
	"net/http"
	"time"
)

// Cookie names used when CodecConfig leaves them empty.
const (
	DefaultAccessCookie  = "pf_access"
	DefaultRefreshCookie = "pf_refresh"
	DefaultCSRFCookie    = "pf_csrf"
	DefaultRefreshPath   = "/v1/session"
)

// CodecConfig controls cookie naming, scope and lifetime.
type CodecConfig struct {
	AccessName  string
	RefreshName string
	CSRFName    string

	// RefreshPath restricts the refresh cookie to the session endpoints
	// (rotation and logout) so the long-lived token is never sent anywhere
	// else.
	RefreshPath string

	// Secure must be true everywhere except local development.
	Secure bool

	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Codec writes and clears the session cookie triple.
type Codec struct {
	cfg CodecConfig
}

func NewCodec(cfg CodecConfig) *Codec {
	if cfg.AccessName == "" {
		cfg.AccessName = DefaultAccessCookie
	}
	if cfg.RefreshName == "" {
		cfg.RefreshName = DefaultRefreshCookie
	}
	if cfg.CSRFName == "" {
		cfg.CSRFName = DefaultCSRFCookie
	}
	if cfg.RefreshPath == "" {
		cfg.RefreshPath = DefaultRefreshPath
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &Codec{cfg: cfg}
}

func (c *Codec) AccessName() string  { return c.cfg.AccessName }
func (c *Codec) RefreshName() string { return c.cfg.RefreshName }
func (c *Codec) CSRFName() string    { return c.cfg.CSRFName }
func (c *Codec) RefreshPath() string { return c.cfg.RefreshPath }

// SetSession writes all three cookies. The access and refresh cookies are
// HttpOnly; the CSRF cookie is deliberately script-readable because the
// double-submit check needs the page to mirror it into a header. It carries
// no authentication power on its own.
func (c *Codec) SetSession(w http.ResponseWriter, accessToken, refreshToken, csrfToken string) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.cfg.AccessName,
		Value:    accessToken,
		Path:     "/",
		MaxAge:   int(c.cfg.AccessTTL.Seconds()),
		HttpOnly: true,
		Secure:   c.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     c.cfg.RefreshName,
		Value:    refreshToken,
		Path:     c.cfg.RefreshPath,
		MaxAge:   int(c.cfg.RefreshTTL.Seconds()),
		HttpOnly: true,
		Secure:   c.cfg.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     c.cfg.CSRFName,
		Value:    csrfToken,
		Path:     "/",
		MaxAge:   int(c.cfg.AccessTTL.Seconds()),
		HttpOnly: false,
		Secure:   c.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSession expires all three cookies simultaneously.
func (c *Codec) ClearSession(w http.ResponseWriter) {
	expire := func(name, path string, httpOnly bool, sameSite http.SameSite) {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     path,
			MaxAge:   -1,
			HttpOnly: httpOnly,
			Secure:   c.cfg.Secure,
			SameSite: sameSite,
		})
	}
	expire(c.cfg.AccessName, "/", true, http.SameSiteLaxMode)
	expire(c.cfg.RefreshName, c.cfg.RefreshPath, true, http.SameSiteStrictMode)
	expire(c.cfg.CSRFName, "/", false, http.SameSiteLaxMode)
}

// ReadCookie returns the named cookie's value, or "" when absent.
func ReadCookie(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil || cookie == nil {
		return ""
	}
	return cookie.Value
}
