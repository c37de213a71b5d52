// Package csrf implements the double-submit forgery check: the value of the
// script-readable CSRF cookie must match a dedicated request header on every
// state-changing request, and the request's Origin must be allow-listed.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// HeaderName is the request header the page mirrors the cookie into.
const HeaderName = "X-CSRF-Token"

const tokenBytes = 32

var (
	ErrTokenMissing  = errors.New("csrf: token missing")
	ErrTokenMismatch = errors.New("csrf: header and cookie tokens differ")
	ErrBadOrigin     = errors.New("csrf: origin not allowed")
)

// NewToken returns a fresh random token. 256 bits, base64url without
// padding.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Verifier checks state-changing requests.
type Verifier struct {
	cookieName     string
	allowedOrigins map[string]struct{}
}

// NewVerifier builds a verifier for the given CSRF cookie name and origin
// allow-list. Origins are compared scheme://host[:port], case-insensitive.
func NewVerifier(cookieName string, origins []string) *Verifier {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
		if o == "" {
			continue
		}
		allowed[o] = struct{}{}
	}
	return &Verifier{cookieName: cookieName, allowedOrigins: allowed}
}

// Exempt reports whether the method never mutates state and therefore skips
// verification.
func Exempt(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Verify returns nil when the request passes the double-submit and origin
// checks. The token comparison is constant-time.
func (v *Verifier) Verify(r *http.Request) error {
	if Exempt(r.Method) {
		return nil
	}
	if err := v.verifyOrigin(r); err != nil {
		return err
	}

	header := r.Header.Get(HeaderName)
	cookie, err := r.Cookie(v.cookieName)
	if header == "" || err != nil || cookie.Value == "" {
		return ErrTokenMissing
	}
	if subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) != 1 {
		return ErrTokenMismatch
	}
	return nil
}

func (v *Verifier) verifyOrigin(r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Some user agents omit Origin on same-site requests; fall back to
		// Referer before rejecting.
		referer := r.Header.Get("Referer")
		if referer == "" {
			return ErrBadOrigin
		}
		u, err := url.Parse(referer)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return ErrBadOrigin
		}
		origin = u.Scheme + "://" + u.Host
	}
	origin = strings.TrimRight(strings.ToLower(origin), "/")
	if _, ok := v.allowedOrigins[origin]; !ok {
		return ErrBadOrigin
	}
	return nil
}
