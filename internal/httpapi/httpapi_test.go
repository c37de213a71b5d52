package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"planfold.app/internal/audit"
	"planfold.app/internal/csrf"
	"planfold.app/internal/identity"
	"planfold.app/internal/ratelimit"
	"planfold.app/internal/session"
)

const (
	testOrigin   = "https://app.planfold.test"
	testEmail    = "dana@planfold.test"
	testPassword = "correct-horse"
)

type userStore struct {
	mu     sync.Mutex
	users  map[string]*identity.UserRecord
	tokens map[string]*identity.RefreshRecord
}

func newUserStore() *userStore {
	return &userStore{
		users:  make(map[string]*identity.UserRecord),
		tokens: make(map[string]*identity.RefreshRecord),
	}
}

func (m *userStore) add(u identity.UserRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = &u
}

func (m *userStore) FindUser(_ context.Context, id string) (*identity.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *userStore) FindUserByEmail(_ context.Context, email string) (*identity.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (m *userStore) CreateRefreshToken(_ context.Context, rec *identity.RefreshRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *rec
	m.tokens[rec.ID] = &copied
	return nil
}

func (m *userStore) FindRefreshToken(_ context.Context, id string) (*identity.RefreshRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tokens[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (m *userStore) RevokeRefreshToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tokens[id]
	if !ok {
		return identity.ErrNotFound
	}
	rec.Revoked = true
	return nil
}

func (m *userStore) PurgeExpiredRefreshTokens(_ context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.tokens {
		if rec.ExpiresAt.Before(before) {
			delete(m.tokens, id)
		}
	}
	return nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memAudit) Append(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memAudit) byAction(action string) []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Entry
	for _, e := range m.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

var hashOnce struct {
	sync.Once
	hash string
}

func passwordHash(t *testing.T) string {
	t.Helper()
	hashOnce.Do(func() {
		h, err := identity.HashPassword(testPassword)
		if err != nil {
			t.Fatalf("hash password: %v", err)
		}
		hashOnce.hash = h
	})
	return hashOnce.hash
}

type testEnv struct {
	api   *API
	store *userStore
	trail *memAudit
}

func newTestEnv(t *testing.T, authRule, apiRule ratelimit.Rule) *testEnv {
	t.Helper()

	store := newUserStore()
	store.add(identity.UserRecord{
		ID:           "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Email:        testEmail,
		PasswordHash: passwordHash(t),
		Role:         "user",
		Status:       identity.StatusActive,
	})
	store.add(identity.UserRecord{
		ID:           "01BX5ZZKBKACTAV9WEVGEMMVRZ",
		Email:        "ops@planfold.test",
		PasswordHash: passwordHash(t),
		Role:         "admin",
		Status:       identity.StatusActive,
	})

	svc, err := identity.NewService(store, "httpapi-test-secret")
	if err != nil {
		t.Fatalf("identity service: %v", err)
	}
	cache := identity.NewCache(svc, time.Minute)
	t.Cleanup(cache.Close)

	authStore := ratelimit.NewMemoryStore()
	t.Cleanup(authStore.Close)
	apiStore := ratelimit.NewMemoryStore()
	t.Cleanup(apiStore.Close)

	trail := &memAudit{}

	api := New(Options{
		Codec:       session.NewCodec(session.CodecConfig{}),
		Identity:    cache,
		Cache:       cache,
		CSRF:        csrf.NewVerifier(session.DefaultCSRFCookie, []string{testOrigin}),
		Recorder:    audit.NewRecorder(trail, nil),
		AuthLimiter: ratelimit.New(authStore, ratelimit.Options{Rule: authRule}),
		APILimiter:  ratelimit.New(apiStore, ratelimit.Options{Rule: apiRule}),
		Version:     "test",
		Origins:     []string{testOrigin},
	})
	return &testEnv{api: api, store: store, trail: trail}
}

var (
	defaultAuthRule = ratelimit.Rule{Limit: 100, Window: time.Minute}
	defaultAPIRule  = ratelimit.Rule{Limit: 1000, Window: time.Minute}
)

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) login(t *testing.T, email, password string) (*httptest.ResponseRecorder, []*http.Cookie) {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Email: email, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/v1/session", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:40000"
	rr := e.do(req)
	return rr, rr.Result().Cookies()
}

func attach(req *http.Request, cookies []*http.Cookie) {
	for _, c := range cookies {
		if c.MaxAge >= 0 && c.Value != "" {
			req.AddCookie(c)
		}
	}
}

func cookieValue(cookies []*http.Cookie, name string) string {
	for _, c := range cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func decodeErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v (body %q)", err, rr.Body.String())
	}
	if env.Timestamp == "" {
		t.Fatal("error envelope missing timestamp")
	}
	return env.Error.Code
}

func TestLoginSetsCookiesAndOmitsTokens(t *testing.T) {
	env := newTestEnv(t, defaultAuthRule, defaultAPIRule)

	rr, cookies := env.login(t, testEmail, testPassword)
	if rr.Code != http.StatusOK {
		t.Fatalf("login = %d, body %s", rr.Code, rr.Body.String())
	}

	access := cookieValue(cookies, session.DefaultAccessCookie)
	refresh := cookieValue(cookies, session.DefaultRefreshCookie)
	csrfTok := cookieValue(cookies, session.DefaultCSRFCookie)
	if access == "" || refresh == "" || csrfTok == "" {
		t.Fatalf("expected all three session cookies, got %v", cookies)
	}

	var resp sessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login body: %v", err)
	}
	if resp.User.Email != testEmail || resp.User.Role != "user" {
		t.Fatalf("unexpected principal summary: %+v", resp.User)
	}
	if resp.ExpiresAt.IsZero() {
		t.Fatal("expires_at missing")
	}
	if strings.Contains(rr.Body.String(), access) || strings.Contains(rr.Body.String(), refresh) {
		t.Fatal("tokens must never appear in the response body")
	}

	if got := env.trail.byAction("session.login"); len(got) != 1 {
		t.Fatalf("expected one login audit entry, got %d", len(got))
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t, defaultAuthRule, defaultAPIRule)

	rr, cookies := env.login(t, testEmail, "wrong")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != CodeUnauthenticated {
		t.Fatalf("expected %s, got %s", CodeUnauthenticated, code)
	}
	if len(cookies) != 0 {
		t.Fatalf("no cookies on failed login, got %v", cookies)
	}
}

func TestWhoami(t *testing.T) {
	env := newTestEnv(t, defaultAuthRule, defaultAPIRule)
	_, cookies := env.login(t, testEmail, testPassword)

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	attach(req, cookies)
	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("whoami = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		User userView `json:"user"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode whoami: %v", err)
	}
	if resp.User.Email != testEmail {
		t.Fatalf("whoami email = %q", resp.User.Email)
	}
}

func TestWhoamiWithoutSession(t *testing.T) {
	env := newTestEnv(t, defaultAuthRule, defaultAPIRule)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/v1/session", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != CodeUnauthenticated {
		t.Fatalf("expected %s, got %s", CodeUnauthenticated, code)
	}
}

func TestLogoutRequiresDoubleSubmit(t *testing.T) {
	env := newTestEnv(t, defaultAuthRule, defaultAPIRule)
	_, cookies := env.login(t, testEmail, testPassword)

	// Header missing: rejected before any token verification.
	req := httptest.NewRequest(http.MethodDelete, "/v1/session", nil)
	req.Header.Set("Origin", testOrigin)
	attach(req, cookies)
	rr := env.do(req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != CodeCSRFRejected {
		t.Fatalf("expected %s, got %s", CodeCSRFRejected, code)
	}

	// Header mirrored from the cookie: accepted, cookies cleared.
	req = httptest.NewRequest(http.MethodDelete, "/v1/session", nil)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set(csrf.HeaderName, cookieValue(cookies, session.DefaultCSRFCookie))
	attach(req, cookies)
	rr = env.do(req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("logout = %d, body %s", rr.Code, rr.Body.String())
	}
	for _, c := range rr.Result().Cookies() {
		if c.MaxAge >= 0 {
			t.Fatalf("cookie %s not cleared (MaxAge %d)", c.Name, c.MaxAge)
		}
	}

	// The revoked refresh token is dead.
	req = httptest.NewRequest(http.MethodPost, "/v1/session/refresh", nil)
	attach(req, cookies)
	rr = env.do(req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout = %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != CodeRefreshFailed {
		t.Fatalf("expected %s, got %s", CodeRefreshFailed, code)
	}
}

func TestForeignOriginRejected(t *testing.T) {
	env := newTestEnv(t, defaultAuthRule, defaultAPIRule)
	_, cookies := env.login(t, testEmail, testPassword)

	req := httptest.NewRequest(http.MethodDelete, "/v1/session", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set(csrf.HeaderName, cookieValue(cookies, session.DefaultCSRFCookie))
	attach(req, cookies)
	rr := env.do(req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != CodeCSRFRejected {
		t.Fatalf("expected %s, got %s", CodeCSRFRejected, code)
	}
}

func TestRefreshRotationIsSingleUse(t *testing.T) {
	env := newTestEnv(t, defaultAuthRule, defaultAPIRule)
	_, cookies := env.login(t, testEmail, testPassword)
	oldRefresh := cookieValue(cookies, session.DefaultRefreshCookie)

	req := httptest.NewRequest(http.MethodPost, "/v1/session/refresh", nil)
	attach(req, cookies)
	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh = %d, body %s", rr.Code, rr.Body.String())
	}
	rotated := rr.Result().Cookies()
	newRefresh := cookieValue(rotated, session.DefaultRefreshCookie)
	if newRefresh == "" || newRefresh == oldRefresh {
		t.Fatal("refresh must rotate the refresh cookie")
	}
	if cookieValue(rotated, session.DefaultAccessCookie) == "" ||
		cookieValue(rotated, session.DefaultCSRFCookie) == "" {
		t.Fatal("refresh must reissue the full cookie triple")
	}

	// Replaying the consumed token ends the session.
	req = httptest.NewRequest(http.MethodPost, "/v1/session/refresh", nil)
	attach(req, cookies)
	rr = env.do(req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("replay = %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != CodeRefreshFailed {
		t.Fatalf("expected %s, got %s", CodeRefreshFailed, code)
	}
	for _, c := range rr.Result().Cookies() {
		if c.MaxAge >= 0 {
			t.Fatalf("cookie %s not cleared after terminal refresh failure", c.Name)
		}
	}

	// The rotated token still works.
	req = httptest.NewRequest(http.MethodPost, "/v1/session/refresh", nil)
	attach(req, rotated)
	rr = env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("rotated refresh = %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestLoginRateLimitExactAccounting(t *testing.T) {
	env := newTestEnv(t,
		ratelimit.Rule{Limit: 5, Window: 15 * time.Minute},
		ratelimit.Rule{Limit: 1000, Window: time.Minute},
	)

	var last *httptest.ResponseRecorder
	for i := 0; i < 5; i++ {
		last, _ = env.login(t, testEmail, "wrong")
		if last.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d = %d, want 401", i+1, last.Code)
		}
	}
	last, _ = env.login(t, testEmail, "wrong")
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("6th attempt = %d, want 429", last.Code)
	}
	if code := decodeErrorCode(t, last); code != CodeRateLimited {
		t.Fatalf("expected %s, got %s", CodeRateLimited, code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
	if last.Header().Get("X-RateLimit-Limit") != "5" {
		t.Fatalf("X-RateLimit-Limit = %q", last.Header().Get("X-RateLimit-Limit"))
	}
	if last.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("X-RateLimit-Remaining = %q", last.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestSuccessfulLoginForgivesBudget(t *testing.T) {
	env := newTestEnv(t,
		ratelimit.Rule{Limit: 3, Window: 15 * time.Minute},
		ratelimit.Rule{Limit: 1000, Window: time.Minute},
	)

	for i := 0; i < 5; i++ {
		rr, _ := env.login(t, testEmail, testPassword)
		if rr.Code != http.StatusOK {
			t.Fatalf("login %d = %d; successful logins must not consume the budget", i+1, rr.Code)
		}
	}
}

func TestSuccessfulRefreshForgivesBudget(t *testing.T) {
	env := newTestEnv(t,
		ratelimit.Rule{Limit: 2, Window: 15 * time.Minute},
		ratelimit.Rule{Limit: 1000, Window: time.Minute},
	)
	_, cookies := env.login(t, testEmail, testPassword)

	// Each rotation re-arms the cookie triple for the next round. With a
	// budget of 2 only forgiveness keeps the later rotations alive.
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/session/refresh", nil)
		attach(req, cookies)
		rr := env.do(req)
		if rr.Code != http.StatusOK {
			t.Fatalf("refresh %d = %d; successful rotations must not consume the budget", i+1, rr.Code)
		}
		cookies = rr.Result().Cookies()
	}
}

func TestRateLimitRunsBeforeCSRF(t *testing.T) {
	env := newTestEnv(t,
		ratelimit.Rule{Limit: 100, Window: time.Minute},
		ratelimit.Rule{Limit: 1, Window: time.Minute},
	)

	// First request consumes the whole API budget.
	rr := env.do(httptest.NewRequest(http.MethodGet, "/v1/session", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("first = %d", rr.Code)
	}

	// Second is shed by the limiter before the CSRF check can object.
	req := httptest.NewRequest(http.MethodDelete, "/v1/session", nil)
	rr = env.do(req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 before CSRF, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != CodeRateLimited {
		t.Fatalf("expected %s, got %s", CodeRateLimited, code)
	}
}

func TestAdminVerify(t *testing.T) {
	env := newTestEnv(t, defaultAuthRule, defaultAPIRule)

	// Ordinary user is refused and the refusal is not audited as access.
	_, userCookies := env.login(t, testEmail, testPassword)
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/verify", nil)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set(csrf.HeaderName, cookieValue(userCookies, session.DefaultCSRFCookie))
	attach(req, userCookies)
	rr := env.do(req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("user verify = %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != CodeForbidden {
		t.Fatalf("expected %s, got %s", CodeForbidden, code)
	}
	if got := env.trail.byAction("admin.access"); len(got) != 0 {
		t.Fatalf("refused request must not produce admin.access entries, got %d", len(got))
	}

	// Admin passes and the access is audited before the handler ran.
	_, adminCookies := env.login(t, "ops@planfold.test", testPassword)
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/verify", nil)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set(csrf.HeaderName, cookieValue(adminCookies, session.DefaultCSRFCookie))
	attach(req, adminCookies)
	rr = env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin verify = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Verified bool     `json:"verified"`
		User     userView `json:"user"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode verify: %v", err)
	}
	if !resp.Verified || resp.User.Role != "admin" {
		t.Fatalf("unexpected verify response: %+v", resp)
	}
	entries := env.trail.byAction("admin.access")
	if len(entries) != 1 {
		t.Fatalf("expected one admin.access entry, got %d", len(entries))
	}
	if entries[0].ActorID == "" || entries[0].RequestID == "" {
		t.Fatalf("audit entry missing actor or request id: %+v", entries[0])
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	env := newTestEnv(t, defaultAuthRule, defaultAPIRule)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/v1/session", nil))
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing X-Content-Type-Options")
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("missing Cache-Control")
	}
	if rr.Header().Get(requestIDHeader) == "" {
		t.Fatal("missing request id header")
	}
}

func TestWorkspacesWithoutDataPool(t *testing.T) {
	env := newTestEnv(t, defaultAuthRule, defaultAPIRule)
	_, cookies := env.login(t, testEmail, testPassword)

	req := httptest.NewRequest(http.MethodGet, "/v1/workspaces", nil)
	attach(req, cookies)
	rr := env.do(req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no data pool, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != CodeUpstreamUnavailable {
		t.Fatalf("expected %s, got %s", CodeUpstreamUnavailable, code)
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, defaultAuthRule, defaultAPIRule)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rr.Code)
	}
	rr = env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rr.Code)
	}
}
