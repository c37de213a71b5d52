package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu     sync.Mutex
	users  map[string]*UserRecord
	tokens map[string]*RefreshRecord
}

func newMemStore() *memStore {
	return &memStore{
		users:  make(map[string]*UserRecord),
		tokens: make(map[string]*RefreshRecord),
	}
}

func (m *memStore) addUser(u UserRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = &u
}

func (m *memStore) FindUser(_ context.Context, id string) (*UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *memStore) FindUserByEmail(_ context.Context, email string) (*UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) CreateRefreshToken(_ context.Context, rec *RefreshRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *rec
	m.tokens[rec.ID] = &copied
	return nil
}

func (m *memStore) FindRefreshToken(_ context.Context, id string) (*RefreshRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (m *memStore) RevokeRefreshToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	rec.Revoked = true
	return nil
}

func (m *memStore) PurgeExpiredRefreshTokens(_ context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.tokens {
		if rec.ExpiresAt.Before(before) {
			delete(m.tokens, id)
		}
	}
	return nil
}

const testSecret = "test-signing-secret"

func newTestService(t *testing.T, store Store, opts ...ServiceOption) *Service {
	t.Helper()
	svc, err := NewService(store, testSecret, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func seedUser(t *testing.T, store *memStore, role string) UserRecord {
	t.Helper()
	hash, err := HashPassword("hunter2!")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u := UserRecord{
		ID:           "u_1",
		Email:        "ada@example.com",
		PasswordHash: hash,
		Role:         role,
		Status:       StatusActive,
	}
	store.addUser(u)
	return u
}

func TestIssueSessionAndVerify(t *testing.T) {
	store := newMemStore()
	seedUser(t, store, "admin")
	svc := newTestService(t, store)
	ctx := context.Background()

	pair, principal, err := svc.IssueSession(ctx, "Ada@Example.com ", "hunter2!")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if principal.Role != RoleAdmin {
		t.Fatalf("role = %v", principal.Role)
	}
	if !principal.HasCapability(CapMembersManage) {
		t.Fatal("admin should carry members.manage")
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}

	sub, err := svc.VerifyAccessToken(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if sub != "u_1" {
		t.Fatalf("subject = %q", sub)
	}
}

func TestIssueSessionRejectsBadCredentials(t *testing.T) {
	store := newMemStore()
	seedUser(t, store, "user")
	svc := newTestService(t, store)
	ctx := context.Background()

	cases := []struct{ email, password string }{
		{"ada@example.com", "wrong"},
		{"nobody@example.com", "hunter2!"},
		{"", ""},
	}
	for _, tc := range cases {
		if _, _, err := svc.IssueSession(ctx, tc.email, tc.password); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("IssueSession(%q): got %v, want ErrUnauthenticated", tc.email, err)
		}
	}
}

func TestIssueSessionRejectsDisabledUser(t *testing.T) {
	store := newMemStore()
	u := seedUser(t, store, "user")
	u.Status = StatusDisabled
	store.addUser(u)
	svc := newTestService(t, store)

	if _, _, err := svc.IssueSession(context.Background(), u.Email, "hunter2!"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated", err)
	}
}

func TestVerifyAccessTokenExpiry(t *testing.T) {
	store := newMemStore()
	seedUser(t, store, "user")

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, store,
		WithAccessTTL(time.Hour),
		WithClock(func() time.Time { return current }),
	)
	ctx := context.Background()

	pair, _, err := svc.IssueSession(ctx, "ada@example.com", "hunter2!")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	// Valid just before expiry.
	current = current.Add(59 * time.Minute)
	if _, err := svc.VerifyAccessToken(ctx, pair.AccessToken); err != nil {
		t.Fatalf("token should still be valid: %v", err)
	}

	// Expired is unauthenticated, never silently valid.
	current = current.Add(2 * time.Minute)
	if _, err := svc.VerifyAccessToken(ctx, pair.AccessToken); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated", err)
	}
}

func TestVerifyAccessTokenRejectsGarbage(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := svc.VerifyAccessToken(context.Background(), token); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("VerifyAccessToken(%q): got %v", token, err)
		}
	}
}

func TestRefreshRotationSingleUse(t *testing.T) {
	store := newMemStore()
	seedUser(t, store, "user")
	svc := newTestService(t, store)
	ctx := context.Background()

	pair, _, err := svc.IssueSession(ctx, "ada@example.com", "hunter2!")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	rotated, principal, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if principal.ID != "u_1" {
		t.Fatalf("principal = %+v", principal)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation must issue a new refresh token")
	}

	// Replaying the consumed token is terminal.
	if _, _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("replay: got %v, want ErrRefreshFailed", err)
	}

	// The rotated token still works.
	if _, _, err := svc.Refresh(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("rotated token should refresh: %v", err)
	}
}

func TestRefreshRejectsTamperedSecret(t *testing.T) {
	store := newMemStore()
	seedUser(t, store, "user")
	svc := newTestService(t, store)
	ctx := context.Background()

	pair, _, err := svc.IssueSession(ctx, "ada@example.com", "hunter2!")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	id, _, _ := splitRefreshToken(pair.RefreshToken)

	if _, _, err := svc.Refresh(ctx, id+".forged-secret"); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("got %v, want ErrRefreshFailed", err)
	}
	// The tampering burned the real token too.
	if _, _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("got %v, want ErrRefreshFailed after burn", err)
	}
}

func TestRefreshExpiredToken(t *testing.T) {
	store := newMemStore()
	seedUser(t, store, "user")

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, store,
		WithRefreshTTL(24*time.Hour),
		WithClock(func() time.Time { return current }),
	)
	ctx := context.Background()

	pair, _, err := svc.IssueSession(ctx, "ada@example.com", "hunter2!")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	current = current.Add(25 * time.Hour)
	if _, _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("got %v, want ErrRefreshFailed for expired token", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	store := newMemStore()
	seedUser(t, store, "user")
	svc := newTestService(t, store)
	ctx := context.Background()

	pair, _, err := svc.IssueSession(ctx, "ada@example.com", "hunter2!")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if err := svc.Revoke(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := svc.Revoke(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if err := svc.Revoke(ctx, "garbage"); err != nil {
		t.Fatalf("Revoke(garbage): %v", err)
	}

	if _, _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("refresh after revoke: got %v", err)
	}
}

func TestParseRole(t *testing.T) {
	if _, err := ParseRole("owner"); err == nil {
		t.Fatal("unknown role must not parse")
	}
	role, err := ParseRole(" SuperAdmin ")
	if err != nil {
		t.Fatalf("ParseRole: %v", err)
	}
	if !role.Satisfies(RoleAdmin) || !role.Satisfies(RoleUser) {
		t.Fatal("superadmin must satisfy lower roles")
	}
	if RoleUser.Satisfies(RoleAdmin) {
		t.Fatal("user must not satisfy admin")
	}
}
