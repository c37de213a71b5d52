package identity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stubProvider counts LookupPrincipal calls and serves a mutable role.
type stubProvider struct {
	mu      sync.Mutex
	role    Role
	lookups atomic.Int64
	delay   time.Duration
}

func (s *stubProvider) setRole(role Role) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
}

func (s *stubProvider) LookupPrincipal(_ context.Context, id string) (Principal, error) {
	s.lookups.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	role := s.role
	s.mu.Unlock()
	return Principal{ID: id, Email: id + "@example.com", Role: role, Capabilities: role.Capabilities()}, nil
}

func (s *stubProvider) IssueSession(context.Context, string, string) (TokenPair, Principal, error) {
	return TokenPair{}, Principal{}, ErrUnauthenticated
}
func (s *stubProvider) VerifyAccessToken(context.Context, string) (string, error) {
	return "", ErrUnauthenticated
}
func (s *stubProvider) Refresh(context.Context, string) (TokenPair, Principal, error) {
	return TokenPair{}, Principal{}, ErrRefreshFailed
}
func (s *stubProvider) Revoke(context.Context, string) error { return nil }

func TestCacheServesWithinTTL(t *testing.T) {
	provider := &stubProvider{role: RoleUser}
	cache := NewCache(provider, 2*time.Minute)
	defer cache.Close()

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return current }
	ctx := context.Background()

	if _, err := cache.LookupPrincipal(ctx, "u_1"); err != nil {
		t.Fatalf("LookupPrincipal: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := cache.LookupPrincipal(ctx, "u_1"); err != nil {
			t.Fatalf("cached lookup: %v", err)
		}
	}
	if got := provider.lookups.Load(); got != 1 {
		t.Fatalf("provider lookups = %d, want 1", got)
	}
}

func TestCacheRoleChangeVisibleAfterTTL(t *testing.T) {
	provider := &stubProvider{role: RoleUser}
	cache := NewCache(provider, 2*time.Minute)
	defer cache.Close()

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return current }
	ctx := context.Background()

	p, _ := cache.LookupPrincipal(ctx, "u_1")
	if p.Role != RoleUser {
		t.Fatalf("role = %v", p.Role)
	}

	// Role changes in the backing store; the stale entry survives only
	// until the TTL elapses.
	provider.setRole(RoleAdmin)
	p, _ = cache.LookupPrincipal(ctx, "u_1")
	if p.Role != RoleUser {
		t.Fatal("entry should still be cached within TTL")
	}

	current = current.Add(2*time.Minute + time.Second)
	p, _ = cache.LookupPrincipal(ctx, "u_1")
	if p.Role != RoleAdmin {
		t.Fatal("role change must be visible after one TTL window")
	}
}

func TestCacheInvalidate(t *testing.T) {
	provider := &stubProvider{role: RoleUser}
	cache := NewCache(provider, 2*time.Minute)
	defer cache.Close()
	ctx := context.Background()

	cache.LookupPrincipal(ctx, "u_1")
	cache.Invalidate("u_1")
	cache.LookupPrincipal(ctx, "u_1")

	if got := provider.lookups.Load(); got != 2 {
		t.Fatalf("provider lookups = %d, want 2", got)
	}
}

func TestCacheCollapsesConcurrentMisses(t *testing.T) {
	provider := &stubProvider{role: RoleUser, delay: 20 * time.Millisecond}
	cache := NewCache(provider, 2*time.Minute)
	defer cache.Close()
	ctx := context.Background()

	const callers = 25
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.LookupPrincipal(ctx, "u_1"); err != nil {
				t.Errorf("LookupPrincipal: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := provider.lookups.Load(); got != 1 {
		t.Fatalf("provider lookups = %d, want 1 (single-flight)", got)
	}
}
