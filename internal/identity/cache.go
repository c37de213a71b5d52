package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"planfold.app/internal/obs"
)

const (
	defaultCacheTTL = 2 * time.Minute

	// Outbound lookups that miss the cache are throttled so a request storm
	// cannot hammer the backing store.
	defaultLookupRate  = 50
	defaultLookupBurst = 100
)

type cacheEntry struct {
	principal Principal
	fetchedAt time.Time
}

// Cache wraps a Provider with a short-TTL in-process principal cache.
// Concurrent misses for the same principal are collapsed into a single
// provider call. Role changes in the backing store become visible within
// one TTL window without re-authentication.
type Cache struct {
	provider Provider
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry

	group    singleflight.Group
	throttle *rate.Limiter

	done chan struct{}
	once sync.Once
}

var _ Provider = (*Cache)(nil)

// NewCache wraps provider. A non-positive ttl selects the 2 minute default.
func NewCache(provider Provider, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c := &Cache{
		provider: provider,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]cacheEntry),
		throttle: rate.NewLimiter(rate.Limit(defaultLookupRate), defaultLookupBurst),
		done:     make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Close stops the background sweep.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}

// LookupPrincipal serves from cache when fresh, otherwise fetches through
// the provider exactly once per key regardless of caller concurrency.
func (c *Cache) LookupPrincipal(ctx context.Context, principalID string) (Principal, error) {
	now := c.now()

	c.mu.Lock()
	entry, ok := c.entries[principalID]
	if ok && now.Sub(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		obs.PrincipalCacheHits.Inc()
		return entry.principal, nil
	}
	if ok {
		// Lazy eviction of the stale entry.
		delete(c.entries, principalID)
	}
	c.mu.Unlock()

	obs.PrincipalCacheMisses.Inc()
	v, err, _ := c.group.Do(principalID, func() (any, error) {
		if err := c.throttle.Wait(ctx); err != nil {
			return Principal{}, fmt.Errorf("%w: lookup throttled: %v", ErrUpstreamUnavailable, err)
		}
		principal, err := c.provider.LookupPrincipal(ctx, principalID)
		if err != nil {
			return Principal{}, err
		}
		c.store(principal)
		return principal, nil
	})
	if err != nil {
		return Principal{}, err
	}
	return v.(Principal), nil
}

// IssueSession delegates and primes the cache with the fresh principal.
func (c *Cache) IssueSession(ctx context.Context, email, password string) (TokenPair, Principal, error) {
	pair, principal, err := c.provider.IssueSession(ctx, email, password)
	if err == nil {
		c.store(principal)
	}
	return pair, principal, err
}

// Refresh delegates and re-primes the cache; rotation re-derives the role.
func (c *Cache) Refresh(ctx context.Context, refreshToken string) (TokenPair, Principal, error) {
	pair, principal, err := c.provider.Refresh(ctx, refreshToken)
	if err == nil {
		c.store(principal)
	}
	return pair, principal, err
}

// Revoke delegates and drops every cache entry tied to the session's user
// conservatively (token does not identify the user without a store hit, so
// the whole cache ages out naturally; targeted invalidation happens via
// Invalidate from the logout handler).
func (c *Cache) Revoke(ctx context.Context, refreshToken string) error {
	return c.provider.Revoke(ctx, refreshToken)
}

// VerifyAccessToken delegates; token verification is pure and not cached.
func (c *Cache) VerifyAccessToken(ctx context.Context, token string) (string, error) {
	return c.provider.VerifyAccessToken(ctx, token)
}

// Invalidate drops a principal from the cache immediately.
func (c *Cache) Invalidate(principalID string) {
	c.mu.Lock()
	delete(c.entries, principalID)
	c.mu.Unlock()
}

func (c *Cache) store(principal Principal) {
	if !principal.Valid() {
		return
	}
	c.mu.Lock()
	c.entries[principal.ID] = cacheEntry{principal: principal, fetchedAt: c.now()}
	c.mu.Unlock()
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := c.now()
			c.mu.Lock()
			for id, entry := range c.entries {
				if now.Sub(entry.fetchedAt) >= c.ttl {
					delete(c.entries, id)
				}
			}
			c.mu.Unlock()
		}
	}
}
