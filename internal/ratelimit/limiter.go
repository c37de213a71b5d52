// Package ratelimit implements sliding-window-by-bucket request accounting
// keyed by caller identity. The bucket store is an injected interface so the
// in-process map can be swapped for a shared store when the gateway is
// scaled horizontally.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RateStore counts requests per key within a window. Implementations must be
// safe under concurrent access from parallel request handlers.
type RateStore interface {
	// Increment bumps the counter for key in the current window and returns
	// the new count together with the window start.
	Increment(ctx context.Context, key string, window time.Duration) (count int, windowStart time.Time, err error)

	// Forgive undoes one increment for key, used to exclude successful
	// authentications from the failed-attempt counter.
	Forgive(ctx context.Context, key string, window time.Duration) error
}

// Rule is one limit/window pair.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Profile groups the rules for one environment. Selection is explicit
// configuration, never inferred from request content.
type Profile struct {
	// Auth throttles credential-exchange and refresh attempts per client IP.
	Auth Rule
	// API throttles everything else per principal (or IP when anonymous).
	API Rule
}

// DevelopmentProfile is deliberately wide so local iteration never trips it.
func DevelopmentProfile() Profile {
	return Profile{
		Auth: Rule{Limit: 100, Window: 15 * time.Minute},
		API:  Rule{Limit: 1000, Window: time.Minute},
	}
}

// ProductionProfile is the strict default for deployed environments.
func ProductionProfile() Profile {
	return Profile{
		Auth: Rule{Limit: 5, Window: 15 * time.Minute},
		API:  Rule{Limit: 300, Window: time.Minute},
	}
}

// Decision is the outcome of one Check call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns the whole seconds until the window resets, at least 1.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Options configures a Limiter.
type Options struct {
	Rule Rule

	// Bypass disables accounting entirely. It is honored only when
	// Production is false; under the strict profile it is a hard no-op no
	// matter what configuration says.
	Bypass     bool
	Production bool

	Logger *zap.Logger
	Now    func() time.Time
}

// Limiter applies one Rule against a RateStore.
type Limiter struct {
	store  RateStore
	rule   Rule
	bypass bool
	log    *zap.Logger
	now    func() time.Time
}

func New(store RateStore, opts Options) *Limiter {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	bypass := opts.Bypass && !opts.Production
	if opts.Bypass && opts.Production {
		log.Warn("rate-limit bypass requested under the production profile; ignoring")
	}
	if bypass {
		log.Warn("rate limiting is BYPASSED; this must never be enabled outside development")
	}
	return &Limiter{store: store, rule: opts.Rule, bypass: bypass, log: log, now: now}
}

// Check accounts one request for key and reports whether it may proceed.
// Store errors fail open: an unreachable shared store must not take the
// whole API down with it.
func (l *Limiter) Check(ctx context.Context, key string) Decision {
	if l.bypass {
		return Decision{Allowed: true, Limit: l.rule.Limit, Remaining: l.rule.Limit, ResetAt: l.now().Add(l.rule.Window)}
	}
	count, windowStart, err := l.store.Increment(ctx, key, l.rule.Window)
	if err != nil {
		l.log.Warn("rate store unavailable, allowing request", zap.Error(err))
		return Decision{Allowed: true, Limit: l.rule.Limit, Remaining: 0, ResetAt: l.now().Add(l.rule.Window)}
	}
	remaining := l.rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.rule.Limit,
		Limit:     l.rule.Limit,
		Remaining: remaining,
		ResetAt:   windowStart.Add(l.rule.Window),
	}
}

// Forgive removes one counted attempt for key. Callers invoke it after a
// successful authentication so only failures accumulate.
func (l *Limiter) Forgive(ctx context.Context, key string) {
	if l.bypass {
		return
	}
	if err := l.store.Forgive(ctx, key, l.rule.Window); err != nil {
		l.log.Warn("rate store forgive failed", zap.Error(err))
	}
}
