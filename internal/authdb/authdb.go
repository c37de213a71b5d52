// Package authdb hands request handlers a database client scoped to the
// calling user. Row-level-security policies in Postgres evaluate against
// per-transaction settings, so every per-user query runs with the real
// principal's identity instead of an administrative bypass credential.
package authdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"planfold.app/internal/identity"
)

// Database roles the session gateway may assume. memberRole is subject to
// row-level security; serviceRole bypasses it and is reserved for the few
// inherently cross-user operations.
const (
	memberRole  = "planfold_member"
	serviceRole = "planfold_service"
)

// Config mirrors the pool tuning knobs.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Factory produces per-request clients from a shared pool.
type Factory struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewFactory opens the pool and verifies connectivity.
func NewFactory(ctx context.Context, cfg Config, log *zap.Logger) (*Factory, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("authdb: parse pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pcfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("authdb: create pool: %w", err)
	}
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(hctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("authdb: ping: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Factory{pool: pool, log: log}, nil
}

// NewFactoryFromPool wraps an existing pool (tests, shared wiring).
func NewFactoryFromPool(pool *pgxpool.Pool, log *zap.Logger) *Factory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Factory{pool: pool, log: log}
}

// Close releases the pool.
func (f *Factory) Close() {
	if f.pool != nil {
		f.pool.Close()
	}
}

// Client is a transaction-scoped database handle. Every statement it runs is
// subject to the role and principal settings applied when it was built.
type Client struct {
	tx    pgx.Tx
	admin bool
}

// ForRequest builds a client bound to the verified principal. This fails
// closed: an absent or invalid principal is ErrUnauthenticated, never a
// silent fall back to the service credential.
func (f *Factory) ForRequest(ctx context.Context, principal identity.Principal) (*Client, error) {
	if !principal.Valid() {
		return nil, identity.ErrUnauthenticated
	}
	if f.pool == nil {
		return nil, fmt.Errorf("%w: pool not configured", identity.ErrUpstreamUnavailable)
	}
	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", identity.ErrUpstreamUnavailable, err)
	}
	// SET LOCAL cannot be parameterized; the role name comes from a
	// compile-time constant and the principal values go through set_config.
	if _, err := tx.Exec(ctx, "set local role "+memberRole); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("%w: assume member role: %v", identity.ErrUpstreamUnavailable, err)
	}
	if _, err := tx.Exec(ctx,
		`select set_config('request.principal_id', $1, true),
		        set_config('request.principal_role', $2, true)`,
		principal.ID, string(principal.Role),
	); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("%w: bind principal: %v", identity.ErrUpstreamUnavailable, err)
	}
	return &Client{tx: tx}, nil
}

// Admin builds a client with the service credential. Only inherently
// cross-user operations (schema migration, platform-wide audit export) may
// use it, and each use is logged with its reason.
func (f *Factory) Admin(ctx context.Context, reason string) (*Client, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.New("authdb: admin client requires a reason")
	}
	if f.pool == nil {
		return nil, fmt.Errorf("%w: pool not configured", identity.ErrUpstreamUnavailable)
	}
	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", identity.ErrUpstreamUnavailable, err)
	}
	if _, err := tx.Exec(ctx, "set local role "+serviceRole); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("%w: assume service role: %v", identity.ErrUpstreamUnavailable, err)
	}
	f.log.Warn("administrative database client issued", zap.String("reason", reason))
	return &Client{tx: tx, admin: true}, nil
}

// Admin reports whether the client carries the service credential.
func (c *Client) Admin() bool { return c.admin }

func (c *Client) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.tx.Exec(ctx, sql, args...)
}

func (c *Client) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.tx.Query(ctx, sql, args...)
}

func (c *Client) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.tx.QueryRow(ctx, sql, args...)
}

// Commit finishes the request's transaction.
func (c *Client) Commit(ctx context.Context) error {
	return c.tx.Commit(ctx)
}

// Close rolls back if Commit was never reached. Safe to defer.
func (c *Client) Close(ctx context.Context) {
	_ = c.tx.Rollback(ctx)
}
