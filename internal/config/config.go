package config

import (
	"fmt"
	"strings"
	"time"
)

// Environment profiles. Rate-limit strictness follows the profile and is
// never inferred from request content.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// App identifies the running service.
type App struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

// Server holds http.Server tuning.
type Server struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// DB holds the Postgres connection settings shared by the identity store
// and the per-request authorized client pool.
type DB struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// Redis is optional; when Addr is set the rate limiter switches from the
// in-process bucket map to the shared store.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Auth holds token and cookie lifetimes.
type Auth struct {
	Secret            string        `mapstructure:"secret"`
	Issuer            string        `mapstructure:"issuer"`
	AccessTTL         time.Duration `mapstructure:"access_ttl"`
	RefreshTTL        time.Duration `mapstructure:"refresh_ttl"`
	PrincipalCacheTTL time.Duration `mapstructure:"principal_cache_ttl"`
	CookieSecure      bool          `mapstructure:"cookie_secure"`
	AccessCookie      string        `mapstructure:"access_cookie"`
	RefreshCookie     string        `mapstructure:"refresh_cookie"`
	CSRFCookie        string        `mapstructure:"csrf_cookie"`
	RefreshPath       string        `mapstructure:"refresh_path"`
}

// RateLimit selects the limiter profile. Bypass is a development-only
// escape hatch; it is ignored under the production profile.
type RateLimit struct {
	Bypass bool `mapstructure:"bypass"`
}

// Log mirrors obs.LogConfig.
type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Config is the root configuration object.
type Config struct {
	App       App       `mapstructure:"app"`
	Server    Server    `mapstructure:"server"`
	DB        DB        `mapstructure:"db"`
	Redis     Redis     `mapstructure:"redis"`
	Auth      Auth      `mapstructure:"auth"`
	RateLimit RateLimit `mapstructure:"ratelimit"`
	Log       Log       `mapstructure:"log"`
}

// IsProduction reports whether the strict profile is selected.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.App.Env, EnvProduction)
}

// Validate rejects configurations that cannot possibly serve traffic.
func (c *Config) Validate() error {
	if c.DB.DSN == "" {
		return fmt.Errorf("config: db.dsn is required")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("config: auth.secret is required")
	}
	switch strings.ToLower(c.App.Env) {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("config: app.env must be %s or %s, got %q", EnvDevelopment, EnvProduction, c.App.Env)
	}
	if c.IsProduction() && !c.Auth.CookieSecure {
		return fmt.Errorf("config: auth.cookie_secure must be true under the production profile")
	}
	return nil
}
