package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional yaml file, applies defaults and
// lets environment variables (PLANFOLD_SECTION_KEY) override everything.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		_ = v.ReadInConfig()
	}

	v.SetDefault("app.name", "planfold-session")
	v.SetDefault("app.env", EnvDevelopment)
	v.SetDefault("app.version", "dev")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.graceful_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:3000"})
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 20)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.max_conn_idle_time", "10m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Secrets have no default; the empty entry keeps the key visible to
	// environment overrides.
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "planfold")
	v.SetDefault("auth.access_ttl", "1h")
	v.SetDefault("auth.refresh_ttl", "168h")
	v.SetDefault("auth.principal_cache_ttl", "2m")
	v.SetDefault("auth.cookie_secure", false)
	v.SetDefault("auth.access_cookie", "pf_access")
	v.SetDefault("auth.refresh_cookie", "pf_refresh")
	v.SetDefault("auth.csrf_cookie", "pf_csrf")
	v.SetDefault("auth.refresh_path", "/v1/session")

	v.SetDefault("ratelimit.bypass", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetEnvPrefix("PLANFOLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
