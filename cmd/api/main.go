package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"planfold.app/internal/audit"
	"planfold.app/internal/authdb"
	"planfold.app/internal/config"
	"planfold.app/internal/csrf"
	"planfold.app/internal/httpapi"
	"planfold.app/internal/identity"
	"planfold.app/internal/obs"
	"planfold.app/internal/ratelimit"
	"planfold.app/internal/session"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := obs.NewLogger(obs.LogConfig{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		App:    cfg.App.Name,
		Env:    cfg.App.Env,
		Ver:    version,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(int(cfg.DB.MaxConns))
	db.SetMaxIdleConns(int(cfg.DB.MaxConns))
	db.SetConnMaxLifetime(cfg.DB.MaxConnLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	dataPool, err := authdb.NewFactory(ctx, authdb.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
		MaxConnIdleTime: cfg.DB.MaxConnIdleTime,
	}, log)
	if err != nil {
		return fmt.Errorf("init data pool: %w", err)
	}
	defer dataPool.Close()

	svc, err := identity.NewService(identity.NewPGStore(db), cfg.Auth.Secret,
		identity.WithIssuer(cfg.Auth.Issuer),
		identity.WithAccessTTL(cfg.Auth.AccessTTL),
		identity.WithRefreshTTL(cfg.Auth.RefreshTTL),
	)
	if err != nil {
		return fmt.Errorf("init identity service: %w", err)
	}
	cache := identity.NewCache(svc, cfg.Auth.PrincipalCacheTTL)
	defer cache.Close()

	// Rate accounting lives in Redis when configured, so every replica
	// counts against the same budgets. Otherwise each process keeps its own.
	var authStore, apiStore ratelimit.RateStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		shared := ratelimit.NewRedisStore(rdb)
		authStore, apiStore = shared, shared
		log.Info("rate limiting via redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		authMem := ratelimit.NewMemoryStore()
		defer authMem.Close()
		apiMem := ratelimit.NewMemoryStore()
		defer apiMem.Close()
		authStore, apiStore = authMem, apiMem
	}

	profile := ratelimit.DevelopmentProfile()
	if cfg.IsProduction() {
		profile = ratelimit.ProductionProfile()
	}
	authLimiter := ratelimit.New(authStore, ratelimit.Options{
		Rule:       profile.Auth,
		Bypass:     cfg.RateLimit.Bypass,
		Production: cfg.IsProduction(),
		Logger:     log,
	})
	apiLimiter := ratelimit.New(apiStore, ratelimit.Options{
		Rule:       profile.API,
		Bypass:     cfg.RateLimit.Bypass,
		Production: cfg.IsProduction(),
		Logger:     log,
	})

	codec := session.NewCodec(session.CodecConfig{
		AccessName:  cfg.Auth.AccessCookie,
		RefreshName: cfg.Auth.RefreshCookie,
		CSRFName:    cfg.Auth.CSRFCookie,
		RefreshPath: cfg.Auth.RefreshPath,
		Secure:      cfg.Auth.CookieSecure,
		AccessTTL:   cfg.Auth.AccessTTL,
		RefreshTTL:  cfg.Auth.RefreshTTL,
	})

	api := httpapi.New(httpapi.Options{
		Logger:       log,
		Codec:        codec,
		Identity:     cache,
		Cache:        cache,
		CSRF:         csrf.NewVerifier(codec.CSRFName(), cfg.Server.AllowedOrigins),
		Recorder:     audit.NewRecorder(audit.NewPGStore(db), log),
		Data:         dataPool,
		AuthLimiter:  authLimiter,
		APILimiter:   apiLimiter,
		ReadyProbe:   httpapi.ReadyProbe{DB: db},
		Version:      version,
		Origins:      cfg.Server.AllowedOrigins,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("session gateway listening",
			zap.String("addr", srv.Addr),
			zap.String("env", cfg.App.Env),
			zap.String("version", version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("stopped")
	return nil
}
