package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"

	"planfold.app/internal/audit"
	"planfold.app/internal/authdb"
	"planfold.app/internal/csrf"
	"planfold.app/internal/identity"
	"planfold.app/internal/obs"
	"planfold.app/internal/ratelimit"
	"planfold.app/internal/session"
)

var timeNow = time.Now

// ReadyProbe reports whether the service can take traffic.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options carries everything the HTTP layer depends on.
type Options struct {
	Logger   *zap.Logger
	Codec    *session.Codec
	Identity identity.Provider
	Cache    *identity.Cache
	CSRF     *csrf.Verifier
	Recorder *audit.Recorder
	Data     *authdb.Factory

	AuthLimiter *ratelimit.Limiter
	APILimiter  *ratelimit.Limiter

	ReadyProbe   ReadyProbe
	Version      string
	Origins      []string
	MaxBodyBytes int64
}

// API is the HTTP layer of the session gateway.
type API struct {
	mux *http.ServeMux
	opt Options
}

// New builds the router. Three chains cover every route:
//
//	public:        request-id, logging, security headers, CORS, body cap, API rate limit
//	authenticated: public + CSRF + cookie authentication
//	admin:         authenticated + role gate with audit
//
// The guard order is fixed: rate limiting runs before CSRF so floods are shed
// cheaply, CSRF runs before authentication so forged requests never reach
// token verification, and the role gate runs last against the fresh
// principal.
func New(opt Options) *API {
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.MaxBodyBytes <= 0 {
		opt.MaxBodyBytes = 1 << 20
	}
	a := &API{mux: http.NewServeMux(), opt: opt}

	base := []Middleware{
		RequestID,
		Logging(opt.Logger),
		func(next http.Handler) http.Handler { return SecurityHeaders(next) },
		CORS(opt.Origins),
		MaxBodyBytes(opt.MaxBodyBytes),
	}
	public := append(append([]Middleware{}, base...), RateLimit(opt.APILimiter, "api"))
	authenticated := append(append([]Middleware{}, public...),
		CSRF(opt.CSRF),
		Authenticate(opt.Codec, opt.Identity),
	)
	admin := append(append([]Middleware{}, authenticated...),
		RequireRole(identity.RoleAdmin, opt.Recorder),
	)

	// Credential endpoints get the stricter per-IP budget instead of the
	// general API one. Login and refresh cannot require an authenticated
	// session; refresh relies on the cookie's path and SameSite=Strict
	// scoping instead of the double-submit token.
	credential := append(append([]Middleware{}, base...), RateLimit(opt.AuthLimiter, "auth"))

	a.mux.Handle("POST /v1/session", Chain(http.HandlerFunc(a.handleLogin), credential...))
	a.mux.Handle("POST /v1/session/refresh", Chain(http.HandlerFunc(a.handleRefresh), credential...))
	a.mux.Handle("GET /v1/session", Chain(http.HandlerFunc(a.handleWhoami), authenticated...))
	a.mux.Handle("DELETE /v1/session", Chain(http.HandlerFunc(a.handleLogout), authenticated...))
	a.mux.Handle("GET /v1/workspaces", Chain(http.HandlerFunc(a.handleWorkspaces), authenticated...))
	a.mux.Handle("POST /v1/admin/verify", Chain(http.HandlerFunc(a.handleAdminVerify), admin...))

	a.mux.HandleFunc("/healthz", a.handleHealthz)
	a.mux.HandleFunc("/readyz", a.handleReadyz)
	a.mux.Handle("/metrics", obs.Handler())
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the instrumented root handler.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.mux)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "planfold-api",
		"version": a.opt.Version,
	})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := a.opt.ReadyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
