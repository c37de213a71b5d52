// Package sessionclient is the Go SDK for talking to a Planfold gateway with
// cookie sessions. It mirrors the CSRF cookie into the request header,
// renews the access token before it expires, and coordinates concurrent
// requests through a single refresh so the one-time refresh token is never
// raced.
package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of the refresh coordinator.
type State int

const (
	StateIdle State = iota
	StateRefreshing
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// ErrLoggedOut is returned once the session is terminally dead. Every request
// in flight during the failed refresh gets this same error, and every request
// after it fails fast until Login succeeds again.
var ErrLoggedOut = errors.New("sessionclient: logged out")

const (
	defaultRefreshPath    = "/v1/session/refresh"
	defaultCSRFCookie     = "pf_csrf"
	defaultRefreshMargin  = 5 * time.Minute
	defaultRefreshTimeout = 10 * time.Second
	csrfHeader            = "X-CSRF-Token"
)

// Options configures a Client. Zero values get sensible defaults.
type Options struct {
	BaseURL string

	// HTTPClient must carry a cookie jar; when nil a client with a fresh
	// jar is built.
	HTTPClient *http.Client

	RefreshPath string
	CSRFCookie  string

	// RefreshMargin renews the session proactively when the access token
	// has less than this long to live.
	RefreshMargin time.Duration

	// RefreshTimeout bounds one refresh round-trip. Exceeding it counts as
	// a failed refresh.
	RefreshTimeout time.Duration

	// OnLoggedOut fires exactly once when the session dies. Typically used
	// to route the UI to the login screen.
	OnLoggedOut func()

	Logger *zap.Logger
}

// User is the principal summary the gateway returns.
type User struct {
	ID           string   `json:"id"`
	Email        string   `json:"email"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities"`
}

type sessionPayload struct {
	User      User      `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Client issues authenticated requests against one gateway.
type Client struct {
	base *url.URL
	http *http.Client
	opt  Options
	log  *zap.Logger

	mu        sync.Mutex
	state     State
	expiresAt time.Time
	rotation  uint64
	waiters   []chan error
	loggedOut sync.Once
}

func New(opt Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opt.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("sessionclient: invalid base url %q", opt.BaseURL)
	}
	hc := opt.HTTPClient
	if hc == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("sessionclient: cookie jar: %w", err)
		}
		hc = &http.Client{Jar: jar, Timeout: 30 * time.Second}
	}
	if hc.Jar == nil {
		return nil, errors.New("sessionclient: http client needs a cookie jar")
	}
	if opt.RefreshPath == "" {
		opt.RefreshPath = defaultRefreshPath
	}
	if opt.CSRFCookie == "" {
		opt.CSRFCookie = defaultCSRFCookie
	}
	if opt.RefreshMargin <= 0 {
		opt.RefreshMargin = defaultRefreshMargin
	}
	if opt.RefreshTimeout <= 0 {
		opt.RefreshTimeout = defaultRefreshTimeout
	}
	log := opt.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{base: base, http: hc, opt: opt, log: log, state: StateIdle}, nil
}

// State returns the coordinator's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Login authenticates and arms the session. It also resets a logged-out
// client back to idle.
func (c *Client) Login(ctx context.Context, email, password string) (User, error) {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+"/v1/session", bytes.NewReader(body))
	if err != nil {
		return User{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return User{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return User{}, responseError(resp)
	}

	var payload sessionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return User{}, fmt.Errorf("sessionclient: decode login response: %w", err)
	}

	c.mu.Lock()
	c.state = StateIdle
	c.expiresAt = payload.ExpiresAt
	c.rotation++
	c.loggedOut = sync.Once{}
	c.mu.Unlock()
	return payload.User, nil
}

// Logout revokes the session server-side and marks the client logged out.
// OnLoggedOut does not fire for a deliberate logout.
func (c *Client) Logout(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base.String()+"/v1/session", nil)
	if err != nil {
		return err
	}
	c.attachCSRF(req)
	resp, err := c.http.Do(req)
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	c.mu.Lock()
	c.state = StateLoggedOut
	c.expiresAt = time.Time{}
	c.loggedOut.Do(func() {})
	c.mu.Unlock()
	return err
}

// Do sends an authenticated request. The request body, if any, is buffered so
// the request can be replayed after a mid-flight refresh.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.State() == StateLoggedOut {
		return nil, ErrLoggedOut
	}

	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("sessionclient: buffer request body: %w", err)
		}
		body = b
	}

	// Renew ahead of expiry so requests do not pay the 401 round trip.
	c.mu.Lock()
	observed := c.rotation
	needsRefresh := !c.expiresAt.IsZero() && time.Until(c.expiresAt) < c.opt.RefreshMargin
	c.mu.Unlock()
	if needsRefresh {
		if err := c.refresh(req.Context(), observed); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	observed = c.rotation
	c.mu.Unlock()

	resp, err := c.send(req, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if err := c.refresh(req.Context(), observed); err != nil {
		return nil, err
	}
	return c.send(req, body)
}

func (c *Client) send(req *http.Request, body []byte) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.ContentLength = int64(len(body))
	}
	c.attachCSRF(clone)
	return c.http.Do(clone)
}

// attachCSRF mirrors the CSRF cookie into the header on state-changing
// methods, completing the double-submit pair.
func (c *Client) attachCSRF(req *http.Request) {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return
	}
	for _, cookie := range c.http.Jar.Cookies(c.base) {
		if cookie.Name == c.opt.CSRFCookie {
			req.Header.Set(csrfHeader, cookie.Value)
			return
		}
	}
}

// refresh coordinates exactly one rotation no matter how many requests hit a
// 401 at once. The first caller becomes the leader; everyone else queues and
// is resumed in arrival order with the leader's result. The observed rotation
// count tells a late arrival that its 401 predates a rotation that has since
// completed, in which case a plain replay is enough.
func (c *Client) refresh(ctx context.Context, observed uint64) error {
	c.mu.Lock()
	if c.rotation != observed {
		c.mu.Unlock()
		return nil
	}
	switch c.state {
	case StateLoggedOut:
		c.mu.Unlock()
		return ErrLoggedOut
	case StateRefreshing:
		ch := make(chan error, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()
		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.state = StateRefreshing
	c.mu.Unlock()

	terminal, err := c.callRefresh()

	c.mu.Lock()
	if err == nil {
		c.state = StateIdle
		c.rotation++
	} else if terminal {
		c.state = StateLoggedOut
		c.expiresAt = time.Time{}
		err = fmt.Errorf("%w: %v", ErrLoggedOut, err)
	} else {
		c.state = StateIdle
	}
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}

	if err != nil && terminal {
		c.loggedOut.Do(func() {
			c.log.Warn("session ended", zap.Error(err))
			if c.opt.OnLoggedOut != nil {
				c.opt.OnLoggedOut()
			}
		})
	}
	return err
}

// callRefresh performs the rotation round trip. terminal reports whether a
// failure ends the session: the gateway rejected the refresh token, or the
// attempt timed out.
func (c *Client) callRefresh() (terminal bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opt.RefreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+c.opt.RefreshPath, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true, fmt.Errorf("sessionclient: refresh timed out after %s", c.opt.RefreshTimeout)
		}
		return false, fmt.Errorf("sessionclient: refresh: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var payload sessionPayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return false, fmt.Errorf("sessionclient: decode refresh response: %w", err)
		}
		c.mu.Lock()
		c.expiresAt = payload.ExpiresAt
		c.mu.Unlock()
		return false, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return true, responseError(resp)
	default:
		return false, responseError(resp)
	}
}

func responseError(resp *http.Response) error {
	var payload apiError
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if json.Unmarshal(body, &payload) == nil && payload.Error.Code != "" {
		return fmt.Errorf("sessionclient: %s (%s)", payload.Error.Message, payload.Error.Code)
	}
	return fmt.Errorf("sessionclient: unexpected status %d", resp.StatusCode)
}
