package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 64 << 20

// SessionStore persists the session between runs.
type SessionStore interface {
	// LoadSession returns the saved session or (nil, nil).
	LoadSession(ctx context.Context) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
	ClearSession(ctx context.Context) error
}

// MemorySessions keeps the session in memory only.
type MemorySessions struct {
	mu      sync.Mutex
	session *Session
}

func (m *MemorySessions) LoadSession(context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, nil
}

func (m *MemorySessions) SaveSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
	return nil
}

func (m *MemorySessions) ClearSession(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}

// ClientConfig holds client configuration.
type ClientConfig struct {
	// BaseURL of the remote service (default: http://127.0.0.1:8787)
	BaseURL string

	// Timeout for each HTTP request (default: 15s)
	Timeout time.Duration

	// Sessions persists the session token (default: in memory)
	Sessions SessionStore

	// Now is the clock used to check session expiry (default: time.Now)
	Now func() time.Time

	// Logger for client activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:  "http://127.0.0.1:8787",
		Timeout:  15 * time.Second,
		Sessions: &MemorySessions{},
		Now:      time.Now,
		Logger:   log.NewWithOptions(os.Stderr, log.Options{Prefix: "remote", ReportTimestamp: true}),
	}
}

// Client is the Gateway implementation that talks to a Server over HTTP
// and websockets.
type Client struct {
	base     *url.URL
	http     *http.Client
	sessions SessionStore
	now      func() time.Time
	logger   *log.Logger

	mu           sync.RWMutex
	session      *Session
	listeners    map[int]func(*User)
	nextListener int
}

var _ Gateway = (*Client)(nil)

// NewClient creates a client for the service at config.BaseURL.
func NewClient(config *ClientConfig) (*Client, error) {
	def := DefaultClientConfig()
	if config == nil {
		config = def
	}
	cfg := *config
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Sessions == nil {
		cfg.Sessions = def.Sessions
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" || base.Host == "" {
		return nil, fmt.Errorf("invalid remote url %q: need http(s)://host", cfg.BaseURL)
	}

	return &Client{
		base:      base,
		http:      &http.Client{Timeout: cfg.Timeout},
		sessions:  cfg.Sessions,
		now:       cfg.Now,
		logger:    cfg.Logger,
		listeners: make(map[int]func(*User)),
	}, nil
}

// Restore loads a saved session. Expired sessions are discarded. Listeners
// are notified when a session is restored.
func (c *Client) Restore(ctx context.Context) (*User, error) {
	s, err := c.sessions.LoadSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if s == nil {
		return nil, nil
	}
	if s.Expired(c.now()) {
		c.logger.Infof("saved session for %s expired", userEmail(s.User))
		if err := c.sessions.ClearSession(ctx); err != nil {
			c.logger.Warnf("failed to clear expired session: %v", err)
		}
		return nil, nil
	}
	c.setSession(s)
	return s.User, nil
}

// CurrentUser returns the signed in user or nil.
func (c *Client) CurrentUser() *User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session.Expired(c.now()) || c.session.User == nil {
		return nil
	}
	u := *c.session.User
	return &u
}

// OnAuthStateChanged registers an auth state listener.
func (c *Client) OnAuthStateChanged(fn func(*User)) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// SignIn authenticates with email and password.
func (c *Client) SignIn(ctx context.Context, email, password string) (*User, error) {
	var s Session
	in := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, "signIn", http.MethodPost, "/v1/auth/signin", in, &s, false); err != nil {
		return nil, err
	}
	return c.startSession(ctx, &s)
}

// SignUp creates an account and signs it in.
func (c *Client) SignUp(ctx context.Context, creds Credentials) (*User, error) {
	var s Session
	if err := c.do(ctx, "signUp", http.MethodPost, "/v1/auth/signup", creds, &s, false); err != nil {
		return nil, err
	}
	return c.startSession(ctx, &s)
}

// SignOut ends the session locally. The server is told on a best effort
// basis.
func (c *Client) SignOut(ctx context.Context) error {
	if c.token() != "" {
		if err := c.do(ctx, "signOut", http.MethodPost, "/v1/auth/signout", nil, nil, true); err != nil {
			c.logger.Debugf("sign out request failed: %v", err)
		}
	}
	err := c.sessions.ClearSession(ctx)
	c.setSession(nil)
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (c *Client) startSession(ctx context.Context, s *Session) (*User, error) {
	if s.Token == "" || s.User == nil {
		return nil, &RemoteError{Op: "signIn", Err: errors.New("server returned no session")}
	}
	if err := c.sessions.SaveSession(ctx, s); err != nil {
		c.logger.Warnf("failed to persist session: %v", err)
	}
	c.setSession(s)
	u := *s.User
	return &u, nil
}

// setSession replaces the session and notifies listeners outside the lock.
func (c *Client) setSession(s *Session) {
	c.mu.Lock()
	c.session = s
	fns := make([]func(*User), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	var u *User
	if s != nil && s.User != nil {
		cp := *s.User
		u = &cp
	}
	for _, fn := range fns {
		fn(u)
	}
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session.Expired(c.now()) {
		return ""
	}
	return c.session.Token
}

// Ping checks that the service answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/health", nil, nil, false)
}

// Upload sends the payload to the service.
func (c *Client) Upload(ctx context.Context, payload *Payload) (*UploadResult, error) {
	var res UploadResult
	if err := c.do(ctx, "upload", http.MethodPost, "/v1/data", payload, &res, true); err != nil {
		return nil, err
	}
	return &res, nil
}

// Download fetches all of the user's data.
func (c *Client) Download(ctx context.Context) (*Payload, error) {
	var p Payload
	if err := c.do(ctx, "download", http.MethodGet, "/v1/data", nil, &p, true); err != nil {
		return nil, err
	}
	return &p, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any, auth bool) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &RemoteError{Op: op, Err: fmt.Errorf("failed to encode request: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return &RemoteError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		tok := c.token()
		if tok == "" {
			return &RemoteError{Op: op, Err: ErrNotAuthenticated}
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &RemoteError{Op: op, Retryable: !errors.Is(err, context.Canceled), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &RemoteError{Op: op, StatusCode: resp.StatusCode, Retryable: true, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		rerr := statusError(op, resp.StatusCode, eb.Error)
		if auth && resp.StatusCode == http.StatusUnauthorized {
			c.logger.Warnf("session rejected by server, signing out")
			if err := c.sessions.ClearSession(ctx); err != nil {
				c.logger.Warnf("failed to clear session: %v", err)
			}
			c.setSession(nil)
		}
		return rerr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &RemoteError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("invalid response: %w", err)}
	}
	return nil
}

func userEmail(u *User) string {
	if u == nil {
		return "unknown user"
	}
	return u.Email
}
