package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shpitdev/catalog-ark-enricher/internal/logging"
	"github.com/shpitdev/catalog-ark-enricher/internal/retry"
	"github.com/shpitdev/catalog-ark-enricher/internal/version"
)

// SessionHeader carries the session token on every authenticated request.
const SessionHeader = "X-ArchivesSpace-Session"

// Options configures a Client.
type Options struct {
	BaseURL  string
	Username string
	Password string

	// RequestTimeout bounds one HTTP round trip. Defaults to 60s.
	RequestTimeout time.Duration
	// RateLimitRPS is a global limit shared by every caller. Set to <=0 to disable.
	RateLimitRPS float64
	// Retry governs transient failures. Retryable is always replaced by IsTransient.
	Retry retry.Policy

	// UserAgent defaults to version.UserAgent().
	UserAgent string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a typed wrapper over the catalog's single-record read and write
// endpoints. It is safe for concurrent use.
type Client struct {
	base     *url.URL
	username string
	password string
	http     *http.Client
	limiter  *rate.Limiter
	policy   retry.Policy
	agent    string
	logger   *slog.Logger

	mu      sync.Mutex
	session string
}

// UpdateResult is the service's acknowledgement of a write.
type UpdateResult struct {
	Status      string `json:"status"`
	LockVersion int    `json:"lock_version"`
	URI         string `json:"uri,omitempty"`
}

// NewClient validates opts and constructs a client. No request is made until
// the first call.
func NewClient(opts Options) (*Client, error) {
	base, err := ParseBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.Username) == "" {
		return nil, fmt.Errorf("catalog username is required")
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		hc = &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
			Timeout:   timeout,
		}
	}

	var limiter *rate.Limiter
	if opts.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}

	c := &Client{
		base:     base,
		username: strings.TrimSpace(opts.Username),
		password: opts.Password,
		http:     hc,
		limiter:  limiter,
		agent:    strings.TrimSpace(opts.UserAgent),
		logger:   logging.NewComponentLogger(opts.Logger, "catalog"),
	}
	if c.agent == "" {
		c.agent = version.UserAgent()
	}
	c.policy = opts.Retry
	c.policy.Retryable = IsTransient
	onRetry := opts.Retry.OnRetry
	c.policy.OnRetry = func(attempt int, err error, sleep time.Duration) {
		c.logger.Warn("retrying after transient error",
			logging.Int(logging.FieldAttempt, attempt),
			logging.Duration("sleep", sleep),
			logging.Error(err),
		)
		if onRetry != nil {
			onRetry(attempt, err, sleep)
		}
	}
	return c, nil
}

// ParseBaseURL normalizes the service base URL. A missing scheme defaults to https.
func ParseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("catalog base URL is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse catalog base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("catalog base URL must include a host (got %q)", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// Login acquires a fresh session token, replacing any cached one.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = ""
	_, err := c.loginLocked(ctx)
	return err
}

// Fetch reads the current state of ref.
func (c *Client) Fetch(ctx context.Context, ref string) (*Record, error) {
	var rec Record
	if err := c.call(ctx, "fetch", http.MethodGet, ref, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Update writes rec back to ref in full.
func (c *Client) Update(ctx context.Context, ref string, rec *Record) (UpdateResult, error) {
	if rec == nil {
		return UpdateResult{}, &ValidationError{Ref: ref, Err: fmt.Errorf("nil record")}
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return UpdateResult{}, &ValidationError{Ref: ref, Err: fmt.Errorf("encode record: %w", err)}
	}
	var out UpdateResult
	if err := c.call(ctx, "update", http.MethodPost, ref, body, &out); err != nil {
		return UpdateResult{}, err
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, op, method, ref string, body []byte, out any) error {
	if err := checkRef(ref); err != nil {
		return &ValidationError{Ref: ref, Err: err}
	}
	_, err := c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		return c.attempt(ctx, op, method, ref, body, out, attempt)
	})
	return err
}

func (c *Client) attempt(ctx context.Context, op, method, ref string, body []byte, out any, attempt int) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	session, err := c.sessionToken(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+ref, reader)
	if err != nil {
		return &ValidationError{Ref: ref, Err: err}
	}
	req.Header.Set(SessionHeader, session)
	req.Header.Set("User-Agent", c.agent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logCall(ref, op, 0, time.Since(start), attempt, err)
		return transport(ctx, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	b, err := io.ReadAll(resp.Body)
	latency := time.Since(start)
	if err != nil {
		c.logCall(ref, op, resp.StatusCode, latency, attempt, err)
		return transport(ctx, err)
	}

	if resp.StatusCode/100 != 2 {
		callErr := classify(ref, resp, newHTTPError(op, resp, b))
		c.logCall(ref, op, resp.StatusCode, latency, attempt, callErr)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusPreconditionFailed {
			c.invalidate(session)
		}
		return callErr
	}
	c.logCall(ref, op, resp.StatusCode, latency, attempt, nil)

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return &ValidationError{Ref: ref, Err: fmt.Errorf("parse %s response: %w", op, err)}
	}
	return nil
}

func (c *Client) logCall(ref, op string, status int, latency time.Duration, attempt int, err error) {
	attrs := []logging.Attr{
		logging.String(logging.FieldRecordRef, ref),
		logging.String(logging.FieldOp, op),
		logging.Int(logging.FieldStatus, status),
		logging.Duration(logging.FieldLatency, latency),
		logging.Int(logging.FieldAttempt, attempt),
	}
	if err != nil {
		c.logger.Warn("catalog call failed", logging.Args(append(attrs, logging.Error(err))...)...)
		return
	}
	c.logger.Info("catalog call", logging.Args(attrs...)...)
}

func (c *Client) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != "" {
		return c.session, nil
	}
	return c.loginLocked(ctx)
}

// invalidate drops the cached session unless another caller already replaced it.
func (c *Client) invalidate(used string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == used {
		c.session = ""
	}
}

type loginResponse struct {
	Session string `json:"session"`
}

func (c *Client) loginLocked(ctx context.Context) (string, error) {
	u := *c.base
	u.Path = c.base.Path + "/users/" + url.PathEscape(c.username) + "/login"
	form := url.Values{}
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	req.Header.Set("User-Agent", c.agent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("login failed", logging.Duration(logging.FieldLatency, time.Since(start)), logging.Error(err))
		return "", transport(ctx, fmt.Errorf("login: %w", err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transport(ctx, fmt.Errorf("login: %w", err))
	}
	if resp.StatusCode/100 != 2 {
		httpErr := newHTTPError("login", resp, b)
		c.logger.Warn("login failed",
			logging.Int(logging.FieldStatus, resp.StatusCode),
			logging.Duration(logging.FieldLatency, time.Since(start)),
		)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", &TransientError{Err: httpErr}
		}
		return "", fmt.Errorf("login: %w", httpErr)
	}

	var lr loginResponse
	if err := json.Unmarshal(b, &lr); err != nil {
		return "", fmt.Errorf("parse login response: %w", err)
	}
	if strings.TrimSpace(lr.Session) == "" {
		return "", fmt.Errorf("login: response carried no session token")
	}
	c.session = strings.TrimSpace(lr.Session)
	c.logger.Info("session established", logging.Duration(logging.FieldLatency, time.Since(start)))
	return c.session, nil
}

func checkRef(ref string) error {
	switch {
	case ref == "":
		return fmt.Errorf("record ref is required")
	case !strings.HasPrefix(ref, "/"):
		return fmt.Errorf("record ref must be service-relative (got %q)", ref)
	case strings.ContainsAny(ref, "?#"):
		return fmt.Errorf("record ref must not carry a query (got %q)", ref)
	}
	return nil
}
