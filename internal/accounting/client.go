// Package accounting talks to the smart accounting HTTP API: it logs in,
// records free-text messages and formats the API's answer for chat.
package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/masa-finance/ledger-relay/api/types"
	"github.com/masa-finance/ledger-relay/internal/metrics"
)

const (
	Name = "accounting"

	DefaultTimeout         = 30 * time.Second
	DefaultHealthTimeout   = 10 * time.Second
	DefaultLoginRetries    = 3
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = 60 * time.Second

	loginPath  = "/api/auth/login"
	directPath = "/api/ai/smart-accounting/direct"
	healthPath = "/api/health"
)

type Config struct {
	ServerURL     string
	Email         string
	Password      string
	AccountBookID string

	Timeout       time.Duration
	HealthTimeout time.Duration
	LoginRetries  uint64

	// The breaker opens after BreakerFailures consecutive transport or
	// server errors and probes again after BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = DefaultHealthTimeout
	}
	if c.LoginRetries == 0 {
		c.LoginRetries = DefaultLoginRetries
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = DefaultBreakerFailures
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = DefaultBreakerTimeout
	}
	return c
}

func (c Config) configured() bool {
	return c.ServerURL != "" && c.Email != "" && c.Password != ""
}

type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[types.AccountingOutcome]

	// newBackOff builds the login retry policy; tests shorten it.
	newBackOff func() backoff.BackOff

	mu    sync.Mutex
	token token
}

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	c.breaker = gobreaker.NewCircuitBreaker[types.AccountingOutcome](gobreaker.Settings{
		Name:        Name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			logrus.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Accounting circuit breaker changed state")
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(Name).Set(float64(gobreaker.StateClosed))
	return c
}

// Process records text in the configured account book. Rejections by the
// API are returned as an unsuccessful outcome; transport failures, server
// errors and an open breaker are returned as errors.
func (c *Client) Process(ctx context.Context, text, sender string) (types.AccountingOutcome, error) {
	if !c.cfg.configured() {
		metrics.AccountingRequests.WithLabelValues("record", "not_configured").Inc()
		return types.AccountingOutcome{}, ErrNotConfigured
	}

	outcome, err := c.breaker.Execute(func() (types.AccountingOutcome, error) {
		return c.record(ctx, text, sender)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.AccountingRequests.WithLabelValues("record", "rejected").Inc()
		return types.AccountingOutcome{}, fmt.Errorf("accounting api unavailable: %w", err)
	case err != nil:
		metrics.AccountingRequests.WithLabelValues("record", "error").Inc()
		return types.AccountingOutcome{}, err
	}
	metrics.AccountingRequests.WithLabelValues("record", metrics.Outcome(outcome.Success)).Inc()
	return outcome, nil
}

func (c *Client) record(ctx context.Context, text, sender string) (types.AccountingOutcome, error) {
	if err := c.ensureToken(ctx); err != nil {
		return types.AccountingOutcome{}, err
	}

	body := map[string]string{
		"description":   text,
		"accountBookId": c.cfg.AccountBookID,
	}
	if sender != "" {
		body["userName"] = sender
	}

	status, payload, err := c.postDirect(ctx, body)
	if err != nil {
		return types.AccountingOutcome{}, err
	}
	if status == http.StatusUnauthorized {
		logrus.Info("Accounting token rejected, logging in again")
		c.clearToken()
		if err := c.ensureToken(ctx); err != nil {
			return types.AccountingOutcome{}, err
		}
		if status, payload, err = c.postDirect(ctx, body); err != nil {
			return types.AccountingOutcome{}, err
		}
		if status == http.StatusUnauthorized {
			return types.AccountingOutcome{}, ErrUnauthorized
		}
	}

	return interpret(status, payload)
}

func (c *Client) postDirect(ctx context.Context, body map[string]string) (int, []byte, error) {
	c.mu.Lock()
	bearer := c.token.value
	c.mu.Unlock()

	req, err := c.newJSONRequest(ctx, http.MethodPost, directPath, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("accounting request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading accounting response: %w", err)
	}
	return resp.StatusCode, payload, nil
}

// interpret maps a status code and body from the direct endpoint onto an
// outcome. Only server-side failures are errors.
func interpret(status int, payload []byte) (types.AccountingOutcome, error) {
	switch status {
	case http.StatusOK, http.StatusCreated:
		var body map[string]any
		if err := json.Unmarshal(payload, &body); err != nil {
			return types.AccountingOutcome{}, fmt.Errorf("decoding accounting response: %w", err)
		}
		// Errors reported inside a 2xx body are still relayed to the chat.
		message, irrelevant := formatResponse(body)
		return types.AccountingOutcome{Success: true, Message: message, Irrelevant: irrelevant}, nil

	case http.StatusBadRequest:
		var body struct {
			Info  string `json:"info"`
			Error string `json:"error"`
		}
		_ = json.Unmarshal(payload, &body)
		switch {
		case isIrrelevant(body.Info):
			return types.AccountingOutcome{Success: true, Message: IrrelevantMessage, Irrelevant: true}, nil
		case body.Error != "":
			return types.AccountingOutcome{Success: false, Message: "accounting failed: " + body.Error}, nil
		default:
			return types.AccountingOutcome{Success: false, Message: "accounting failed: invalid request"}, nil
		}

	default:
		return types.AccountingOutcome{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, status)
	}
}

func (c *Client) ensureToken(ctx context.Context) error {
	c.mu.Lock()
	valid := c.token.valid(time.Now())
	c.mu.Unlock()
	if valid {
		return nil
	}
	return c.login(ctx)
}

func (c *Client) clearToken() {
	c.mu.Lock()
	c.token = token{}
	c.mu.Unlock()
}

// login obtains a fresh token, retrying transient failures with exponential
// backoff. Rejected credentials are not retried.
func (c *Client) login(ctx context.Context) error {
	var tok token
	op := func() error {
		t, err := c.loginOnce(ctx)
		if err != nil {
			if errors.Is(err, ErrLoginFailed) || errors.Is(err, ErrInvalidLoginResponse) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			logrus.WithError(err).Debug("Accounting login attempt failed")
			return err
		}
		tok = t
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.cfg.LoginRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		metrics.AccountingRequests.WithLabelValues("login", "failure").Inc()
		return err
	}
	metrics.AccountingRequests.WithLabelValues("login", "success").Inc()

	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	logrus.WithField("user", tok.email).Info("Logged in to accounting API")
	return nil
}

func (c *Client) loginOnce(ctx context.Context) (token, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, loginPath, map[string]string{
		"email":    c.cfg.Email,
		"password": c.cfg.Password,
	})
	if err != nil {
		return token{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return token{}, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusBadRequest:
		return token{}, fmt.Errorf("%w: status %d", ErrLoginFailed, resp.StatusCode)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return token{}, fmt.Errorf("%w: login returned %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
		User  struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return token{}, fmt.Errorf("%w: %v", ErrInvalidLoginResponse, err)
	}
	if body.Token == "" {
		return token{}, ErrInvalidLoginResponse
	}

	t := parseToken(body.Token)
	if body.User.ID != "" {
		t.userID = body.User.ID
	}
	if body.User.Email != "" {
		t.email = body.User.Email
	}
	return t, nil
}

func (c *Client) newJSONRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// CheckHealth probes the API health endpoint. An unreachable API is
// unhealthy; a reachable one without a usable token is degraded.
func (c *Client) CheckHealth() types.HealthResult {
	start := time.Now()
	result := c.checkHealth()
	result.ResponseTime = time.Since(start)
	return result
}

func (c *Client) checkHealth() types.HealthResult {
	if c.cfg.ServerURL == "" {
		return types.Unhealthy("accounting server url not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HealthTimeout)
	defer cancel()

	accessible := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ServerURL+healthPath, nil)
	if err == nil {
		var resp *http.Response
		if resp, err = c.http.Do(req); err == nil {
			resp.Body.Close()
			accessible = resp.StatusCode == http.StatusOK
		}
	}

	c.mu.Lock()
	tokenStatus := c.token.status(time.Now())
	c.mu.Unlock()

	details := map[string]any{
		"api_accessible": accessible,
		"token_status":   tokenStatus,
		"server_url":     c.cfg.ServerURL,
		"breaker_state":  c.breaker.State().String(),
	}
	switch {
	case !accessible:
		return types.HealthResult{Status: types.HealthUnhealthy, Message: "accounting api not reachable", Details: details}
	case tokenStatus != "token valid":
		return types.HealthResult{Status: types.HealthDegraded, Message: "accounting api reachable, " + tokenStatus, Details: details}
	default:
		return types.HealthResult{Status: types.HealthHealthy, Message: "accounting api operating normally", Details: details}
	}
}

// Recover drops the cached token and logs in again.
func (c *Client) Recover() error {
	if !c.cfg.configured() {
		return ErrNotConfigured
	}
	c.clearToken()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	return c.login(ctx)
}

// BreakerState reports the circuit breaker state, for diagnostics.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}
