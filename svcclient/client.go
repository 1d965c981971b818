package svcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

// StatusError is a non-2xx reply from a downstream service.
type StatusError struct {
	Service    string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %d %s: %s", e.Service, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("%s: %d: %s", e.Service, e.StatusCode, msg)
}

// ClientError reports a 4xx status.
func (e *StatusError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Config binds a Client to one downstream service.
type Config struct {
	Service string
	BaseURL string
	Timeout time.Duration
	Breaker BreakerConfig
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client. Its Timeout is left as
// given.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTokenSource sets where outgoing bearer tokens come from. The default
// reads the token stored by WithBearerToken.
func WithTokenSource(fn func(context.Context) string) Option {
	return func(c *Client) { c.token = fn }
}

type bearerContextKey struct{}

// WithBearerToken stores the caller's access token so downstream calls made
// on its behalf carry it.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, bearerContextKey{}, token)
}

func bearerFromContext(ctx context.Context) string {
	token, _ := ctx.Value(bearerContextKey{}).(string)
	return token
}

// Client calls one service with JSON bodies and the suite response envelope.
type Client struct {
	service string
	baseURL string
	http    *http.Client
	breaker *Breaker
	logger  *zap.Logger
	token   func(context.Context) string
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Service) == "" {
		return nil, errors.New("svcclient: service name required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("svcclient: %s: base URL required", cfg.Service)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	c := &Client{
		service: cfg.Service,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  zap.NewNop(),
		token:   bearerFromContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = NewBreaker(cfg.Service, cfg.Breaker, c.logger)
	return c, nil
}

func (c *Client) Service() string   { return c.service }
func (c *Client) Breaker() *Breaker { return c.breaker }

// Do sends in as the JSON body and decodes the reply into out. Both may be
// nil. Transport errors and 5xx replies count against the breaker.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	_, err := execute(c.breaker, func() (struct{}, error) {
		return struct{}{}, c.roundTrip(ctx, method, path, in, out)
	})
	return err
}

type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("svcclient: %s: encode request: %w", c.service, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("svcclient: %s: %w", c.service, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("downstream call failed",
			zap.String("module", "svcclient"),
			zap.String("operation", method+" "+path),
			zap.String("service", c.service),
			zap.String("outcome", "failure"),
			zap.Error(err),
		)
		return fmt.Errorf("svcclient: %s: %w", c.service, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("svcclient: %s: read response: %w", c.service, err)
	}

	c.logger.Debug("downstream call",
		zap.String("module", "svcclient"),
		zap.String("operation", method+" "+path),
		zap.String("service", c.service),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	var env envelope
	_ = json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			Service:    c.service,
			StatusCode: resp.StatusCode,
			Code:       env.Code,
			Message:    env.Message,
		}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}

	payload := raw
	if env.Status == "success" && len(env.Data) > 0 {
		payload = env.Data
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("svcclient: %s: decode response: %w", c.service, err)
	}
	return nil
}
