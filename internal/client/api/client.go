// Package api is the client side of the chat backend's REST surface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cloudzz-dev/chatsync/internal/client/chaterr"
	"github.com/cloudzz-dev/chatsync/internal/wire"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout         = 10 * time.Second
	DefaultAttempts        = 3
	DefaultRetryDelay      = 500 * time.Millisecond
	DefaultReadConcurrency = 4
	DefaultRate            = 10
	DefaultBurst           = 20

	maxBody = 8 << 20
)

type Options struct {
	// BaseURL is the backend origin; routes live under BaseURL + "/api".
	BaseURL         string
	HTTPClient      *http.Client
	Timeout         time.Duration
	Attempts        int
	RetryDelay      time.Duration
	ReadConcurrency int
	Rate            float64
	Burst           int
	Logger          *slog.Logger
}

type Client struct {
	base     string
	http     *http.Client
	limiter  *rate.Limiter
	attempts int
	delay    time.Duration
	readConc int
	logger   *slog.Logger

	mu       sync.RWMutex
	access   string
	refresh  string
	onTokens func(access, refresh string)

	refreshMu sync.Mutex
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.ReadConcurrency <= 0 {
		opts.ReadConcurrency = DefaultReadConcurrency
	}
	if opts.Rate <= 0 {
		opts.Rate = DefaultRate
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		base:     strings.TrimSuffix(opts.BaseURL, "/") + "/api",
		http:     hc,
		limiter:  rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst),
		attempts: opts.Attempts,
		delay:    opts.RetryDelay,
		readConc: opts.ReadConcurrency,
		logger:   opts.Logger.With("component", "api"),
	}
}

func (c *Client) SetTokens(access, refresh string) {
	c.mu.Lock()
	c.access, c.refresh = access, refresh
	fn := c.onTokens
	c.mu.Unlock()
	if fn != nil {
		fn(access, refresh)
	}
}

func (c *Client) Tokens() (access, refresh string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.access, c.refresh
}

// OnTokens registers a callback for every token change, including silent
// refreshes, so the caller can persist the session.
func (c *Client) OnTokens(fn func(access, refresh string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTokens = fn
}

type payload struct {
	contentType string
	data        []byte
}

func jsonPayload(v any) (*payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &payload{contentType: "application/json", data: data}, nil
}

type call struct {
	op         string
	method     string
	path       string
	query      url.Values
	body       *payload
	idempotent bool
	// noRefresh marks the auth endpoints themselves.
	noRefresh bool
}

// do runs one logical call. Transient failures of idempotent calls are
// retried a bounded number of times; a 401 triggers one token refresh.
func (c *Client) do(ctx context.Context, cl call, out any) error {
	limit := 1
	if cl.idempotent {
		limit = c.attempts
	}
	refreshed := false

	for attempt := 1; ; attempt++ {
		token, _ := c.Tokens()
		err := c.once(ctx, cl, token, out)
		if err == nil {
			return nil
		}

		var ce *chaterr.Error
		if !refreshed && !cl.noRefresh && errors.As(err, &ce) && ce.Status == http.StatusUnauthorized {
			refreshed = true
			if rerr := c.refreshAfter(ctx, token); rerr == nil {
				attempt--
				continue
			}
			return err
		}

		if !chaterr.Retryable(err) || attempt >= limit || ctx.Err() != nil {
			return err
		}
		c.logger.Warn("request failed, retrying",
			slog.String("op", cl.op),
			slog.Int("attempt", attempt),
			slog.Duration("sleep", c.delay),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(c.delay):
		}
	}
}

func (c *Client) once(ctx context.Context, cl call, token string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return chaterr.New(chaterr.TransientNetwork, cl.op, err)
	}

	u := c.base + cl.path
	if len(cl.query) > 0 {
		u += "?" + cl.query.Encode()
	}
	var body io.Reader
	if cl.body != nil {
		body = bytes.NewReader(cl.body.data)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, u, body)
	if err != nil {
		return chaterr.New(chaterr.ValidationFailure, cl.op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if cl.body != nil {
		req.Header.Set("Content-Type", cl.body.contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return chaterr.New(chaterr.TransientNetwork, cl.op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return chaterr.New(chaterr.TransientNetwork, cl.op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify(cl.op, resp, raw)
	}
	if out == nil {
		return nil
	}

	var env wire.Response[json.RawMessage]
	if err := json.Unmarshal(raw, &env); err != nil {
		return chaterr.New(chaterr.ValidationFailure, cl.op, fmt.Errorf("decode envelope: %w", err))
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return chaterr.New(chaterr.ValidationFailure, cl.op, fmt.Errorf("decode data: %w", err))
	}
	return nil
}

// classify maps a non-2xx response onto the error taxonomy.
func classify(op string, resp *http.Response, raw []byte) error {
	e := &chaterr.Error{Op: op, Status: resp.StatusCode}

	var env wire.Response[json.RawMessage]
	if json.Unmarshal(raw, &env) == nil && env.Message != "" {
		e.Message = env.Message
	} else {
		e.Message = http.StatusText(resp.StatusCode)
	}

	switch s := resp.StatusCode; {
	case s == http.StatusUnauthorized || s == http.StatusForbidden:
		e.Kind = chaterr.AuthExpired
	case s == http.StatusNotFound || s == http.StatusConflict || s == http.StatusGone:
		e.Kind = chaterr.ConflictOrNotFound
	case s == http.StatusTooManyRequests:
		e.Kind = chaterr.RateLimited
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case s == http.StatusRequestTimeout || s >= 500:
		e.Kind = chaterr.TransientNetwork
	case s >= 400:
		e.Kind = chaterr.ValidationFailure
	}
	return e
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// refreshAfter swaps in new tokens unless another call already replaced the
// stale token.
func (c *Client) refreshAfter(ctx context.Context, stale string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	access, refresh := c.Tokens()
	if access != stale {
		return nil
	}
	if refresh == "" {
		return errors.New("api: no refresh token")
	}
	if _, err := c.Refresh(ctx); err != nil {
		c.logger.Warn("token refresh failed", slog.Any("error", err))
		return err
	}
	return nil
}
