package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"commitharvest/internal/metrics"
	"commitharvest/internal/model"
	"commitharvest/internal/ratelimit"
)

// maxBodyBytes bounds how much of a response body is read into memory.
const maxBodyBytes = 64 << 20

// Limiter is the admission control consulted before every attempt.
type Limiter interface {
	Consume(ctx context.Context, n int) error
}

// Attempt is the outcome of one call made under the retry policy.
type Attempt struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Message overrides body-based message extraction (go-github has already
	// decoded the error body by the time a call returns).
	Message string

	Err error
}

// Call performs one attempt. It must honor ctx.
type Call func(ctx context.Context) Attempt

// Client executes rate-limited requests with retry, backoff and error
// classification. Failures are returned as *Error values and logged with a
// category and severity.
type Client struct {
	http    *http.Client
	limiter Limiter
	backoff Backoff
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func(limit time.Duration) time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	header  http.Header
	group   singleflight.Group
}

type Option func(*Client)

// WithHTTPClient sets the underlying client whose connection pool is shared by
// every worker.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithBackoff(b Backoff) Option {
	return func(c *Client) {
		c.backoff = b
	}
}

// WithSleep replaces the retry sleep. Tests inject a recorder here.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

func WithJitter(jitter func(limit time.Duration) time.Duration) Option {
	return func(c *Client) {
		c.jitter = jitter
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithHeader adds a header sent with every Get.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.header.Set(key, value)
	}
}

func New(limiter Limiter, opts ...Option) (*Client, error) {
	if limiter == nil {
		return nil, errors.New("httpclient: limiter is nil")
	}
	c := &Client{
		http:    &http.Client{Transport: http.DefaultTransport, Timeout: 60 * time.Second},
		limiter: limiter,
		backoff: DefaultBackoff(),
		sleep:   ratelimit.Sleep,
		jitter:  RandomJitter,
		logger:  slog.Default(),
		header:  make(http.Header),
	}
	c.header.Set("Accept", "application/json")
	for _, apply := range opts {
		if apply != nil {
			apply(c)
		}
	}
	if c.backoff.MaxAttempts <= 0 {
		return nil, fmt.Errorf("httpclient: max attempts must be >= 1, got %d", c.backoff.MaxAttempts)
	}
	return c, nil
}

// Get fetches url and returns the response body. Concurrent calls for the same
// URL share a single request; a caller whose ctx ends stops waiting without
// failing the others.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := c.group.DoChan(url, func() (any, error) {
		return c.Do(context.WithoutCancel(ctx), url, c.getCall(url))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (c *Client) getCall(url string) Call {
	return func(ctx context.Context) Attempt {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return Attempt{Err: err}
		}
		for k, vals := range c.header {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return Attempt{Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return Attempt{StatusCode: resp.StatusCode, Header: resp.Header, Err: fmt.Errorf("read body: %w", err)}
		}
		return Attempt{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetryable
	outcomeRateLimited
	outcomeTerminal
	outcomeCanceled
)

func classify(ctx context.Context, a Attempt) outcome {
	if ctx.Err() != nil && a.StatusCode == 0 {
		return outcomeCanceled
	}
	if a.StatusCode == 0 {
		if errors.Is(a.Err, context.Canceled) || errors.Is(a.Err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return outcomeCanceled
			}
		}
		return outcomeRetryable
	}
	switch {
	case a.StatusCode == http.StatusTooManyRequests:
		return outcomeRateLimited
	case a.StatusCode == http.StatusForbidden && isRateLimitSignal(a.Header):
		return outcomeRateLimited
	case a.StatusCode >= 200 && a.StatusCode < 300:
		if a.Err != nil {
			return outcomeRetryable
		}
		return outcomeSuccess
	case isTerminalStatus(a.StatusCode):
		return outcomeTerminal
	default:
		return outcomeRetryable
	}
}

// isTerminalStatus lists responses that will never succeed on retry.
func isTerminalStatus(code int) bool {
	switch code {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusMethodNotAllowed,
		http.StatusGone,
		http.StatusUnprocessableEntity:
		return true
	default:
		return false
	}
}

// isRateLimitSignal recognizes 403 responses that are really quota exhaustion
// (GitHub secondary limits).
func isRateLimitSignal(h http.Header) bool {
	if h == nil {
		return false
	}
	if h.Get("Retry-After") != "" {
		return true
	}
	return strings.TrimSpace(h.Get("X-RateLimit-Remaining")) == "0"
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(raw); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

// Do runs call under the client's policy: one limiter token per attempt,
// immediate return on terminal statuses, a long fixed sleep on 429 that does not
// use up an attempt, exponential backoff with jitter otherwise.
func (c *Client) Do(ctx context.Context, target string, call Call) ([]byte, error) {
	if ctx == nil {
		return nil, errors.New("Do: nil context")
	}
	if call == nil {
		return nil, errors.New("Do: nil call")
	}

	log := c.logger.With("url", target)
	failures := 0
	rateLimitWaits := 0
	var last Attempt

	for {
		if err := c.limiter.Consume(ctx, 1); err != nil {
			c.metrics.ObserveRequest(metrics.OutcomeCanceled)
			return nil, &Error{URL: target, Attempts: failures, Err: err}
		}

		last = call(ctx)

		switch classify(ctx, last) {
		case outcomeSuccess:
			c.metrics.ObserveRequest(metrics.OutcomeSuccess)
			log.Debug("request succeeded", "status", last.StatusCode, "attempt", failures+1)
			return last.Body, nil

		case outcomeCanceled:
			c.metrics.ObserveRequest(metrics.OutcomeCanceled)
			return nil, &Error{URL: target, Attempts: failures + 1, Err: ctx.Err()}

		case outcomeTerminal:
			c.metrics.ObserveRequest(metrics.OutcomeTerminal)
			msg := last.Message
			if msg == "" {
				msg = ExtractMessage(last.Body)
			}
			log.Warn("request failed permanently",
				"status", last.StatusCode,
				"message", msg,
				"category", model.CategoryAPI,
				"severity", model.SeverityError,
			)
			return nil, &Error{URL: target, StatusCode: last.StatusCode, Message: msg, Terminal: true, Attempts: failures + 1, Err: last.Err}

		case outcomeRateLimited:
			if rateLimitWaits < c.backoff.MaxRateLimitWaits {
				rateLimitWaits++
				c.metrics.ObserveRequest(metrics.OutcomeRateLimited)
				d := c.backoff.RateLimitDelay(retryAfter(last.Header))
				log.Warn("rate limited, backing off",
					"status", last.StatusCode,
					"delay", d,
					"waits", rateLimitWaits,
					"category", model.CategoryAPI,
					"severity", model.SeverityWarning,
				)
				if err := c.sleep(ctx, d); err != nil {
					return nil, &Error{URL: target, StatusCode: last.StatusCode, Attempts: failures + 1, Err: err}
				}
				continue
			}
			fallthrough

		default:
			failures++
			if failures >= c.backoff.MaxAttempts {
				c.metrics.ObserveRequest(metrics.OutcomeExhausted)
				log.Error("request failed after retries",
					"status", last.StatusCode,
					"attempts", failures,
					"error", errString(last.Err),
					"category", model.CategoryAPI,
					"severity", model.SeverityError,
				)
				return nil, &Error{
					URL:        target,
					StatusCode: last.StatusCode,
					Message:    attemptMessage(last),
					Attempts:   failures,
					Err:        ErrMaxRetries,
				}
			}
			c.metrics.ObserveRequest(metrics.OutcomeRetry)
			d := c.backoff.Delay(failures-1, c.jitter)
			log.Info("retrying request",
				"status", last.StatusCode,
				"attempt", failures,
				"delay", d,
				"error", errString(last.Err),
				"category", model.CategoryAPI,
				"severity", model.SeverityWarning,
			)
			if err := c.sleep(ctx, d); err != nil {
				return nil, &Error{URL: target, StatusCode: last.StatusCode, Attempts: failures, Err: err}
			}
		}
	}
}

func attemptMessage(a Attempt) string {
	if a.Message != "" {
		return a.Message
	}
	if a.StatusCode != 0 {
		return ExtractMessage(a.Body)
	}
	return errString(a.Err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
