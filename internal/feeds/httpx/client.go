// Package httpx is the shared JSON GET client behind the upstream feeds:
// a token bucket per client, bounded retries on 429/5xx and transport
// errors, and failures reported as *domain.UpstreamError.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"halftimebot/internal/domain"
	logx "halftimebot/pkg/logx"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultRetryMax  = 2
	defaultRetryWait = 500 * time.Millisecond
	maxRetryWait     = 10 * time.Second
	maxErrorBody     = 512
)

type Options struct {
	Source     string // "odds" | "nba", used in errors and logs
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	RetryMax   int // <0 disables retries
	RetryWait  time.Duration
	Header     http.Header
	HTTPClient *http.Client
}

type Client struct {
	source    string
	http      *http.Client
	limiter   *rate.Limiter
	retryMax  int
	retryWait time.Duration
	header    http.Header
	log       logx.Logger
}

func New(opt Options, log logx.Logger) *Client {
	if opt.Timeout <= 0 {
		opt.Timeout = defaultTimeout
	}
	switch {
	case opt.RetryMax < 0:
		opt.RetryMax = 0
	case opt.RetryMax == 0:
		opt.RetryMax = defaultRetryMax
	}
	if opt.RetryWait <= 0 {
		opt.RetryWait = defaultRetryWait
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opt.RatePerSec > 0 {
		burst := opt.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(opt.RatePerSec), burst)
	}
	hc := opt.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opt.Timeout}
	}
	return &Client{
		source:    opt.Source,
		http:      hc,
		limiter:   lim,
		retryMax:  opt.RetryMax,
		retryWait: opt.RetryWait,
		header:    opt.Header.Clone(),
		log:       log,
	}
}

// GetJSON fetches url and decodes the body into out. op names the call in
// errors ("events", "games", ...).
func (c *Client) GetJSON(ctx context.Context, op, url string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt, lastErr)
			c.log.Debug("upstream retry", logx.String("source", c.source), logx.String("op", op), logx.Int("attempt", attempt+1), logx.Duration("wait", wait), logx.Err(lastErr))
			select {
			case <-ctx.Done():
				return c.fail(op, 0, ctx.Err())
			case <-time.After(wait):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return c.fail(op, 0, fmt.Errorf("rate limiter: %w", err))
		}

		err := c.once(ctx, op, url, out)
		if err == nil {
			return nil
		}
		lastErr = err
		var ue *domain.UpstreamError
		if errors.As(err, &ue) && !ue.Retryable() {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, op, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return c.fail(op, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.fail(op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		ue := &domain.UpstreamError{Source: c.source, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(body)))}
		if d := retryAfter(resp.Header.Get("Retry-After")); d > 0 {
			return &retryAfterError{UpstreamError: ue, after: d}
		}
		return ue
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c.fail(op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// fail wraps err as an upstream error. A non-zero status marks a response
// that arrived but could not be used, which retrying will not fix.
func (c *Client) fail(op string, status int, err error) error {
	if status >= 200 && status < 300 {
		// Retryable() treats 0 as transport; keep decode failures terminal.
		status = http.StatusUnprocessableEntity
	}
	return &domain.UpstreamError{Source: c.source, Op: op, Status: status, Err: err}
}

func (c *Client) backoff(attempt int, err error) time.Duration {
	var ra *retryAfterError
	if errors.As(err, &ra) {
		return min(ra.after, maxRetryWait)
	}
	d := c.retryWait << (attempt - 1)
	return min(d, maxRetryWait)
}

// retryAfterError carries a server-provided Retry-After hint.
type retryAfterError struct {
	*domain.UpstreamError
	after time.Duration
}

func (e *retryAfterError) Unwrap() error { return e.UpstreamError }

// RetryAfter lets the task engine honor the hint when the error escapes.
func (e *retryAfterError) RetryAfter() time.Duration { return e.after }

func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
