// Package rpc is the HTTP caller used for every master-to-worker request.
// It adds per-attempt timeouts, geometric retry backoff, audit records and
// error classification on top of net/http.
package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/goccy/go-json"

	"fleet-master/internal/audit"
	"fleet-master/internal/metrics"
)

type LogLevel int

const (
	LogNone LogLevel = iota
	LogBasic
	LogHeaders
	LogBody
)

func ParseLogLevel(raw string) (LogLevel, error) {
	switch raw {
	case "none":
		return LogNone, nil
	case "", "basic":
		return LogBasic, nil
	case "headers":
		return LogHeaders, nil
	case "body":
		return LogBody, nil
	}
	return LogNone, fmt.Errorf("unknown rpc log level %q", raw)
}

// RetryPredicate marks an otherwise acceptable response as retryable.
type RetryPredicate func(*http.Response) bool

var retryableStatus = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

type Options struct {
	BaseURL       string
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	BackoffFactor float64
	LogLevel      LogLevel
	RetryIf       []RetryPredicate
	Headers       map[string]string
	HTTPClient    *http.Client
	Audit         *audit.Logger
	// Sleep waits between attempts; tests replace it to observe delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultOptions() Options {
	return Options{
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
		BackoffFactor: 1.5,
		LogLevel:      LogBasic,
	}
}

type Client struct {
	opts Options
	http *http.Client
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffFactor < 1 {
		opts.BackoffFactor = 1
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{opts: opts, http: hc}
}

type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Headers map[string]string
	// Body is sent as-is when it is []byte, otherwise encoded as JSON.
	Body any
	// NoRaise returns a final non-2xx response to the caller instead of an
	// HTTPStatus error. Some worker endpoints use non-2xx as a valid answer.
	NoRaise bool
	NoRetry bool
	Timeout time.Duration

	Source   string
	UserID   string
	WorkerID string
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
	Attempts   int
}

func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

func (c *Client) Get(ctx context.Context, path string, req Request) (*Response, error) {
	req.Method, req.URL = http.MethodGet, path
	return c.Do(ctx, req)
}

func (c *Client) Post(ctx context.Context, path string, body any, req Request) (*Response, error) {
	req.Method, req.URL, req.Body = http.MethodPost, path, body
	return c.Do(ctx, req)
}

func (c *Client) Head(ctx context.Context, path string, req Request) (*Response, error) {
	req.Method, req.URL = http.MethodHead, path
	return c.Do(ctx, req)
}

// Do sends req, retrying network failures and retryable statuses at most
// MaxRetries times.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	target, err := c.resolve(req.URL, req.Query)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Method: req.Method, URL: req.URL, Err: err}
	}
	payload, err := encodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s body: %w", req.Method, target, err)
	}
	if req.Source == "" {
		req.Source = "rpc.call"
	}

	maxAttempts := 1 + c.opts.MaxRetries
	if req.NoRetry {
		maxAttempts = 1
	}
	schedule := c.newSchedule()

	for attempt := 1; ; attempt++ {
		resp, callErr := c.attempt(ctx, req, target, payload, attempt)
		retry := c.shouldRetry(ctx, resp, callErr)
		if !retry {
			return c.finish(req, target, resp, callErr)
		}
		if attempt >= maxAttempts {
			if c.opts.MaxRetries == 0 || req.NoRetry {
				return c.finish(req, target, resp, callErr)
			}
			if resp != nil && req.NoRaise {
				return resp, nil
			}
			cause := callErr
			if cause == nil {
				cause = statusError(req.Method, target, resp)
			}
			return resp, &Error{Kind: KindRetriesExhausted, Method: req.Method, URL: target, Attempts: attempt, Err: cause}
		}

		delay := schedule.NextBackOff()
		c.opts.Audit.Warn(ctx, audit.Entry{
			Category: audit.CategoryAPI,
			Message:  fmt.Sprintf("retrying %s %s (%d/%d)", req.Method, target, attempt, c.opts.MaxRetries),
			Source:   req.Source,
			UserID:   req.UserID,
			WorkerID: req.WorkerID,
			Details:  map[string]any{"retry_attempt": attempt, "retry_delay_ms": delay.Milliseconds()},
		})
		if err := c.opts.Sleep(ctx, delay); err != nil {
			return nil, &Error{Kind: KindConnection, Method: req.Method, URL: target, Attempts: attempt, Err: err}
		}
	}
}

func (c *Client) finish(req Request, target string, resp *Response, err error) (*Response, error) {
	if err != nil {
		return nil, err
	}
	if !resp.OK() && !req.NoRaise {
		return resp, statusError(req.Method, target, resp)
	}
	return resp, nil
}

func statusError(method, target string, resp *Response) error {
	return &Error{Kind: KindHTTPStatus, Method: method, URL: target, StatusCode: resp.StatusCode, Attempts: resp.Attempts}
}

// newSchedule yields RetryDelay * BackoffFactor^(n-1) for the n-th retry.
func (c *Client) newSchedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryDelay
	b.Multiplier = c.opts.BackoffFactor
	b.RandomizationFactor = 0
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Client) shouldRetry(ctx context.Context, resp *Response, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		var rpcErr *Error
		return errors.As(err, &rpcErr) && (rpcErr.Kind == KindTimeout || rpcErr.Kind == KindConnection)
	}
	if retryableStatus[resp.StatusCode] {
		return true
	}
	if len(c.opts.RetryIf) == 0 {
		return false
	}
	raw := &http.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: io.NopCloser(bytes.NewReader(resp.Body))}
	for _, pred := range c.opts.RetryIf {
		if pred(raw) {
			return true
		}
	}
	return false
}

func (c *Client) attempt(ctx context.Context, req Request, target string, payload []byte, attempt int) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, target, body)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Method: req.Method, URL: target, Attempts: attempt, Err: err}
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.opts.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	var resp *Response
	if err == nil {
		var data []byte
		data, err = io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		if err == nil {
			resp = &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data, Attempts: attempt}
		}
	}
	elapsed := time.Since(start)

	if err != nil {
		kind := KindConnection
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			kind = KindTimeout
		}
		metrics.ObserveRPC(req.Method, kind.String(), elapsed.Seconds())
		c.logAttempt(ctx, req, target, httpReq.Header, payload, nil, attempt, elapsed, err)
		return nil, &Error{Kind: kind, Method: req.Method, URL: target, Attempts: attempt, Err: err}
	}

	resp.Elapsed = elapsed
	metrics.ObserveRPC(req.Method, fmt.Sprintf("%dxx", resp.StatusCode/100), elapsed.Seconds())
	c.logAttempt(ctx, req, target, httpReq.Header, payload, resp, attempt, elapsed, nil)
	return resp, nil
}

func (c *Client) logAttempt(ctx context.Context, req Request, target string, headers http.Header, payload []byte, resp *Response, attempt int, elapsed time.Duration, err error) {
	if c.opts.LogLevel == LogNone {
		return
	}
	details := map[string]any{
		"method":     req.Method,
		"url":        target,
		"attempt":    attempt,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if c.opts.LogLevel >= LogHeaders {
		details["request_headers"] = redactHeaders(headers)
		if resp != nil {
			details["response_headers"] = flattenHeaders(resp.Header)
		}
	}
	if c.opts.LogLevel >= LogBody {
		if payload != nil {
			details["request_body"] = string(payload)
		}
		if resp != nil {
			details["response_body"] = string(resp.Body)
		}
	}

	e := audit.Entry{
		Category: audit.CategoryAPI,
		Source:   req.Source,
		UserID:   req.UserID,
		WorkerID: req.WorkerID,
		Details:  details,
	}
	switch {
	case err != nil:
		details["error"] = err.Error()
		e.Level = audit.LevelError
		e.Message = fmt.Sprintf("%s %s failed", req.Method, target)
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode >= 500:
		details["status"] = resp.StatusCode
		e.Level = audit.LevelError
		e.Message = fmt.Sprintf("%s %s -> %d", req.Method, target, resp.StatusCode)
	case !resp.OK():
		details["status"] = resp.StatusCode
		e.Level = audit.LevelWarning
		e.Message = fmt.Sprintf("%s %s -> %d", req.Method, target, resp.StatusCode)
	default:
		details["status"] = resp.StatusCode
		e.Level = audit.LevelInfo
		e.Message = fmt.Sprintf("%s %s -> %d", req.Method, target, resp.StatusCode)
	}
	c.opts.Audit.Record(ctx, e)
}

func (c *Client) resolve(raw string, query url.Values) (string, error) {
	target := raw
	if c.opts.BaseURL != "" && !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		target = strings.TrimRight(c.opts.BaseURL, "/") + "/" + strings.TrimLeft(raw, "/")
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("not an absolute url: %q", target)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	default:
		return json.Marshal(b)
	}
}

func redactHeaders(h http.Header) map[string]string {
	out := flattenHeaders(h)
	for _, k := range []string{"Authorization", "Cookie", "X-Bootstrap-Token"} {
		if _, ok := out[k]; ok {
			out[k] = "[redacted]"
		}
	}
	return out
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
