// Package executor performs single HTTP attempts for queued requests and
// classifies their outcome.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/frc-emotion/nautilus/internal/bus"
	"github.com/frc-emotion/nautilus/internal/clock"
	"github.com/frc-emotion/nautilus/internal/request"
	"go.uber.org/zap"
)

const (
	DefaultTimeout    = 5 * time.Second
	DefaultMaxRetries = 3
)

// Requeuer puts a request back on the persisted queue.
type Requeuer interface {
	Requeue(ctx context.Context, req *request.Request) error
}

// Options configures an Executor. Zero values select defaults.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
	Clock      clock.Clock
	Registry   *request.Registry
	Bus        *bus.Bus
	Logger     *zap.Logger
	// Token returns the bearer credential attached to every request that does
	// not set its own Authorization header. May be nil.
	Token func() string
}

// Executor runs one attempt per call.
type Executor struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
	client     *http.Client
	clock      clock.Clock
	registry   *request.Registry
	bus        *bus.Bus
	logger     *zap.Logger
	token      func() string

	mu        sync.Mutex
	requeuer  Requeuer
	scheduled map[string]scheduledRetry
	closed    bool
}

type scheduledRetry struct {
	timer clock.Timer
	req   *request.Request
}

// New creates an executor.
func New(opts Options) *Executor {
	e := &Executor{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		client:     opts.HTTPClient,
		clock:      opts.Clock,
		registry:   opts.Registry,
		bus:        opts.Bus,
		logger:     opts.Logger,
		token:      opts.Token,
		scheduled:  make(map[string]scheduledRetry),
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.maxRetries <= 0 {
		e.maxRetries = DefaultMaxRetries
	}
	if e.client == nil {
		e.client = &http.Client{}
	}
	if e.clock == nil {
		e.clock = clock.Real{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// SetRequeuer attaches the component that receives rate-limited retries.
// Without one, a 429 is treated as a terminal rejection.
func (e *Executor) SetRequeuer(r Requeuer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requeuer = r
}

// MaxRetries is the retry budget shared by the executor and the queue.
func (e *Executor) MaxRetries() int {
	return e.maxRetries
}

// Do performs a single attempt.
//
// On 2xx the success handler runs and the response is returned. A non-2xx
// status is returned as *request.StatusError after the error handler runs.
// A 429 with a usable Retry-After schedules a requeue and returns
// *request.RateLimitError without running any handler. Failures without a
// status come back as *request.TransientError and no handler runs; the
// caller decides whether to retry.
func (e *Executor) Do(ctx context.Context, req *request.Request) (*request.Response, error) {
	timeout := e.timeout
	if req.Config != nil && req.Config.Timeout > 0 {
		timeout = req.Config.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := e.build(ctx, req)
	if err != nil {
		e.registry.Fail(req, err)
		return nil, err
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		e.logger.Warn("request failed without response", zap.Stringer("request", req), zap.Error(err))
		return nil, &request.TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &request.TransientError{Err: fmt.Errorf("read body: %w", err)}
	}
	e.logRateLimit(req, resp.Header)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out := &request.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
		e.registry.Succeed(req, out)
		e.bus.Emit(bus.KindRequestSucceeded, outcome(req, resp.StatusCode))
		return out, nil
	}

	statusErr := &request.StatusError{
		Method:     req.Method,
		URL:        httpReq.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if delay, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), e.clock.Now()); ok {
			return nil, e.rateLimited(req, statusErr, delay)
		}
		e.logger.Warn("rate limited without usable Retry-After",
			zap.Stringer("request", req), zap.String("retry_after", resp.Header.Get("Retry-After")))
	}

	e.logger.Info("request rejected", zap.Stringer("request", req), zap.Int("status", resp.StatusCode))
	e.registry.Fail(req, statusErr)
	e.bus.Emit(bus.KindRequestFailed, outcome(req, resp.StatusCode))
	return nil, statusErr
}

func (e *Executor) rateLimited(req *request.Request, statusErr *request.StatusError, delay time.Duration) error {
	e.mu.Lock()
	requeuer := e.requeuer
	closed := e.closed
	e.mu.Unlock()

	if requeuer == nil || closed || req.RetryCount+1 >= e.maxRetries {
		err := fmt.Errorf("%w: %w", request.ErrRetriesExhausted, statusErr)
		e.logger.Warn("rate limited with no retry budget left", zap.Stringer("request", req))
		e.registry.Fail(req, err)
		e.bus.Emit(bus.KindRequestFailed, outcome(req, statusErr.StatusCode))
		return err
	}

	retry := req.WithRetry()
	e.mu.Lock()
	e.scheduled[retry.ID] = scheduledRetry{
		req: retry,
		timer: e.clock.AfterFunc(delay, func() {
			e.mu.Lock()
			_, pending := e.scheduled[retry.ID]
			delete(e.scheduled, retry.ID)
			e.mu.Unlock()
			if !pending {
				return
			}
			if err := requeuer.Requeue(context.Background(), retry); err != nil {
				e.logger.Error("failed to requeue rate-limited request", zap.Stringer("request", retry), zap.Error(err))
				e.registry.Fail(retry, err)
			}
		}),
	}
	e.mu.Unlock()

	e.logger.Info("rate limited, retry scheduled",
		zap.Stringer("request", req), zap.Duration("delay", delay))
	e.bus.Emit(bus.KindRequestRateLimited, outcome(req, statusErr.StatusCode))
	return &request.RateLimitError{StatusError: *statusErr, Delay: delay}
}

// Close cancels scheduled rate-limit retries and hands their requests to the
// requeuer immediately so they reach durable storage.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	pending := make([]*request.Request, 0, len(e.scheduled))
	for id, s := range e.scheduled {
		s.timer.Stop()
		pending = append(pending, s.req)
		delete(e.scheduled, id)
	}
	requeuer := e.requeuer
	e.mu.Unlock()

	if requeuer == nil {
		return nil
	}
	var errs []error
	for _, req := range pending {
		if err := requeuer.Requeue(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Scheduled reports how many rate-limit retries are waiting on a timer.
func (e *Executor) Scheduled() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.scheduled)
}

func (e *Executor) build(ctx context.Context, req *request.Request) (*http.Request, error) {
	target, err := e.resolve(req)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(req.Data) > 0 {
		body = bytes.NewReader(req.Data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", request.ErrInvalidRequest, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if e.token != nil {
		if tok := e.token(); tok != "" {
			httpReq.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (e *Executor) resolve(req *request.Request) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", fmt.Errorf("%w: parse url: %v", request.ErrInvalidRequest, err)
	}
	if !u.IsAbs() {
		u, err = url.Parse(e.baseURL + "/" + strings.TrimLeft(req.URL, "/"))
		if err != nil {
			return "", fmt.Errorf("%w: parse url: %v", request.ErrInvalidRequest, err)
		}
	}
	if req.Config != nil && len(req.Config.Query) > 0 {
		q := u.Query()
		for k, v := range req.Config.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

var rateLimitHeaders = []string{"ratelimit-limit", "ratelimit-remaining", "ratelimit-reset", "ratelimit-policy"}

func (e *Executor) logRateLimit(req *request.Request, h http.Header) {
	var fields []zap.Field
	for _, name := range rateLimitHeaders {
		if v := h.Get(name); v != "" {
			fields = append(fields, zap.String(name, v))
		}
	}
	if len(fields) == 0 {
		return
	}
	e.logger.Debug("rate limit headers", append(fields, zap.Stringer("request", req))...)
}

func outcome(req *request.Request, status int) map[string]any {
	return map[string]any{
		"id":     req.ID,
		"kind":   req.Kind,
		"url":    req.URL,
		"status": status,
		"retry":  req.RetryCount,
	}
}
