// Package apiclient is the entry point the rest of the application uses to
// talk to the backend. It decides per request whether to send now or defer.
package apiclient

import (
	"context"
	"sync"

	"github.com/frc-emotion/nautilus/internal/auth"
	"github.com/frc-emotion/nautilus/internal/connectivity"
	"github.com/frc-emotion/nautilus/internal/executor"
	"github.com/frc-emotion/nautilus/internal/queue"
	"github.com/frc-emotion/nautilus/internal/request"
	"go.uber.org/zap"
)

// StateSource reports current connectivity. *connectivity.Machine satisfies it.
type StateSource interface {
	Current() connectivity.State
}

// Options wires a Client. All fields except Logger are required.
type Options struct {
	State     StateSource
	Executor  *executor.Executor
	Queue     *queue.Queue
	Validator *auth.Validator
	Registry  *request.Registry
	Logger    *zap.Logger
}

// Client routes requests between the executor and the persisted queue.
type Client struct {
	state     StateSource
	exec      *executor.Executor
	queue     *queue.Queue
	validator *auth.Validator
	registry  *request.Registry
	logger    *zap.Logger

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ executor.Requeuer    = (*Client)(nil)
	_ connectivity.Drainer = (*Client)(nil)
)

// New creates a Client and registers it as the executor's requeuer.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		state:     opts.State,
		exec:      opts.Executor,
		queue:     opts.Queue,
		validator: opts.Validator,
		registry:  opts.Registry,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.exec.SetRequeuer(c)
	return c
}

// Register attaches handlers for requests of the given kind that come back
// from storage or complete after their offline notice.
func (c *Client) Register(kind string, h *request.Handlers) {
	c.registry.Register(kind, h)
}

// HandleRequest sends req now when the backend is reachable, otherwise tells
// the caller it is offline and queues req for the next reconnect.
//
// While connected, failures without a status are reported to the error
// handler and not retried. While disconnected, a request equal to one already
// queued only triggers the offline handler. In the unknown state every
// request is queued.
//
// The returned error covers invalid requests and storage failures only.
// Outcomes are reported through the handlers.
func (c *Client) HandleRequest(ctx context.Context, req *request.Request) error {
	if err := req.Prepare(); err != nil {
		return err
	}

	state := c.state.Current()
	switch state {
	case connectivity.Connected:
		_, err := c.exec.Do(ctx, req)
		if request.IsTransient(err) {
			c.logger.Warn("request failed", zap.Stringer("request", req), zap.Error(err))
			c.registry.Fail(req, err)
		}
		return nil

	case connectivity.Disconnected:
		if c.queue.Contains(req) {
			c.logger.Info("request already queued",
				zap.Stringer("request", req), zap.NamedError("reason", request.ErrOffline))
			c.registry.Offline(req)
			return nil
		}
	}

	c.logger.Info("deferring request",
		zap.Stringer("request", req),
		zap.String("state", string(state)),
		zap.NamedError("reason", request.ErrOffline))
	c.registry.Offline(req)
	return c.queue.Enqueue(ctx, req)
}

// ValidateToken checks token and returns the user it belongs to.
func (c *Client) ValidateToken(ctx context.Context, token string) (*auth.User, error) {
	return c.validator.Validate(ctx, token)
}

// ClearSession forgets the cached user.
func (c *Client) ClearSession(ctx context.Context) error {
	return c.validator.ClearSession(ctx)
}

// Requeue puts a request back on the queue, draining right away when the
// backend is reachable. The executor calls it once a Retry-After elapses.
func (c *Client) Requeue(ctx context.Context, req *request.Request) error {
	if err := c.queue.Enqueue(ctx, req); err != nil {
		return err
	}
	if c.state.Current() == connectivity.Connected {
		c.drainAsync()
	}
	return nil
}

// Drain attempts every queued request. The connectivity monitor calls it on
// reconnect.
func (c *Client) Drain(ctx context.Context) {
	c.queue.Drain(ctx, c.exec)
}

// Pending returns the queued requests.
func (c *Client) Pending() []request.Request {
	return c.queue.Pending()
}

// Close hands scheduled retries to the queue and waits for background drains.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	err := c.exec.Close(ctx)
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (c *Client) drainAsync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Drain(c.ctx)
	}()
}
