// Package outbox periodically retries queued requests while the backend is
// reachable, so transient failures do not wait for the next reconnect.
package outbox

import (
	"context"
	"time"

	"github.com/frc-emotion/nautilus/internal/connectivity"
	"go.uber.org/zap"
)

// Backlog reports how many requests are waiting. *queue.Queue satisfies it.
type Backlog interface {
	Len() int
}

// StateSource reports current connectivity.
type StateSource interface {
	Current() connectivity.State
}

// Sender drains the queue on a fixed interval.
type Sender struct {
	drainer  connectivity.Drainer
	backlog  Backlog
	state    StateSource
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSender creates a sender. A non-positive interval disables it.
func NewSender(d connectivity.Drainer, backlog Backlog, state StateSource, interval time.Duration, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		drainer:  d,
		backlog:  backlog,
		state:    state,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the retry loop.
func (s *Sender) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("periodic retry disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the loop and waits for a running drain to return.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	if s.state.Current() != connectivity.Connected {
		return
	}
	n := s.backlog.Len()
	if n == 0 {
		return
	}
	s.logger.Debug("retrying queued requests", zap.Int("count", n))
	s.drainer.Drain(ctx)
}
