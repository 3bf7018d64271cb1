// Package queue keeps deferred requests in order and mirrors them to durable
// storage on every change.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/frc-emotion/nautilus/internal/bus"
	"github.com/frc-emotion/nautilus/internal/request"
	"github.com/frc-emotion/nautilus/internal/store"
	"go.uber.org/zap"
)

// Queue is an ordered, write-through persisted list of requests.
type Queue struct {
	mu    sync.Mutex
	items []*request.Request

	drainMu sync.Mutex
	// rerun is set by every Drain call. The drain holding drainMu keeps
	// making passes until it finds the flag clear.
	rerun atomic.Bool

	kv       store.KV
	registry *request.Registry
	bus      *bus.Bus
	logger   *zap.Logger
}

// New creates an empty queue backed by kv. Call Load to restore a previous run.
func New(kv store.KV, registry *request.Registry, b *bus.Bus, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		kv:       kv,
		registry: registry,
		bus:      b,
		logger:   logger,
	}
}

// Load replaces the in-memory list with the persisted one. Restored requests
// have no handlers; their outcomes go to the registry.
func (q *Queue) Load(ctx context.Context) (int, error) {
	raw, err := q.kv.Get(ctx, store.KeyRequestQueue)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read queue: %w", err)
	}

	var stored []*request.Request
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return 0, fmt.Errorf("decode queue: %w", err)
	}

	items := make([]*request.Request, 0, len(stored))
	for _, req := range stored {
		if req == nil {
			continue
		}
		if err := req.Prepare(); err != nil {
			q.logger.Warn("dropping unreadable queued request", zap.Error(err))
			continue
		}
		items = append(items, req)
	}

	q.mu.Lock()
	q.items = items
	q.mu.Unlock()

	q.logger.Info("queue restored", zap.Int("count", len(items)))
	return len(items), nil
}

// Enqueue appends req and persists the whole list. It does not check for
// duplicates; callers use Contains first. On a storage failure the request
// stays queued in memory and the error is returned.
func (q *Queue) Enqueue(ctx context.Context, req *request.Request) error {
	if err := req.Prepare(); err != nil {
		return err
	}

	q.mu.Lock()
	q.items = append(q.items, req)
	count := len(q.items)
	err := q.persistLocked(ctx)
	q.mu.Unlock()

	q.logger.Info("request queued",
		zap.Stringer("request", req), zap.Int("queue_len", count))
	q.bus.Emit(bus.KindEnqueued, map[string]any{"id": req.ID, "url": req.URL, "queue_len": count})
	if err != nil {
		q.logger.Error("failed to persist queue", zap.Error(err))
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

// Contains reports whether an equivalent request (same method, url and body)
// is already waiting.
func (q *Queue) Contains(req *request.Request) bool {
	key := req.DedupKey()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.DedupKey() == key {
			return true
		}
	}
	return false
}

// Len returns the number of waiting requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a copy of the waiting requests in order.
func (q *Queue) Pending() []request.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]request.Request, len(q.items))
	for i, item := range q.items {
		out[i] = *item
	}
	return out
}

// take empties the queue and returns what it held.
func (q *Queue) take(ctx context.Context) []*request.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.items
	q.items = nil
	if err := q.persistLocked(ctx); err != nil {
		q.logger.Error("failed to persist emptied queue", zap.Error(err))
	}
	return batch
}

// restore puts reqs back at the front, ahead of anything queued meanwhile.
func (q *Queue) restore(ctx context.Context, reqs []*request.Request) {
	if len(reqs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append([]*request.Request{}, reqs...), q.items...)
	if err := q.persistLocked(ctx); err != nil {
		q.logger.Error("failed to persist restored queue", zap.Error(err))
	}
}

func (q *Queue) persistLocked(ctx context.Context) error {
	items := q.items
	if items == nil {
		items = []*request.Request{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return err
	}
	// Storage writes must land even when the caller's context is done.
	return q.kv.Set(context.WithoutCancel(ctx), store.KeyRequestQueue, string(raw))
}
