package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/frc-emotion/nautilus/internal/bus"
	"github.com/frc-emotion/nautilus/internal/request"
	"go.uber.org/zap"
)

// Executor performs one attempt for a request. *executor.Executor satisfies it.
type Executor interface {
	Do(ctx context.Context, req *request.Request) (*request.Response, error)
	MaxRetries() int
}

// DrainResult summarizes one or more drain passes.
type DrainResult struct {
	Attempted   int
	Succeeded   int
	Requeued    int
	RateLimited int
	Rejected    int
	Discarded   int
	// Skipped is set when another drain was already running. That drain makes
	// one more pass on this call's behalf.
	Skipped bool
}

func (r *DrainResult) add(o DrainResult) {
	r.Attempted += o.Attempted
	r.Succeeded += o.Succeeded
	r.Requeued += o.Requeued
	r.RateLimited += o.RateLimited
	r.Rejected += o.Rejected
	r.Discarded += o.Discarded
}

// Drain attempts every queued request once, sequentially and in order.
//
// The queue is emptied before the first attempt so requests enqueued during
// the pass are kept for the next one. Success and HTTP rejections end a
// request (the executor already ran its handler). A rate-limited request is
// left to the retry the executor scheduled. A transient failure is queued
// again with RetryCount+1 until that count reaches the retry budget; then the
// final error is delivered and the request dropped. Every queued request is
// attempted regardless of its RetryCount.
//
// Only one drain runs at a time. A call made while another is running returns
// Skipped, and the running drain makes another pass once its current one ends.
func (q *Queue) Drain(ctx context.Context, exec Executor) DrainResult {
	q.rerun.Store(true)

	res := DrainResult{Skipped: true}
	for q.rerun.Load() && ctx.Err() == nil {
		if !q.drainMu.TryLock() {
			break
		}
		res.Skipped = false
		for q.rerun.Swap(false) && ctx.Err() == nil {
			res.add(q.drainPass(ctx, exec))
		}
		q.drainMu.Unlock()
	}
	return res
}

func (q *Queue) drainPass(ctx context.Context, exec Executor) DrainResult {
	var res DrainResult
	batch := q.take(ctx)
	if len(batch) == 0 {
		return res
	}
	q.logger.Info("draining queue", zap.Int("count", len(batch)))

	// retry holds transient failures from this pass. They go back ahead of
	// anything enqueued meanwhile, followed by whatever an interruption left
	// unattempted, so original order survives.
	var retry []*request.Request
	rest := len(batch)
loop:
	for i, req := range batch {
		if ctx.Err() != nil {
			rest = i
			break
		}
		res.Attempted++

		_, err := exec.Do(ctx, req)
		var rateLimited *request.RateLimitError
		switch {
		case err == nil:
			res.Succeeded++
		case errors.As(err, &rateLimited):
			res.RateLimited++
		case request.IsTransient(err) && ctx.Err() != nil:
			// Interrupted by shutdown rather than the network; the attempt
			// does not count.
			res.Attempted--
			rest = i
			break loop
		case request.IsTransient(err):
			next := req.WithRetry()
			if next.RetryCount < exec.MaxRetries() {
				q.logger.Info("request will be retried", zap.Stringer("request", next), zap.Error(err))
				retry = append(retry, next)
				res.Requeued++
				continue
			}
			final := fmt.Errorf("%w after %d attempts: %w", request.ErrRetriesExhausted, next.RetryCount, err)
			q.logger.Warn("dropping request", zap.Stringer("request", req), zap.Error(err))
			q.registry.Fail(req, final)
			q.bus.Emit(bus.KindRequestFailed, map[string]any{"id": req.ID, "url": req.URL, "error": final.Error()})
			res.Discarded++
		default:
			res.Rejected++
		}
	}
	q.restore(ctx, append(retry, batch[rest:]...))

	q.logger.Info("queue drained",
		zap.Int("attempted", res.Attempted),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("requeued", res.Requeued),
		zap.Int("rate_limited", res.RateLimited),
		zap.Int("rejected", res.Rejected),
		zap.Int("discarded", res.Discarded),
		zap.Int("remaining", q.Len()))
	q.bus.Emit(bus.KindDrained, res)
	return res
}
