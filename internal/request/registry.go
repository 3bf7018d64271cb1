package request

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// AnyKind registers a fallback used when no entry matches a request's Kind.
const AnyKind = "*"

// Registry routes outcomes. A request's own handlers win; when they are
// missing (the request was restored from storage) or already settled (its
// offline notification fired when it was queued), the handlers registered
// for its Kind receive the outcome instead.
type Registry struct {
	mu     sync.RWMutex
	byKind map[string]*Handlers
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{byKind: make(map[string]*Handlers), logger: logger}
}

// Register sets the handlers for kind, replacing any previous entry.
func (r *Registry) Register(kind string, h *Handlers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = h
}

func (r *Registry) lookup(kind string) *Handlers {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.byKind[kind]; ok {
		return h
	}
	return r.byKind[AnyKind]
}

// Offline notifies the caller that req was deferred. Only the request's own
// handler is consulted.
func (r *Registry) Offline(req *Request) {
	h := req.Handlers
	if h == nil || h.OnOffline == nil || !req.claim() {
		return
	}
	r.call(req, "offline", h.OnOffline)
}

// Succeed delivers a successful response for req.
func (r *Registry) Succeed(req *Request, resp *Response) {
	if h := req.Handlers; h != nil && h.OnSuccess != nil && req.claim() {
		r.call(req, "success", func() { h.OnSuccess(resp) })
		return
	}
	if h := r.lookup(req.Kind); h != nil && h.OnSuccess != nil {
		r.call(req, "success", func() { h.OnSuccess(resp) })
	}
}

// Fail delivers a terminal error for req.
func (r *Registry) Fail(req *Request, err error) {
	if h := req.Handlers; h != nil && h.OnError != nil && req.claim() {
		r.call(req, "error", func() { h.OnError(err) })
		return
	}
	if h := r.lookup(req.Kind); h != nil && h.OnError != nil {
		r.call(req, "error", func() { h.OnError(err) })
	}
}

func (r *Registry) call(req *Request, which string, f func()) {
	logger := zap.NewNop()
	if r != nil {
		logger = r.logger
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Error("request handler panicked",
				zap.String("handler", which),
				zap.String("request_id", req.ID),
				zap.String("panic", fmt.Sprint(p)))
		}
	}()
	f()
}
