// Package request defines the deferred HTTP call descriptor shared by the
// executor, the persisted queue and the client façade.
package request

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Method is one of the HTTP verbs the backend accepts.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

// ParseMethod accepts a verb in any case ("post", "Post", "POST").
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: unsupported method %q", ErrInvalidRequest, s)
	}
	return m, nil
}

// Valid reports whether m is a supported verb.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete:
		return true
	}
	return false
}

// Config carries per-request transport options.
type Config struct {
	Timeout time.Duration     `json:"timeout,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
}

// Handlers are the caller's continuations. They are never persisted.
type Handlers struct {
	OnSuccess func(*Response)
	OnError   func(error)
	OnOffline func()
}

// Request is a deferred or in-flight HTTP call.
type Request struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind,omitempty"`
	URL        string            `json:"url"`
	Method     Method            `json:"method"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Config     *Config           `json:"config,omitempty"`
	RetryCount int               `json:"retryCount"`
	CreatedAt  time.Time         `json:"createdAt"`

	Handlers *Handlers `json:"-"`

	// settled is shared by every retry copy of the request so that at most
	// one of its own handlers ever runs.
	settled *atomic.Bool
}

// New builds a request with a JSON-encoded body. data may be nil.
func New(method Method, url string, data any, h *Handlers) (*Request, error) {
	r := &Request{Method: method, URL: url, Handlers: h}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("%w: encode body: %v", ErrInvalidRequest, err)
		}
		r.Data = raw
	}
	if err := r.Prepare(); err != nil {
		return nil, err
	}
	return r, nil
}

// Prepare validates r and fills the ID, creation time and settle guard when
// missing. Requests restored from storage are prepared again on load.
func (r *Request) Prepare() error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.settled == nil {
		r.settled = new(atomic.Bool)
	}
	return nil
}

// Validate checks the fields the executor depends on.
func (r *Request) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("%w: empty url", ErrInvalidRequest)
	}
	if !r.Method.Valid() {
		return fmt.Errorf("%w: unsupported method %q", ErrInvalidRequest, r.Method)
	}
	if len(r.Data) > 0 && !json.Valid(r.Data) {
		return fmt.Errorf("%w: body is not valid JSON", ErrInvalidRequest)
	}
	if r.RetryCount < 0 {
		return fmt.Errorf("%w: negative retry count", ErrInvalidRequest)
	}
	return nil
}

// DedupKey identifies requests that would have the same effect on the backend.
func (r *Request) DedupKey() string {
	body := r.Data
	if len(body) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, body); err == nil {
			body = buf.Bytes()
		}
	}
	return string(r.Method) + " " + r.URL + " " + string(body)
}

// WithRetry returns a copy whose RetryCount is one higher. The copy shares the
// handlers and the settle guard of r.
func (r *Request) WithRetry() *Request {
	cp := *r
	cp.RetryCount++
	return &cp
}

// Settled reports whether one of the request's own handlers has already run.
func (r *Request) Settled() bool {
	return r.settled != nil && r.settled.Load()
}

// claim marks the request settled. It returns false if it already was.
func (r *Request) claim() bool {
	if r.settled == nil {
		r.settled = new(atomic.Bool)
	}
	return r.settled.CompareAndSwap(false, true)
}

func (r *Request) String() string {
	return fmt.Sprintf("%s %s (id=%s retry=%d)", r.Method, r.URL, r.ID, r.RetryCount)
}
