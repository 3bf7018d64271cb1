package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/frc-emotion/nautilus/internal/bus"
	"github.com/frc-emotion/nautilus/internal/request"
	"github.com/frc-emotion/nautilus/internal/store"
)

// scriptedExec returns the queued results in order, then nil.
type scriptedExec struct {
	mu      sync.Mutex
	max     int
	results []error
	calls   []*request.Request
	before  func(req *request.Request)
}

func (s *scriptedExec) Do(_ context.Context, req *request.Request) (*request.Response, error) {
	if s.before != nil {
		s.before(req)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.results) == 0 {
		return &request.Response{StatusCode: http.StatusOK}, nil
	}
	err := s.results[0]
	s.results = s.results[1:]
	return nil, err
}

func (s *scriptedExec) MaxRetries() int { return s.max }

func transient(msg string) error {
	return &request.TransientError{Err: errors.New(msg)}
}

func mustRequest(t *testing.T, method request.Method, url string, data any, h *request.Handlers) *request.Request {
	t.Helper()
	req, err := request.New(method, url, data, h)
	if err != nil {
		t.Fatalf("request.New: %v", err)
	}
	return req
}

func newTestQueue(kv store.KV, reg *request.Registry) *Queue {
	return New(kv, reg, bus.New(), nil)
}

func TestEnqueuePersistsAndLoadRestoresOrder(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	q := newTestQueue(kv, nil)

	first := mustRequest(t, request.MethodPost, "/api/attendance/", map[string]int{"meeting": 7}, nil)
	first.Kind = "attendance.checkin"
	second := mustRequest(t, request.MethodDelete, "/api/meetings/7", nil, nil)
	for _, r := range []*request.Request{first, second} {
		if err := q.Enqueue(ctx, r); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	restored := newTestQueue(kv, nil)
	n, err := restored.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 2 || restored.Len() != 2 {
		t.Fatalf("restored %d (len %d), want 2", n, restored.Len())
	}
	got := restored.Pending()
	if got[0].ID != first.ID || got[1].ID != second.ID {
		t.Errorf("order = [%s %s], want [%s %s]", got[0].ID, got[1].ID, first.ID, second.ID)
	}
	if got[0].Kind != "attendance.checkin" || string(got[0].Data) != `{"meeting":7}` {
		t.Errorf("restored first = %+v", got[0])
	}
	if got[0].Handlers != nil {
		t.Error("handlers should not survive a reload")
	}
}

func TestLoadEmptyStore(t *testing.T) {
	q := newTestQueue(store.NewMemory(), nil)
	n, err := q.Load(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Load = %d, %v; want 0, nil", n, err)
	}
}

func TestLoadDropsUnreadableEntries(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	_ = kv.Set(ctx, store.KeyRequestQueue,
		`[{"id":"a","url":"/ok","method":"GET","retryCount":1},{"id":"b","url":"/bad","method":"PATCH"},null]`)

	q := newTestQueue(kv, nil)
	n, err := q.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored %d, want 1", n)
	}
	if p := q.Pending()[0]; p.ID != "a" || p.RetryCount != 1 {
		t.Errorf("restored = %+v", p)
	}
}

func TestLoadCorruptQueue(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	_ = kv.Set(ctx, store.KeyRequestQueue, "{not json")
	if _, err := newTestQueue(kv, nil).Load(ctx); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestContainsMatchesEquivalentBody(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(store.NewMemory(), nil)
	queued := &request.Request{Method: request.MethodPost, URL: "/api/x", Data: json.RawMessage(`{"a": 1, "b": [1, 2]}`)}
	if err := q.Enqueue(ctx, queued); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	same := &request.Request{Method: request.MethodPost, URL: "/api/x", Data: json.RawMessage(`{"a":1,"b":[1,2]}`)}
	if !q.Contains(same) {
		t.Error("equivalent request should be found")
	}
	other := &request.Request{Method: request.MethodPost, URL: "/api/x", Data: json.RawMessage(`{"a":2}`)}
	if q.Contains(other) {
		t.Error("different body should not match")
	}
	put := &request.Request{Method: request.MethodPut, URL: "/api/x", Data: json.RawMessage(`{"a":1,"b":[1,2]}`)}
	if q.Contains(put) {
		t.Error("different method should not match")
	}
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	q := newTestQueue(store.NewMemory(), nil)
	err := q.Enqueue(context.Background(), &request.Request{Method: "PATCH", URL: "/x"})
	if !errors.Is(err, request.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
	if q.Len() != 0 {
		t.Error("invalid request must not be queued")
	}
}

func TestEnqueueStorageFailureKeepsRequestInMemory(t *testing.T) {
	kv := store.NewMemory()
	kv.FailWrites = errors.New("disk full")
	q := newTestQueue(kv, nil)

	err := q.Enqueue(context.Background(), mustRequest(t, request.MethodGet, "/x", nil, nil))
	if err == nil {
		t.Fatal("expected persistence error")
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestDrainSuccessEmptiesQueue(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	q := newTestQueue(kv, nil)
	for _, url := range []string{"/a", "/b"} {
		_ = q.Enqueue(ctx, mustRequest(t, request.MethodGet, url, nil, nil))
	}

	exec := &scriptedExec{max: 3}
	res := q.Drain(ctx, exec)

	if res.Attempted != 2 || res.Succeeded != 2 {
		t.Errorf("result = %+v", res)
	}
	if len(exec.calls) != 2 || exec.calls[0].URL != "/a" || exec.calls[1].URL != "/b" {
		t.Errorf("calls out of order: %v", exec.calls)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
	raw, _ := kv.Get(ctx, store.KeyRequestQueue)
	if raw != "[]" {
		t.Errorf("persisted = %q, want []", raw)
	}
}

func TestDrainEmptyQueue(t *testing.T) {
	exec := &scriptedExec{max: 3}
	res := newTestQueue(store.NewMemory(), nil).Drain(context.Background(), exec)
	if res.Attempted != 0 || len(exec.calls) != 0 {
		t.Errorf("result = %+v, calls = %d", res, len(exec.calls))
	}
}

func TestDrainDiscardsAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(store.NewMemory(), nil)

	var errs []error
	req := mustRequest(t, request.MethodPost, "/api/x", nil, &request.Handlers{
		OnError: func(err error) { errs = append(errs, err) },
	})
	_ = q.Enqueue(ctx, req)

	exec := &scriptedExec{max: 3, results: []error{transient("reset 1"), transient("reset 2"), transient("reset 3")}}

	for attempt := 1; attempt <= 2; attempt++ {
		res := q.Drain(ctx, exec)
		if res.Requeued != 1 {
			t.Fatalf("drain %d: %+v, want one requeued", attempt, res)
		}
		if got := q.Pending()[0].RetryCount; got != attempt {
			t.Fatalf("drain %d: RetryCount = %d", attempt, got)
		}
		if len(errs) != 0 {
			t.Fatalf("drain %d: error handler ran early", attempt)
		}
	}

	res := q.Drain(ctx, exec)
	if res.Discarded != 1 {
		t.Fatalf("final drain = %+v, want one discarded", res)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
	if len(exec.calls) != 3 {
		t.Errorf("attempts = %d, want 3", len(exec.calls))
	}
	if len(errs) != 1 {
		t.Fatalf("error handler ran %d times, want 1", len(errs))
	}
	if !errors.Is(errs[0], request.ErrRetriesExhausted) || !request.IsTransient(errs[0]) {
		t.Errorf("final error = %v", errs[0])
	}
}

func TestDrainRetriesRegardlessOfRetryCount(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	_ = kv.Set(ctx, store.KeyRequestQueue, `[{"id":"a","url":"/a","method":"GET","retryCount":5}]`)
	q := newTestQueue(kv, nil)
	if _, err := q.Load(ctx); err != nil {
		t.Fatal(err)
	}

	exec := &scriptedExec{max: 3}
	if res := q.Drain(ctx, exec); res.Succeeded != 1 {
		t.Errorf("result = %+v, want the over-budget request attempted", res)
	}
}

func TestDrainRestoredRequestReportsThroughRegistry(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	_ = kv.Set(ctx, store.KeyRequestQueue,
		`[{"id":"a","kind":"attendance.checkin","url":"/a","method":"POST","retryCount":2}]`)

	var got error
	reg := request.NewRegistry(nil)
	reg.Register("attendance.checkin", &request.Handlers{OnError: func(err error) { got = err }})

	q := newTestQueue(kv, reg)
	if _, err := q.Load(ctx); err != nil {
		t.Fatal(err)
	}
	q.Drain(ctx, &scriptedExec{max: 3, results: []error{transient("refused")}})

	if !errors.Is(got, request.ErrRetriesExhausted) {
		t.Errorf("registry error = %v", got)
	}
}

func TestDrainTerminalOutcomesAreNotRequeued(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(store.NewMemory(), nil)
	_ = q.Enqueue(ctx, mustRequest(t, request.MethodGet, "/forbidden", nil, nil))
	_ = q.Enqueue(ctx, mustRequest(t, request.MethodGet, "/limited", nil, nil))

	exec := &scriptedExec{max: 3, results: []error{
		&request.StatusError{Method: request.MethodGet, URL: "/forbidden", StatusCode: http.StatusForbidden},
		&request.RateLimitError{
			StatusError: request.StatusError{Method: request.MethodGet, URL: "/limited", StatusCode: http.StatusTooManyRequests},
			Delay:       time.Second,
		},
	}}
	res := q.Drain(ctx, exec)

	if res.Rejected != 1 || res.RateLimited != 1 {
		t.Errorf("result = %+v", res)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
}

func TestDrainKeepsRequestsQueuedDuringPass(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(store.NewMemory(), nil)
	_ = q.Enqueue(ctx, mustRequest(t, request.MethodGet, "/old", nil, nil))

	late := mustRequest(t, request.MethodGet, "/late", nil, nil)
	exec := &scriptedExec{max: 3}
	exec.before = func(req *request.Request) {
		if req.URL == "/old" {
			_ = q.Enqueue(ctx, late)
		}
	}
	res := q.Drain(ctx, exec)

	if res.Attempted != 1 {
		t.Errorf("attempted = %d, want 1", res.Attempted)
	}
	if p := q.Pending(); len(p) != 1 || p[0].ID != late.ID {
		t.Errorf("pending = %v, want the late request", p)
	}
}

func TestDrainIsSerialized(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(store.NewMemory(), nil)
	_ = q.Enqueue(ctx, mustRequest(t, request.MethodGet, "/slow", nil, nil))

	started := make(chan struct{})
	release := make(chan struct{})
	exec := &scriptedExec{max: 3}
	exec.before = func(*request.Request) {
		close(started)
		<-release
	}

	done := make(chan DrainResult)
	go func() { done <- q.Drain(ctx, exec) }()
	<-started

	if res := q.Drain(ctx, &scriptedExec{max: 3}); !res.Skipped {
		t.Errorf("concurrent drain = %+v, want skipped", res)
	}
	close(release)
	if res := <-done; res.Succeeded != 1 {
		t.Errorf("first drain = %+v", res)
	}
}

func TestDrainRequestedDuringPassRunsAgain(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(store.NewMemory(), nil)
	_ = q.Enqueue(ctx, mustRequest(t, request.MethodGet, "/slow", nil, nil))

	started := make(chan struct{})
	release := make(chan struct{})
	exec := &scriptedExec{max: 3}
	exec.before = func(req *request.Request) {
		if req.URL == "/slow" {
			close(started)
			<-release
		}
	}

	done := make(chan DrainResult)
	go func() { done <- q.Drain(ctx, exec) }()
	<-started

	late := mustRequest(t, request.MethodPost, "/late", map[string]string{"k": "v"}, nil)
	_ = q.Enqueue(ctx, late)
	if res := q.Drain(ctx, exec); !res.Skipped {
		t.Errorf("concurrent drain = %+v, want skipped", res)
	}
	close(release)

	res := <-done
	if res.Succeeded != 2 {
		t.Errorf("running drain = %+v, want both requests sent", res)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
	if len(exec.calls) != 2 || exec.calls[1].ID != late.ID {
		t.Errorf("calls = %v", exec.calls)
	}
}

func TestDrainCancelledKeepsOriginalOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := newTestQueue(store.NewMemory(), nil)
	for _, url := range []string{"/a", "/b", "/c"} {
		_ = q.Enqueue(ctx, mustRequest(t, request.MethodGet, url, nil, nil))
	}

	exec := &scriptedExec{max: 3, results: []error{
		transient("reset"),
		&request.TransientError{Err: context.Canceled},
	}}
	exec.before = func(req *request.Request) {
		if req.URL == "/b" {
			cancel()
		}
	}
	res := q.Drain(ctx, exec)

	if res.Attempted != 1 || res.Requeued != 1 {
		t.Errorf("result = %+v", res)
	}
	p := q.Pending()
	if len(p) != 3 || p[0].URL != "/a" || p[1].URL != "/b" || p[2].URL != "/c" {
		t.Fatalf("pending = %v, want [/a /b /c]", p)
	}
	if p[0].RetryCount != 1 || p[1].RetryCount != 0 {
		t.Errorf("retry counts = %d, %d; want 1, 0", p[0].RetryCount, p[1].RetryCount)
	}
}

func TestDrainCancelledPutsRequestsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := newTestQueue(store.NewMemory(), nil)
	_ = q.Enqueue(ctx, mustRequest(t, request.MethodGet, "/a", nil, nil))
	_ = q.Enqueue(ctx, mustRequest(t, request.MethodGet, "/b", nil, nil))

	exec := &scriptedExec{max: 3, results: []error{&request.TransientError{Err: context.Canceled}}}
	exec.before = func(*request.Request) { cancel() }
	res := q.Drain(ctx, exec)

	if res.Attempted != 0 {
		t.Errorf("attempted = %d, want 0", res.Attempted)
	}
	p := q.Pending()
	if len(p) != 2 || p[0].URL != "/a" || p[1].URL != "/b" {
		t.Fatalf("pending = %v, want [/a /b]", p)
	}
	if p[0].RetryCount != 0 {
		t.Errorf("interrupted attempt counted: RetryCount = %d", p[0].RetryCount)
	}
}

func TestDrainPublishesSummary(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	events, unsub := b.Subscribe("queue.drained", 1)
	defer unsub()

	q := New(store.NewMemory(), nil, b, nil)
	_ = q.Enqueue(ctx, mustRequest(t, request.MethodGet, "/a", nil, nil))
	q.Drain(ctx, &scriptedExec{max: 3})

	select {
	case evt := <-events:
		res, ok := evt.Payload.(DrainResult)
		if !ok || res.Succeeded != 1 {
			t.Errorf("payload = %#v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no drained event")
	}
}
