package request

import (
	"errors"
	"testing"
)

func TestOfflineThenOutcomeRoutesToRegistry(t *testing.T) {
	var own, registered []string
	reg := NewRegistry(nil)
	reg.Register("attendance.checkin", &Handlers{
		OnSuccess: func(*Response) { registered = append(registered, "success") },
	})

	r, _ := New(MethodPost, "/api/attendance/", nil, &Handlers{
		OnSuccess: func(*Response) { own = append(own, "success") },
		OnOffline: func() { own = append(own, "offline") },
	})
	r.Kind = "attendance.checkin"

	reg.Offline(r)
	reg.Offline(r)
	reg.Succeed(r, &Response{StatusCode: 201})

	if len(own) != 1 || own[0] != "offline" {
		t.Errorf("own handlers = %v, want [offline]", own)
	}
	if len(registered) != 1 {
		t.Errorf("registry handlers = %v, want one success", registered)
	}
}

func TestRestoredRequestUsesFallback(t *testing.T) {
	var got error
	reg := NewRegistry(nil)
	reg.Register(AnyKind, &Handlers{OnError: func(err error) { got = err }})

	restored := &Request{Method: MethodGet, URL: "/x", Kind: "unregistered"}
	boom := errors.New("boom")
	reg.Fail(restored, boom)

	if !errors.Is(got, boom) {
		t.Errorf("fallback got %v, want %v", got, boom)
	}
}

func TestRegistryHandlersAreReusable(t *testing.T) {
	count := 0
	reg := NewRegistry(nil)
	reg.Register("k", &Handlers{OnSuccess: func(*Response) { count++ }})

	for i := 0; i < 3; i++ {
		reg.Succeed(&Request{Kind: "k"}, &Response{})
	}
	if count != 3 {
		t.Errorf("registry handler ran %d times, want 3", count)
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	reg := NewRegistry(nil)
	r, _ := New(MethodGet, "/x", nil, &Handlers{OnError: func(error) { panic("handler bug") }})
	reg.Fail(r, errors.New("boom"))
	if !r.Settled() {
		t.Error("request not settled after panicking handler")
	}
}

func TestNilRegistryStillCallsOwnHandlers(t *testing.T) {
	var reg *Registry
	called := false
	r, _ := New(MethodGet, "/x", nil, &Handlers{OnSuccess: func(*Response) { called = true }})
	reg.Succeed(r, &Response{})
	if !called {
		t.Error("own handler not called with nil registry")
	}
}
