package api

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/frc-emotion/nautilus/internal/apiclient"
	"github.com/frc-emotion/nautilus/internal/auth"
	"github.com/frc-emotion/nautilus/internal/connectivity"
	"github.com/frc-emotion/nautilus/internal/executor"
	"github.com/frc-emotion/nautilus/internal/queue"
	"github.com/frc-emotion/nautilus/internal/request"
	"github.com/frc-emotion/nautilus/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type fixture struct {
	machine *connectivity.Machine
	kv      *store.Memory
	queue   *queue.Queue
	rpc     *RequestClient
	bodies  chan string
}

// newFixture serves a RequestService on a unix socket in front of a backend
// answering with handler.
func newFixture(t *testing.T, handler http.HandlerFunc) *fixture {
	t.Helper()
	f := &fixture{bodies: make(chan string, 8)}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.bodies <- r.Method + " " + r.URL.Path + " " + string(body)
		handler(w, r)
	}))
	t.Cleanup(backend.Close)

	f.machine = connectivity.NewMachine(nil)
	f.kv = store.NewMemory()
	reg := request.NewRegistry(nil)
	exec := executor.New(executor.Options{BaseURL: backend.URL, Registry: reg})
	f.queue = queue.New(f.kv, reg, nil, nil)
	client := apiclient.New(apiclient.Options{
		State:    f.machine,
		Executor: exec,
		Queue:    f.queue,
		Registry: reg,
		Validator: auth.NewValidator(auth.Options{
			BaseURL: backend.URL,
			Store:   f.kv,
			State:   f.machine,
		}),
	})
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	dir, err := os.MkdirTemp("/tmp", "nau-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	lis, err := net.Listen("unix", filepath.Join(dir, "api.sock"))
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	RegisterRequestServer(srv, NewRequestService(client, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("unix://"+lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	f.rpc = NewRequestClient(conn)
	return f
}

func (f *fixture) set(t *testing.T, s connectivity.State) {
	t.Helper()
	if _, err := f.machine.Transition(s); err != nil {
		t.Fatal(err)
	}
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func checkin() map[string]any {
	return map[string]any{
		"kind":    "attendance.checkin",
		"method":  "post",
		"url":     "/api/attendance/",
		"data":    map[string]any{"meeting": "m1"},
		"headers": map[string]any{"X-Device": "kiosk-1"},
	}
}

func TestSubmitConnectedSends(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"a1"}`))
	})
	f.set(t, connectivity.Connected)

	out, err := f.rpc.Submit(callCtx(t), mustStruct(t, checkin()))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	fields := out.GetFields()
	if fields["status"].GetStringValue() != StatusSent || fields["status_code"].GetNumberValue() != http.StatusCreated {
		t.Errorf("reply = %v", out)
	}
	if got := fields["body"].GetStructValue().GetFields()["id"].GetStringValue(); got != "a1" {
		t.Errorf("body id = %q", got)
	}
	if got := <-f.bodies; got != `POST /api/attendance/ {"meeting":"m1"}` {
		t.Errorf("backend saw %q", got)
	}
}

func TestSubmitOfflineQueues(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {})
	f.set(t, connectivity.Disconnected)

	out, err := f.rpc.Submit(callCtx(t), mustStruct(t, checkin()))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.GetFields()["status"].GetStringValue() != StatusQueued {
		t.Errorf("reply = %v", out)
	}
	pending := f.queue.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	p := pending[0]
	if p.Kind != "attendance.checkin" || p.Method != request.MethodPost || p.Headers["X-Device"] != "kiosk-1" {
		t.Errorf("queued = %+v", p)
	}
	if p.ID != out.GetFields()["id"].GetStringValue() {
		t.Errorf("reply id %v does not match queued %s", out.GetFields()["id"], p.ID)
	}
}

func TestSubmitRejectedAndScheduled(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus string
	}{
		{"rejected", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}, StatusFailed},
		{"rate limited", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
		}, StatusScheduled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.handler)
			f.set(t, connectivity.Connected)

			out, err := f.rpc.Submit(callCtx(t), mustStruct(t, checkin()))
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if got := out.GetFields()["status"].GetStringValue(); got != tt.wantStatus {
				t.Errorf("status = %q, want %q (%v)", got, tt.wantStatus, out)
			}
		})
	}
}

func TestSubmitInvalid(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {})
	for _, in := range []map[string]any{
		{"method": "PATCH", "url": "/x"},
		{"method": "GET"},
		{"url": "/x", "timeout": "soon"},
	} {
		_, err := f.rpc.Submit(callCtx(t), mustStruct(t, in))
		if grpcstatus.Code(err) != codes.InvalidArgument {
			t.Errorf("Submit(%v) error = %v, want InvalidArgument", in, err)
		}
	}
	if f.queue.Len() != 0 {
		t.Errorf("invalid submission queued")
	}
}

func TestValidateAndLogout(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {})
	f.set(t, connectivity.Disconnected)
	ctx := callCtx(t)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	in := mustStruct(t, map[string]any{"token": token})

	if _, err := f.rpc.Validate(ctx, in); grpcstatus.Code(err) != codes.Unavailable {
		t.Fatalf("Validate without cache = %v, want Unavailable", err)
	}
	if _, err := f.rpc.Validate(ctx, mustStruct(t, map[string]any{"token": "nope"})); grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("Validate malformed = %v, want InvalidArgument", err)
	}

	_ = f.kv.Set(ctx, store.KeyUser, `{"_id":"u1","email":"a@b.org"}`)
	user, err := f.rpc.Validate(ctx, in)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if user.GetFields()["email"].GetStringValue() != "a@b.org" {
		t.Errorf("user = %v", user)
	}
	if saved, _ := f.kv.Get(ctx, store.KeySession); saved != token {
		t.Errorf("session not saved")
	}

	if _, err := f.rpc.Logout(ctx, nil); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := f.kv.Get(ctx, store.KeyUser); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("user kept after logout: %v", err)
	}
}
