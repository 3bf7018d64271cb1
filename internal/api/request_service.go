package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/frc-emotion/nautilus/internal/apiclient"
	"github.com/frc-emotion/nautilus/internal/auth"
	"github.com/frc-emotion/nautilus/internal/request"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Submission outcomes reported by Submit.
const (
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusQueued    = "queued"
	StatusScheduled = "scheduled"
)

// RequestService hands requests and tokens from local tools to the client.
type RequestService struct {
	client *apiclient.Client
	logger *zap.Logger
}

var _ RequestServer = (*RequestService)(nil)

// NewRequestService creates a service backed by client.
func NewRequestService(client *apiclient.Client, logger *zap.Logger) *RequestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestService{client: client, logger: logger}
}

type submission struct {
	Kind    string            `json:"kind"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Data    json.RawMessage   `json:"data"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
	Timeout string            `json:"timeout"`
}

// Submit runs one request through HandleRequest. The reply says whether it
// was sent, rejected, queued for the next reconnect or scheduled after a
// rate limit. Outcomes of queued requests arrive later and are logged by the
// daemon.
func (s *RequestService) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var sub submission
	if err := decodeStruct(in, &sub); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "decode submission: %v", err)
	}
	req, err := sub.request()
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}

	res := &submitResult{logger: s.logger.With(zap.String("request_id", req.ID))}
	req.Handlers = res.handlers()
	if err := s.client.HandleRequest(ctx, req); err != nil {
		if errors.Is(err, request.ErrInvalidRequest) {
			return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
		}
		return nil, grpcstatus.Errorf(codes.Internal, "handle request: %v", err)
	}
	return res.reply(req.ID)
}

// Validate checks a token and starts a session with it.
func (s *RequestService) Validate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	token := in.GetFields()["token"].GetStringValue()
	if token == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "token is required")
	}

	user, err := s.client.ValidateToken(ctx, token)
	switch {
	case errors.Is(err, auth.ErrTokenMalformed):
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, auth.ErrTokenExpired), errors.Is(err, auth.ErrTokenRejected):
		return nil, grpcstatus.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, auth.ErrNoCachedUser):
		return nil, grpcstatus.Error(codes.Unavailable, err.Error())
	case err != nil:
		return nil, grpcstatus.Errorf(codes.Internal, "validate token: %v", err)
	}

	out := &structpb.Struct{}
	if err := protojson.Unmarshal(user.Raw, out); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode user: %v", err)
	}
	return out, nil
}

// Logout ends the session.
func (s *RequestService) Logout(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.client.ClearSession(ctx); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "%v", err)
	}
	return &structpb.Struct{}, nil
}

func (sub submission) request() (*request.Request, error) {
	method := request.MethodGet
	if sub.Method != "" {
		m, err := request.ParseMethod(sub.Method)
		if err != nil {
			return nil, err
		}
		method = m
	}
	req := &request.Request{
		Kind:    sub.Kind,
		URL:     sub.URL,
		Method:  method,
		Headers: sub.Headers,
	}
	if len(sub.Data) > 0 && string(sub.Data) != "null" {
		req.Data = sub.Data
	}
	if sub.Timeout != "" || len(sub.Query) > 0 {
		req.Config = &request.Config{Query: sub.Query}
		if sub.Timeout != "" {
			d, err := time.ParseDuration(sub.Timeout)
			if err != nil || d < 0 {
				return nil, fmt.Errorf("%w: bad timeout %q", request.ErrInvalidRequest, sub.Timeout)
			}
			req.Config.Timeout = d
		}
	}
	if err := req.Prepare(); err != nil {
		return nil, err
	}
	return req, nil
}

// submitResult records the first handler that fires during Submit. Handlers
// that fire after the reply was built (a scheduled retry finishing) are only
// logged.
type submitResult struct {
	mu      sync.Mutex
	replied bool
	status  string
	resp    *request.Response
	err     error
	logger  *zap.Logger
}

func (r *submitResult) handlers() *request.Handlers {
	return &request.Handlers{
		OnSuccess: func(resp *request.Response) { r.set(StatusSent, resp, nil) },
		OnError:   func(err error) { r.set(StatusFailed, nil, err) },
		OnOffline: func() { r.set(StatusQueued, nil, nil) },
	}
}

func (r *submitResult) set(status string, resp *request.Response, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replied {
		if err != nil {
			r.logger.Warn("submitted request failed", zap.Error(err))
		} else if resp != nil {
			r.logger.Info("submitted request sent", zap.Int("status", resp.StatusCode))
		}
		return
	}
	r.status, r.resp, r.err = status, resp, err
}

func (r *submitResult) reply(id string) (*structpb.Struct, error) {
	r.mu.Lock()
	r.replied = true
	status, resp, err := r.status, r.resp, r.err
	r.mu.Unlock()

	if status == "" {
		// No handler ran: the executor scheduled a retry after a 429.
		status = StatusScheduled
	}
	fields := map[string]any{"id": id, "status": status}
	if err != nil {
		fields["error"] = err.Error()
		var se *request.StatusError
		if errors.As(err, &se) {
			fields["status_code"] = se.StatusCode
			fields["body"] = bodyValue(se.Body)
		}
	}
	if resp != nil {
		fields["status_code"] = resp.StatusCode
		fields["body"] = bodyValue(resp.Body)
	}
	out, encErr := structpb.NewStruct(fields)
	if encErr != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", encErr)
	}
	return out, nil
}

// bodyValue keeps JSON bodies structured and everything else as text.
func bodyValue(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		return v
	}
	return string(body)
}

func decodeStruct(in *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
