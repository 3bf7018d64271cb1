// Package api exposes the daemon's request layer over its gRPC socket.
//
// Messages are google.protobuf.Struct values, so the service is described by
// hand instead of from generated code.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "nautilus.v1.RequestService"

const (
	methodSubmit   = "/" + ServiceName + "/Submit"
	methodValidate = "/" + ServiceName + "/Validate"
	methodLogout   = "/" + ServiceName + "/Logout"
)

// RequestServer is implemented by RequestService.
type RequestServer interface {
	Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Validate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Logout(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RequestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unary(methodSubmit, RequestServer.Submit)},
		{MethodName: "Validate", Handler: unary(methodValidate, RequestServer.Validate)},
		{MethodName: "Logout", Handler: unary(methodLogout, RequestServer.Logout)},
	},
	Metadata: "nautilus/v1/request_service",
}

// RegisterRequestServer attaches srv to s.
func RegisterRequestServer(s grpc.ServiceRegistrar, srv RequestServer) {
	s.RegisterService(&serviceDesc, srv)
}

type unaryMethod func(RequestServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(fullMethod string, call unaryMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RequestServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RequestServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RequestClient calls a daemon's RequestService.
type RequestClient struct {
	cc grpc.ClientConnInterface
}

// NewRequestClient wraps an open connection.
func NewRequestClient(cc grpc.ClientConnInterface) *RequestClient {
	return &RequestClient{cc: cc}
}

func (c *RequestClient) Submit(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodSubmit, in, opts)
}

func (c *RequestClient) Validate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodValidate, in, opts)
}

func (c *RequestClient) Logout(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodLogout, in, opts)
}

func (c *RequestClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
