// Package control exposes the engine's control operations over gRPC for
// hosts that run the engine out of process instead of linking it. The
// surface is four unary RPCs — stats, version, rule reload, and a
// routing preview — all small enough to ride on protobuf's well-known
// types, so the service descriptor below is maintained by hand rather
// than generated from a .proto file.
package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ControlServer is the server-side API for the voyage.Control service.
type ControlServer interface {
	// GetStats returns the engine's runtime counters as a JSON-shaped
	// struct.
	GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// GetVersion returns the engine's semver string.
	GetVersion(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	// ReloadRules replaces the active rule table with the given rule
	// text, returning {accepted, warnings}.
	ReloadRules(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// Route evaluates a "host:port" (or bare host) target against the
	// active rule table and returns the action name.
	Route(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
}

// RegisterControlServer wires srv into a gRPC registrar under the
// voyage.Control service name.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

func _Control_GetStats_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).GetStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/voyage.Control/GetStats"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).GetStats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_GetVersion_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).GetVersion(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/voyage.Control/GetVersion"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).GetVersion(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_ReloadRules_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).ReloadRules(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/voyage.Control/ReloadRules"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).ReloadRules(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_Route_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Route(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/voyage.Control/Route"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Route(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: "voyage.Control",
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStats", Handler: _Control_GetStats_Handler},
		{MethodName: "GetVersion", Handler: _Control_GetVersion_Handler},
		{MethodName: "ReloadRules", Handler: _Control_ReloadRules_Handler},
		{MethodName: "Route", Handler: _Control_Route_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "voyage/control",
}
