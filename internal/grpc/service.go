package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "taskmanager.control.v1.JobControl"

// JobControlServer is the control surface served to operators. Requests use
// well-known protobuf types; every reply is a JSON-shaped Struct.
type JobControlServer interface {
	GetStatus(ctx context.Context, id *wrapperspb.StringValue) (*structpb.Struct, error)
	Revoke(ctx context.Context, id *wrapperspb.StringValue) (*structpb.Struct, error)
	ListActive(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	WorkerStats(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	QueueLengths(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

var JobControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: unary("GetStatus", JobControlServer.GetStatus)},
		{MethodName: "Revoke", Handler: unary("Revoke", JobControlServer.Revoke)},
		{MethodName: "ListActive", Handler: unary("ListActive", JobControlServer.ListActive)},
		{MethodName: "WorkerStats", Handler: unary("WorkerStats", JobControlServer.WorkerStats)},
		{MethodName: "QueueLengths", Handler: unary("QueueLengths", JobControlServer.QueueLengths)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "taskmanager/control/v1/control.proto",
}

func RegisterJobControlServer(s grpc.ServiceRegistrar, srv JobControlServer) {
	s.RegisterService(&JobControlServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[T any, PT interface {
	*T
	proto.Message
}](method string, call func(JobControlServer, context.Context, PT) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := PT(new(T))
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(JobControlServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(s, ctx, req.(PT))
		}
		return interceptor(ctx, in, info, handler)
	}
}
