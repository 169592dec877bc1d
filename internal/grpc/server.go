package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/mtr002/taskmanager/internal/interfaces"
	"github.com/mtr002/taskmanager/internal/jobs"
	"github.com/mtr002/taskmanager/internal/logger"
)

// ControlService serves JobControl from a jobs.Control.
type ControlService struct {
	control *jobs.Control
}

var _ JobControlServer = (*ControlService)(nil)

func NewControlService(control *jobs.Control) *ControlService {
	return &ControlService{control: control}
}

func (s *ControlService) GetStatus(ctx context.Context, id *wrapperspb.StringValue) (*structpb.Struct, error) {
	if id.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "job id is required")
	}
	st, err := s.control.GetStatus(ctx, id.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(st)
}

func (s *ControlService) Revoke(ctx context.Context, id *wrapperspb.StringValue) (*structpb.Struct, error) {
	if id.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "job id is required")
	}
	prev, err := s.control.Revoke(ctx, id.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{
		"task_id":        id.GetValue(),
		"previous_state": prev,
		"revoked":        !prev.Terminal(),
	})
}

func (s *ControlService) ListActive(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	active, err := s.control.ListActive(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{
		"active_tasks": active,
		"total_active": len(active),
	})
}

func (s *ControlService) WorkerStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	stats, err := s.control.WorkerStats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{
		"workers":       stats,
		"total_workers": len(stats),
	})
}

func (s *ControlService) QueueLengths(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	lengths, err := s.control.QueueLengths(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"queues": lengths})
}

// NewServer creates a gRPC server with JobControl registered.
func NewServer(control *jobs.Control) *grpc.Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor))
	RegisterJobControlServer(s, NewControlService(control))
	return s
}

// Serve listens on port until the server is stopped.
func Serve(s *grpc.Server, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port %d: %w", port, err)
	}
	logger.Logger.Info().Int("port", port).Msg("Starting gRPC control server")
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc server: %w", err)
	}
	return nil
}

func loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	logger.Logger.Info().
		Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Dur("duration", time.Since(start)).
		Msg("Handled gRPC call")
	return resp, err
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, interfaces.ErrJobNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, interfaces.ErrStoreUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct converts v through its JSON form so replies match the HTTP API.
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}
