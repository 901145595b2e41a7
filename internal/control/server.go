package control

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/warlock/internal/telemetry"
	"github.com/ChuLiYu/warlock/pkg/types"
)

// Server implements ControlServer on top of a Backend.
type Server struct {
	backend Backend
	log     *slog.Logger
}

// NewServer creates the control service for b.
func NewServer(b Backend, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{backend: b, log: log}
}

// Status returns every supervised task.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	infos, err := s.backend.Tasks(ctx)
	if err != nil {
		return nil, statusError(err)
	}
	out, err := toStruct(map[string]any{"tasks": infos})
	if err != nil {
		return nil, statusError(err)
	}
	return out, nil
}

// Queue adds a dynamic task described by the request struct.
func (s *Server) Queue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var spec types.TaskSpec
	if err := fromStruct(req, &spec); err != nil {
		return nil, invalid("bad task spec: %v", err)
	}
	id, err := s.backend.Queue(ctx, spec)
	if err != nil {
		return nil, statusError(err)
	}
	s.log.Info("task queued", "id", id, "type", spec.Type)
	return structpb.NewStruct(map[string]any{"id": string(id)})
}

// Cancel cancels the task named by the "id" field.
func (s *Server) Cancel(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, invalid("id is required")
	}
	if err := s.backend.Cancel(ctx, types.TaskID(id)); err != nil {
		return nil, statusError(err)
	}
	s.log.Info("task cancelled", "id", id)
	return &emptypb.Empty{}, nil
}

// Trigger fans an event out to subscribed tasks and waiters.
func (s *Server) Trigger(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	event := fields["event"].GetStringValue()
	if event == "" {
		return nil, invalid("event is required")
	}
	var data any
	if v, ok := fields["data"]; ok {
		data = v.AsInterface()
	}
	n, err := s.backend.Trigger(ctx, event, data)
	if err != nil {
		return nil, statusError(err)
	}
	return structpb.NewStruct(map[string]any{"delivered": n})
}

// Stop asks the supervisor to shut down; it returns before shutdown completes.
func (s *Server) Stop(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.log.Info("stop requested over control plane")
	s.backend.Stop()
	return &emptypb.Empty{}, nil
}

// Serve registers the control service on a new gRPC server and serves lis
// until ctx ends.
func Serve(ctx context.Context, lis net.Listener, b Backend, log *slog.Logger) error {
	srv := grpc.NewServer(grpc.UnaryInterceptor(telemetry.UnaryServerInterceptor()))
	RegisterControlServer(srv, NewServer(b, log))

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	return srv.Serve(lis)
}
