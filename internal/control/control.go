// ============================================================================
// Warlock Control - gRPC 控制平面
// ============================================================================
//
// Package: internal/control
// 文件: control.go
// 功能: 讓 CLI（status / queue / trigger / stop）與執行中的 supervisor 溝通
//
// 服務 warlock.control.v1.Control 只使用 protobuf well-known types，
// 不需要產生的程式碼：
//
//   Status  (Empty)  → Struct{"tasks": [TaskInfo...]}
//   Queue   (Struct TaskSpec) → Struct{"id": "..."}
//   Cancel  (Struct{"id"})    → Empty
//   Trigger (Struct{"event", "data"}) → Struct{"delivered": n}
//   Stop    (Empty)  → Empty
//
// 錯誤對應:
//   task.ErrTaskNotFound       → codes.NotFound
//   supervisor.ErrInvalidSpec  → codes.InvalidArgument
//   ErrStopping / ErrStopped   → codes.Unavailable
//
// ============================================================================

package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/warlock/internal/supervisor"
	"github.com/ChuLiYu/warlock/internal/task"
	"github.com/ChuLiYu/warlock/pkg/types"
)

// ServiceName 完整的 gRPC 服務名稱
const ServiceName = "warlock.control.v1.Control"

// Backend 控制平面背後的 supervisor；*supervisor.Supervisor 滿足此介面
type Backend interface {
	Tasks(ctx context.Context) ([]supervisor.TaskInfo, error)
	Queue(ctx context.Context, spec types.TaskSpec) (types.TaskID, error)
	Cancel(ctx context.Context, id types.TaskID) error
	Trigger(ctx context.Context, event string, data any) (int, error)
	Stop()
}

// ControlServer 是服務的伺服器端介面
type ControlServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Queue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Trigger(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stop(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// ============================================================================
// 服務描述
// ============================================================================

func method(name string, newReq func() proto.Message, call func(ControlServer, context.Context, proto.Message) (proto.Message, error)) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(proto.Message))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func newEmpty() proto.Message  { return new(emptypb.Empty) }
func newStruct() proto.Message { return new(structpb.Struct) }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		method("Status", newEmpty, func(s ControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.Status(ctx, in.(*emptypb.Empty))
		}),
		method("Queue", newStruct, func(s ControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.Queue(ctx, in.(*structpb.Struct))
		}),
		method("Cancel", newStruct, func(s ControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.Cancel(ctx, in.(*structpb.Struct))
		}),
		method("Trigger", newStruct, func(s ControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.Trigger(ctx, in.(*structpb.Struct))
		}),
		method("Stop", newEmpty, func(s ControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.Stop(ctx, in.(*emptypb.Empty))
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "warlock/control/v1/control.proto",
}

// RegisterControlServer 在 gRPC server 上註冊控制服務
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&serviceDesc, srv)
}

// ============================================================================
// Struct 轉換
// ============================================================================

// toStruct 以 JSON 為中介把 v 轉成 Struct（v 必須編碼成 JSON object）
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct 把 Struct 解到 out
func fromStruct(s *structpb.Struct, out any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// statusError 把 supervisor 的錯誤轉成 gRPC status
func statusError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, task.ErrTaskNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, supervisor.ErrInvalidSpec):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, supervisor.ErrStopping), errors.Is(err, supervisor.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func invalid(format string, args ...any) error {
	return status.Error(codes.InvalidArgument, fmt.Sprintf(format, args...))
}
