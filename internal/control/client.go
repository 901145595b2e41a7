package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/warlock/internal/supervisor"
	"github.com/ChuLiYu/warlock/pkg/types"
)

// Client talks to a running supervisor's control plane.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for addr. The connection is established lazily on
// the first call.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, name string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+name, in, out)
}

// Status lists the supervised tasks.
func (c *Client) Status(ctx context.Context) ([]supervisor.TaskInfo, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Status", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var resp struct {
		Tasks []supervisor.TaskInfo `json:"tasks"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Queue submits a dynamic task and returns its id.
func (c *Client) Queue(ctx context.Context, spec types.TaskSpec) (types.TaskID, error) {
	in, err := toStruct(spec)
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Queue", in, out); err != nil {
		return "", err
	}
	return types.TaskID(out.GetFields()["id"].GetStringValue()), nil
}

// Cancel cancels a task by id.
func (c *Client) Cancel(ctx context.Context, id types.TaskID) error {
	in, err := structpb.NewStruct(map[string]any{"id": string(id)})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "Cancel", in, &emptypb.Empty{})
}

// Trigger fires event with data and returns how many subscribers received it.
// data must be JSON-like (maps, slices, strings, numbers, bools, nil).
func (c *Client) Trigger(ctx context.Context, event string, data any) (int, error) {
	in, err := structpb.NewStruct(map[string]any{"event": event, "data": data})
	if err != nil {
		return 0, err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Trigger", in, out); err != nil {
		return 0, err
	}
	return int(out.GetFields()["delivered"].GetNumberValue()), nil
}

// Stop asks the supervisor to shut down.
func (c *Client) Stop(ctx context.Context) error {
	return c.invoke(ctx, "Stop", &emptypb.Empty{}, &emptypb.Empty{})
}
