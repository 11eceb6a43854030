package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/streamview/streamview/internal/errors"
)

// Client calls TableService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a TableService client over cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]interface{}, opts ...grpc.CallOption) (map[string]interface{}, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategoryTransport, errors.CodeBadMessage, "encode request", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Update applies rows to table.
func (c *Client) Update(ctx context.Context, table string, rows []interface{}, opts ...grpc.CallOption) (map[string]interface{}, error) {
	return c.invoke(ctx, "Update", map[string]interface{}{"table": table, "rows": rows}, opts...)
}

// Remove deletes keys from table.
func (c *Client) Remove(ctx context.Context, table string, keys []interface{}, opts ...grpc.CallOption) (map[string]interface{}, error) {
	return c.invoke(ctx, "Remove", map[string]interface{}{"table": table, "keys": keys}, opts...)
}

// Query evaluates config over table once. window may be nil.
func (c *Client) Query(ctx context.Context, table string, config, window map[string]interface{}, opts ...grpc.CallOption) ([]interface{}, error) {
	req := map[string]interface{}{"table": table, "config": config}
	if window != nil {
		req["window"] = window
	}
	out, err := c.invoke(ctx, "Query", req, opts...)
	if err != nil {
		return nil, err
	}
	rows, _ := out["rows"].([]interface{})
	return rows, nil
}

// Size returns the row count of table.
func (c *Client) Size(ctx context.Context, table string, opts ...grpc.CallOption) (int, error) {
	out, err := c.invoke(ctx, "Size", map[string]interface{}{"table": table}, opts...)
	if err != nil {
		return 0, err
	}
	n, _ := out["size"].(float64)
	return int(n), nil
}

// ErrorFromStatus recovers the structured error carried by a status
// returned from TableService. It returns nil for statuses without one.
func ErrorFromStatus(err error) *errors.Error {
	st, ok := status.FromError(err)
	if !ok {
		return nil
	}
	for _, d := range st.Details() {
		s, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		fields := s.AsMap()
		category, _ := fields["category"].(string)
		code, _ := fields["code"].(string)
		message, _ := fields["message"].(string)
		return errors.New(errors.ErrorCategory(category), code, message)
	}
	return nil
}
