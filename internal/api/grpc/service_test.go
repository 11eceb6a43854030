package grpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/streamview/streamview/internal/errors"
	"github.com/streamview/streamview/internal/host"
	"github.com/streamview/streamview/pkg/types"
)

func newClient(t *testing.T) (*Client, *host.Host) {
	t.Helper()
	h := host.New(host.Options{})
	s := types.NewSchema("sym", types.TypeString, "qty", types.TypeInteger)
	_, err := h.CreateTable(host.TableSpec{Name: "trades", Schema: s, Index: "sym"})
	require.NoError(t, err)
	_, err = h.CreateTable(host.TableSpec{Name: "log", Schema: types.NewSchema("msg", types.TypeString)})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryInterceptor(nil)))
	Register(srv, NewTableServer(h))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn), h
}

func TestTableService_UpdateQuerySize(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	var header metadata.MD
	out, err := c.Update(ctx, "trades", []interface{}{
		map[string]interface{}{"sym": "AAPL", "qty": 10},
		map[string]interface{}{"sym": "MSFT", "qty": 5},
	}, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, 1.0, out["op"])
	assert.Equal(t, 2.0, out["inserted"])
	assert.NotEmpty(t, out["request_id"])
	assert.Equal(t, []string{out["request_id"].(string)}, header.Get("x-request-id"))

	out, err = c.Update(ctx, "trades", []interface{}{
		map[string]interface{}{"sym": "AAPL", "qty": 7},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, out["updated"])

	size, err := c.Size(ctx, "trades")
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	rows, err := c.Query(ctx, "trades",
		map[string]interface{}{"group_by": []interface{}{"sym"}, "columns": []interface{}{"qty"}},
		map[string]interface{}{"totals": true})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 12.0, rows[0].(map[string]interface{})["qty"])

	out, err = c.Remove(ctx, "trades", []interface{}{"MSFT"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, out["removed"])

	size, err = c.Size(ctx, "trades")
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestTableService_RequestIDFromMetadata(t *testing.T) {
	c, _ := newClient(t)
	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-request-id", "abc")
	out, err := c.Update(ctx, "log", []interface{}{map[string]interface{}{"msg": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "abc", out["request_id"])
}

func TestTableService_Errors(t *testing.T) {
	c, h := newClient(t)
	ctx := context.Background()

	_, err := c.Size(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))
	e := ErrorFromStatus(err)
	require.NotNil(t, e)
	assert.Equal(t, errors.ErrCategoryLifecycle, e.Category)
	assert.Equal(t, errors.CodeNotFound, e.Code)

	_, err = c.Size(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Nil(t, ErrorFromStatus(err))

	_, err = c.Remove(ctx, "log", []interface{}{"x"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, errors.CodeKeyError, ErrorFromStatus(err).Code)

	_, err = c.Query(ctx, "trades", map[string]interface{}{"group_by": []interface{}{"nope"}}, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, errors.CodeUnknownColumn, ErrorFromStatus(err).Code)

	_, err = c.Query(ctx, "trades", map[string]interface{}{"aggregates": map[string]interface{}{"qty": "median-ish"}}, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.invoke(ctx, "Update", map[string]interface{}{"table": "trades"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.invoke(ctx, "Remove", map[string]interface{}{"table": "trades", "keys": "AAPL"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	require.NoError(t, h.DeleteTable("trades"))
	_, err = c.Size(ctx, "trades")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  *errors.Error
		want codes.Code
	}{
		{errors.NewSchemaError(errors.CodeSchemaError, "x"), codes.InvalidArgument},
		{errors.NewConfigError(errors.CodeInvalidConfig, "x"), codes.InvalidArgument},
		{errors.New(errors.ErrCategoryConfig, errors.CodeAlreadyExists, "x"), codes.AlreadyExists},
		{errors.NewUseAfterDelete("table"), codes.FailedPrecondition},
		{errors.New(errors.ErrCategoryTransport, errors.CodeRateLimited, "x"), codes.ResourceExhausted},
		{errors.NewTransportError("x", nil), codes.Unavailable},
		{errors.NewStorageError(errors.CodeObjectNotFound, "x", nil), codes.NotFound},
		{errors.NewInternalError("x", nil), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err), tt.err.Error())
	}
}
