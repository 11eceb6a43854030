// Package grpc serves hosted tables over gRPC. Messages are
// google.protobuf.Struct values so the service needs no generated code.
package grpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/streamview/streamview/internal/errors"
	"github.com/streamview/streamview/internal/host"
	"github.com/streamview/streamview/internal/table"
	"github.com/streamview/streamview/internal/view"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "streamview.v1.TableService"

// TableServiceServer is the server API of TableService.
type TableServiceServer interface {
	// Update applies {table, rows} and returns the delta summary.
	Update(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// Remove deletes {table, keys} and returns the delta summary.
	Remove(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// Query evaluates {table, config, window} once and returns {rows}.
	Query(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// Size returns {size} of {table}.
	Size(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unary(method string, call func(TableServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TableServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(TableServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes TableService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TableServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Update", Handler: unary("Update", TableServiceServer.Update)},
		{MethodName: "Remove", Handler: unary("Remove", TableServiceServer.Remove)},
		{MethodName: "Query", Handler: unary("Query", TableServiceServer.Query)},
		{MethodName: "Size", Handler: unary("Size", TableServiceServer.Size)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "streamview/v1/table.proto",
}

// Register registers srv on s.
func Register(s grpc.ServiceRegistrar, srv TableServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// TableServer implements TableServiceServer over a host.
type TableServer struct {
	host *host.Host
}

// NewTableServer creates a gRPC table server.
func NewTableServer(h *host.Host) *TableServer {
	return &TableServer{host: h}
}

func (s *TableServer) table(req *structpb.Struct) (*table.Table, error) {
	name := req.GetFields()["table"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "table is required")
	}
	t, err := s.host.Table(name)
	if err != nil {
		return nil, Status(err)
	}
	return t, nil
}

// field re-encodes one request field as JSON so the engine's decoders
// validate it. A missing field yields nil.
func field(req *structpb.Struct, name string) ([]byte, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return nil, nil
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", name, err)
	}
	return data, nil
}

// Update applies the rows of the request.
func (s *TableServer) Update(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	t, err := s.table(req)
	if err != nil {
		return nil, err
	}
	rows, err := field(req, "rows")
	if err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, status.Error(codes.InvalidArgument, "rows is required")
	}
	d, err := t.UpdateJSON(rows)
	if err != nil {
		return nil, Status(err)
	}
	return deltaStruct(ctx, d)
}

// Remove deletes the keys of the request.
func (s *TableServer) Remove(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	t, err := s.table(req)
	if err != nil {
		return nil, err
	}
	keys := req.GetFields()["keys"].GetListValue()
	if keys == nil {
		return nil, status.Error(codes.InvalidArgument, "keys must be a list")
	}
	d, err := t.Remove(keys.AsSlice())
	if err != nil {
		return nil, Status(err)
	}
	return deltaStruct(ctx, d)
}

// Query evaluates a one-shot view.
func (s *TableServer) Query(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := req.GetFields()["table"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "table is required")
	}
	raw, err := field(req, "config")
	if err != nil {
		return nil, err
	}
	cfg, err := view.ParseConfig(raw)
	if err != nil {
		return nil, Status(err)
	}
	var w view.Window
	if raw, err = field(req, "window"); err != nil {
		return nil, err
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid window: %v", err)
		}
	}

	rows, err := s.host.Query(name, cfg, w)
	if err != nil {
		return nil, Status(err)
	}
	// Rows go through JSON so that every exported value maps onto a
	// Struct value.
	data, err := json.Marshal(map[string]interface{}{"rows": rows, "request_id": RequestID(ctx)})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode rows: %v", err)
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Errorf(codes.Internal, "encode rows: %v", err)
	}
	return out, nil
}

// Size returns the row count of the table.
func (s *TableServer) Size(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	t, err := s.table(req)
	if err != nil {
		return nil, err
	}
	n, err := t.Size()
	if err != nil {
		return nil, Status(err)
	}
	return structpb.NewStruct(map[string]interface{}{"size": n})
}

func deltaStruct(ctx context.Context, d *table.Delta) (*structpb.Struct, error) {
	ins, upd, rem := d.Rows()
	return structpb.NewStruct(map[string]interface{}{
		"op":         d.Op,
		"inserted":   ins,
		"updated":    upd,
		"removed":    rem,
		"request_id": RequestID(ctx),
	})
}

// Status converts an engine error to a gRPC status. The structured error
// travels as a Struct detail.
func Status(err error) error {
	e := errors.As(err)
	if e == nil {
		return status.Error(codes.Internal, err.Error())
	}
	st := status.New(Code(e), e.Error())
	detail, derr := structpb.NewStruct(map[string]interface{}{
		"category": string(e.Category),
		"code":     e.Code,
		"message":  e.Message,
	})
	if derr != nil {
		return st.Err()
	}
	if withDetail, derr := st.WithDetails(detail); derr == nil {
		st = withDetail
	}
	return st.Err()
}

// Code maps an engine error to a gRPC code.
func Code(e *errors.Error) codes.Code {
	switch e.Category {
	case errors.ErrCategorySchema, errors.ErrCategoryType, errors.ErrCategoryKey:
		return codes.InvalidArgument
	case errors.ErrCategoryConfig:
		if e.Code == errors.CodeAlreadyExists {
			return codes.AlreadyExists
		}
		return codes.InvalidArgument
	case errors.ErrCategoryLifecycle:
		if e.Code == errors.CodeNotFound {
			return codes.NotFound
		}
		return codes.FailedPrecondition
	case errors.ErrCategoryTransport:
		switch e.Code {
		case errors.CodeBadMessage:
			return codes.InvalidArgument
		case errors.CodeRateLimited:
			return codes.ResourceExhausted
		}
		return codes.Unavailable
	case errors.ErrCategoryStorage:
		if e.Code == errors.CodeObjectNotFound {
			return codes.NotFound
		}
		return codes.Unavailable
	}
	return codes.Internal
}

type requestIDKey struct{}

// RequestID returns the request id assigned by UnaryInterceptor.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// extractRequestID reads x-request-id from the incoming metadata or
// generates one.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}

// UnaryInterceptor assigns a request id, echoes it as a response header
// and logs every call.
func UnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		id := extractRequestID(ctx)
		ctx = context.WithValue(ctx, requestIDKey{}, id)
		_ = grpc.SetHeader(ctx, metadata.Pairs("x-request-id", id))

		resp, err := handler(ctx, req)
		attrs := []interface{}{"method", info.FullMethod, "request_id", id, "duration", time.Since(start)}
		if err != nil {
			logger.Warn("grpc call failed", append(attrs, "code", status.Code(err), "err", err)...)
		} else {
			logger.Debug("grpc call", attrs...)
		}
		return resp, err
	}
}
