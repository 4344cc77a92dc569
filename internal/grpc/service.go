package grpcserver

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ericchongums/kopikap-dashboard/internal/board"
	"github.com/ericchongums/kopikap-dashboard/internal/lifecycle"
	"github.com/ericchongums/kopikap-dashboard/models"
)

// ServiceName is the fully-qualified gRPC service name. Requests and responses use the
// protobuf well-known types: order ids travel as StringValue, orders, stats and board
// frames as Struct carrying the JSON shape of the Go types.
const ServiceName = "kopikap.fulfillment.v1.FulfillmentService"

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// FulfillmentServer is the server API of the fulfillment service.
type FulfillmentServer interface {
	StartPreparing(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	CompleteOrder(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ReceiveOrder(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// WatchBoard streams frames of the named board: queue, preparing or pickup.
	WatchBoard(*wrapperspb.StringValue, BoardStream) error
	WatchPickupBoard(*emptypb.Empty, BoardStream) error
}

// BoardStream is the server side of a board watch.
type BoardStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type boardStream struct {
	grpc.ServerStream
}

func (s *boardStream) Send(m *structpb.Struct) error { return s.ServerStream.SendMsg(m) }

func unary[Req proto.Message](name string, newReq func() Req, call func(FulfillmentServer, context.Context, Req) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(FulfillmentServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(Req))
			})
		},
	}
}

func serverStream[Req proto.Message](name string, newReq func() Req, call func(FulfillmentServer, Req, BoardStream) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := newReq()
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return call(srv.(FulfillmentServer), in, &boardStream{stream})
		},
	}
}

func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }
func newEmpty() *emptypb.Empty           { return new(emptypb.Empty) }

// ServiceDesc describes the fulfillment service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FulfillmentServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("StartPreparing", newString, FulfillmentServer.StartPreparing),
		unary("CompleteOrder", newString, FulfillmentServer.CompleteOrder),
		unary("ReceiveOrder", newString, FulfillmentServer.ReceiveOrder),
		unary("GetStats", newEmpty, FulfillmentServer.GetStats),
	},
	Streams: []grpc.StreamDesc{
		serverStream("WatchBoard", newString, FulfillmentServer.WatchBoard),
		serverStream("WatchPickupBoard", newEmpty, FulfillmentServer.WatchPickupBoard),
	},
	Metadata: "kopikap/fulfillment/v1/fulfillment.proto",
}

// RegisterFulfillmentServer registers srv on s.
func RegisterFulfillmentServer(s grpc.ServiceRegistrar, srv FulfillmentServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// toStruct converts a JSON-tagged value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s, nil
}

// fromStruct is the inverse of toStruct.
func fromStruct(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Client is a typed client of the fulfillment service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) order(ctx context.Context, method, id string, opts ...grpc.CallOption) (*models.Order, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), wrapperspb.String(id), out, opts...); err != nil {
		return nil, err
	}
	var o models.Order
	if err := fromStruct(out, &o); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &o, nil
}

func (c *Client) StartPreparing(ctx context.Context, id string, opts ...grpc.CallOption) (*models.Order, error) {
	return c.order(ctx, "StartPreparing", id, opts...)
}

func (c *Client) CompleteOrder(ctx context.Context, id string, opts ...grpc.CallOption) (*models.Order, error) {
	return c.order(ctx, "CompleteOrder", id, opts...)
}

func (c *Client) ReceiveOrder(ctx context.Context, id string, opts ...grpc.CallOption) (*models.Order, error) {
	return c.order(ctx, "ReceiveOrder", id, opts...)
}

func (c *Client) GetStats(ctx context.Context, opts ...grpc.CallOption) (lifecycle.Stats, error) {
	var st lifecycle.Stats
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetStats"), &emptypb.Empty{}, out, opts...); err != nil {
		return st, err
	}
	err := fromStruct(out, &st)
	return st, err
}

// BoardWatch receives frames of one board.
type BoardWatch struct {
	stream grpc.ClientStream
}

// Recv blocks for the next frame.
func (w *BoardWatch) Recv() (board.Frame, error) {
	var f board.Frame
	m := new(structpb.Struct)
	if err := w.stream.RecvMsg(m); err != nil {
		return f, err
	}
	err := fromStruct(m, &f)
	return f, err
}

// WatchBoard opens a stream of frames for the named board. Cancel ctx to stop it.
func (c *Client) WatchBoard(ctx context.Context, name string, opts ...grpc.CallOption) (*BoardWatch, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("WatchBoard"), opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(wrapperspb.String(name)); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &BoardWatch{stream: stream}, nil
}
