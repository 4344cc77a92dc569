package grpcserver

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ericchongums/kopikap-dashboard/internal/auth"
	"github.com/ericchongums/kopikap-dashboard/internal/board"
	"github.com/ericchongums/kopikap-dashboard/internal/config"
	"github.com/ericchongums/kopikap-dashboard/internal/lifecycle"
	"github.com/ericchongums/kopikap-dashboard/models"
)

const healthCheckMethod = "/grpc.health.v1.Health/Check"

type Logger interface {
	Printf(format string, args ...any)
}

// Server implements FulfillmentService on top of the lifecycle coordinator.
type Server struct {
	Coord       *lifecycle.Coordinator
	PickupLimit int
	ExpireAfter time.Duration
	Log         Logger
}

var _ FulfillmentServer = (*Server)(nil)

func (s *Server) logger() Logger {
	if s.Log == nil {
		return log.Default()
	}
	return s.Log
}

// toStatus maps coordinator errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch lifecycle.Classify(err) {
	case lifecycle.KindTransient:
		code = codes.Unavailable
	case lifecycle.KindNotFound:
		code = codes.NotFound
	case lifecycle.KindIllegal, lifecycle.KindPrecondition:
		code = codes.FailedPrecondition
	case lifecycle.KindPermission:
		code = codes.PermissionDenied
	default:
		if errors.Is(err, context.Canceled) {
			code = codes.Canceled
		} else {
			code = codes.Internal
		}
	}
	return status.Error(code, err.Error())
}

func orderID(in *wrapperspb.StringValue) (string, error) {
	id := in.GetValue()
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "order id is required")
	}
	return id, nil
}

func orderReply(o *models.Order, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(o)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode order: %v", err)
	}
	return out, nil
}

// StartPreparing moves a pending order to preparing.
func (s *Server) StartPreparing(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if _, err := auth.RequireBarista(ctx); err != nil {
		return nil, err
	}
	id, err := orderID(in)
	if err != nil {
		return nil, err
	}
	return orderReply(s.Coord.StartPreparing(ctx, id))
}

// CompleteOrder assigns the next pickup number and archives the order.
func (s *Server) CompleteOrder(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if _, err := auth.RequireBarista(ctx); err != nil {
		return nil, err
	}
	id, err := orderID(in)
	if err != nil {
		return nil, err
	}
	return orderReply(s.Coord.Complete(ctx, id))
}

// ReceiveOrder records the hand-over by the calling barista.
func (s *Server) ReceiveOrder(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	p, err := auth.RequireBarista(ctx)
	if err != nil {
		return nil, err
	}
	id, err := orderID(in)
	if err != nil {
		return nil, err
	}
	return orderReply(s.Coord.Receive(ctx, id, models.ReceivedByBarista, p.Name))
}

func (s *Server) GetStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if _, err := auth.RequireBarista(ctx); err != nil {
		return nil, err
	}
	st, err := s.Coord.Stats(ctx, time.Now())
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(st)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode stats: %v", err)
	}
	return out, nil
}

func (s *Server) WatchPickupBoard(_ *emptypb.Empty, stream BoardStream) error {
	return s.watch(board.NamePickup, stream)
}

func (s *Server) WatchBoard(in *wrapperspb.StringValue, stream BoardStream) error {
	return s.watch(in.GetValue(), stream)
}

func (s *Server) boardConfig(ctx context.Context, name string) (board.Config, error) {
	switch name {
	case board.NamePickup:
		return board.PickupConfig(s.PickupLimit, s.ExpireAfter), nil
	case board.NamePreparing:
		return board.PreparingConfig(), nil
	case board.NameQueue:
		if _, err := auth.RequireBarista(ctx); err != nil {
			return board.Config{}, err
		}
		return board.QueueConfig(board.FilterAll), nil
	}
	return board.Config{}, status.Errorf(codes.InvalidArgument, "unknown board %q", name)
}

// watch runs one reconciler per stream. Only the latest frame is kept while the client
// is slow, so a lagging watcher skips intermediate frames.
func (s *Server) watch(name string, stream BoardStream) error {
	ctx := stream.Context()
	if _, err := auth.RequireViewer(ctx); err != nil {
		return err
	}
	cfg, err := s.boardConfig(ctx, name)
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		latest *board.Frame
	)
	wake := make(chan struct{}, 1)
	failed := make(chan error, 1)
	cfg.Log = s.logger()
	cfg.OnFrame = func(f board.Frame) {
		mu.Lock()
		latest = &f
		mu.Unlock()
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	cfg.OnError = func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	r := board.NewReconciler(s.Coord.Repository().DB(), cfg)
	if err := r.Start(ctx); err != nil {
		return status.Errorf(codes.Internal, "start board: %v", err)
	}
	defer r.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			return toStatus(err)
		case <-wake:
			mu.Lock()
			f := latest
			latest = nil
			mu.Unlock()
			if f == nil {
				continue
			}
			msg, err := toStruct(f)
			if err != nil {
				return status.Errorf(codes.Internal, "encode frame: %v", err)
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// NewGRPCServer builds a gRPC server with auth interceptors, the fulfillment service and
// the standard health service.
func NewGRPCServer(secret string, srv FulfillmentServer) *grpc.Server {
	gs := grpc.NewServer(
		grpc.UnaryInterceptor(auth.NewUnaryAuthInterceptor(secret, healthCheckMethod)),
		grpc.StreamInterceptor(auth.NewStreamAuthInterceptor(secret, "/grpc.health.v1.Health/Watch")),
	)
	RegisterFulfillmentServer(gs, srv)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs
}

// StartGRPC starts the gRPC server on the configured address and returns a shutdown function.
func StartGRPC(cfg *config.Config, srv FulfillmentServer) (func(context.Context) error, error) {
	if cfg == nil {
		panic("config is required")
	}

	addr := cfg.GRPC.Address
	if addr == "" {
		addr = ":50051"
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	gs := NewGRPCServer(cfg.Auth.JWTSecret, srv)
	go func() { _ = gs.Serve(lis) }()

	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() { gs.GracefulStop(); close(done) }()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			gs.Stop()
			return ctx.Err()
		}
	}, nil
}
