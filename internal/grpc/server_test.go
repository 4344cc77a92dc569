package grpcserver

import (
	"context"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ericchongums/kopikap-dashboard/internal/auth"
	"github.com/ericchongums/kopikap-dashboard/internal/board"
	"github.com/ericchongums/kopikap-dashboard/internal/docstore"
	"github.com/ericchongums/kopikap-dashboard/internal/lifecycle"
	"github.com/ericchongums/kopikap-dashboard/internal/testutil"
	"github.com/ericchongums/kopikap-dashboard/models"
)

const testSecret = "grpc-secret"

var quiet = log.New(io.Discard, "", 0)

func newServer(t *testing.T) (*Server, *docstore.DB) {
	t.Helper()
	s := testutil.NewMemoryStore(t)
	coord := lifecycle.New(s, lifecycle.WithLogger(quiet))
	return &Server{Coord: coord, PickupLimit: 20, ExpireAfter: time.Hour, Log: quiet}, s
}

func baristaCtx() context.Context {
	return auth.WithPrincipal(context.Background(), &auth.Principal{Name: "b1", Kind: auth.KindBarista})
}

func TestCompleteOrder_RejectsKiosk(t *testing.T) {
	srv, s := newServer(t)
	id := testutil.SeedOrder(t, s, "", models.OrderStatusPreparing, time.Now())
	kiosk := auth.WithPrincipal(context.Background(), &auth.Principal{Name: "front", Kind: auth.KindKiosk})
	_, err := srv.CompleteOrder(kiosk, wrapperspb.String(id))
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("code=%v want=%v", status.Code(err), codes.PermissionDenied)
	}
}

func TestOrderFlowOverDirectCalls(t *testing.T) {
	srv, s := newServer(t)
	ctx := baristaCtx()
	id := testutil.SeedOrder(t, s, "", models.OrderStatusPending, time.Now())

	if _, err := srv.StartPreparing(ctx, wrapperspb.String(id)); err != nil {
		t.Fatalf("StartPreparing: %v", err)
	}
	out, err := srv.CompleteOrder(ctx, wrapperspb.String(id))
	if err != nil {
		t.Fatalf("CompleteOrder: %v", err)
	}
	if got := out.GetFields()["pickupNumber"].GetStringValue(); got != "0001" {
		t.Fatalf("pickupNumber = %q", got)
	}
	out, err = srv.ReceiveOrder(ctx, wrapperspb.String(id))
	if err != nil {
		t.Fatalf("ReceiveOrder: %v", err)
	}
	if got := out.GetFields()["baristaId"].GetStringValue(); got != "b1" {
		t.Fatalf("baristaId = %q", got)
	}
}

func TestErrorCodes(t *testing.T) {
	srv, s := newServer(t)
	ctx := baristaCtx()
	pending := testutil.SeedOrder(t, s, "", models.OrderStatusPending, time.Now())

	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"missing order", func() error { _, err := srv.CompleteOrder(ctx, wrapperspb.String("nope")); return err }(), codes.NotFound},
		{"wrong state", func() error { _, err := srv.CompleteOrder(ctx, wrapperspb.String(pending)); return err }(), codes.FailedPrecondition},
		{"empty id", func() error { _, err := srv.ReceiveOrder(ctx, wrapperspb.String("")); return err }(), codes.InvalidArgument},
		{"no principal", func() error { _, err := srv.StartPreparing(context.Background(), wrapperspb.String(pending)); return err }(), codes.Unauthenticated},
		{"unavailable", toStatus(docstore.ErrUnavailable), codes.Unavailable},
		{"permission", toStatus(docstore.ErrPermissionDenied), codes.PermissionDenied},
	}
	for _, tt := range tests {
		if got := status.Code(tt.err); got != tt.want {
			t.Fatalf("%s: code=%v want=%v (%v)", tt.name, got, tt.want, tt.err)
		}
	}
}

func dialBufconn(t *testing.T, srv FulfillmentServer) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := NewGRPCServer(testSecret, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close() })
	return NewClient(cc)
}

func withToken(t *testing.T, ctx context.Context, name, kind string) context.Context {
	tok := testutil.GenerateJWTHS256(t, testSecret, name, kind)
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok)
}

func TestWatchPickupBoardOverTheWire(t *testing.T) {
	srv, s := newServer(t)
	client := dialBufconn(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := testutil.SeedOrder(t, s, "", models.OrderStatusPreparing, time.Now())

	watch, err := client.WatchBoard(withToken(t, ctx, "front", "kiosk"), board.NamePickup)
	if err != nil {
		t.Fatalf("WatchBoard: %v", err)
	}
	f, err := watch.Recv()
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if f.Board != board.NamePickup || len(f.Cards) != 0 {
		t.Fatalf("first frame = %+v", f)
	}

	o, err := client.CompleteOrder(withToken(t, ctx, "b1", "barista"), id)
	if err != nil {
		t.Fatalf("CompleteOrder: %v", err)
	}
	if o.PickupNumber != "0001" || o.OrderStatus != models.OrderStatusCompleted {
		t.Fatalf("completed order = %+v", o)
	}
	f, err = watch.Recv()
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if len(f.Cards) != 1 || f.Cards[0].Order.PickupNumber != "0001" || !f.Cards[0].New {
		t.Fatalf("second frame = %+v", f)
	}

	st, err := client.GetStats(withToken(t, ctx, "b1", "barista"))
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.CompletedToday != 1 || st.TotalCompleted != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestWatchQueueRequiresBarista(t *testing.T) {
	srv, _ := newServer(t)
	client := dialBufconn(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	watch, err := client.WatchBoard(withToken(t, ctx, "front", "kiosk"), board.NameQueue)
	if err == nil {
		_, err = watch.Recv()
	}
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("kiosk watching queue: %v", err)
	}

	if _, err := client.CompleteOrder(ctx, "x"); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("call without token: %v", err)
	}
}
