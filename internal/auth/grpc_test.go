package auth

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ericchongums/kopikap-dashboard/internal/docstore"
	"github.com/ericchongums/kopikap-dashboard/internal/testutil"
	"github.com/ericchongums/kopikap-dashboard/repository"
)

func TestRequireKindAndHelpers(t *testing.T) {
	ctx := WithPrincipal(context.Background(), &Principal{Name: "front", Kind: KindKiosk})
	if _, err := RequireViewer(ctx); err != nil {
		t.Fatalf("RequireViewer: %v", err)
	}
	_, err := RequireBarista(ctx)
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("RequireBarista for kiosk: %v", err)
	}
	if _, err := RequireBarista(context.Background()); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("RequireBarista without principal: %v", err)
	}
}

func TestUnaryAuthInterceptor(t *testing.T) {
	secret := "s3cr3t"
	interceptor := NewUnaryAuthInterceptor(secret, "/health")

	// allowlisted path: no header, handler runs without a principal
	hCalled := false
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/health"}, func(ctx context.Context, req any) (any, error) {
		hCalled = true
		if _, ok := FromContext(ctx); ok {
			t.Fatalf("expected no principal on allowlisted path")
		}
		return 123, nil
	})
	if err != nil || !hCalled {
		t.Fatalf("allowlisted handler err=%v called=%v", err, hCalled)
	}

	tok := testutil.GenerateJWTHS256(t, secret, "bob", "barista")
	ctx := testutil.CtxWithBearer(context.Background(), tok)
	_, err = interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Op"}, func(ctx context.Context, req any) (any, error) {
		p, ok := FromContext(ctx)
		if !ok || p.Name != "bob" || p.Kind != KindBarista {
			t.Fatalf("principal not injected: %+v ok=%v", p, ok)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("interceptor auth path: %v", err)
	}

	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Op"}, func(ctx context.Context, req any) (any, error) {
		t.Fatalf("handler reached without token")
		return nil, nil
	})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("missing token: %v", err)
	}
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *fakeStream) Context() context.Context { return s.ctx }

func TestStreamAuthInterceptor(t *testing.T) {
	secret := "s3cr3t"
	interceptor := NewStreamAuthInterceptor(secret)
	tok := testutil.GenerateJWTHS256(t, secret, "front", "kiosk")
	ss := &fakeStream{ctx: testutil.CtxWithBearer(context.Background(), tok)}

	err := interceptor(nil, ss, &grpc.StreamServerInfo{FullMethod: "/svc/Watch"}, func(srv any, stream grpc.ServerStream) error {
		p, ok := FromContext(stream.Context())
		if !ok || p.Kind != KindKiosk {
			t.Fatalf("stream principal: %+v ok=%v", p, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("stream interceptor: %v", err)
	}

	err = interceptor(nil, &fakeStream{ctx: context.Background()}, &grpc.StreamServerInfo{FullMethod: "/svc/Watch"}, func(any, grpc.ServerStream) error {
		return nil
	})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("stream without token: %v", err)
	}
}

func TestAccessRule(t *testing.T) {
	kiosk := WithPrincipal(context.Background(), &Principal{Name: "front", Kind: KindKiosk})
	barista := WithPrincipal(context.Background(), &Principal{Name: "b1", Kind: KindBarista})
	system := WithPrincipal(context.Background(), System)

	tests := []struct {
		name       string
		ctx        context.Context
		collection string
		access     docstore.Access
		ok         bool
	}{
		{"kiosk reads orders", kiosk, repository.CollectionOrders, docstore.AccessRead, true},
		{"kiosk writes orders", kiosk, repository.CollectionOrders, docstore.AccessWrite, false},
		{"kiosk reads archive", kiosk, repository.CollectionCompleted, docstore.AccessRead, false},
		{"barista writes counter", barista, repository.CollectionCounter, docstore.AccessWrite, true},
		{"barista other collection", barista, "users", docstore.AccessRead, false},
		{"system writes archive", system, repository.CollectionCompleted, docstore.AccessWrite, true},
		{"anonymous", context.Background(), repository.CollectionOrders, docstore.AccessRead, false},
	}
	for _, tt := range tests {
		err := AccessRule(tt.ctx, tt.collection, tt.access)
		if tt.ok && err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, docstore.ErrPermissionDenied) {
			t.Fatalf("%s: err = %v", tt.name, err)
		}
	}
}
