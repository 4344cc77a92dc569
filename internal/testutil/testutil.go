package testutil

import (
	"context"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/metadata"

	"github.com/ericchongums/kopikap-dashboard/internal/db"
	"github.com/ericchongums/kopikap-dashboard/internal/docstore"
	"github.com/ericchongums/kopikap-dashboard/models"
)

// OpenSQLiteStore returns a document store over a fresh in-memory SQLite database.
func OpenSQLiteStore(t *testing.T, name string, opts ...docstore.Option) *docstore.DB {
	t.Helper()
	d, err := db.Open("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	s := docstore.NewSQLite(d, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// NewMemoryStore returns an in-memory document store closed via t.Cleanup.
func NewMemoryStore(t *testing.T, opts ...docstore.Option) *docstore.DB {
	t.Helper()
	s := docstore.NewMemory(opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// SeedOrder writes a live order with explicit timestamps and returns its id.
func SeedOrder(t *testing.T, s *docstore.DB, id string, status models.OrderStatus, createdAt time.Time) string {
	t.Helper()
	if id == "" {
		id = docstore.NewID()
	}
	err := s.Set(context.Background(), "orders", id, docstore.Fields{
		"orderStatus":   string(status),
		"paymentStatus": string(models.PaymentStatusPaid),
		"items": []any{
			docstore.Fields{"quantity": 1, "coffeeName": "Kopi C", "variant": "Hot", "size": "Regular"},
		},
		"userName":  "guest",
		"createdAt": createdAt,
		"updatedAt": createdAt,
	}, false)
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return id
}

// GenerateJWTHS256 returns a signed JWT string with minimal claims used by the app.
func GenerateJWTHS256(t *testing.T, secret, name, kind string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"name": name,
		"kind": kind,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// CtxWithBearer returns a context containing gRPC metadata Authorization header with the given token.
func CtxWithBearer(ctx context.Context, token string) context.Context {
	md := metadata.Pairs("authorization", "Bearer "+token)
	return metadata.NewIncomingContext(ctx, md)
}
