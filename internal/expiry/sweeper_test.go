package expiry

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/ericchongums/kopikap-dashboard/internal/lifecycle"
	"github.com/ericchongums/kopikap-dashboard/internal/testutil"
	"github.com/ericchongums/kopikap-dashboard/models"
)

type fakeReceiver struct {
	calls []string
	fail  map[string]bool
}

func (f *fakeReceiver) Receive(ctx context.Context, id string, by models.ReceivedBy, actorID string) (*models.Order, error) {
	f.calls = append(f.calls, id)
	if by != models.ReceivedByAutoExpire {
		return nil, errors.New("wrong actor")
	}
	if f.fail[id] {
		return nil, errors.New("store unavailable")
	}
	return &models.Order{ID: id}, nil
}

var quiet = log.New(io.Discard, "", 0)

func TestSweepContinuesAfterFailure(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	recv := &fakeReceiver{fail: map[string]bool{"b": true}}
	s := New(recv, WithClock(func() time.Time { return now }), WithLogger(quiet))

	orders := []*models.Order{
		{ID: "a", UpdatedAt: now.Add(-2 * time.Hour)},
		{ID: "b", UpdatedAt: now.Add(-90 * time.Minute)},
		{ID: "c", UpdatedAt: now.Add(-75 * time.Minute)},
		{ID: "fresh", UpdatedAt: now.Add(-59 * time.Minute)},
		{ID: "flagged", UpdatedAt: now.Add(-3 * time.Hour), AutoExpired: true},
	}
	res := s.Sweep(context.Background(), orders)
	if len(recv.calls) != 3 {
		t.Fatalf("calls = %v", recv.calls)
	}
	if len(res.Expired) != 2 || res.Expired[0] != "a" || res.Expired[1] != "c" {
		t.Fatalf("expired = %v", res.Expired)
	}
	if _, ok := res.Failed["b"]; !ok || len(res.Failed) != 1 {
		t.Fatalf("failed = %v", res.Failed)
	}
}

func TestSweepThresholdIsExclusive(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	recv := &fakeReceiver{}
	s := New(recv, WithClock(func() time.Time { return now }), WithThreshold(30*time.Minute), WithLogger(quiet))
	s.Sweep(context.Background(), []*models.Order{{ID: "edge", UpdatedAt: now.Add(-30 * time.Minute)}})
	if len(recv.calls) != 0 {
		t.Fatalf("order exactly at the threshold was expired")
	}
}

func TestSweepExpiresStaleOrderEndToEnd(t *testing.T) {
	store := testutil.NewMemoryStore(t)
	coord := lifecycle.New(store, lifecycle.WithLogger(quiet))
	ctx := context.Background()
	id := testutil.SeedOrder(t, store, "", models.OrderStatusPreparing, time.Now())
	o, err := coord.Complete(ctx, id)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	later := o.UpdatedAt.Add(75 * time.Minute)
	s := New(coord, WithClock(func() time.Time { return later }), WithLogger(quiet))
	res := s.Sweep(ctx, []*models.Order{o})
	if len(res.Expired) != 1 {
		t.Fatalf("sweep result: %+v", res)
	}
	arch, _ := coord.Repository().GetArchived(ctx, id)
	if arch.ReceivedBy != models.ReceivedByAutoExpire || !arch.AutoExpired || arch.ReceivedAt == nil {
		t.Fatalf("archive after sweep: %+v", arch)
	}
	if live, _ := coord.Repository().GetByID(ctx, id); live != nil {
		t.Fatalf("live order survived the sweep")
	}
}
