package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ericchongums/kopikap-dashboard/internal/docstore"
	"github.com/ericchongums/kopikap-dashboard/internal/events"
	"github.com/ericchongums/kopikap-dashboard/internal/metrics"
	"github.com/ericchongums/kopikap-dashboard/internal/testutil"
	"github.com/ericchongums/kopikap-dashboard/models"
	"github.com/ericchongums/kopikap-dashboard/repository"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Append(e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

var quiet = log.New(io.Discard, "", 0)

func newCoordinator(t *testing.T, opts ...docstore.Option) (*Coordinator, *docstore.DB, *recorder) {
	t.Helper()
	s := testutil.NewMemoryStore(t, opts...)
	rec := &recorder{}
	return New(s, WithLogger(quiet), WithEvents(rec)), s, rec
}

func TestStartPreparing(t *testing.T) {
	c, s, rec := newCoordinator(t)
	ctx := context.Background()
	id := testutil.SeedOrder(t, s, "", models.OrderStatusPending, time.Now().Add(-time.Minute))

	o, err := c.StartPreparing(ctx, id)
	if err != nil {
		t.Fatalf("start preparing: %v", err)
	}
	if o.OrderStatus != models.OrderStatusPreparing {
		t.Fatalf("status = %s", o.OrderStatus)
	}
	if _, err := c.StartPreparing(ctx, id); err != nil {
		t.Fatalf("second start preparing should be a no-op, got %v", err)
	}
	if got := rec.types(); len(got) != 1 || got[0] != events.TypePreparing {
		t.Fatalf("events = %v", got)
	}

	if _, err := c.StartPreparing(ctx, "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("missing order: want ErrOrderNotFound, got %v", err)
	}
	done := testutil.SeedOrder(t, s, "", models.OrderStatusCompleted, time.Now())
	_, err = c.StartPreparing(ctx, done)
	var te *TransitionError
	if !errors.As(err, &te) || te.From != models.OrderStatusCompleted || !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("completed -> preparing: got %v", err)
	}
}

func TestCompleteAssignsNextPickupNumber(t *testing.T) {
	c, s, rec := newCoordinator(t)
	ctx := context.Background()
	if err := s.Set(ctx, repository.CollectionCounter, repository.CounterID, docstore.Fields{"counter": int64(7)}, false); err != nil {
		t.Fatal(err)
	}
	id := testutil.SeedOrder(t, s, "", models.OrderStatusPreparing, time.Now().Add(-5*time.Minute))

	o, err := c.Complete(ctx, id)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if o.PickupNumber != "0008" || o.OrderStatus != models.OrderStatusCompleted || o.CompletedAt == nil {
		t.Fatalf("archive record: %+v", o)
	}
	if o.UserName != "guest" || len(o.Items) != 1 || o.Items[0].Name != "Kopi C" {
		t.Fatalf("archive lost the order snapshot: %+v", o)
	}

	live, _ := c.Repository().GetByID(ctx, id)
	if live == nil || live.PickupNumber != "0008" || live.OrderStatus != models.OrderStatusCompleted {
		t.Fatalf("live order: %+v", live)
	}
	if !live.CompletedAt.Equal(*o.CompletedAt) || !live.UpdatedAt.Equal(o.UpdatedAt) {
		t.Fatalf("live and archive timestamps differ: %v %v", live.CompletedAt, o.CompletedAt)
	}
	counter, _ := c.Repository().Counter(ctx)
	if counter.Counter != 8 || !counter.LastUpdated.Equal(o.UpdatedAt) {
		t.Fatalf("counter: %+v", counter)
	}
	if got := rec.types(); len(got) != 1 || got[0] != events.TypeCompleted {
		t.Fatalf("events = %v", got)
	}
}

func TestCompleteRejectsWrongState(t *testing.T) {
	c, s, _ := newCoordinator(t)
	ctx := context.Background()
	id := testutil.SeedOrder(t, s, "", models.OrderStatusPending, time.Now())

	if _, err := c.Complete(ctx, id); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("pending -> completed: got %v", err)
	}
	if _, err := c.Complete(ctx, "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("missing: got %v", err)
	}
	counter, _ := c.Repository().Counter(ctx)
	if counter.Counter != 0 {
		t.Fatalf("counter advanced on failure: %+v", counter)
	}
	if d, _ := s.Get(ctx, repository.CollectionCompleted, id); d != nil {
		t.Fatalf("archive written on failure")
	}

	if _, err := c.StartPreparing(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Complete(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Complete(ctx, id); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("second completion must not reassign a pickup number: %v", err)
	}
}

func TestConcurrentCompletionsGetUniqueNumbers(t *testing.T) {
	c, s, _ := newCoordinator(t)
	ctx := context.Background()
	const n = 10
	ids := make([]string, n)
	for i := range ids {
		ids[i] = testutil.SeedOrder(t, s, fmt.Sprintf("order-%02d", i), models.OrderStatusPreparing, time.Now())
	}

	var wg sync.WaitGroup
	results := make(chan string, n)
	errs := make(chan error, n)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			o, err := c.Complete(ctx, id)
			if err != nil {
				errs <- err
				return
			}
			results <- o.PickupNumber
		}(id)
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		t.Fatalf("complete: %v", err)
	}
	seen := map[string]bool{}
	for pn := range results {
		if seen[pn] {
			t.Fatalf("duplicate pickup number %s", pn)
		}
		seen[pn] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d pickup numbers, want %d", len(seen), n)
	}
	counter, _ := c.Repository().Counter(ctx)
	if counter.Counter != n {
		t.Fatalf("counter = %d, want %d", counter.Counter, n)
	}
}

func completedOrder(t *testing.T, c *Coordinator, s *docstore.DB) string {
	t.Helper()
	ctx := context.Background()
	id := testutil.SeedOrder(t, s, "", models.OrderStatusPreparing, time.Now())
	if _, err := c.Complete(ctx, id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	return id
}

func TestReceiveByBarista(t *testing.T) {
	c, s, rec := newCoordinator(t)
	ctx := context.Background()
	id := completedOrder(t, c, s)

	o, err := c.Receive(ctx, id, models.ReceivedByBarista, "barista-7")
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if o.ReceivedAt == nil || o.ReceivedBy != models.ReceivedByBarista || o.BaristaID != "barista-7" || o.AutoExpired {
		t.Fatalf("archive after receipt: %+v", o)
	}
	if o.Stage() != models.OrderStatusReceived || o.OrderStatus != models.OrderStatusCompleted {
		t.Fatalf("stage = %s, stored status = %s", o.Stage(), o.OrderStatus)
	}
	if live, _ := c.Repository().GetByID(ctx, id); live != nil {
		t.Fatalf("live order still present: %+v", live)
	}

	again, err := c.Receive(ctx, id, models.ReceivedByBarista, "barista-8")
	if err != nil {
		t.Fatalf("second receive should be benign: %v", err)
	}
	if again.BaristaID != "barista-7" {
		t.Fatalf("second receive overwrote the archive: %+v", again)
	}
	if got := rec.types(); len(got) != 2 || got[1] != events.TypeReceived {
		t.Fatalf("events = %v", got)
	}
}

func TestReceiveAutoExpire(t *testing.T) {
	c, s, _ := newCoordinator(t)
	ctx := context.Background()
	id := completedOrder(t, c, s)

	o, err := c.Receive(ctx, id, models.ReceivedByAutoExpire, "")
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !o.AutoExpired || o.ReceivedBy != models.ReceivedByAutoExpire || o.BaristaID != "" {
		t.Fatalf("archive after auto-expire: %+v", o)
	}
}

func TestReceiveArchiveOnly(t *testing.T) {
	c, s, _ := newCoordinator(t)
	ctx := context.Background()
	id := completedOrder(t, c, s)
	done, _ := c.Repository().GetArchived(ctx, id)
	// live row already gone, archive not yet received
	if err := s.Delete(ctx, repository.CollectionOrders, id); err != nil {
		t.Fatalf("delete live: %v", err)
	}

	o, err := c.Receive(ctx, id, models.ReceivedByBarista, "barista-2")
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if o.ReceivedAt == nil || o.ReceivedBy != models.ReceivedByBarista || o.BaristaID != "barista-2" {
		t.Fatalf("archive after receipt: %+v", o)
	}
	if o.PickupNumber != done.PickupNumber || len(o.Items) != len(done.Items) {
		t.Fatalf("merge lost archive fields: %+v", o)
	}
}

func TestReceiveRaceBetweenBaristaAndSweeper(t *testing.T) {
	for i := 0; i < 20; i++ {
		c, s, rec := newCoordinator(t)
		ctx := context.Background()
		id := completedOrder(t, c, s)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		actors := []models.ReceivedBy{models.ReceivedByBarista, models.ReceivedByAutoExpire}
		for j, by := range actors {
			wg.Add(1)
			go func(j int, by models.ReceivedBy) {
				defer wg.Done()
				_, errs[j] = c.Receive(ctx, id, by, "barista-1")
			}(j, by)
		}
		wg.Wait()
		for j, err := range errs {
			if err != nil {
				t.Fatalf("round %d: %s receive: %v", i, actors[j], err)
			}
		}

		o, err := c.Repository().GetArchived(ctx, id)
		if err != nil || o == nil {
			t.Fatalf("round %d: archive: %v %v", i, o, err)
		}
		switch o.ReceivedBy {
		case models.ReceivedByBarista:
			if o.AutoExpired || o.BaristaID != "barista-1" {
				t.Fatalf("round %d: barista win mixed with expiry: %+v", i, o)
			}
		case models.ReceivedByAutoExpire:
			if !o.AutoExpired || o.BaristaID != "" {
				t.Fatalf("round %d: expiry win mixed with barista: %+v", i, o)
			}
		default:
			t.Fatalf("round %d: receivedBy = %q", i, o.ReceivedBy)
		}
		if got := rec.types(); len(got) != 2 {
			t.Fatalf("round %d: events = %v, want completion plus one receipt", i, got)
		}
	}
}

func TestReceiveRejects(t *testing.T) {
	c, s, _ := newCoordinator(t)
	ctx := context.Background()
	if _, err := c.Receive(ctx, "missing", models.ReceivedByBarista, ""); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("missing: got %v", err)
	}
	id := testutil.SeedOrder(t, s, "", models.OrderStatusPreparing, time.Now())
	if _, err := c.Receive(ctx, id, models.ReceivedByBarista, ""); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("preparing -> received: got %v", err)
	}
	if _, err := c.Receive(ctx, id, "someone", ""); err == nil {
		t.Fatalf("unknown actor accepted")
	}
}

func TestMetricsAndStats(t *testing.T) {
	s := testutil.NewMemoryStore(t)
	reg := metrics.NewRegistry()
	c := New(s, WithLogger(quiet), WithMetrics(reg))
	ctx := context.Background()

	testutil.SeedOrder(t, s, "", models.OrderStatusPending, time.Now())
	testutil.SeedOrder(t, s, "", models.OrderStatusPreparing, time.Now())
	id := completedOrder(t, c, s)
	if _, err := c.Receive(ctx, id, models.ReceivedByBarista, "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Complete(ctx, "missing"); err == nil {
		t.Fatal("expected error")
	}

	if got := promtest.ToFloat64(reg.Transitions.WithLabelValues("completed")); got != 1 {
		t.Fatalf("completed transitions = %v", got)
	}
	if got := promtest.ToFloat64(reg.Failures.WithLabelValues("complete", "not_found")); got != 1 {
		t.Fatalf("not_found failures = %v", got)
	}
	if got := promtest.ToFloat64(reg.PickupCounter); got != 1 {
		t.Fatalf("pickup counter gauge = %v", got)
	}

	st, err := c.Stats(ctx, time.Now())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := Stats{CompletedToday: 1, TotalCompleted: 1, Preparing: 1, Pending: 1}
	if st != want {
		t.Fatalf("stats = %+v, want %+v", st, want)
	}
}
