package board

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/ericchongums/kopikap-dashboard/internal/docstore"
	"github.com/ericchongums/kopikap-dashboard/internal/lifecycle"
	"github.com/ericchongums/kopikap-dashboard/internal/testutil"
	"github.com/ericchongums/kopikap-dashboard/models"
)

var quiet = log.New(io.Discard, "", 0)

func frames() (chan Frame, func(Frame)) {
	ch := make(chan Frame, 256)
	return ch, func(f Frame) { ch <- f }
}

// nextFrame returns the next frame published for board, skipping other boards.
func nextFrame(t *testing.T, ch <-chan Frame, board string) Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-ch:
			if f.Board == board {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %s frame", board)
		}
	}
}

func sameIDs(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func completeOrder(t *testing.T, c *lifecycle.Coordinator, s *docstore.DB, id string) {
	t.Helper()
	testutil.SeedOrder(t, s, id, models.OrderStatusPreparing, time.Now().Add(-5*time.Minute))
	if _, err := c.Complete(context.Background(), id); err != nil {
		t.Fatalf("complete %s: %v", id, err)
	}
}

func TestPickupBoardDropsReceivedOrderEagerly(t *testing.T) {
	s := testutil.NewMemoryStore(t)
	c := lifecycle.New(s, lifecycle.WithLogger(quiet))
	completeOrder(t, c, s, "a")
	completeOrder(t, c, s, "b")

	ch, onFrame := frames()
	cfg := PickupConfig(20, time.Hour)
	cfg.OnFrame = onFrame
	cfg.Log = quiet
	r := NewReconciler(s, cfg)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	f := nextFrame(t, ch, NamePickup)
	if f.Partial || !sameIDs(f.IDs(), "b", "a") {
		t.Fatalf("initial frame = %v partial=%v", f.IDs(), f.Partial)
	}
	for _, card := range f.Cards {
		if !card.New || card.Stale {
			t.Fatalf("initial card %s: new=%v stale=%v", card.Order.ID, card.New, card.Stale)
		}
	}

	if _, err := c.Receive(context.Background(), "b", models.ReceivedByBarista, "barista-1"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	partial := nextFrame(t, ch, NamePickup)
	if !partial.Partial || !sameIDs(partial.IDs(), "a") {
		t.Fatalf("eager frame = %v partial=%v", partial.IDs(), partial.Partial)
	}
	full := nextFrame(t, ch, NamePickup)
	if full.Partial || !sameIDs(full.IDs(), "a") {
		t.Fatalf("rerendered frame = %v partial=%v", full.IDs(), full.Partial)
	}
	if full.Cards[0].New {
		t.Fatalf("card a flagged new on rerender")
	}
}

func TestReconcilerFallsBackWhenOrderingUnavailable(t *testing.T) {
	// indexes are enforced but none is declared, so every ordered query fails
	s := testutil.NewMemoryStore(t, docstore.WithIndexes())
	c := lifecycle.New(s, lifecycle.WithLogger(quiet))
	completeOrder(t, c, s, "a")

	ch, onFrame := frames()
	cfg := PickupConfig(20, time.Hour)
	cfg.OnFrame = onFrame
	cfg.Log = quiet
	cfg.OnError = func(err error) { t.Errorf("unexpected listener error: %v", err) }
	r := NewReconciler(s, cfg)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	f := nextFrame(t, ch, NamePickup)
	if !f.Fallback || !sameIDs(f.IDs(), "a") {
		t.Fatalf("fallback frame = %v fallback=%v", f.IDs(), f.Fallback)
	}
	if !r.UsingFallback() {
		t.Fatalf("UsingFallback() = false")
	}

	// the fallback subscription keeps receiving diffs
	completeOrder(t, c, s, "b")
	f = nextFrame(t, ch, NamePickup)
	if len(f.Cards) != 2 {
		t.Fatalf("after second completion: %v", f.IDs())
	}
}

func TestQueueBoardNewFlagsAndFilter(t *testing.T) {
	s := testutil.NewMemoryStore(t)
	base := time.Now().Add(-10 * time.Minute)
	testutil.SeedOrder(t, s, "a", models.OrderStatusPending, base)

	ch, onFrame := frames()
	cfg := QueueConfig(FilterAll)
	cfg.OnFrame = onFrame
	cfg.Log = quiet
	r := NewReconciler(s, cfg)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	f := nextFrame(t, ch, NameQueue)
	if !sameIDs(f.IDs(), "a") || !f.Cards[0].New {
		t.Fatalf("initial queue = %v", f.Cards)
	}
	if f.Cards[0].AgeLabel != "10 mins ago" {
		t.Fatalf("age label = %q", f.Cards[0].AgeLabel)
	}

	testutil.SeedOrder(t, s, "b", models.OrderStatusPreparing, base.Add(time.Minute))
	f = nextFrame(t, ch, NameQueue)
	if !sameIDs(f.IDs(), "b", "a") {
		t.Fatalf("queue order = %v", f.IDs())
	}
	if !f.Cards[0].New || f.Cards[1].New {
		t.Fatalf("new flags = %v %v", f.Cards[0].New, f.Cards[1].New)
	}

	r.SetKeep(FilterPreparing.keep())
	f = nextFrame(t, ch, NameQueue)
	if !sameIDs(f.IDs(), "b") {
		t.Fatalf("filtered queue = %v", f.IDs())
	}
	if got := r.Orders(); len(got) != 2 {
		t.Fatalf("unfiltered orders = %d", len(got))
	}
}

func TestDropPublishesPartialFrame(t *testing.T) {
	s := testutil.NewMemoryStore(t)
	c := lifecycle.New(s, lifecycle.WithLogger(quiet))
	completeOrder(t, c, s, "a")

	ch, onFrame := frames()
	cfg := PickupConfig(20, time.Hour)
	cfg.OnFrame = onFrame
	cfg.Log = quiet
	r := NewReconciler(s, cfg)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()
	nextFrame(t, ch, NamePickup)

	if r.Drop("missing") {
		t.Fatalf("dropped a card that was not on the board")
	}
	if !r.Drop("a") {
		t.Fatalf("Drop(a) = false")
	}
	f := nextFrame(t, ch, NamePickup)
	if !f.Partial || len(f.Cards) != 0 {
		t.Fatalf("frame after drop = %v partial=%v", f.IDs(), f.Partial)
	}
}

func TestStaleFlag(t *testing.T) {
	s := testutil.NewMemoryStore(t)
	c := lifecycle.New(s, lifecycle.WithLogger(quiet))
	completeOrder(t, c, s, "a")

	ch, onFrame := frames()
	cfg := PickupConfig(20, time.Hour)
	cfg.OnFrame = onFrame
	cfg.Log = quiet
	cfg.Now = func() time.Time { return time.Now().Add(61 * time.Minute) }
	r := NewReconciler(s, cfg)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	f := nextFrame(t, ch, NamePickup)
	if len(f.Cards) != 1 || !f.Cards[0].Stale || f.Cards[0].AgeLabel != "1 hour ago" {
		t.Fatalf("card = %+v", f.Cards)
	}
}

func TestAgeLabel(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "Just now"},
		{59 * time.Second, "Just now"},
		{time.Minute, "1 min ago"},
		{90 * time.Second, "1 min ago"},
		{12 * time.Minute, "12 mins ago"},
		{59 * time.Minute, "59 mins ago"},
		{time.Hour, "1 hour ago"},
		{119 * time.Minute, "1 hour ago"},
		{3 * time.Hour, "3 hours ago"},
	}
	for _, tt := range tests {
		if got := AgeLabel(tt.in); got != tt.want {
			t.Fatalf("AgeLabel(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseFilter(t *testing.T) {
	for in, want := range map[string]Filter{"": FilterAll, "all": FilterAll, "pending": FilterPending, "preparing": FilterPreparing} {
		got, err := ParseFilter(in)
		if err != nil || got != want {
			t.Fatalf("ParseFilter(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFilter("completed"); err == nil {
		t.Fatalf("ParseFilter(completed) succeeded")
	}
}
