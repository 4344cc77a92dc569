// Package board keeps the live order boards (barista queue, preparing, ready for pickup)
// in sync with the document store.
package board

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ericchongums/kopikap-dashboard/internal/docstore"
	"github.com/ericchongums/kopikap-dashboard/internal/metrics"
	"github.com/ericchongums/kopikap-dashboard/models"
	"github.com/ericchongums/kopikap-dashboard/repository"
)

// Card is one rendered order.
type Card struct {
	Order    *models.Order `json:"order"`
	New      bool          `json:"new"`
	Age      time.Duration `json:"-"`
	AgeLabel string        `json:"ageLabel"`
	Stale    bool          `json:"stale"`
}

// Frame is the full content of a board at one moment. Partial frames are published
// when cards are dropped eagerly, before the matching full rerender.
type Frame struct {
	Board    string    `json:"board"`
	Cards    []Card    `json:"cards"`
	Partial  bool      `json:"partial,omitempty"`
	Fallback bool      `json:"fallback,omitempty"`
	At       time.Time `json:"at"`
}

// IDs lists the order ids on the frame, in display order.
func (f Frame) IDs() []string {
	out := make([]string, len(f.Cards))
	for i, c := range f.Cards {
		out[i] = c.Order.ID
	}
	return out
}

type Logger interface {
	Printf(format string, args ...any)
}

// Config parameterises a Reconciler.
type Config struct {
	Name string
	// Primary is the ordered query. Fallback is used when Primary fails with
	// docstore.ErrFailedPrecondition; it defaults to Primary without ordering.
	Primary  docstore.Query
	Fallback *docstore.Query
	// Keep filters orders client-side; nil keeps everything.
	Keep func(*models.Order) bool
	// Stamp is the time a card's age is measured from; defaults to UpdatedAt.
	Stamp func(*models.Order) time.Time
	// StaleAfter flags cards older than this; zero disables the flag.
	StaleAfter time.Duration
	Now        func() time.Time
	// OnFrame receives every published frame. It must not call back into the reconciler.
	OnFrame func(Frame)
	// OnSnapshot receives every decoded order of each snapshot after it was rendered.
	OnSnapshot func(orders []*models.Order)
	// OnError receives listener errors other than the fallback trigger.
	OnError func(error)
	Log     Logger
	Metrics *metrics.Registry
}

// Reconciler subscribes to a query and turns its snapshots into frames. One routine
// applies snapshots for both the ordered and the fallback subscription.
type Reconciler struct {
	db  *docstore.DB
	cfg Config

	emitMu sync.Mutex

	mu       sync.Mutex
	ctx      context.Context
	unsub    func()
	fallback bool
	stopped  bool
	cards    []Card
	last     []*models.Order
}

// NewReconciler validates cfg and returns an idle reconciler.
func NewReconciler(db *docstore.DB, cfg Config) *Reconciler {
	if cfg.Fallback == nil {
		fb := cfg.Primary.Unordered()
		cfg.Fallback = &fb
	}
	if cfg.Stamp == nil {
		cfg.Stamp = func(o *models.Order) time.Time { return o.UpdatedAt }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = log.Default()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Primary.Collection
	}
	return &Reconciler{db: db, cfg: cfg}
}

// Name returns the board name.
func (r *Reconciler) Name() string { return r.cfg.Name }

// Start subscribes to the primary query.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return errors.New("board: reconciler stopped")
	}
	if r.unsub != nil {
		return fmt.Errorf("board %s: already started", r.cfg.Name)
	}
	r.ctx = ctx
	r.subscribeLocked(r.cfg.Primary, false)
	return nil
}

func (r *Reconciler) subscribeLocked(q docstore.Query, fallback bool) {
	r.fallback = fallback
	r.unsub = r.db.Listen(r.ctx, q, r.apply, func(err error) { r.listenErr(err, fallback) })
}

func (r *Reconciler) listenErr(err error, fallback bool) {
	if !fallback && errors.Is(err, docstore.ErrFailedPrecondition) {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return
		}
		r.cfg.Log.Printf("board %s: ordered query unavailable, falling back to unordered: %v", r.cfg.Name, err)
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.BoardFallbacks.WithLabelValues(r.cfg.Name).Inc()
		}
		r.subscribeLocked(*r.cfg.Fallback, true)
		r.mu.Unlock()
		return
	}
	r.cfg.Log.Printf("board %s: listener stopped: %v", r.cfg.Name, err)
	if r.cfg.OnError != nil {
		r.cfg.OnError(err)
	}
}

// Stop unsubscribes. It is safe to call more than once.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	r.stopped = true
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// UsingFallback reports whether the board is served by the unordered query.
func (r *Reconciler) UsingFallback() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fallback
}

// Frame returns the current board content.
func (r *Reconciler) Frame() Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frameLocked(false)
}

func (r *Reconciler) frameLocked(partial bool) Frame {
	cards := make([]Card, len(r.cards))
	copy(cards, r.cards)
	return Frame{Board: r.cfg.Name, Cards: cards, Partial: partial, Fallback: r.fallback, At: r.cfg.Now()}
}

// Drop removes a card right away, typically after a local receipt, and publishes the
// resulting frame. It reports whether the card was on the board.
func (r *Reconciler) Drop(id string) bool {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.mu.Lock()
	ok := r.removeLocked(id)
	f := r.frameLocked(true)
	r.mu.Unlock()
	if ok {
		r.publish(f)
	}
	return ok
}

// SetKeep replaces the client-side filter and re-renders the last snapshot.
func (r *Reconciler) SetKeep(keep func(*models.Order) bool) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.mu.Lock()
	r.cfg.Keep = keep
	r.renderLocked(r.last)
	f := r.frameLocked(false)
	r.mu.Unlock()
	r.publish(f)
}

func (r *Reconciler) removeLocked(id string) bool {
	for i, c := range r.cards {
		if c.Order.ID == id {
			r.cards = append(r.cards[:i:i], r.cards[i+1:]...)
			return true
		}
	}
	return false
}

// apply handles one snapshot: eager drops first, then the full rerender.
func (r *Reconciler) apply(snap *docstore.Snapshot) {
	orders := make([]*models.Order, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		o, err := repository.DecodeOrder(d)
		if err != nil {
			r.cfg.Log.Printf("board %s: skip %s: %v", r.cfg.Name, d.ID, err)
			continue
		}
		orders = append(orders, o)
	}

	r.emitMu.Lock()
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		r.emitMu.Unlock()
		return
	}
	dropped := false
	for _, ch := range snap.Changes {
		if ch.Type == docstore.ChangeRemoved || (ch.Type == docstore.ChangeModified && ch.Doc.Has("receivedAt")) {
			if r.removeLocked(ch.Doc.ID) {
				dropped = true
			}
		}
	}
	var partial Frame
	if dropped {
		partial = r.frameLocked(true)
	}
	r.renderLocked(orders)
	full := r.frameLocked(false)
	r.mu.Unlock()

	if dropped {
		r.publish(partial)
	}
	r.publish(full)
	r.emitMu.Unlock()

	if r.cfg.OnSnapshot != nil {
		r.cfg.OnSnapshot(orders)
	}
}

func (r *Reconciler) renderLocked(orders []*models.Order) {
	prev := make(map[string]bool, len(r.cards))
	for _, c := range r.cards {
		prev[c.Order.ID] = true
	}
	now := r.cfg.Now()
	cards := make([]Card, 0, len(orders))
	for _, o := range orders {
		if r.cfg.Keep != nil && !r.cfg.Keep(o) {
			continue
		}
		age := now.Sub(r.cfg.Stamp(o))
		if age < 0 {
			age = 0
		}
		cards = append(cards, Card{
			Order:    o,
			New:      !prev[o.ID],
			Age:      age,
			AgeLabel: AgeLabel(age),
			Stale:    r.cfg.StaleAfter > 0 && age > r.cfg.StaleAfter,
		})
	}
	r.cards = cards
	r.last = orders
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.BoardSize.WithLabelValues(r.cfg.Name).Set(float64(len(cards)))
	}
}

func (r *Reconciler) publish(f Frame) {
	if r.cfg.OnFrame != nil {
		r.cfg.OnFrame(f)
	}
}

// AgeLabel renders how long ago something happened, in whole minutes or hours.
func AgeLabel(d time.Duration) string {
	minutes := int(d / time.Minute)
	switch {
	case minutes < 1:
		return "Just now"
	case minutes == 1:
		return "1 min ago"
	case minutes < 60:
		return fmt.Sprintf("%d mins ago", minutes)
	}
	hours := minutes / 60
	if hours == 1 {
		return "1 hour ago"
	}
	return fmt.Sprintf("%d hours ago", hours)
}

// Orders returns the decoded orders of the last snapshot, before client-side filtering.
func (r *Reconciler) Orders() []*models.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Order, len(r.last))
	copy(out, r.last)
	return out
}
