// Package alert raises a "new order" notification when unseen pending orders arrive.
package alert

import (
	"log"
	"sync"
	"time"

	"github.com/ericchongums/kopikap-dashboard/internal/metrics"
	"github.com/ericchongums/kopikap-dashboard/models"
)

// Alert announces pending orders that no earlier snapshot contained.
type Alert struct {
	OrderIDs []string  `json:"orderIds"`
	At       time.Time `json:"at"`
}

// Notifier delivers alerts (sound, websocket push, log line).
type Notifier interface {
	Notify(a Alert)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Alert)

func (f NotifierFunc) Notify(a Alert) { f(a) }

// FanOut delivers every alert to each notifier in turn.
type FanOut []Notifier

func (f FanOut) Notify(a Alert) {
	for _, n := range f {
		n.Notify(a)
	}
}

type Logger interface {
	Printf(format string, args ...any)
}

// LogNotifier writes a line per alert.
type LogNotifier struct {
	Log Logger
}

func (n LogNotifier) Notify(a Alert) {
	l := n.Log
	if l == nil {
		l = log.Default()
	}
	l.Printf("alert: %d new order(s): %v", len(a.OrderIDs), a.OrderIDs)
}

// Trigger tracks every order id it has seen. The first snapshot only primes the seen
// set; after that each snapshot with at least one unseen pending order fires exactly
// one alert. The seen set is never pruned.
type Trigger struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	primed   bool
	notifier Notifier
	metrics  *metrics.Registry
	now      func() time.Time
}

type Option func(*Trigger)

func WithMetrics(m *metrics.Registry) Option {
	return func(t *Trigger) { t.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(t *Trigger) { t.now = now }
}

func NewTrigger(n Notifier, opts ...Option) *Trigger {
	t := &Trigger{
		seen:     make(map[string]struct{}),
		notifier: n,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe processes one snapshot of the pending+preparing query. It reports the alert
// that was fired, if any.
func (t *Trigger) Observe(orders []*models.Order) (Alert, bool) {
	t.mu.Lock()
	var fresh []string
	for _, o := range orders {
		if _, ok := t.seen[o.ID]; ok {
			continue
		}
		t.seen[o.ID] = struct{}{}
		if o.OrderStatus == models.OrderStatusPending {
			fresh = append(fresh, o.ID)
		}
	}
	first := !t.primed
	t.primed = true
	t.mu.Unlock()

	if first || len(fresh) == 0 {
		return Alert{}, false
	}
	a := Alert{OrderIDs: fresh, At: t.now()}
	if t.metrics != nil {
		t.metrics.Alerts.Inc()
	}
	if t.notifier != nil {
		t.notifier.Notify(a)
	}
	return a, true
}

// Primed reports whether the initial snapshot has been observed.
func (t *Trigger) Primed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.primed
}
