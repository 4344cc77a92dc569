// Package expiry force-receives ready orders that nobody picked up.
package expiry

import (
	"context"
	"log"
	"time"

	"github.com/ericchongums/kopikap-dashboard/internal/metrics"
	"github.com/ericchongums/kopikap-dashboard/models"
)

// DefaultThreshold is how long a completed order waits on the pickup board.
const DefaultThreshold = time.Hour

// Receiver performs the receipt transition; lifecycle.Coordinator satisfies it.
type Receiver interface {
	Receive(ctx context.Context, id string, by models.ReceivedBy, actorID string) (*models.Order, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

// Result summarizes one sweep.
type Result struct {
	Expired []string
	Failed  map[string]error
}

// Sweeper expires stale orders. It is driven by pickup-board snapshots and, when the
// dashboard sets a sweep interval, by a timer over the whole store.
type Sweeper struct {
	recv      Receiver
	threshold time.Duration
	now       func() time.Time
	log       Logger
	metrics   *metrics.Registry
}

type Option func(*Sweeper)

func WithThreshold(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.threshold = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func WithLogger(l Logger) Option {
	return func(s *Sweeper) { s.log = l }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Sweeper) { s.metrics = m }
}

func New(recv Receiver, opts ...Option) *Sweeper {
	s := &Sweeper{
		recv:      recv,
		threshold: DefaultThreshold,
		now:       time.Now,
		log:       log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Threshold returns the configured staleness threshold.
func (s *Sweeper) Threshold() time.Duration { return s.threshold }

// Stale reports whether o has waited longer than the threshold and is not yet expired.
func (s *Sweeper) Stale(o *models.Order, now time.Time) bool {
	if o.UpdatedAt.IsZero() || o.AutoExpired || o.ReceivedAt != nil {
		return false
	}
	return now.Sub(o.UpdatedAt) > s.threshold
}

// Sweep receives every stale order with actor auto-expire. Each order is handled on its
// own: a failure is logged and recorded and the sweep moves on.
func (s *Sweeper) Sweep(ctx context.Context, orders []*models.Order) Result {
	now := s.now()
	res := Result{Failed: map[string]error{}}
	for _, o := range orders {
		if !s.Stale(o, now) {
			continue
		}
		age := now.Sub(o.UpdatedAt).Truncate(time.Minute)
		if _, err := s.recv.Receive(ctx, o.ID, models.ReceivedByAutoExpire, ""); err != nil {
			s.log.Printf("expiry: auto-expire order %s (%s): %v", o.ID, o.PickupNumber, err)
			res.Failed[o.ID] = err
			if s.metrics != nil {
				s.metrics.ExpiryFailures.Inc()
			}
			continue
		}
		s.log.Printf("expiry: order %s (%s) auto-expired after %s", o.ID, o.PickupNumber, age)
		res.Expired = append(res.Expired, o.ID)
		if s.metrics != nil {
			s.metrics.Expired.Inc()
		}
	}
	return res
}
