// Package lifecycle moves orders through pending → preparing → completed → received.
//
// Every transition is a single atomic commit. Completion allocates the next pickup
// number from the shared counter inside a serializable transaction, so two concurrent
// completions can never observe the same counter value.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ericchongums/kopikap-dashboard/internal/docstore"
	"github.com/ericchongums/kopikap-dashboard/internal/events"
	"github.com/ericchongums/kopikap-dashboard/internal/metrics"
	"github.com/ericchongums/kopikap-dashboard/models"
	"github.com/ericchongums/kopikap-dashboard/repository"
)

// Logger is the logging surface used by the coordinator.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the default logger.
func WithLogger(l Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithEvents records every committed transition to w.
func WithEvents(w events.Writer) Option {
	return func(c *Coordinator) {
		if w != nil {
			c.events = w
		}
	}
}

// WithMetrics reports transitions to the registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator owns every order state transition.
type Coordinator struct {
	db      *docstore.DB
	repo    *repository.OrderRepository
	log     Logger
	events  events.Writer
	metrics *metrics.Registry
}

// New returns a coordinator over db.
func New(db *docstore.DB, opts ...Option) *Coordinator {
	c := &Coordinator{
		db:     db,
		repo:   repository.NewOrderRepository(db),
		log:    log.Default(),
		events: events.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Repository returns the read side used by the coordinator.
func (c *Coordinator) Repository() *repository.OrderRepository {
	return c.repo
}

// StartPreparing moves a pending order to preparing. Calling it on an order that is
// already preparing is a no-op.
func (c *Coordinator) StartPreparing(ctx context.Context, id string) (*models.Order, error) {
	start := time.Now()
	changed := false
	err := c.db.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		changed = false
		o, err := getLive(tx, id)
		if err != nil {
			return err
		}
		if o == nil {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		if o.OrderStatus == models.OrderStatusPreparing {
			return nil
		}
		if !o.OrderStatus.CanTransitionTo(models.OrderStatusPreparing) {
			return &TransitionError{OrderID: id, From: o.Stage(), To: models.OrderStatusPreparing}
		}
		tx.Update(repository.CollectionOrders, id, docstore.Fields{
			"orderStatus": string(models.OrderStatusPreparing),
			"updatedAt":   docstore.ServerTimestamp,
		})
		changed = true
		return nil
	})
	if err != nil {
		return nil, c.fail("start_preparing", id, err)
	}
	o, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return nil, c.fail("start_preparing", id, err)
	}
	if o == nil {
		return nil, c.fail("start_preparing", id, fmt.Errorf("%w: %s", ErrOrderNotFound, id))
	}
	if changed {
		c.observe(models.OrderStatusPreparing, start)
		c.publish(events.Event{Type: events.TypePreparing, OrderID: id, Status: string(o.OrderStatus), TS: o.UpdatedAt})
	}
	return o, nil
}

// Complete moves a preparing order to completed. In one transaction it reads the pickup
// counter, stamps the live order with the next pickup number, writes the archive record
// and advances the counter. It returns the archived order.
func (c *Coordinator) Complete(ctx context.Context, id string) (*models.Order, error) {
	start := time.Now()
	var next int64
	err := c.db.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		live, err := tx.Get(repository.CollectionOrders, id)
		if err != nil {
			return err
		}
		if live == nil {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		o, err := repository.DecodeOrder(live)
		if err != nil {
			return err
		}
		if o.OrderStatus != models.OrderStatusPreparing {
			return &TransitionError{OrderID: id, From: o.Stage(), To: models.OrderStatusCompleted}
		}
		cd, err := tx.Get(repository.CollectionCounter, repository.CounterID)
		if err != nil {
			return err
		}
		var counter models.PickupCounter
		if cd != nil {
			if counter, err = repository.DecodeCounter(cd); err != nil {
				return err
			}
		}
		n, pickup := counter.Next()
		updates := docstore.Fields{
			"orderStatus":  string(models.OrderStatusCompleted),
			"pickupNumber": pickup,
			"completedAt":  docstore.ServerTimestamp,
			"updatedAt":    docstore.ServerTimestamp,
		}
		tx.Update(repository.CollectionOrders, id, updates)
		tx.Set(repository.CollectionCompleted, id, merged(live.Data, updates), false)
		tx.Set(repository.CollectionCounter, repository.CounterID, docstore.Fields{
			"counter":     n,
			"lastUpdated": docstore.ServerTimestamp,
		}, false)
		next = n
		return nil
	})
	if err != nil {
		return nil, c.fail("complete", id, err)
	}
	o, err := c.repo.GetArchived(ctx, id)
	if err == nil && o == nil {
		err = fmt.Errorf("archive record of %s missing after completion", id)
	}
	if err != nil {
		return nil, c.fail("complete", id, err)
	}
	c.log.Printf("lifecycle: order %s completed with pickup number %s", id, o.PickupNumber)
	c.observe(models.OrderStatusCompleted, start)
	if c.metrics != nil {
		c.metrics.PickupCounter.Set(float64(next))
	}
	c.publish(events.Event{Type: events.TypeCompleted, OrderID: id, Status: string(o.OrderStatus), PickupNumber: o.PickupNumber, TS: o.UpdatedAt})
	return o, nil
}

// Receive marks a completed order as picked up. The archive record gets receivedAt,
// updatedAt and receivedBy (plus autoExpired or baristaId) and the live order is updated
// and removed, all in one commit. Receiving an order whose live document is already gone
// and whose archive is already received is not an error.
func (c *Coordinator) Receive(ctx context.Context, id string, by models.ReceivedBy, actorID string) (*models.Order, error) {
	if !by.Valid() {
		return nil, c.fail("receive", id, fmt.Errorf("unknown receipt actor %q", by))
	}
	start := time.Now()
	already := false
	err := c.db.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		already = false
		live, err := tx.Get(repository.CollectionOrders, id)
		if err != nil {
			return err
		}
		arch, err := tx.Get(repository.CollectionCompleted, id)
		if err != nil {
			return err
		}
		if live == nil && arch == nil {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		if live != nil {
			o, err := repository.DecodeOrder(live)
			if err != nil {
				return err
			}
			if !o.OrderStatus.CanTransitionTo(models.OrderStatusReceived) {
				return &TransitionError{OrderID: id, From: o.Stage(), To: models.OrderStatusReceived}
			}
		} else if arch.Has("receivedAt") {
			already = true
			return nil
		}

		updates := docstore.Fields{
			"receivedAt": docstore.ServerTimestamp,
			"updatedAt":  docstore.ServerTimestamp,
			"receivedBy": string(by),
		}
		switch by {
		case models.ReceivedByAutoExpire:
			updates["autoExpired"] = true
		case models.ReceivedByBarista:
			if actorID != "" {
				updates["baristaId"] = actorID
			}
		}
		if arch != nil {
			tx.Set(repository.CollectionCompleted, id, updates, true)
		} else {
			tx.Set(repository.CollectionCompleted, id, merged(live.Data, updates), false)
		}
		if live != nil {
			tx.Update(repository.CollectionOrders, id, updates)
			tx.Delete(repository.CollectionOrders, id)
		}
		return nil
	})
	if err != nil {
		return nil, c.fail("receive", id, err)
	}
	o, err := c.repo.GetArchived(ctx, id)
	if err == nil && o == nil {
		err = fmt.Errorf("archive record of %s missing after receipt", id)
	}
	if err != nil {
		return nil, c.fail("receive", id, err)
	}
	if already {
		c.log.Printf("lifecycle: order %s already received, ignoring", id)
		return o, nil
	}
	c.observe(models.OrderStatusReceived, start)
	typ := events.TypeReceived
	if by == models.ReceivedByAutoExpire {
		typ = events.TypeAutoExpired
	}
	c.publish(events.Event{
		Type:         typ,
		OrderID:      id,
		Status:       string(o.Stage()),
		PickupNumber: o.PickupNumber,
		Actor:        string(by),
		ActorID:      actorID,
		TS:           o.UpdatedAt,
	})
	return o, nil
}

func getLive(tx *docstore.Tx, id string) (*models.Order, error) {
	d, err := tx.Get(repository.CollectionOrders, id)
	if err != nil || d == nil {
		return nil, err
	}
	return repository.DecodeOrder(d)
}

// merged returns a copy of base with updates applied on top.
func merged(base, updates docstore.Fields) docstore.Fields {
	out := make(docstore.Fields, len(base)+len(updates))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range updates {
		out[k] = v
	}
	return out
}

func (c *Coordinator) fail(op, id string, err error) error {
	kind := Classify(err)
	c.log.Printf("lifecycle: %s %s failed (%s): %v", op, id, kind, err)
	if c.metrics != nil {
		c.metrics.Failures.WithLabelValues(op, kind.String()).Inc()
	}
	return err
}

func (c *Coordinator) observe(to models.OrderStatus, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.Transitions.WithLabelValues(string(to)).Inc()
	c.metrics.TxLatencySec.Observe(time.Since(start).Seconds())
}

// publish appends to the event log. A failed append never undoes a committed transition.
func (c *Coordinator) publish(e events.Event) {
	if err := c.events.Append(e); err != nil {
		c.log.Printf("lifecycle: append event %s for %s: %v", e.Type, e.OrderID, err)
		if c.metrics != nil {
			c.metrics.EventsFailed.Inc()
		}
		return
	}
	if c.metrics != nil {
		c.metrics.EventsAppended.Inc()
	}
}
