package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ericchongums/kopikap-dashboard/internal/docstore"
	"github.com/ericchongums/kopikap-dashboard/models"
)

// Collection names and the fixed counter key.
const (
	CollectionOrders    = "orders"
	CollectionCompleted = "completed_orders"
	CollectionCounter   = "pickup_counter"
	CounterID           = "daily_counter"
)

// OrderRepository reads and seeds orders, archive records and the pickup counter.
// State transitions live in the lifecycle coordinator.
type OrderRepository struct {
	db *docstore.DB
}

// NewOrderRepository creates a new OrderRepository.
func NewOrderRepository(db *docstore.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// DB exposes the underlying store for transactional callers.
func (r *OrderRepository) DB() *docstore.DB {
	return r.db
}

// Create inserts a new live order. Status defaults to pending and payment to unpaid;
// timestamps are assigned by the store.
func (r *OrderRepository) Create(ctx context.Context, o *models.Order) (*models.Order, error) {
	if o == nil {
		return nil, errors.New("order is nil")
	}
	if o.OrderStatus == "" {
		o.OrderStatus = models.OrderStatusPending
	}
	if o.PaymentStatus == "" {
		o.PaymentStatus = models.PaymentStatusUnpaid
	}
	if o.ID == "" {
		o.ID = docstore.NewID()
	}
	fields := OrderFields(o)
	if o.CreatedAt.IsZero() {
		fields["createdAt"] = docstore.ServerTimestamp
	}
	if o.UpdatedAt.IsZero() {
		fields["updatedAt"] = docstore.ServerTimestamp
	}
	if err := r.db.Set(ctx, CollectionOrders, o.ID, fields, false); err != nil {
		return nil, err
	}
	o2, err := r.GetByID(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if o2 == nil {
		return nil, fmt.Errorf("created order not found: id=%s", o.ID)
	}
	return o2, nil
}

// GetByID fetches a live order. It returns nil, nil when the order does not exist.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	return r.get(ctx, CollectionOrders, id)
}

// GetArchived fetches the archive record of an order, or nil, nil.
func (r *OrderRepository) GetArchived(ctx context.Context, id string) (*models.Order, error) {
	return r.get(ctx, CollectionCompleted, id)
}

func (r *OrderRepository) get(ctx context.Context, collection, id string) (*models.Order, error) {
	d, err := r.db.Get(ctx, collection, id)
	if err != nil || d == nil {
		return nil, err
	}
	return DecodeOrder(d)
}

// Counter returns the current pickup counter; a missing counter reads as zero.
func (r *OrderRepository) Counter(ctx context.Context) (models.PickupCounter, error) {
	d, err := r.db.Get(ctx, CollectionCounter, CounterID)
	if err != nil || d == nil {
		return models.PickupCounter{}, err
	}
	return DecodeCounter(d)
}

// List runs q once and decodes the result.
func (r *OrderRepository) List(ctx context.Context, q docstore.Query) ([]*models.Order, error) {
	docs, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return DecodeOrders(docs)
}

// CountCompletedSince counts archive records completed at or after since.
func (r *OrderRepository) CountCompletedSince(ctx context.Context, since time.Time) (int, error) {
	docs, err := r.db.Query(ctx, docstore.NewQuery(CollectionCompleted).Where("completedAt", docstore.OpGreaterEqual, since))
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// CountArchived counts every archive record.
func (r *OrderRepository) CountArchived(ctx context.Context) (int, error) {
	docs, err := r.db.Query(ctx, docstore.NewQuery(CollectionCompleted))
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// CountByStatus counts paid live orders in the given status.
func (r *OrderRepository) CountByStatus(ctx context.Context, status models.OrderStatus) (int, error) {
	docs, err := r.db.Query(ctx, docstore.NewQuery(CollectionOrders).
		Where("orderStatus", docstore.OpEqual, string(status)).
		Where("paymentStatus", docstore.OpEqual, string(models.PaymentStatusPaid)))
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// DecodeOrder converts a stored document to an Order.
func DecodeOrder(d *docstore.Document) (*models.Order, error) {
	var o models.Order
	if err := d.DataTo(&o); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", d.ID, err)
	}
	o.ID = d.ID
	return &o, nil
}

// DecodeOrders converts a result set, keeping its order.
func DecodeOrders(docs []*docstore.Document) ([]*models.Order, error) {
	out := make([]*models.Order, 0, len(docs))
	for _, d := range docs {
		o, err := DecodeOrder(d)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// DecodeCounter converts the counter document.
func DecodeCounter(d *docstore.Document) (models.PickupCounter, error) {
	var c models.PickupCounter
	if err := d.DataTo(&c); err != nil {
		return models.PickupCounter{}, fmt.Errorf("decode counter: %w", err)
	}
	return c, nil
}

// OrderFields converts an Order into document fields. Optional fields are only set
// when present so merges never clear them.
func OrderFields(o *models.Order) docstore.Fields {
	items := make([]any, 0, len(o.Items))
	for _, it := range o.Items {
		item := docstore.Fields{
			"quantity":   it.Quantity,
			"coffeeName": it.Name,
			"variant":    it.Variant,
			"size":       it.Size,
		}
		if it.Customizations != "" {
			item["customizations"] = it.Customizations
		}
		items = append(items, item)
	}
	f := docstore.Fields{
		"orderStatus":   string(o.OrderStatus),
		"paymentStatus": string(o.PaymentStatus),
		"items":         items,
	}
	if !o.CreatedAt.IsZero() {
		f["createdAt"] = o.CreatedAt
	}
	if !o.UpdatedAt.IsZero() {
		f["updatedAt"] = o.UpdatedAt
	}
	if o.PickupNumber != "" {
		f["pickupNumber"] = o.PickupNumber
	}
	if o.UserName != "" {
		f["userName"] = o.UserName
	}
	if o.OrderType != "" {
		f["orderType"] = o.OrderType
	}
	if o.TotalAmount != 0 {
		f["totalAmount"] = o.TotalAmount
	}
	if o.CompletedAt != nil {
		f["completedAt"] = *o.CompletedAt
	}
	if o.ReceivedAt != nil {
		f["receivedAt"] = *o.ReceivedAt
	}
	if o.ReceivedBy != "" {
		f["receivedBy"] = string(o.ReceivedBy)
	}
	if o.BaristaID != "" {
		f["baristaId"] = o.BaristaID
	}
	if o.AutoExpired {
		f["autoExpired"] = true
	}
	return f
}
