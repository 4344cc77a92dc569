package repository

import (
	"github.com/ericchongums/kopikap-dashboard/internal/docstore"
	"github.com/ericchongums/kopikap-dashboard/models"
)

// DefaultPickupLimit caps the ready-for-pickup board.
const DefaultPickupLimit = 20

// QueueQuery selects paid orders waiting for or in preparation, newest first.
func QueueQuery() docstore.Query {
	return docstore.NewQuery(CollectionOrders).
		Where("orderStatus", docstore.OpIn, []string{string(models.OrderStatusPending), string(models.OrderStatusPreparing)}).
		Where("paymentStatus", docstore.OpEqual, string(models.PaymentStatusPaid)).
		OrderBy("createdAt", docstore.Desc)
}

// PreparingQuery selects paid orders being prepared, oldest first.
func PreparingQuery() docstore.Query {
	return docstore.NewQuery(CollectionOrders).
		Where("orderStatus", docstore.OpEqual, string(models.OrderStatusPreparing)).
		Where("paymentStatus", docstore.OpEqual, string(models.PaymentStatusPaid)).
		OrderBy("createdAt", docstore.Asc)
}

// PickupQuery selects paid, completed orders, most recently updated first, capped at
// limit (DefaultPickupLimit when limit <= 0).
func PickupQuery(limit int) docstore.Query {
	if limit <= 0 {
		limit = DefaultPickupLimit
	}
	return docstore.NewQuery(CollectionOrders).
		Where("orderStatus", docstore.OpEqual, string(models.OrderStatusCompleted)).
		Where("paymentStatus", docstore.OpEqual, string(models.PaymentStatusPaid)).
		OrderBy("updatedAt", docstore.Desc).
		LimitTo(limit)
}

// ExpiryQuery selects every paid completed order with no ordering or limit, so the
// periodic sweep also reaches orders that fell off the bottom of the pickup board.
func ExpiryQuery() docstore.Query {
	return docstore.NewQuery(CollectionOrders).
		Where("orderStatus", docstore.OpEqual, string(models.OrderStatusCompleted)).
		Where("paymentStatus", docstore.OpEqual, string(models.PaymentStatusPaid))
}

// Indexes lists the composite indexes the board queries rely on.
func Indexes() []docstore.Index {
	return []docstore.Index{
		{Collection: CollectionOrders, Fields: []string{"orderStatus", "paymentStatus", "createdAt"}},
		{Collection: CollectionOrders, Fields: []string{"orderStatus", "paymentStatus", "updatedAt"}},
	}
}
