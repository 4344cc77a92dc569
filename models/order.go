package models

import (
	"fmt"
	"time"
)

// OrderStatus represents the current progress of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusReceived is never stored on a live order. A received order is deleted from
	// the live collection and only its archive record (with receivedAt set) remains.
	OrderStatusReceived OrderStatus = "received"
)

// transitions lists the legal next states for every state.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusPreparing},
	OrderStatusPreparing: {OrderStatusCompleted},
	OrderStatusCompleted: {OrderStatusReceived},
}

// Valid reports whether s is one of the known order states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPreparing, OrderStatusCompleted, OrderStatusReceived:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal step.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// PaymentStatus represents the payment state set by checkout. Staff views only show paid orders.
type PaymentStatus string

const (
	PaymentStatusUnpaid   PaymentStatus = "unpaid"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// ReceivedBy identifies who performed the receipt transition.
type ReceivedBy string

const (
	ReceivedByBarista    ReceivedBy = "barista"
	ReceivedByAutoExpire ReceivedBy = "auto-expire"
)

// Valid reports whether r is a known receipt actor.
func (r ReceivedBy) Valid() bool {
	return r == ReceivedByBarista || r == ReceivedByAutoExpire
}

// Item is one line of an order.
type Item struct {
	Quantity       int    `bson:"quantity" json:"quantity" validate:"min=1"`
	Name           string `bson:"coffeeName" json:"coffeeName" validate:"required"`
	Variant        string `bson:"variant" json:"variant"`
	Size           string `bson:"size" json:"size"`
	Customizations string `bson:"customizations,omitempty" json:"customizations,omitempty"`
}

// Order is a kiosk order. The same shape is used for the live document in `orders`
// and for its archive record in `completed_orders`.
type Order struct {
	ID            string        `bson:"-" json:"id"`
	OrderStatus   OrderStatus   `bson:"orderStatus" json:"orderStatus"`
	PaymentStatus PaymentStatus `bson:"paymentStatus" json:"paymentStatus"`
	// PickupNumber is assigned once, when the order moves from preparing to completed.
	PickupNumber string  `bson:"pickupNumber,omitempty" json:"pickupNumber,omitempty"`
	Items        []Item  `bson:"items" json:"items"`
	UserName     string  `bson:"userName,omitempty" json:"userName,omitempty"`
	OrderType    string  `bson:"orderType,omitempty" json:"orderType,omitempty"`
	TotalAmount  float64 `bson:"totalAmount,omitempty" json:"totalAmount,omitempty"`

	CreatedAt   time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time  `bson:"updatedAt" json:"updatedAt"`
	CompletedAt *time.Time `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	ReceivedAt  *time.Time `bson:"receivedAt,omitempty" json:"receivedAt,omitempty"`

	ReceivedBy  ReceivedBy `bson:"receivedBy,omitempty" json:"receivedBy,omitempty"`
	BaristaID   string     `bson:"baristaId,omitempty" json:"baristaId,omitempty"`
	AutoExpired bool       `bson:"autoExpired,omitempty" json:"autoExpired,omitempty"`
}

// Stage returns the effective lifecycle state, reporting received once receivedAt is set.
func (o *Order) Stage() OrderStatus {
	if o.ReceivedAt != nil {
		return OrderStatusReceived
	}
	return o.OrderStatus
}

// AwaitingPickup reports whether the order is completed but not yet received.
func (o *Order) AwaitingPickup() bool {
	return o.OrderStatus == OrderStatusCompleted && o.ReceivedAt == nil
}

// ShortID is the 8-character upper-case reference printed on staff cards.
func (o *Order) ShortID() string {
	id := o.ID
	if len(id) > 8 {
		id = id[:8]
	}
	b := []byte(id)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

// FormatPickupNumber renders a counter value as a zero-padded 4-digit pickup number.
func FormatPickupNumber(n int64) string {
	return fmt.Sprintf("%04d", n)
}
