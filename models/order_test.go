package models

import (
	"testing"
	"time"
)

func TestOrderStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusPending, OrderStatusPreparing, true},
		{OrderStatusPreparing, OrderStatusCompleted, true},
		{OrderStatusCompleted, OrderStatusReceived, true},
		{OrderStatusPending, OrderStatusReceived, false},
		{OrderStatusPending, OrderStatusCompleted, false},
		{OrderStatusCompleted, OrderStatusPreparing, false},
		{OrderStatusReceived, OrderStatusPending, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%s -> %s = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestFormatPickupNumber(t *testing.T) {
	cases := map[int64]string{1: "0001", 8: "0008", 120: "0120", 9999: "9999", 10000: "10000"}
	for n, want := range cases {
		if got := FormatPickupNumber(n); got != want {
			t.Errorf("FormatPickupNumber(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestPickupCounter_Next(t *testing.T) {
	n, pn := PickupCounter{Counter: 7}.Next()
	if n != 8 || pn != "0008" {
		t.Fatalf("Next() = %d %q, want 8 0008", n, pn)
	}
}

func TestOrder_Stage(t *testing.T) {
	o := &Order{OrderStatus: OrderStatusCompleted}
	if o.Stage() != OrderStatusCompleted || !o.AwaitingPickup() {
		t.Fatalf("completed order should await pickup: %+v", o)
	}
	now := time.Now()
	o.ReceivedAt = &now
	if o.Stage() != OrderStatusReceived || o.AwaitingPickup() {
		t.Fatalf("received order reported stage %s", o.Stage())
	}
}

func TestOrder_ShortID(t *testing.T) {
	o := &Order{ID: "abcdef12-3456"}
	if got := o.ShortID(); got != "ABCDEF12" {
		t.Fatalf("ShortID = %q", got)
	}
}
