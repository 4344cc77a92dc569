package alert

import (
	"testing"

	"github.com/ericchongums/kopikap-dashboard/models"
)

func orders(specs ...string) []*models.Order {
	var out []*models.Order
	for i := 0; i < len(specs); i += 2 {
		out = append(out, &models.Order{ID: specs[i], OrderStatus: models.OrderStatus(specs[i+1])})
	}
	return out
}

func TestTriggerSilentOnFirstSnapshot(t *testing.T) {
	var got []Alert
	tr := NewTrigger(NotifierFunc(func(a Alert) { got = append(got, a) }))

	if _, fired := tr.Observe(orders("a", "pending", "b", "pending", "c", "preparing")); fired {
		t.Fatalf("first snapshot fired an alert")
	}
	if len(got) != 0 || !tr.Primed() {
		t.Fatalf("alerts after first snapshot: %v", got)
	}
}

func TestTriggerFiresOncePerSnapshot(t *testing.T) {
	var got []Alert
	tr := NewTrigger(NotifierFunc(func(a Alert) { got = append(got, a) }))
	tr.Observe(orders("a", "pending"))

	a, fired := tr.Observe(orders("a", "pending", "b", "pending", "c", "pending"))
	if !fired || len(got) != 1 {
		t.Fatalf("want exactly one alert, got %d", len(got))
	}
	if len(a.OrderIDs) != 2 || a.OrderIDs[0] != "b" || a.OrderIDs[1] != "c" {
		t.Fatalf("alert ids = %v", a.OrderIDs)
	}

	// same set again, and a seen order moving on, are both silent
	tr.Observe(orders("a", "preparing", "b", "pending", "c", "pending"))
	if len(got) != 1 {
		t.Fatalf("repeat snapshot fired: %d alerts", len(got))
	}
}

func TestTriggerIgnoresUnseenNonPending(t *testing.T) {
	var got []Alert
	tr := NewTrigger(NotifierFunc(func(a Alert) { got = append(got, a) }))
	tr.Observe(nil)
	tr.Observe(orders("x", "preparing"))
	if len(got) != 0 {
		t.Fatalf("alert for a preparing order")
	}
	// x was recorded as seen, so it never alerts later either
	tr.Observe(orders("x", "pending"))
	if len(got) != 0 {
		t.Fatalf("alert for an already seen order")
	}
}

func TestFanOut(t *testing.T) {
	n := 0
	f := FanOut{NotifierFunc(func(Alert) { n++ }), NotifierFunc(func(Alert) { n++ })}
	f.Notify(Alert{})
	if n != 2 {
		t.Fatalf("fan-out delivered %d times", n)
	}
}
