package board

import (
	"fmt"
	"time"

	"github.com/ericchongums/kopikap-dashboard/models"
	"github.com/ericchongums/kopikap-dashboard/repository"
)

// Board names.
const (
	NameQueue     = "queue"
	NamePreparing = "preparing"
	NamePickup    = "pickup"
)

// Filter is the barista queue's status filter.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterPending   Filter = "pending"
	FilterPreparing Filter = "preparing"
)

// ParseFilter accepts all, pending or preparing; empty means all.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(s); f {
	case "", FilterAll:
		return FilterAll, nil
	case FilterPending, FilterPreparing:
		return f, nil
	}
	return "", fmt.Errorf("unknown filter %q", s)
}

func (f Filter) keep() func(*models.Order) bool {
	if f == FilterAll || f == "" {
		return nil
	}
	return func(o *models.Order) bool { return o.OrderStatus == models.OrderStatus(f) }
}

func awaitingPickup(o *models.Order) bool { return o.AwaitingPickup() }

func createdAt(o *models.Order) time.Time { return o.CreatedAt }

// PickupConfig is the ready-for-pickup board: paid completed orders, most recently
// updated first, never showing an order that has been received.
func PickupConfig(limit int, staleAfter time.Duration) Config {
	return Config{
		Name:       NamePickup,
		Primary:    repository.PickupQuery(limit),
		Keep:       awaitingPickup,
		StaleAfter: staleAfter,
	}
}

// PreparingConfig is the kiosk's "now preparing" column, oldest first.
func PreparingConfig() Config {
	return Config{
		Name:    NamePreparing,
		Primary: repository.PreparingQuery(),
		Stamp:   createdAt,
	}
}

// QueueConfig is the barista queue of pending and preparing orders, newest first.
func QueueConfig(f Filter) Config {
	return Config{
		Name:    NameQueue,
		Primary: repository.QueueQuery(),
		Keep:    f.keep(),
		Stamp:   createdAt,
	}
}

// Only returns a copy of f with the cards that pass filter.
func (f Frame) Only(filter Filter) Frame {
	keep := filter.keep()
	if keep == nil {
		return f
	}
	cards := make([]Card, 0, len(f.Cards))
	for _, c := range f.Cards {
		if keep(c.Order) {
			cards = append(cards, c)
		}
	}
	f.Cards = cards
	return f
}
