package lifecycle

import (
	"context"
	"time"

	"github.com/ericchongums/kopikap-dashboard/models"
)

// Stats summarizes the day for the barista dashboard.
type Stats struct {
	CompletedToday int `json:"completedToday"`
	TotalCompleted int `json:"totalCompleted"`
	Preparing      int `json:"preparing"`
	Pending        int `json:"pending"`
}

// Stats counts archive records completed since local midnight of now, all archive
// records, and the paid orders currently pending and preparing.
func (c *Coordinator) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var s Stats
	var err error
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if s.CompletedToday, err = c.repo.CountCompletedSince(ctx, midnight); err != nil {
		return Stats{}, err
	}
	if s.TotalCompleted, err = c.repo.CountArchived(ctx); err != nil {
		return Stats{}, err
	}
	if s.Preparing, err = c.repo.CountByStatus(ctx, models.OrderStatusPreparing); err != nil {
		return Stats{}, err
	}
	if s.Pending, err = c.repo.CountByStatus(ctx, models.OrderStatusPending); err != nil {
		return Stats{}, err
	}
	return s, nil
}
