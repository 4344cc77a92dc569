package repository

import (
	"context"
	"time"

	"github.com/ericchongums/kopikap-dashboard/internal/docstore"
	"github.com/ericchongums/kopikap-dashboard/models"
)

// OrderRepositoryI defines read access to live orders, archive records and the counter.
type OrderRepositoryI interface {
	Create(ctx context.Context, o *models.Order) (*models.Order, error)
	GetByID(ctx context.Context, id string) (*models.Order, error)
	GetArchived(ctx context.Context, id string) (*models.Order, error)
	Counter(ctx context.Context) (models.PickupCounter, error)
	List(ctx context.Context, q docstore.Query) ([]*models.Order, error)
	CountCompletedSince(ctx context.Context, since time.Time) (int, error)
	CountArchived(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context, status models.OrderStatus) (int, error)
}

var _ OrderRepositoryI = (*OrderRepository)(nil)
