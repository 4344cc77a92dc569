package auth

import (
	"context"
	"fmt"

	"github.com/ericchongums/kopikap-dashboard/internal/docstore"
	"github.com/ericchongums/kopikap-dashboard/repository"
)

// AccessRule is the document store rule set: baristas and the system principal read and
// write the order collections, kiosks only read live orders. Calls without a principal
// are rejected.
func AccessRule(ctx context.Context, collection string, access docstore.Access) error {
	p, ok := FromContext(ctx)
	if !ok {
		return fmt.Errorf("%w: no principal for %s", docstore.ErrPermissionDenied, collection)
	}
	switch p.Kind {
	case KindSystem, KindBarista:
		switch collection {
		case repository.CollectionOrders, repository.CollectionCompleted, repository.CollectionCounter:
			return nil
		}
	case KindKiosk:
		if access == docstore.AccessRead && collection == repository.CollectionOrders {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not %s %s", docstore.ErrPermissionDenied, p.Kind, access, collection)
}
