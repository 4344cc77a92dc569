package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/ericchongums/kopikap-dashboard/internal/docstore"
	"github.com/ericchongums/kopikap-dashboard/models"
)

var (
	// ErrOrderNotFound is returned when neither a live order nor an archive record exists.
	ErrOrderNotFound = errors.New("order not found")
	// ErrIllegalTransition is returned for any step outside the order state machine.
	ErrIllegalTransition = errors.New("illegal order transition")
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	OrderID string
	From    models.OrderStatus
	To      models.OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot move from %s to %s", e.OrderID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// Kind is the coarse class of a coordinator error, used to decide between retry,
// re-render and surfacing a message.
type Kind int

const (
	KindNone Kind = iota
	KindTransient
	KindNotFound
	KindIllegal
	KindPermission
	KindPrecondition
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindIllegal:
		return "illegal"
	case KindPermission:
		return "permission"
	case KindPrecondition:
		return "precondition"
	}
	return "internal"
}

// Classify maps an error onto a Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, docstore.ErrUnavailable),
		errors.Is(err, docstore.ErrAborted),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, docstore.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrIllegalTransition):
		return KindIllegal
	case errors.Is(err, docstore.ErrPermissionDenied):
		return KindPermission
	case errors.Is(err, docstore.ErrFailedPrecondition):
		return KindPrecondition
	}
	return KindInternal
}

// Retryable reports whether the caller may simply try the same operation again.
func Retryable(err error) bool {
	return Classify(err) == KindTransient
}
