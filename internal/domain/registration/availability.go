package registration

import (
	"context"

	"github.com/go-faster/errors"
)

// Availability is a point-in-time view of a type's capacity. It does not
// reserve a slot: the commit path enforces capacity with a conditional
// increment, so a positive answer here can still lose the race at insert time.
type Availability struct {
	Available            bool
	Remaining            *int
	Capacity             *int
	CurrentRegistrations int
}

// AvailabilityOf computes the availability snapshot of t.
func AvailabilityOf(t *Type) Availability {
	a := Availability{
		Available:            true,
		CurrentRegistrations: t.CurrentRegistrations,
	}
	if t.Capacity == nil {
		return a
	}

	capacity := *t.Capacity
	remaining := max(0, capacity-t.CurrentRegistrations)
	a.Capacity = &capacity
	a.Remaining = &remaining
	a.Available = t.CurrentRegistrations < capacity
	return a
}

// Checker answers availability queries from the live counters in the store.
type Checker struct {
	repo Repository
}

// NewChecker creates a Checker backed by repo.
func NewChecker(repo Repository) *Checker {
	return &Checker{repo: repo}
}

// GetAvailability returns the availability of the registration type id.
// Non-positive ids fail with ErrInvalidTypeID before the store is queried;
// unknown and inactive types fail with ErrTypeNotFound.
func (c *Checker) GetAvailability(ctx context.Context, id int64) (*Availability, error) {
	if id <= 0 {
		return nil, ErrInvalidTypeID
	}

	t, err := c.repo.GetType(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTypeNotFound) {
			return nil, ErrTypeNotFound
		}
		return nil, errors.Wrap(err, "lookup registration type")
	}

	a := AvailabilityOf(t)
	return &a, nil
}
