package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/haksoz/online-registration/internal/domain/registration"
)

// Status is the lifecycle state of a registration.
type Status string

// StatusPendingPayment is the state of a freshly committed registration.
// Payment is handled downstream.
const StatusPendingPayment Status = "pending_payment"

// Registration is a committed attendee registration.
type Registration struct {
	ID             uuid.UUID
	TypeID         int64
	FullName       string
	Email          string
	Currency       registration.Currency
	OriginalAmount decimal.Decimal
	DiscountAmount decimal.Decimal
	TotalAmount    decimal.Decimal
	DiscountCodeID *int64
	Status         Status
	CreatedAt      time.Time
}

// Repository persists registrations.
type Repository interface {
	// Create increments the registration counter of the type and, when
	// DiscountCodeID is set, the usage counter of the code, then stores r.
	// All writes share one transaction. It returns registration.ErrSoldOut or
	// discount.ErrUsageLimitReached when a counter is exhausted.
	Create(ctx context.Context, r *Registration) error
}

// ValidationError indicates a malformed registration request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// DiscountRejectedError indicates that the supplied discount code does not
// apply to the registration.
type DiscountRejectedError struct {
	Reason error
}

func (e *DiscountRejectedError) Error() string {
	return e.Reason.Error()
}

func (e *DiscountRejectedError) Unwrap() error {
	return e.Reason
}
