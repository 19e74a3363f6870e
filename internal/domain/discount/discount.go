package discount

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/haksoz/online-registration/internal/domain/registration"
)

// DiscountType enumerates the supported discount rules.
type DiscountType string

const (
	// DiscountPercentage takes a percentage off every eligible unit price.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount off every eligible unit price.
	DiscountFixed DiscountType = "fixed"
)

// Business rejections. They are reported as an invalid Result, never as an
// error returned from Engine.Apply.
var (
	ErrCodeNotFound      = errors.New("discount code not found")
	ErrCodeNotActiveYet  = errors.New("discount code is not active yet")
	ErrCodeExpired       = errors.New("discount code has expired")
	ErrUsageLimitReached = errors.New("discount code usage limit reached")
	ErrCurrencyMismatch  = errors.New("discount code is not applicable to this currency")
	ErrNotApplicable     = errors.New("discount code is not applicable to the selected registrations")
	ErrMinItemsNotMet    = errors.New("cart does not meet the minimum item count for this discount code")
)

// Code is a stored discount code together with its rule and scope.
type Code struct {
	ID           int64
	Code         string
	Description  string
	DiscountType DiscountType
	// Value is a percentage in [0, 100] or a fixed amount in Currency.
	Value decimal.Decimal
	// Currency is set for fixed rules only.
	Currency registration.Currency
	// MaxDiscount caps the per-unit reduction of percentage rules.
	MaxDiscount decimal.NullDecimal
	// MinItems is the minimum number of eligible units in the cart.
	MinItems   int
	ValidFrom  *time.Time
	ValidUntil *time.Time
	// MaxUses of zero means unlimited.
	MaxUses   int
	UsedCount int
	Active    bool
	Scope     Scope
}

// Scope restricts a code to registration types. An empty scope applies to
// every type.
type Scope struct {
	TypeIDs     []int64
	CategoryIDs []int64
}

// Empty reports whether the scope has no restrictions.
func (s Scope) Empty() bool {
	return len(s.TypeIDs) == 0 && len(s.CategoryIDs) == 0
}

// Includes reports whether t is covered by the scope.
func (s Scope) Includes(t *registration.Type) bool {
	if s.Empty() {
		return true
	}
	if slices.Contains(s.TypeIDs, t.ID) {
		return true
	}
	catID := t.CategoryID()
	return catID != 0 && slices.Contains(s.CategoryIDs, catID)
}

// Repository provides read access to discount codes.
type Repository interface {
	// FindByCode matches code case-insensitively against active codes and
	// returns ErrCodeNotFound when none matches.
	FindByCode(ctx context.Context, code string) (*Code, error)
}

// NormalizeCode trims surrounding whitespace and upper-cases a client
// supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// MaxQuantity is the largest number of registrations of one type a cart may
// hold, after repeated items are merged.
const MaxQuantity = 100

// CartItem is a requested registration type and quantity. Currency is
// optional; when set it must equal the cart currency.
type CartItem struct {
	RegistrationTypeID int64
	Quantity           int
	Currency           registration.Currency
}

// ApplyRequest holds the input of Engine.Apply.
type ApplyRequest struct {
	Code     string
	Currency registration.Currency
	Items    []CartItem
}

// Line is the priced breakdown of one cart item. Unit prices are per
// registration; the remaining amounts cover the whole quantity.
type Line struct {
	RegistrationTypeID  int64
	Label               string
	Quantity            int
	Eligible            bool
	UnitPrice           decimal.Decimal
	DiscountedUnitPrice decimal.Decimal
	OriginalPrice       decimal.Decimal
	DiscountAmount      decimal.Decimal
	FinalPrice          decimal.Decimal
}

// Result is the outcome of applying a code to a cart. When Valid is false,
// Reason holds the rejection and no amounts are set.
type Result struct {
	Valid   bool
	Reason  error
	Message string

	CodeID      int64
	Code        string
	Description string
	Currency    registration.Currency
	Items       []Line

	OriginalTotal decimal.Decimal
	DiscountTotal decimal.Decimal
	GrandTotal    decimal.Decimal
}

// InputError reports a malformed request. It is a caller error, distinct
// from a business rejection.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	return e.Message
}

// ItemError is a rejection caused by one cart item.
type ItemError struct {
	TypeID int64
	Label  string
	Err    error
}

func (e *ItemError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("%s (%q)", e.Err, e.Label)
	}
	return fmt.Sprintf("%s (id %d)", e.Err, e.TypeID)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}
