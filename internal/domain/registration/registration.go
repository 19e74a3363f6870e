package registration

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Currency is an ISO 4217 code a registration fee can be charged in.
type Currency string

const (
	CurrencyTRY Currency = "TRY"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
)

// MinorUnits is the number of fractional digits kept for every supported
// currency.
const MinorUnits = 2

var (
	// ErrTypeNotFound is returned when a registration type does not exist or
	// is inactive.
	ErrTypeNotFound = errors.New("registration type not found")
	// ErrInvalidTypeID is returned for non-positive registration type ids.
	ErrInvalidTypeID = errors.New("registration type id must be a positive integer")
	// ErrUnsupportedCurrency is returned by ParseCurrency for unknown codes.
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	// ErrRegistrationClosed is returned when the type's category is outside
	// its registration window.
	ErrRegistrationClosed = errors.New("registration is closed")
	// ErrNotPriced is returned when a type has no fee in the requested currency.
	ErrNotPriced = errors.New("registration type has no fee in currency")
	// ErrSoldOut is returned by the commit path when the capacity counter
	// could not be incremented.
	ErrSoldOut = errors.New("registration type is sold out")
)

// ParseCurrency converts a client supplied currency code. Surrounding spaces
// and letter case are ignored.
func ParseCurrency(s string) (Currency, error) {
	switch c := Currency(strings.ToUpper(strings.TrimSpace(s))); c {
	case CurrencyTRY, CurrencyUSD, CurrencyEUR:
		return c, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedCurrency, "%q", s)
	}
}

// Category groups registration types under one registration window.
type Category struct {
	ID                int64
	Label             string
	StartsAt          *time.Time
	EndsAt            *time.Time
	EarlyBirdEnabled  bool
	EarlyBirdDeadline *time.Time
	Active            bool
}

// IsOpen reports whether now falls inside the registration window. Missing
// bounds are unbounded; both bounds are inclusive.
func (c *Category) IsOpen(now time.Time) bool {
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return false
	}
	if c.EndsAt != nil && now.After(*c.EndsAt) {
		return false
	}
	return true
}

// IsEarlyBird reports whether early-bird pricing applies at now.
func (c *Category) IsEarlyBird(now time.Time) bool {
	if !c.EarlyBirdEnabled || c.EarlyBirdDeadline == nil {
		return false
	}
	return !now.After(*c.EarlyBirdDeadline)
}

// Fees is a fee schedule with one independent amount per currency. An invalid
// NullDecimal means the type is not sold in that currency.
type Fees struct {
	TRY decimal.NullDecimal
	USD decimal.NullDecimal
	EUR decimal.NullDecimal
}

// For returns the fee for currency c.
func (f Fees) For(c Currency) (decimal.Decimal, bool) {
	var v decimal.NullDecimal
	switch c {
	case CurrencyTRY:
		v = f.TRY
	case CurrencyUSD:
		v = f.USD
	case CurrencyEUR:
		v = f.EUR
	}
	if !v.Valid {
		return decimal.Zero, false
	}
	return v.Decimal, true
}

// Type is a purchasable registration type such as "Member" or "Student".
type Type struct {
	ID                   int64
	Label                string
	Category             *Category
	Fees                 Fees
	EarlyFees            Fees
	Capacity             *int
	CurrentRegistrations int
	Active               bool
}

// PriceFor resolves the live unit price of t in currency c at now. The early
// fee wins while the category's early-bird window is open and an early fee
// exists for c.
func (t *Type) PriceFor(c Currency, now time.Time) (decimal.Decimal, error) {
	if t.Category != nil && !t.Category.IsOpen(now) {
		return decimal.Zero, ErrRegistrationClosed
	}
	if t.Category != nil && t.Category.IsEarlyBird(now) {
		if fee, ok := t.EarlyFees.For(c); ok {
			return fee, nil
		}
	}
	fee, ok := t.Fees.For(c)
	if !ok {
		return decimal.Zero, errors.Wrapf(ErrNotPriced, "%s", c)
	}
	return fee, nil
}

// CategoryID returns the id of the type's category or zero when it has none.
func (t *Type) CategoryID() int64 {
	if t.Category == nil {
		return 0
	}
	return t.Category.ID
}

// Repository provides read access to active registration types. Both methods
// load the owning category.
type Repository interface {
	// GetType returns ErrTypeNotFound for unknown or inactive types.
	GetType(ctx context.Context, id int64) (*Type, error)
	// GetTypesByIDs returns the active types among ids, in no particular order.
	GetTypesByIDs(ctx context.Context, ids []int64) ([]Type, error)
}
