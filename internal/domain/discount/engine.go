package discount

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/haksoz/online-registration/internal/domain/registration"
)

// Engine validates discount codes against carts and prices them. It only
// reads from its repositories; usage counters are incremented by the
// registration commit.
type Engine struct {
	codes Repository
	types registration.Repository
	now   func() time.Time
}

// NewEngine creates an Engine backed by the given repositories.
func NewEngine(codes Repository, types registration.Repository) *Engine {
	return &Engine{codes: codes, types: types, now: time.Now}
}

// Apply validates req.Code against req.Items and returns the priced cart.
//
// Malformed requests fail with *InputError before any lookup. Business
// rejections (unknown or expired code, ineligible cart, ...) are returned as
// a Result with Valid set to false. Any other error is a store failure.
func (e *Engine) Apply(ctx context.Context, req ApplyRequest) (*Result, error) {
	currency, items, err := validateRequest(req)
	if err != nil {
		return nil, err
	}

	code, err := e.codes.FindByCode(ctx, NormalizeCode(req.Code))
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			return reject(ErrCodeNotFound), nil
		}
		return nil, errors.Wrap(err, "lookup discount code")
	}
	if !code.Active {
		return reject(ErrCodeNotFound), nil
	}

	now := e.now()
	if reason := checkCode(code, currency, now); reason != nil {
		return reject(reason), nil
	}

	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.RegistrationTypeID
	}
	fetched, err := e.types.GetTypesByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get registration types")
	}
	typeMap := make(map[int64]*registration.Type, len(fetched))
	for i := range fetched {
		typeMap[fetched[i].ID] = &fetched[i]
	}

	type pricedItem struct {
		typ      *registration.Type
		quantity int
		unit     decimal.Decimal
		eligible bool
	}

	priced := make([]pricedItem, 0, len(items))
	eligibleUnits := 0
	for _, item := range items {
		t, ok := typeMap[item.RegistrationTypeID]
		if !ok {
			return reject(&ItemError{TypeID: item.RegistrationTypeID, Err: registration.ErrTypeNotFound}), nil
		}
		unit, err := t.PriceFor(currency, now)
		if err != nil {
			return reject(&ItemError{TypeID: t.ID, Label: t.Label, Err: err}), nil
		}

		eligible := code.Scope.Includes(t)
		if eligible {
			eligibleUnits += item.Quantity
		}
		priced = append(priced, pricedItem{typ: t, quantity: item.Quantity, unit: unit, eligible: eligible})
	}

	if eligibleUnits == 0 {
		return reject(ErrNotApplicable), nil
	}
	if code.MinItems > 0 && eligibleUnits < code.MinItems {
		return reject(ErrMinItemsNotMet), nil
	}

	res := &Result{
		Valid:         true,
		CodeID:        code.ID,
		Code:          code.Code,
		Description:   code.Description,
		Currency:      currency,
		Items:         make([]Line, 0, len(priced)),
		OriginalTotal: zero,
		DiscountTotal: zero,
		GrandTotal:    zero,
	}
	for _, p := range priced {
		discounted := p.unit
		if p.eligible {
			if discounted, err = DiscountedUnitPrice(code, p.unit); err != nil {
				return nil, err
			}
		}
		line := priceLine(p.typ, p.quantity, p.unit, discounted, p.eligible)

		res.Items = append(res.Items, line)
		res.OriginalTotal = res.OriginalTotal.Add(line.OriginalPrice)
		res.DiscountTotal = res.DiscountTotal.Add(line.DiscountAmount)
		res.GrandTotal = res.GrandTotal.Add(line.FinalPrice)
	}
	res.OriginalTotal = res.OriginalTotal.Round(registration.MinorUnits)
	res.DiscountTotal = res.DiscountTotal.Round(registration.MinorUnits)
	res.GrandTotal = res.GrandTotal.Round(registration.MinorUnits)

	return res, nil
}

// checkCode verifies the validity window, usage limit and currency of code.
func checkCode(code *Code, currency registration.Currency, now time.Time) error {
	if code.ValidFrom != nil && now.Before(*code.ValidFrom) {
		return ErrCodeNotActiveYet
	}
	if code.ValidUntil != nil && now.After(*code.ValidUntil) {
		return ErrCodeExpired
	}
	if code.MaxUses > 0 && code.UsedCount >= code.MaxUses {
		return ErrUsageLimitReached
	}
	if code.DiscountType == DiscountFixed && code.Currency != currency {
		return ErrCurrencyMismatch
	}
	return nil
}

func validateRequest(req ApplyRequest) (registration.Currency, []CartItem, error) {
	if strings.TrimSpace(req.Code) == "" {
		return "", nil, &InputError{Field: "code", Message: "discount code is required"}
	}
	currency, err := registration.ParseCurrency(string(req.Currency))
	if err != nil {
		return "", nil, &InputError{Field: "currency", Message: fmt.Sprintf("unsupported currency %q", req.Currency)}
	}
	if len(req.Items) == 0 {
		return "", nil, &InputError{Field: "items", Message: "at least one item is required"}
	}

	for i, item := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		if item.RegistrationTypeID <= 0 {
			return "", nil, &InputError{Field: field + ".registrationTypeId", Message: "registration type id must be a positive integer"}
		}
		if item.Quantity < 1 {
			return "", nil, &InputError{Field: field + ".quantity", Message: "quantity must be at least 1"}
		}
		if item.Quantity > MaxQuantity {
			return "", nil, &InputError{Field: field + ".quantity", Message: fmt.Sprintf("quantity must be at most %d", MaxQuantity)}
		}
		if item.Currency != "" {
			c, err := registration.ParseCurrency(string(item.Currency))
			if err != nil || c != currency {
				return "", nil, &InputError{Field: field + ".currency", Message: "all items must use the cart currency"}
			}
		}
	}

	// Each item is within bounds, so the merged sums cannot overflow.
	items := mergeItems(req.Items)
	for _, item := range items {
		if item.Quantity > MaxQuantity {
			return "", nil, &InputError{
				Field:   "items",
				Message: fmt.Sprintf("at most %d registrations of type %d per cart", MaxQuantity, item.RegistrationTypeID),
			}
		}
	}
	return currency, items, nil
}

func reject(reason error) *Result {
	return &Result{Reason: reason, Message: reason.Error()}
}
