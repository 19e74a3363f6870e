package discount

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/haksoz/online-registration/internal/domain/registration"
)

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// DiscountedUnitPrice applies the rule of code to a single unit price.
func DiscountedUnitPrice(code *Code, price decimal.Decimal) (decimal.Decimal, error) {
	switch code.DiscountType {
	case DiscountPercentage:
		return applyPercentage(code, price), nil
	case DiscountFixed:
		return applyFixed(code, price), nil
	default:
		return zero, errors.Errorf("unsupported discount type: %q", code.DiscountType)
	}
}

func applyPercentage(code *Code, price decimal.Decimal) decimal.Decimal {
	discounted := price.Mul(hundred.Sub(code.Value)).Div(hundred).Round(registration.MinorUnits)
	if code.MaxDiscount.Valid {
		floor := price.Sub(code.MaxDiscount.Decimal)
		if discounted.LessThan(floor) {
			discounted = floor
		}
	}
	return floorAtZero(discounted)
}

func applyFixed(code *Code, price decimal.Decimal) decimal.Decimal {
	return floorAtZero(price.Sub(code.Value)).Round(registration.MinorUnits)
}

// priceLine builds the breakdown of quantity units at unit price, discounted
// to discountedUnit.
func priceLine(t *registration.Type, quantity int, unit, discountedUnit decimal.Decimal, eligible bool) Line {
	qty := decimal.NewFromInt(int64(quantity))
	original := unit.Mul(qty).Round(registration.MinorUnits)
	final := discountedUnit.Mul(qty).Round(registration.MinorUnits)

	return Line{
		RegistrationTypeID:  t.ID,
		Label:               t.Label,
		Quantity:            quantity,
		Eligible:            eligible,
		UnitPrice:           unit,
		DiscountedUnitPrice: discountedUnit,
		OriginalPrice:       original,
		DiscountAmount:      original.Sub(final),
		FinalPrice:          final,
	}
}

// mergeItems sums the quantities of repeated type ids, keeping the order of
// first occurrence.
func mergeItems(items []CartItem) []CartItem {
	merged := make([]CartItem, 0, len(items))
	index := make(map[int64]int, len(items))
	for _, item := range items {
		if i, ok := index[item.RegistrationTypeID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.RegistrationTypeID] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return zero
	}
	return d
}
