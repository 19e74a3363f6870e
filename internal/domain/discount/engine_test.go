package discount

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haksoz/online-registration/internal/domain/registration"
)

type mockCodeRepo struct {
	codes     map[string]*Code
	err       error
	calls     int
	lastQuery string
}

func (m *mockCodeRepo) FindByCode(_ context.Context, code string) (*Code, error) {
	m.calls++
	m.lastQuery = code
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.codes[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	return c, nil
}

type mockTypeRepo struct {
	types map[int64]registration.Type
	err   error
	calls int
	ids   []int64
}

func (m *mockTypeRepo) GetType(_ context.Context, id int64) (*registration.Type, error) {
	t, ok := m.types[id]
	if !ok {
		return nil, registration.ErrTypeNotFound
	}
	return &t, nil
}

func (m *mockTypeRepo) GetTypesByIDs(_ context.Context, ids []int64) ([]registration.Type, error) {
	m.calls++
	m.ids = ids
	if m.err != nil {
		return nil, m.err
	}
	var out []registration.Type
	for _, id := range ids {
		if t, ok := m.types[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func nd(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(s))
}

func testTypes() map[int64]registration.Type {
	yesterday := fixedNow.Add(-24 * time.Hour)
	return map[int64]registration.Type{
		1: {
			ID: 1, Label: "Member", Active: true,
			Category: &registration.Category{ID: 10, Label: "Congress"},
			Fees:     registration.Fees{TRY: nd("1000"), USD: nd("40")},
		},
		2: {
			ID: 2, Label: "Student", Active: true,
			Category: &registration.Category{ID: 10, Label: "Congress"},
			Fees:     registration.Fees{TRY: nd("500"), EUR: nd("20")},
		},
		3: {
			ID: 3, Label: "Workshop", Active: true,
			Category: &registration.Category{ID: 20, Label: "Workshops"},
			Fees:     registration.Fees{TRY: nd("250.50")},
		},
		4: {
			ID: 4, Label: "Late", Active: true,
			Category: &registration.Category{ID: 30, Label: "Closed", EndsAt: &yesterday},
			Fees:     registration.Fees{TRY: nd("100")},
		},
	}
}

func newTestEngine(codes ...*Code) (*Engine, *mockCodeRepo, *mockTypeRepo) {
	codeRepo := &mockCodeRepo{codes: map[string]*Code{}}
	for _, c := range codes {
		codeRepo.codes[NormalizeCode(c.Code)] = c
	}
	typeRepo := &mockTypeRepo{types: testTypes()}
	e := NewEngine(codeRepo, typeRepo)
	e.now = func() time.Time { return fixedNow }
	return e, codeRepo, typeRepo
}

func save10() *Code {
	return &Code{
		ID:           1,
		Code:         "SAVE10",
		Description:  "10% off",
		DiscountType: DiscountPercentage,
		Value:        d("10"),
		Active:       true,
	}
}

func TestEngine_Apply_Save10(t *testing.T) {
	e, _, _ := newTestEngine(save10())

	res, err := e.Apply(context.Background(), ApplyRequest{
		Code:     "SAVE10",
		Currency: registration.CurrencyTRY,
		Items:    []CartItem{{RegistrationTypeID: 1, Quantity: 1}},
	})
	require.NoError(t, err)
	require.True(t, res.Valid, res.Message)

	assert.Equal(t, int64(1), res.CodeID)
	assert.Equal(t, registration.CurrencyTRY, res.Currency)
	assert.Equal(t, "900.00", res.GrandTotal.StringFixed(2))
	assert.Equal(t, "1000.00", res.OriginalTotal.StringFixed(2))
	assert.Equal(t, "100.00", res.DiscountTotal.StringFixed(2))

	require.Len(t, res.Items, 1)
	line := res.Items[0]
	assert.Equal(t, "Member", line.Label)
	assert.True(t, line.Eligible)
	assert.True(t, d("1000").Equal(line.UnitPrice))
	assert.True(t, d("900").Equal(line.DiscountedUnitPrice))
	assert.True(t, d("900").Equal(line.FinalPrice))
}

func TestEngine_Apply(t *testing.T) {
	yesterday := fixedNow.Add(-24 * time.Hour)
	tomorrow := fixedNow.Add(24 * time.Hour)

	tests := []struct {
		name       string
		code       *Code
		req        ApplyRequest
		wantReason error
		wantTotal  string
		check      func(t *testing.T, res *Result)
	}{
		{
			name: "expired code",
			code: &Code{ID: 2, Code: "EXPIRED1", DiscountType: DiscountPercentage, Value: d("20"), ValidUntil: &yesterday, Active: true},
			req: ApplyRequest{Code: "EXPIRED1", Currency: "TRY", Items: []CartItem{
				{RegistrationTypeID: 1, Quantity: 1},
			}},
			wantReason: ErrCodeExpired,
		},
		{
			name: "not active yet",
			code: &Code{ID: 3, Code: "SOON", DiscountType: DiscountPercentage, Value: d("20"), ValidFrom: &tomorrow, Active: true},
			req: ApplyRequest{Code: "SOON", Currency: "TRY", Items: []CartItem{
				{RegistrationTypeID: 1, Quantity: 1},
			}},
			wantReason: ErrCodeNotActiveYet,
		},
		{
			name: "usage limit reached",
			code: &Code{ID: 4, Code: "ONCE", DiscountType: DiscountFixed, Value: d("50"), Currency: "TRY", MaxUses: 1, UsedCount: 1, Active: true},
			req: ApplyRequest{Code: "ONCE", Currency: "TRY", Items: []CartItem{
				{RegistrationTypeID: 1, Quantity: 1},
			}},
			wantReason: ErrUsageLimitReached,
		},
		{
			name: "inactive code reported as not found",
			code: &Code{ID: 5, Code: "OFF", DiscountType: DiscountPercentage, Value: d("10")},
			req: ApplyRequest{Code: "OFF", Currency: "TRY", Items: []CartItem{
				{RegistrationTypeID: 1, Quantity: 1},
			}},
			wantReason: ErrCodeNotFound,
		},
		{
			name: "unknown code",
			req: ApplyRequest{Code: "BOGUS", Currency: "TRY", Items: []CartItem{
				{RegistrationTypeID: 1, Quantity: 1},
			}},
			wantReason: ErrCodeNotFound,
		},
		{
			name: "fixed code in other currency",
			code: &Code{ID: 6, Code: "USD5", DiscountType: DiscountFixed, Value: d("5"), Currency: "USD", Active: true},
			req: ApplyRequest{Code: "USD5", Currency: "TRY", Items: []CartItem{
				{RegistrationTypeID: 1, Quantity: 1},
			}},
			wantReason: ErrCurrencyMismatch,
		},
		{
			name: "fixed code in its currency",
			code: &Code{ID: 6, Code: "USD5", DiscountType: DiscountFixed, Value: d("5"), Currency: "USD", Active: true},
			req: ApplyRequest{Code: "USD5", Currency: "USD", Items: []CartItem{
				{RegistrationTypeID: 1, Quantity: 2},
			}},
			wantTotal: "70.00",
		},
		{
			name: "fixed discount never goes negative",
			code: &Code{ID: 7, Code: "BIG", DiscountType: DiscountFixed, Value: d("600"), Currency: "TRY", Active: true},
			req: ApplyRequest{Code: "BIG", Currency: "TRY", Items: []CartItem{
				{RegistrationTypeID: 2, Quantity: 1},
			}},
			wantTotal: "0.00",
		},
		{
			name: "percentage capped by max discount",
			code: &Code{ID: 8, Code: "HALF", DiscountType: DiscountPercentage, Value: d("50"), MaxDiscount: nd("100"), Active: true},
			req: ApplyRequest{Code: "HALF", Currency: "TRY", Items: []CartItem{
				{RegistrationTypeID: 1, Quantity: 1},
				{RegistrationTypeID: 2, Quantity: 1},
			}},
			wantTotal: "1300.00",
		},
		{
			name: "scope by type leaves other items undiscounted",
			code: &Code{ID: 9, Code: "STUDENT", DiscountType: DiscountPercentage, Value: d("10"), Active: true, Scope: Scope{TypeIDs: []int64{2}}},
			req: ApplyRequest{Code: "STUDENT", Currency: "TRY", Items: []CartItem{
				{RegistrationTypeID: 1, Quantity: 1},
				{RegistrationTypeID: 2, Quantity: 2},
			}},
			wantTotal: "1900.00",
			check: func(t *testing.T, res *Result) {
				require.Len(t, res.Items, 2)
				assert.False(t, res.Items[0].Eligible)
				assert.True(t, res.Items[0].DiscountAmount.IsZero())
				assert.True(t, res.Items[1].Eligible)
				assert.True(t, d("100").Equal(res.Items[1].DiscountAmount))
			},
		},
		{
			name: "scope by category",
			code: &Code{ID: 10, Code: "WS", DiscountType: DiscountPercentage, Value: d("10"), Active: true, Scope: Scope{CategoryIDs: []int64{20}}},
			req: ApplyRequest{Code: "WS", Currency: "TRY", Items: []CartItem{
				{RegistrationTypeID: 3, Quantity: 1},
			}},
			wantTotal: "225.45",
		},
		{
			name: "no eligible item",
			code: &Code{ID: 10, Code: "WS", DiscountType: DiscountPercentage, Value: d("10"), Active: true, Scope: Scope{CategoryIDs: []int64{20}}},
			req: ApplyRequest{Code: "WS", Currency: "TRY", Items: []CartItem{
				{RegistrationTypeID: 1, Quantity: 1},
			}},
			wantReason: ErrNotApplicable,
		},
		{
			name: "min items not met",
			code: &Code{ID: 11, Code: "GROUP", DiscountType: DiscountPercentage, Value: d("15"), MinItems: 3, Active: true},
			req: ApplyRequest{Code: "GROUP", Currency: "TRY", Items: []CartItem{
				{RegistrationTypeID: 1, Quantity: 2},
			}},
			wantReason: ErrMinItemsNotMet,
		},
		{
			name: "min items met by merged duplicates",
			code: &Code{ID: 11, Code: "GROUP", DiscountType: DiscountPercentage, Value: d("15"), MinItems: 3, Active: true},
			req: ApplyRequest{Code: "GROUP", Currency: "TRY", Items: []CartItem{
				{RegistrationTypeID: 1, Quantity: 2},
				{RegistrationTypeID: 1, Quantity: 1},
			}},
			wantTotal: "2550.00",
			check: func(t *testing.T, res *Result) {
				require.Len(t, res.Items, 1)
				assert.Equal(t, 3, res.Items[0].Quantity)
			},
		},
		{
			name: "unknown registration type",
			code: save10(),
			req: ApplyRequest{Code: "SAVE10", Currency: "TRY", Items: []CartItem{
				{RegistrationTypeID: 99, Quantity: 1},
			}},
			wantReason: registration.ErrTypeNotFound,
		},
		{
			name: "type not priced in currency",
			code: save10(),
			req: ApplyRequest{Code: "SAVE10", Currency: "EUR", Items: []CartItem{
				{RegistrationTypeID: 1, Quantity: 1},
			}},
			wantReason: registration.ErrNotPriced,
		},
		{
			name: "closed category",
			code: save10(),
			req: ApplyRequest{Code: "SAVE10", Currency: "TRY", Items: []CartItem{
				{RegistrationTypeID: 4, Quantity: 1},
			}},
			wantReason: registration.ErrRegistrationClosed,
		},
		{
			name: "code matched case-insensitively",
			code: save10(),
			req: ApplyRequest{Code: "  save10 ", Currency: "try", Items: []CartItem{
				{RegistrationTypeID: 1, Quantity: 1},
			}},
			wantTotal: "900.00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var codes []*Code
			if tt.code != nil {
				codes = append(codes, tt.code)
			}
			e, _, _ := newTestEngine(codes...)

			res, err := e.Apply(context.Background(), tt.req)
			require.NoError(t, err)

			if tt.wantReason != nil {
				assert.False(t, res.Valid)
				assert.True(t, errors.Is(res.Reason, tt.wantReason), "got reason %v", res.Reason)
				assert.NotEmpty(t, res.Message)
				assert.Empty(t, res.Items)
				return
			}

			require.True(t, res.Valid, res.Message)
			assert.Equal(t, tt.wantTotal, res.GrandTotal.StringFixed(2))
			if tt.check != nil {
				tt.check(t, res)
			}
		})
	}
}

func TestEngine_Apply_ExpiredMessage(t *testing.T) {
	yesterday := fixedNow.Add(-24 * time.Hour)
	e, _, _ := newTestEngine(&Code{ID: 2, Code: "EXPIRED1", DiscountType: DiscountPercentage, Value: d("20"), ValidUntil: &yesterday, Active: true})

	res, err := e.Apply(context.Background(), ApplyRequest{
		Code:     "EXPIRED1",
		Currency: registration.CurrencyTRY,
		Items:    []CartItem{{RegistrationTypeID: 1, Quantity: 5}},
	})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Message, "expired")
}

func TestEngine_Apply_ItemMessageNamesType(t *testing.T) {
	e, _, _ := newTestEngine(save10())

	res, err := e.Apply(context.Background(), ApplyRequest{
		Code:     "SAVE10",
		Currency: registration.CurrencyEUR,
		Items:    []CartItem{{RegistrationTypeID: 1, Quantity: 1}},
	})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Message, "Member")

	var itemErr *ItemError
	require.True(t, errors.As(res.Reason, &itemErr))
	assert.Equal(t, int64(1), itemErr.TypeID)
}

func TestEngine_Apply_InputErrors(t *testing.T) {
	tests := []struct {
		name      string
		req       ApplyRequest
		wantField string
	}{
		{
			name:      "blank code",
			req:       ApplyRequest{Code: "   ", Currency: "TRY", Items: []CartItem{{RegistrationTypeID: 1, Quantity: 1}}},
			wantField: "code",
		},
		{
			name:      "empty items",
			req:       ApplyRequest{Code: "SAVE10", Currency: "TRY"},
			wantField: "items",
		},
		{
			name:      "unsupported currency",
			req:       ApplyRequest{Code: "SAVE10", Currency: "GBP", Items: []CartItem{{RegistrationTypeID: 1, Quantity: 1}}},
			wantField: "currency",
		},
		{
			name:      "non-positive type id",
			req:       ApplyRequest{Code: "SAVE10", Currency: "TRY", Items: []CartItem{{RegistrationTypeID: -3, Quantity: 1}}},
			wantField: "items[0].registrationTypeId",
		},
		{
			name:      "zero quantity",
			req:       ApplyRequest{Code: "SAVE10", Currency: "TRY", Items: []CartItem{{RegistrationTypeID: 1, Quantity: 0}}},
			wantField: "items[0].quantity",
		},
		{
			name:      "quantity above limit",
			req:       ApplyRequest{Code: "SAVE10", Currency: "TRY", Items: []CartItem{{RegistrationTypeID: 1, Quantity: MaxQuantity + 1}}},
			wantField: "items[0].quantity",
		},
		{
			name: "quantity that would overflow when merged",
			req: ApplyRequest{Code: "SAVE10", Currency: "TRY", Items: []CartItem{
				{RegistrationTypeID: 1, Quantity: math.MaxInt},
				{RegistrationTypeID: 1, Quantity: 1},
			}},
			wantField: "items[0].quantity",
		},
		{
			name: "merged quantity above limit",
			req: ApplyRequest{Code: "SAVE10", Currency: "TRY", Items: []CartItem{
				{RegistrationTypeID: 1, Quantity: MaxQuantity},
				{RegistrationTypeID: 2, Quantity: 1},
				{RegistrationTypeID: 1, Quantity: 1},
			}},
			wantField: "items",
		},
		{
			name: "mixed currencies",
			req: ApplyRequest{Code: "SAVE10", Currency: "TRY", Items: []CartItem{
				{RegistrationTypeID: 1, Quantity: 1, Currency: "TRY"},
				{RegistrationTypeID: 2, Quantity: 1, Currency: "EUR"},
			}},
			wantField: "items[1].currency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, codeRepo, typeRepo := newTestEngine(save10())

			res, err := e.Apply(context.Background(), tt.req)
			require.Error(t, err)
			assert.Nil(t, res)

			var inputErr *InputError
			require.True(t, errors.As(err, &inputErr))
			assert.Equal(t, tt.wantField, inputErr.Field)
			assert.Zero(t, codeRepo.calls, "no store access on caller errors")
			assert.Zero(t, typeRepo.calls)
		})
	}
}

func TestEngine_Apply_StoreErrors(t *testing.T) {
	dbErr := errors.New("connection refused")

	t.Run("code lookup", func(t *testing.T) {
		e, codeRepo, _ := newTestEngine()
		codeRepo.err = dbErr

		_, err := e.Apply(context.Background(), ApplyRequest{
			Code: "SAVE10", Currency: "TRY", Items: []CartItem{{RegistrationTypeID: 1, Quantity: 1}},
		})
		require.ErrorIs(t, err, dbErr)
	})

	t.Run("type lookup", func(t *testing.T) {
		e, _, typeRepo := newTestEngine(save10())
		typeRepo.err = dbErr

		_, err := e.Apply(context.Background(), ApplyRequest{
			Code: "SAVE10", Currency: "TRY", Items: []CartItem{{RegistrationTypeID: 1, Quantity: 1}},
		})
		require.ErrorIs(t, err, dbErr)
	})
}

func TestEngine_Apply_BatchesTypeLookup(t *testing.T) {
	e, codeRepo, typeRepo := newTestEngine(save10())

	_, err := e.Apply(context.Background(), ApplyRequest{
		Code:     "save10",
		Currency: "TRY",
		Items: []CartItem{
			{RegistrationTypeID: 2, Quantity: 1},
			{RegistrationTypeID: 1, Quantity: 1},
			{RegistrationTypeID: 2, Quantity: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", codeRepo.lastQuery)
	assert.Equal(t, 1, typeRepo.calls)
	assert.Equal(t, []int64{2, 1}, typeRepo.ids)
}

func TestEngine_Apply_Idempotent(t *testing.T) {
	e, _, _ := newTestEngine(&Code{ID: 11, Code: "GROUP", DiscountType: DiscountPercentage, Value: d("12.5"), Active: true})
	req := ApplyRequest{Code: "GROUP", Currency: "TRY", Items: []CartItem{
		{RegistrationTypeID: 1, Quantity: 2},
		{RegistrationTypeID: 3, Quantity: 3},
	}}

	first, err := e.Apply(context.Background(), req)
	require.NoError(t, err)
	second, err := e.Apply(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
