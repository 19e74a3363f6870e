package checkout

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/haksoz/online-registration/internal/domain/discount"
	"github.com/haksoz/online-registration/internal/domain/registration"
)

// Pricer prices a cart against a discount code.
type Pricer interface {
	Apply(ctx context.Context, req discount.ApplyRequest) (*discount.Result, error)
}

// RegisterRequest holds the input for registering one attendee.
type RegisterRequest struct {
	TypeID       int64
	Currency     registration.Currency
	DiscountCode string
	FullName     string
	Email        string
}

// Service encapsulates the registration commit.
type Service struct {
	types         registration.Repository
	pricer        Pricer
	registrations Repository
	now           func() time.Time
}

// NewService creates a checkout Service with the required domain dependencies.
func NewService(
	types registration.Repository,
	pricer Pricer,
	registrations Repository,
) *Service {
	return &Service{
		types:         types,
		pricer:        pricer,
		registrations: registrations,
		now:           time.Now,
	}
}

// Register validates req, prices it with the live fee and the optional
// discount code, and commits the registration. Capacity and code usage are
// enforced by the commit, not by the pricing step.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	currency, err := validate(&req)
	if err != nil {
		return nil, err
	}

	r := &Registration{
		ID:       uuid.New(),
		TypeID:   req.TypeID,
		FullName: req.FullName,
		Email:    req.Email,
		Currency: currency,
		Status:   StatusPendingPayment,
	}

	if req.DiscountCode == "" {
		if err := s.priceWithoutCode(ctx, r); err != nil {
			return nil, err
		}
	} else {
		if err := s.priceWithCode(ctx, r, req.DiscountCode); err != nil {
			return nil, err
		}
	}

	r.CreatedAt = s.now()
	if err := s.registrations.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create registration: %w", err)
	}

	return r, nil
}

func (s *Service) priceWithoutCode(ctx context.Context, r *Registration) error {
	t, err := s.types.GetType(ctx, r.TypeID)
	if err != nil {
		return fmt.Errorf("get registration type: %w", err)
	}
	fee, err := t.PriceFor(r.Currency, s.now())
	if err != nil {
		return err
	}

	r.OriginalAmount = fee.Round(registration.MinorUnits)
	r.DiscountAmount = decimal.Zero
	r.TotalAmount = r.OriginalAmount
	return nil
}

func (s *Service) priceWithCode(ctx context.Context, r *Registration, code string) error {
	res, err := s.pricer.Apply(ctx, discount.ApplyRequest{
		Code:     code,
		Currency: r.Currency,
		Items:    []discount.CartItem{{RegistrationTypeID: r.TypeID, Quantity: 1}},
	})
	if err != nil {
		return fmt.Errorf("apply discount code: %w", err)
	}
	if !res.Valid {
		return &DiscountRejectedError{Reason: res.Reason}
	}

	codeID := res.CodeID
	r.DiscountCodeID = &codeID
	r.OriginalAmount = res.OriginalTotal
	r.DiscountAmount = res.DiscountTotal
	r.TotalAmount = res.GrandTotal
	return nil
}

func validate(req *RegisterRequest) (registration.Currency, error) {
	if req.TypeID <= 0 {
		return "", &ValidationError{Field: "registrationTypeId", Message: "must be a positive integer"}
	}

	req.FullName = strings.TrimSpace(req.FullName)
	if req.FullName == "" {
		return "", &ValidationError{Field: "fullName", Message: "is required"}
	}

	req.Email = strings.TrimSpace(req.Email)
	if !isValidEmail(req.Email) {
		return "", &ValidationError{Field: "email", Message: "is not a valid email address"}
	}

	currency, err := registration.ParseCurrency(string(req.Currency))
	if err != nil {
		return "", &ValidationError{Field: "currency", Message: fmt.Sprintf("unsupported currency %q", req.Currency)}
	}

	req.DiscountCode = strings.TrimSpace(req.DiscountCode)
	return currency, nil
}

// isValidEmail accepts a bare address with a dotted domain.
func isValidEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return false
	}
	at := strings.LastIndexByte(email, '@')
	return at > 0 && strings.Contains(email[at+1:], ".")
}
