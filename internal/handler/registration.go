package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/haksoz/online-registration/internal/domain/checkout"
	"github.com/haksoz/online-registration/internal/domain/discount"
	"github.com/haksoz/online-registration/internal/domain/registration"
)

// CreateRegistration handles POST /api/registrations.
func (h *Handler) CreateRegistration(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "checkout.Register")
	defer span.End()

	body, err := readBody(w, r)
	if err != nil {
		h.countRegistration(r, "bad_request")
		writeError(w, http.StatusBadRequest, errInvalidBody.Error())
		return
	}
	req, err := decodeRegisterRequest(body)
	if err != nil {
		h.countRegistration(r, "bad_request")
		writeError(w, http.StatusBadRequest, errInvalidBody.Error())
		return
	}
	if req.Currency == "" {
		req.Currency = h.defaultCurrency
	}
	span.SetAttributes(
		attribute.Int64("registration.type_id", req.TypeID),
		attribute.Bool("registration.discounted", req.DiscountCode != ""),
	)

	reg, err := h.registrar.Register(ctx, req)
	if err != nil {
		status, result := registrationErrorStatus(err)
		h.countRegistration(r, result)
		if status == http.StatusInternalServerError {
			span.RecordError(err)
			span.SetStatus(codes.Error, "register")
			zctx.From(ctx).Error("Create registration", zap.Int64("registration_type_id", req.TypeID), zap.Error(err))
			writeError(w, status, "internal server error")
			return
		}

		var rejected *checkout.DiscountRejectedError
		if status == http.StatusUnprocessableEntity && errors.As(err, &rejected) {
			writeJSON(w, status, func(e *jx.Encoder) {
				e.Field("success", func(e *jx.Encoder) { e.Bool(false) })
				e.Field("valid", func(e *jx.Encoder) { e.Bool(false) })
				e.Field("message", func(e *jx.Encoder) { e.Str(rejected.Error()) })
			})
			return
		}
		writeError(w, status, registrationErrorMessage(err))
		return
	}

	zctx.From(ctx).Info("Registration created",
		zap.Stringer("registration_id", reg.ID),
		zap.Int64("registration_type_id", reg.TypeID),
		zap.String("total", reg.TotalAmount.StringFixed(registration.MinorUnits)),
	)
	h.countRegistration(r, "created")
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.Field("success", func(e *jx.Encoder) { e.Bool(true) })
		e.Field("data", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("id", func(e *jx.Encoder) { e.Str(reg.ID.String()) })
				e.Field("status", func(e *jx.Encoder) { e.Str(string(reg.Status)) })
				e.Field("currency", func(e *jx.Encoder) { e.Str(string(reg.Currency)) })
				e.Field("originalAmount", func(e *jx.Encoder) { writeMoney(e, reg.OriginalAmount) })
				e.Field("discountAmount", func(e *jx.Encoder) { writeMoney(e, reg.DiscountAmount) })
				e.Field("totalAmount", func(e *jx.Encoder) { writeMoney(e, reg.TotalAmount) })
			})
		})
	})
}

func (h *Handler) countRegistration(r *http.Request, result string) {
	h.registrations.Add(r.Context(), 1, metric.WithAttributes(attribute.String("result", result)))
}

// registrationErrorStatus maps a Register error to an HTTP status and a
// metric result label.
func registrationErrorStatus(err error) (int, string) {
	var (
		validationErr *checkout.ValidationError
		inputErr      *discount.InputError
		rejectedErr   *checkout.DiscountRejectedError
	)
	// Registration type causes come first: a rejected discount wraps them
	// when a code was sent, and the status must not depend on that.
	switch {
	case errors.As(err, &validationErr), errors.As(err, &inputErr):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, registration.ErrTypeNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, registration.ErrNotPriced):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, registration.ErrSoldOut),
		errors.Is(err, registration.ErrRegistrationClosed),
		errors.Is(err, discount.ErrUsageLimitReached):
		return http.StatusConflict, "conflict"
	case errors.As(err, &rejectedErr):
		return http.StatusUnprocessableEntity, "discount_rejected"
	default:
		return http.StatusInternalServerError, "error"
	}
}

// registrationErrorMessage returns the client-facing message of a known
// Register error without the wrapping context.
func registrationErrorMessage(err error) string {
	var (
		validationErr *checkout.ValidationError
		inputErr      *discount.InputError
	)
	switch {
	case errors.As(err, &validationErr):
		return validationErr.Error()
	case errors.As(err, &inputErr):
		return inputErr.Message
	}
	for _, known := range []error{
		registration.ErrTypeNotFound,
		registration.ErrNotPriced,
		registration.ErrSoldOut,
		registration.ErrRegistrationClosed,
		discount.ErrUsageLimitReached,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return err.Error()
}

func decodeRegisterRequest(data []byte) (checkout.RegisterRequest, error) {
	var req checkout.RegisterRequest
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "registrationTypeId", "registration_type_id":
			req.TypeID, err = decodeID(d)
		case "currency":
			var v string
			v, err = decodeOptionalStr(d)
			req.Currency = registration.Currency(v)
		case "discountCode", "discount_code":
			req.DiscountCode, err = decodeOptionalStr(d)
		case "fullName", "full_name":
			req.FullName, err = decodeOptionalStr(d)
		case "email":
			req.Email, err = decodeOptionalStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return req, err
}
