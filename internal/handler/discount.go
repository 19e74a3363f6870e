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

	"github.com/haksoz/online-registration/internal/domain/discount"
	"github.com/haksoz/online-registration/internal/domain/registration"
)

// ValidateDiscountCode handles POST /api/discount-codes/validate.
//
// success=false marks a malformed request (400) or a server failure (500).
// A business rejection is a 200 with success=true and valid=false.
func (h *Handler) ValidateDiscountCode(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "discount.Validate")
	defer span.End()

	body, err := readBody(w, r)
	if err != nil {
		h.countValidation(r, "bad_request")
		writeInputError(w, "", errInvalidBody.Error())
		return
	}
	req, err := decodeApplyRequest(body)
	if err != nil {
		h.countValidation(r, "bad_request")
		writeInputError(w, "", errInvalidBody.Error())
		return
	}
	if req.Currency == "" {
		req.Currency = h.defaultCurrency
	}
	span.SetAttributes(
		attribute.String("discount.currency", string(req.Currency)),
		attribute.Int("discount.items", len(req.Items)),
	)

	res, err := h.engine.Apply(ctx, req)
	if err != nil {
		var inputErr *discount.InputError
		if errors.As(err, &inputErr) {
			h.countValidation(r, "bad_request")
			writeInputError(w, inputErr.Field, inputErr.Message)
			return
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "apply discount code")
		zctx.From(ctx).Error("Apply discount code", zap.Error(err))
		h.countValidation(r, "error")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if !res.Valid {
		span.SetAttributes(attribute.String("discount.rejection", res.Message))
		h.countValidation(r, "rejected")
		writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
			e.Field("success", func(e *jx.Encoder) { e.Bool(true) })
			e.Field("valid", func(e *jx.Encoder) { e.Bool(false) })
			e.Field("message", func(e *jx.Encoder) { e.Str(res.Message) })
		})
		return
	}

	h.countValidation(r, "valid")
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeResult(e, res)
	})
}

func (h *Handler) countValidation(r *http.Request, result string) {
	h.discountValidations.Add(r.Context(), 1, metric.WithAttributes(attribute.String("result", result)))
}

// writeInputError writes a caller error. valid=false is kept so clients can
// treat every non-valid response the same way.
func writeInputError(w http.ResponseWriter, field, message string) {
	writeJSON(w, http.StatusBadRequest, func(e *jx.Encoder) {
		e.Field("success", func(e *jx.Encoder) { e.Bool(false) })
		e.Field("valid", func(e *jx.Encoder) { e.Bool(false) })
		e.Field("message", func(e *jx.Encoder) { e.Str(message) })
		if field != "" {
			e.Field("field", func(e *jx.Encoder) { e.Str(field) })
		}
	})
}

func encodeResult(e *jx.Encoder, res *discount.Result) {
	e.Field("success", func(e *jx.Encoder) { e.Bool(true) })
	e.Field("valid", func(e *jx.Encoder) { e.Bool(true) })
	if res.Description != "" {
		e.Field("message", func(e *jx.Encoder) { e.Str(res.Description) })
	}
	e.Field("discountCodeId", func(e *jx.Encoder) { e.Int64(res.CodeID) })
	e.Field("code", func(e *jx.Encoder) { e.Str(res.Code) })
	e.Field("currency", func(e *jx.Encoder) { e.Str(string(res.Currency)) })
	e.Field("items", func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for _, line := range res.Items {
				e.Obj(func(e *jx.Encoder) { encodeLine(e, line) })
			}
		})
	})
	e.Field("originalTotal", func(e *jx.Encoder) { writeMoney(e, res.OriginalTotal) })
	e.Field("discountTotal", func(e *jx.Encoder) { writeMoney(e, res.DiscountTotal) })
	e.Field("grandTotal", func(e *jx.Encoder) { writeMoney(e, res.GrandTotal) })
	if res.Currency == registration.CurrencyTRY {
		e.Field("grandTotalTry", func(e *jx.Encoder) { writeMoney(e, res.GrandTotal) })
	}
}

func encodeLine(e *jx.Encoder, line discount.Line) {
	e.Field("registrationTypeId", func(e *jx.Encoder) { e.Int64(line.RegistrationTypeID) })
	e.Field("label", func(e *jx.Encoder) { e.Str(line.Label) })
	e.Field("quantity", func(e *jx.Encoder) { e.Int(line.Quantity) })
	e.Field("eligible", func(e *jx.Encoder) { e.Bool(line.Eligible) })
	e.Field("unitPrice", func(e *jx.Encoder) { writeMoney(e, line.UnitPrice) })
	e.Field("discountedUnitPrice", func(e *jx.Encoder) { writeMoney(e, line.DiscountedUnitPrice) })
	e.Field("originalPrice", func(e *jx.Encoder) { writeMoney(e, line.OriginalPrice) })
	e.Field("discountAmount", func(e *jx.Encoder) { writeMoney(e, line.DiscountAmount) })
	e.Field("finalPrice", func(e *jx.Encoder) { writeMoney(e, line.FinalPrice) })
}

// decodeApplyRequest parses {code, currency, items:[{registrationTypeId,
// quantity, currency}]}. A missing quantity means one registration.
func decodeApplyRequest(data []byte) (discount.ApplyRequest, error) {
	var req discount.ApplyRequest
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "code":
			v, err := decodeOptionalStr(d)
			req.Code = v
			return err
		case "currency":
			v, err := decodeOptionalStr(d)
			req.Currency = registration.Currency(v)
			return err
		case "items":
			if d.Next() == jx.Null {
				return d.Null()
			}
			return d.Arr(func(d *jx.Decoder) error {
				item, err := decodeCartItem(d)
				if err != nil {
					return err
				}
				req.Items = append(req.Items, item)
				return nil
			})
		default:
			return d.Skip()
		}
	})
	return req, err
}

func decodeCartItem(d *jx.Decoder) (discount.CartItem, error) {
	item := discount.CartItem{Quantity: 1}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "registrationTypeId", "registration_type_id", "id":
			v, err := decodeID(d)
			item.RegistrationTypeID = v
			return err
		case "quantity":
			v, err := d.Int()
			item.Quantity = v
			return err
		case "currency":
			v, err := decodeOptionalStr(d)
			item.Currency = registration.Currency(v)
			return err
		default:
			return d.Skip()
		}
	})
	return item, err
}
