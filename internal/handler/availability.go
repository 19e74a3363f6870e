package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/haksoz/online-registration/internal/domain/registration"
)

// GetAvailability handles GET /api/registration-types/{id}/availability.
// The answer is advisory; capacity is enforced when a registration is
// committed.
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "registration.GetAvailability")
	defer span.End()

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.countAvailability(r, "bad_request")
		writeError(w, http.StatusBadRequest, registration.ErrInvalidTypeID.Error())
		return
	}
	span.SetAttributes(attribute.Int64("registration.type_id", id))

	a, err := h.checker.GetAvailability(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, registration.ErrInvalidTypeID):
		h.countAvailability(r, "bad_request")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, registration.ErrTypeNotFound):
		h.countAvailability(r, "not_found")
		writeError(w, http.StatusNotFound, err.Error())
		return
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "get availability")
		zctx.From(ctx).Error("Get availability", zap.Int64("registration_type_id", id), zap.Error(err))
		h.countAvailability(r, "error")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if a.Available {
		h.countAvailability(r, "available")
	} else {
		h.countAvailability(r, "unavailable")
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Field("success", func(e *jx.Encoder) { e.Bool(true) })
		e.Field("data", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("available", func(e *jx.Encoder) { e.Bool(a.Available) })
				e.Field("remaining", func(e *jx.Encoder) { writeOptionalInt(e, a.Remaining) })
				e.Field("capacity", func(e *jx.Encoder) { writeOptionalInt(e, a.Capacity) })
				e.Field("current_registrations", func(e *jx.Encoder) { e.Int(a.CurrentRegistrations) })
			})
		})
	})
}

func (h *Handler) countAvailability(r *http.Request, result string) {
	h.availabilityChecks.Add(r.Context(), 1, metric.WithAttributes(attribute.String("result", result)))
}
