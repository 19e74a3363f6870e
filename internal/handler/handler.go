package handler

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/haksoz/online-registration/internal/domain/checkout"
	"github.com/haksoz/online-registration/internal/domain/discount"
	"github.com/haksoz/online-registration/internal/domain/registration"
)

const instrumentationName = "github.com/haksoz/online-registration/internal/handler"

// DiscountEngine prices a cart against a discount code.
type DiscountEngine interface {
	Apply(ctx context.Context, req discount.ApplyRequest) (*discount.Result, error)
}

// AvailabilityChecker reports registration type capacity.
type AvailabilityChecker interface {
	GetAvailability(ctx context.Context, id int64) (*registration.Availability, error)
}

// Registrar commits registrations.
type Registrar interface {
	Register(ctx context.Context, req checkout.RegisterRequest) (*checkout.Registration, error)
}

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	// DefaultCurrency is used when a request omits the currency.
	DefaultCurrency registration.Currency
	// TracerProvider and MeterProvider default to the otel globals.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Handler serves the registration JSON API.
type Handler struct {
	engine          DiscountEngine
	checker         AvailabilityChecker
	registrar       Registrar
	defaultCurrency registration.Currency

	tracer              trace.Tracer
	discountValidations metric.Int64Counter
	availabilityChecks  metric.Int64Counter
	registrations       metric.Int64Counter
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	cfg HandlerConfig,
	engine DiscountEngine,
	checker AvailabilityChecker,
	registrar Registrar,
) (*Handler, error) {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = registration.CurrencyTRY
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}

	meter := cfg.MeterProvider.Meter(instrumentationName)
	discountValidations, err := meter.Int64Counter("registration.discount.validations",
		metric.WithDescription("Discount code validations by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "discount validations counter")
	}
	availabilityChecks, err := meter.Int64Counter("registration.availability.checks",
		metric.WithDescription("Availability checks by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "availability checks counter")
	}
	registrations, err := meter.Int64Counter("registration.registrations",
		metric.WithDescription("Registration attempts by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "registrations counter")
	}

	return &Handler{
		engine:              engine,
		checker:             checker,
		registrar:           registrar,
		defaultCurrency:     cfg.DefaultCurrency,
		tracer:              cfg.TracerProvider.Tracer(instrumentationName),
		discountValidations: discountValidations,
		availabilityChecks:  availabilityChecks,
		registrations:       registrations,
	}, nil
}

// ValidateRoute is the route pattern of ValidateDiscountCode. It is rate
// limited on its own budget.
const ValidateRoute = "/api/discount-codes/validate"

// Mount registers the API routes under /api.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/discount-codes/validate", h.ValidateDiscountCode)
		r.Get("/registration-types/{id}/availability", h.GetAvailability)
		r.Post("/registrations", h.CreateRegistration)
	})
}
