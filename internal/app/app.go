package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/haksoz/online-registration/internal/domain/checkout"
	"github.com/haksoz/online-registration/internal/domain/discount"
	"github.com/haksoz/online-registration/internal/domain/registration"
	"github.com/haksoz/online-registration/internal/handler"
	"github.com/haksoz/online-registration/internal/storage/postgres"
	"github.com/haksoz/online-registration/pkg/health"
	"github.com/haksoz/online-registration/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("default_currency", cfg.DefaultCurrency),
	)

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	apiHandler, healthSvc, err := newServerHandler(ctx, lg, m, cfg, pool)
	if err != nil {
		return err
	}
	healthCtx := zctx.Base(ctx, lg.Named("health"))
	healthSvc.RunChecks(healthCtx)
	healthSvc.Start(healthCtx, 10*time.Second)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           apiHandler,
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// newServerHandler wires storage, domain services and the HTTP stack on top
// of pool. The returned Health has its checks registered but not started.
func newServerHandler(
	ctx context.Context,
	lg *zap.Logger,
	tel httpmiddleware.Telemetry,
	cfg *Config,
	pool *pgxpool.Pool,
) (http.Handler, *health.Health, error) {
	// Repositories.
	typeRepo := postgres.NewRegistrationTypeRepository(pool)
	codeRepo := postgres.NewDiscountCodeRepository(pool)
	registrationRepo := postgres.NewRegistrationRepository(pool)

	healthSvc := health.New()
	healthSvc.Add(health.Check{Name: "postgres", Kind: health.Readiness, Func: health.PingCheck(pool)})
	// A missing table or column does not heal on retry.
	healthSvc.Add(health.Check{Name: "schema", Kind: health.Readiness, Failures: 1, Func: func(ctx context.Context) error {
		_, err := typeRepo.CountActive(ctx)
		return err
	}})

	// Domain services.
	engine := discount.NewEngine(codeRepo, typeRepo)
	checker := registration.NewChecker(typeRepo)
	checkoutSvc := checkout.NewService(typeRepo, engine, registrationRepo)

	// HTTP handlers.
	h, err := handler.NewHandler(
		handler.HandlerConfig{
			DefaultCurrency: registration.Currency(cfg.DefaultCurrency),
			TracerProvider:  tel.TracerProvider(),
			MeterProvider:   tel.MeterProvider(),
		},
		engine,
		checker,
		checkoutSvc,
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create handler")
	}

	router := newRouter(h, healthSvc)
	routeFinder := httpmiddleware.MakeRouteFinder(router)

	return httpmiddleware.Wrap(router,
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.Recovery(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			AllowOrigins:     cfg.CORS.Origins,
			AllowHeaders:     []string{"Content-Type", "X-Request-ID"},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
		httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
			Default: httpmiddleware.Limit{Max: cfg.RateLimit.Max, Window: cfg.RateLimit.Window},
			Routes: map[string]httpmiddleware.Limit{
				handler.ValidateRoute: {Max: cfg.RateLimit.ValidateMax, Window: cfg.RateLimit.Window},
			},
			Route: routeFinder,
			Skip:  isHealthCheck,
		}),
		httpmiddleware.Instrument("registration-api", routeFinder, tel),
		httpmiddleware.LogRequests(routeFinder),
		httpmiddleware.Labeler(routeFinder),
	), healthSvc, nil
}

// newRouter serves the health endpoints and the JSON API on one router.
func newRouter(h *handler.Handler, hs *health.Health) chi.Router {
	r := chi.NewRouter()
	r.Get("/livez", hs.LiveEndpoint)
	r.Get("/readyz", hs.ReadyEndpoint)
	h.Mount(r)
	return r
}

// isHealthCheck reports whether r targets a health endpoint. Orchestrators
// poll these often and are exempt from rate limiting.
func isHealthCheck(r *http.Request) bool {
	switch r.URL.Path {
	case "/livez", "/readyz":
		return true
	default:
		return false
	}
}
