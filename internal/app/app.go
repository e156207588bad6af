package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront-pricing/internal/domain/audit"
	"github.com/xenking/storefront-pricing/internal/domain/recalc"
	"github.com/xenking/storefront-pricing/internal/storage/postgres"
	"github.com/xenking/storefront-pricing/pkg/health"
	"github.com/xenking/storefront-pricing/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the probe server and the repricing
// worker, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("probe_addr", cfg.ProbeAddr),
		zap.Int("workers", cfg.Workers),
		zap.Int("batch_size", cfg.BatchSize),
	)

	pctx, err := cfg.Pricing.Context()
	if err != nil {
		return errors.Wrap(err, "pricing config")
	}

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Repositories.
	orders := postgres.NewOrderRepository(pool)
	vouchers := postgres.NewVoucherRepository(pool)
	promotions := postgres.NewPromotionRepository(pool)
	store := postgres.NewStore(pool)

	// Domain services.
	recalculator, err := recalc.New(recalc.Deps{
		Store:          store,
		Vouchers:       vouchers,
		Rules:          promotions,
		Stock:          promotions,
		Pricing:        pctx,
		Logger:         lg,
		MeterProvider:  m.MeterProvider(),
		TracerProvider: m.TracerProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create recalculator")
	}
	auditor, err := audit.New(lg, m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create auditor")
	}

	// Health checks: the database for readiness, the poll loop for liveness.
	heartbeat := health.NewHeartbeat()
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("worker", time.Second, heartbeat.Check(cfg.StallTimeout+cfg.PollInterval))
	healthSvc.Start(ctx, 10*time.Second)

	worker, err := NewWorker(orders, recalculator, auditor, WorkerOptions{
		Workers:       cfg.Workers,
		BatchSize:     cfg.BatchSize,
		PollInterval:  cfg.PollInterval,
		Pricing:       pctx,
		Heartbeat:     heartbeat,
		Logger:        lg,
		MeterProvider: m.MeterProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create worker")
	}

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.ProbeAddr,
		Handler: otelhttp.NewHandler(
			httpmiddleware.Wrap(healthSvc.Handler(),
				httpmiddleware.InjectLogger(lg),
				httpmiddleware.Recovery(),
			),
			"probe",
			otelhttp.WithMeterProvider(m.MeterProvider()),
			otelhttp.WithTracerProvider(m.TracerProvider()),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("Probe server listening", zap.String("addr", cfg.ProbeAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "probe server")
		}
		return nil
	})
	g.Go(func() error {
		healthSvc.SetReady(true)
		return worker.Run(gctx)
	})

	// Graceful shutdown: stop claiming work, drain, then stop the probes.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down probe server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Probe server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	return g.Wait()
}
