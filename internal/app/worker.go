package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront-pricing/internal/domain/audit"
	"github.com/xenking/storefront-pricing/internal/domain/order"
	"github.com/xenking/storefront-pricing/internal/domain/pricing"
	"github.com/xenking/storefront-pricing/internal/report"
	"github.com/xenking/storefront-pricing/pkg/health"
)

// Repricer recalculates one order.
type Repricer interface {
	Recalculate(ctx context.Context, o *order.Order, lines []*order.Line) ([]*order.Line, error)
}

// WorkerOptions tune a Worker. Zero values take the Config defaults.
type WorkerOptions struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	Pricing      pricing.Context

	Heartbeat     *health.Heartbeat
	Logger        *zap.Logger
	MeterProvider metric.MeterProvider
}

// Worker drains orders flagged for a price refresh.
type Worker struct {
	orders   order.Repository
	repricer Repricer
	auditor  *audit.Auditor

	workers  int
	batch    int
	interval time.Duration
	pricing  pricing.Context
	hb       *health.Heartbeat
	lg       *zap.Logger

	processed metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewWorker returns a Worker.
func NewWorker(orders order.Repository, repricer Repricer, auditor *audit.Auditor, opts WorkerOptions) (*Worker, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 100
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Heartbeat == nil {
		opts.Heartbeat = health.NewHeartbeat()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = noop.NewMeterProvider()
	}

	meter := opts.MeterProvider.Meter("storefront-pricing/repricer")
	processed, err := meter.Int64Counter("repricer.orders",
		metric.WithDescription("Orders picked up by the repricer, by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create orders counter")
	}
	duration, err := meter.Float64Histogram("repricer.order.duration",
		metric.WithDescription("Time to reprice one order"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create duration histogram")
	}

	return &Worker{
		orders:    orders,
		repricer:  repricer,
		auditor:   auditor,
		workers:   opts.Workers,
		batch:     opts.BatchSize,
		interval:  opts.PollInterval,
		pricing:   opts.Pricing,
		hb:        opts.Heartbeat,
		lg:        opts.Logger.Named("worker"),
		processed: processed,
		duration:  duration,
	}, nil
}

// Run polls until ctx is done. A full batch is followed by another poll
// right away; otherwise the worker sleeps for the poll interval.
func (w *Worker) Run(ctx context.Context) error {
	for {
		n, err := w.Drain(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.lg.Error("Poll failed", zap.Error(err))
		}
		w.hb.Beat()
		if err == nil && n >= w.batch {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.interval):
		}
	}
}

// Drain reprices one batch of stale orders and returns how many were
// picked up. Failures of single orders are logged and leave the order
// stale for the next poll.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	ids, err := w.orders.ListStale(ctx, w.batch)
	if err != nil {
		return 0, errors.Wrap(err, "list stale orders")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.workers)
	for _, id := range ids {
		g.Go(func() error {
			w.process(gctx, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(ids), err
	}
	return len(ids), ctx.Err()
}

func (w *Worker) process(ctx context.Context, id string) {
	start := time.Now()
	result := "ok"
	defer func() {
		attrs := metric.WithAttributes(attribute.String("result", result))
		w.processed.Add(ctx, 1, attrs)
		w.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}()

	lg := w.lg.With(zap.String("order_id", id))
	o, lines, err := w.orders.Load(ctx, id)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			result = "skipped"
			lg.Info("Order vanished before repricing")
			return
		}
		result = "error"
		lg.Error("Load order", zap.Error(err))
		return
	}

	lines, err = w.repricer.Recalculate(ctx, o, lines)
	if err != nil {
		result = "error"
		lg.Error("Recalculate order", zap.Error(err))
		return
	}

	pctx := o.PricingContext(w.pricing)
	issues := w.auditor.Audit(ctx, pctx, o, lines)
	if len(issues) > 0 {
		result = "inconsistent"
	}

	if ce := lg.Check(zap.DebugLevel, "Order repriced"); ce != nil {
		b, _ := report.New(pctx, o, lines, issues, time.Since(start)).MarshalJSON()
		ce.Write(zap.ByteString("report", b))
	}
}
