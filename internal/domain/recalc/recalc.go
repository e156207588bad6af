// Package recalc runs the pricing stages of an order in their fixed order:
// catalogue, voucher, manual, order promotion, then line summaries and
// totals.
package recalc

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/storefront-pricing/internal/domain/order"
	"github.com/xenking/storefront-pricing/internal/domain/pricing"
	"github.com/xenking/storefront-pricing/internal/domain/promotion"
	"github.com/xenking/storefront-pricing/internal/domain/reconcile"
	"github.com/xenking/storefront-pricing/internal/domain/voucher"
)

// Deps are the collaborators of a Recalculator.
type Deps struct {
	Store    reconcile.Store
	Vouchers voucher.Repository
	Rules    promotion.Repository
	Stock    promotion.StockChecker
	Taxes    pricing.TaxCalculator
	Pricing  pricing.Context

	Logger         *zap.Logger
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Recalculator orchestrates a full price refresh of one order.
type Recalculator struct {
	store      reconcile.Store
	reconciler *reconcile.Reconciler
	evaluator  *promotion.Evaluator
	selector   *promotion.Selector
	applier    *voucher.Applier
	vouchers   voucher.Repository
	rules      promotion.Repository
	taxes      pricing.TaxCalculator
	base       pricing.Context

	now    func() time.Time
	newID  func() string
	lg     *zap.Logger
	tracer trace.Tracer
	runs   metric.Int64Counter
}

// New validates deps and returns a Recalculator.
func New(deps Deps) (*Recalculator, error) {
	if deps.Store == nil {
		return nil, errors.New("recalc: store is required")
	}
	if deps.Vouchers == nil || deps.Rules == nil {
		return nil, errors.New("recalc: voucher and promotion repositories are required")
	}
	if deps.Taxes == nil {
		deps.Taxes = pricing.FlatRates{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MeterProvider == nil {
		deps.MeterProvider = noop.NewMeterProvider()
	}
	if deps.TracerProvider == nil {
		deps.TracerProvider = tracenoop.NewTracerProvider()
	}

	reconciler, err := reconcile.NewReconciler(deps.Store, deps.Logger, deps.MeterProvider)
	if err != nil {
		return nil, errors.Wrap(err, "create reconciler")
	}
	runs, err := deps.MeterProvider.Meter("storefront-pricing/recalc").Int64Counter(
		"pricing.recalculations",
		metric.WithDescription("Order price recalculations by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create recalculations counter")
	}

	return &Recalculator{
		store:      deps.Store,
		reconciler: reconciler,
		evaluator:  promotion.NewEvaluator(),
		selector:   promotion.NewSelector(deps.Stock, deps.Logger),
		applier:    voucher.NewApplier(),
		vouchers:   deps.Vouchers,
		rules:      deps.Rules,
		taxes:      deps.Taxes,
		base:       deps.Pricing,
		now:        time.Now,
		newID:      uuid.NewString,
		lg:         deps.Logger.Named("recalc"),
		tracer:     deps.TracerProvider.Tracer("storefront-pricing/recalc"),
		runs:       runs,
	}, nil
}

// Recalculate refreshes every discount and price of the order and returns
// its lines, gift line included. All writes happen in one locked
// transaction that re-reads the order first, so o and lines only name what
// to price. On success o holds the persisted order. On error nothing is
// persisted and o and lines are left untouched.
func (r *Recalculator) Recalculate(ctx context.Context, o *order.Order, lines []*order.Line) ([]*order.Line, error) {
	ctx, span := r.tracer.Start(ctx, "Recalculate",
		trace.WithAttributes(attribute.String("order.id", o.ID)),
	)
	defer span.End()

	out, err := r.recalculate(ctx, o, lines)
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	return out, err
}

func (r *Recalculator) recalculate(ctx context.Context, o *order.Order, lines []*order.Line) ([]*order.Line, error) {
	now := r.now()
	var p *pass
	err := r.store.WithinLock(ctx, o.ID, func(ctx context.Context, tx reconcile.Tx) error {
		work, fresh, err := tx.Load(ctx)
		if err != nil {
			return errors.Wrap(err, "reload order")
		}
		if changedSince(lines, fresh) {
			r.lg.Debug("Order changed since it was loaded",
				zap.String("order_id", o.ID),
			)
		}

		info, err := r.lookupVoucher(ctx, work)
		if err != nil {
			return err
		}
		rules, err := r.rules.ActiveOrderRules(ctx, work.Channel.ID, now)
		if err != nil {
			return errors.Wrap(err, "load order promotion rules")
		}

		p = &pass{
			r:       r,
			tx:      tx,
			pctx:    work.PricingContext(r.base),
			now:     now,
			order:   work,
			lines:   fresh,
			voucher: info,
			rules:   rules,
		}
		return p.run(ctx)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "recalculate order %s", o.ID)
	}

	*o = *p.order
	return p.lines, nil
}

// changedSince reports whether the lines or discount records read under the
// lock differ from the caller's copy.
func changedSince(before, after []*order.Line) bool {
	if len(before) != len(after) {
		return true
	}
	for i := range before {
		b, a := before[i], after[i]
		if b.ID != a.ID || len(b.Discounts) != len(a.Discounts) {
			return true
		}
		for j := range b.Discounts {
			if b.Discounts[j].ID != a.Discounts[j].ID || !b.Discounts[j].Amount.Equal(a.Discounts[j].Amount) {
				return true
			}
		}
	}
	return false
}

func (r *Recalculator) lookupVoucher(ctx context.Context, o *order.Order) (*voucher.Info, error) {
	if o.VoucherCode == "" {
		return nil, nil
	}
	info, err := r.vouchers.FindByCode(ctx, voucher.NormalizeCode(o.VoucherCode), o.CustomerEmail)
	if err != nil {
		if errors.Is(err, voucher.ErrNotFound) {
			r.lg.Info("Voucher code not found",
				zap.String("order_id", o.ID),
				zap.String("code", o.VoucherCode),
			)
			return nil, nil
		}
		return nil, errors.Wrap(err, "load voucher")
	}
	return info, nil
}
