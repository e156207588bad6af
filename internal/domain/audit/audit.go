// Package audit checks priced orders for inconsistencies. It only reads and
// logs; findings never change the pricing outcome.
package audit

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/order"
	"github.com/xenking/storefront-pricing/internal/domain/pricing"
)

// Code identifies a kind of inconsistency.
type Code string

const (
	// CodeZeroLineTotal is a line priced at 0 with nothing that explains it.
	CodeZeroLineTotal Code = "zero_line_total"
	// CodeDeepLineDiscount is a non-gift line below half its undiscounted total.
	CodeDeepLineDiscount Code = "deep_line_discount"
	// CodeTaxRateMismatch is a gross and net pair that disagrees with the
	// stored tax rate, on a line price or on shipping.
	CodeTaxRateMismatch Code = "tax_rate_mismatch"
	// CodeTotalMismatch is an order total that differs from the lines plus
	// shipping.
	CodeTotalMismatch Code = "total_mismatch"
	// CodeUncoveredGap is a gap between undiscounted total and total that the
	// discount records do not account for.
	CodeUncoveredGap Code = "uncovered_discount_gap"
	// CodeShippingNotFree is a positive shipping price on a zero-total order.
	CodeShippingNotFree Code = "shipping_not_free"
	// CodeZeroTotalPricedLines is a zero-total order with a priced line.
	CodeZeroTotalPricedLines Code = "zero_total_priced_lines"
	// CodeUndiscountedBelow is an undiscounted total lower than the total.
	CodeUndiscountedBelow Code = "undiscounted_below_total"
)

// Issue is one finding. LineID is empty for order-level issues.
type Issue struct {
	Code    Code
	Message string
	LineID  string
	Extras  map[string]string
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (i Issue) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("code", string(i.Code))
	enc.AddString("message", i.Message)
	if i.LineID != "" {
		enc.AddString("line_id", i.LineID)
	}
	for k, v := range i.Extras {
		enc.AddString(k, v)
	}
	return nil
}

var half = decimal.RequireFromString("0.5")

// Auditor runs the checks.
type Auditor struct {
	lg     *zap.Logger
	issues metric.Int64Counter
}

// New returns an Auditor. A nil meter provider disables metrics.
func New(lg *zap.Logger, mp metric.MeterProvider) (*Auditor, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	issues, err := mp.Meter("storefront-pricing/audit").Int64Counter(
		"pricing.audit.issues",
		metric.WithDescription("Pricing inconsistencies found after recalculation, by code"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create issues counter")
	}
	return &Auditor{lg: lg.Named("audit"), issues: issues}, nil
}

// Audit checks the order and its lines, logs one error record when anything
// is found and returns the issues.
func (a *Auditor) Audit(ctx context.Context, pctx pricing.Context, o *order.Order, lines []*order.Line) []Issue {
	issues := Check(pctx, o, lines)
	if len(issues) == 0 {
		return nil
	}
	for _, i := range issues {
		a.issues.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(i.Code))))
	}
	a.lg.Error("Order pricing is inconsistent",
		zap.String("order_id", o.ID),
		zap.Int("issues", len(issues)),
		zap.Objects("details", issues),
	)
	return issues
}

// Check runs every check independently and accumulates the findings.
func Check(pctx pricing.Context, o *order.Order, lines []*order.Line) []Issue {
	var issues []Issue
	add := func(i Issue) { issues = append(issues, i) }

	orderDiscounts := discount.Total(o.Discounts)
	linesNet := decimal.Zero
	linesGross := decimal.Zero
	allDiscounts := orderDiscounts
	anyPricedLine := false

	for _, l := range lines {
		net, gross := l.TotalPrice.Net, l.TotalPrice.Gross
		linesNet = linesNet.Add(net)
		linesGross = linesGross.Add(gross)
		allDiscounts = allDiscounts.Add(discount.Total(l.Discounts))
		if net.IsPositive() {
			anyPricedLine = true
		}

		covered := o.GiftCardsApplied || l.IsGift || l.VoucherCode != "" ||
			len(l.Discounts) > 0 || !orderDiscounts.IsZero()
		if (!net.IsPositive() || !gross.IsPositive()) && !covered && l.Quantity > 0 {
			add(Issue{
				Code:    CodeZeroLineTotal,
				Message: "Line total is 0 with no discount applied",
				LineID:  l.ID,
				Extras:  map[string]string{"total_net": net.String(), "total_gross": gross.String()},
			})
		}

		undiscounted := l.UndiscountedTotalPrice.Net
		if !l.IsGift && undiscounted.IsPositive() && net.LessThan(undiscounted.Mul(half)) {
			add(Issue{
				Code:    CodeDeepLineDiscount,
				Message: "Line is discounted below 50% of its undiscounted total",
				LineID:  l.ID,
				Extras:  map[string]string{"total_net": net.String(), "undiscounted_total_net": undiscounted.String()},
			})
		}

		prices := map[string]pricing.TaxedMoney{
			"unit_price":               l.UnitPrice,
			"total_price":              l.TotalPrice,
			"undiscounted_unit_price":  l.UndiscountedUnitPrice,
			"undiscounted_total_price": l.UndiscountedTotalPrice,
		}
		for _, field := range []string{"unit_price", "total_price", "undiscounted_unit_price", "undiscounted_total_price"} {
			m := prices[field]
			if !taxConsistent(pctx, m, l.TaxRate) {
				add(Issue{
					Code:    CodeTaxRateMismatch,
					Message: "Gross and net prices do not match the tax rate",
					LineID:  l.ID,
					Extras: map[string]string{
						"field":    field,
						"net":      m.Net.String(),
						"gross":    m.Gross.String(),
						"tax_rate": l.TaxRate.String(),
					},
				})
			}
		}
	}

	if !taxConsistent(pctx, o.ShippingPrice, o.ShippingTaxRate) {
		add(Issue{
			Code:    CodeTaxRateMismatch,
			Message: "Gross and net shipping prices do not match the tax rate",
			Extras: map[string]string{
				"field":    "shipping_price",
				"net":      o.ShippingPrice.Net.String(),
				"gross":    o.ShippingPrice.Gross.String(),
				"tax_rate": o.ShippingTaxRate.String(),
			},
		})
	}

	wantNet := linesNet.Add(o.ShippingPrice.Net)
	wantGross := linesGross.Add(o.ShippingPrice.Gross)
	if !pctx.Within(o.Total.Net, wantNet) || !pctx.Within(o.Total.Gross, wantGross) {
		add(Issue{
			Code:    CodeTotalMismatch,
			Message: "Order total does not match lines and shipping",
			Extras: map[string]string{
				"total_net":         o.Total.Net.String(),
				"expected_net":      wantNet.String(),
				"total_gross":       o.Total.Gross.String(),
				"expected_gross":    wantGross.String(),
				"shipping_net":      o.ShippingPrice.Net.String(),
				"lines_total_net":   linesNet.String(),
				"lines_total_gross": linesGross.String(),
			},
		})
	}

	gap := o.UndiscountedTotal.Net.Sub(o.Total.Net)
	if !o.GiftCardsApplied && gap.Sub(allDiscounts).GreaterThan(pctx.Epsilon) {
		add(Issue{
			Code:    CodeUncoveredGap,
			Message: "Discounts do not cover the difference between undiscounted total and total",
			Extras:  map[string]string{"gap": gap.String(), "discounts": allDiscounts.String()},
		})
	}

	if !o.Total.Net.IsPositive() && !o.GiftCardsApplied {
		if o.ShippingPrice.Net.IsPositive() {
			add(Issue{
				Code:    CodeShippingNotFree,
				Message: "Shipping price is greater than 0",
				Extras:  map[string]string{"shipping_net": o.ShippingPrice.Net.String()},
			})
		}
		if anyPricedLine {
			add(Issue{
				Code:    CodeZeroTotalPricedLines,
				Message: "Order total is 0 while some lines are priced",
				Extras:  map[string]string{"lines_total_net": linesNet.String()},
			})
		}
	}

	if o.UndiscountedTotal.Net.LessThan(o.Total.Net) && !pctx.Within(o.UndiscountedTotal.Net, o.Total.Net) {
		add(Issue{
			Code:    CodeUndiscountedBelow,
			Message: "Undiscounted total is lower than total",
			Extras: map[string]string{
				"total_net":              o.Total.Net.String(),
				"undiscounted_total_net": o.UndiscountedTotal.Net.String(),
			},
		})
	}

	return issues
}

// taxConsistent reports whether gross equals net times (1 + rate) within
// epsilon.
func taxConsistent(pctx pricing.Context, m pricing.TaxedMoney, rate decimal.Decimal) bool {
	want := m.Net.Mul(decimal.NewFromInt(1).Add(rate))
	return pctx.Within(m.Gross, want)
}
