// Package report renders the outcome of an order recalculation as JSON.
package report

import (
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-pricing/internal/domain/audit"
	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/order"
	"github.com/xenking/storefront-pricing/internal/domain/pricing"
)

// Recalculation is the outcome of one order pass.
type Recalculation struct {
	Order    *order.Order
	Lines    []*order.Line
	Issues   []audit.Issue
	Places   int32
	Duration time.Duration
}

// New builds a report for a priced order. Amounts are printed with the
// context's decimal places.
func New(pctx pricing.Context, o *order.Order, lines []*order.Line, issues []audit.Issue, took time.Duration) Recalculation {
	return Recalculation{Order: o, Lines: lines, Issues: issues, Places: pctx.Places, Duration: took}
}

// MarshalJSON implements json.Marshaler.
func (r Recalculation) MarshalJSON() ([]byte, error) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	r.Encode(e)
	return append([]byte(nil), e.Bytes()...), nil
}

// Encode writes the report as a JSON object.
func (r Recalculation) Encode(e *jx.Encoder) {
	o := r.Order
	e.Obj(func(e *jx.Encoder) {
		e.Field("order_id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("currency", func(e *jx.Encoder) { e.Str(o.Currency) })
		if o.VoucherCode != "" {
			e.Field("voucher_code", func(e *jx.Encoder) { e.Str(o.VoucherCode) })
		}
		e.Field("duration_ms", func(e *jx.Encoder) { e.Int64(r.Duration.Milliseconds()) })
		e.Field("subtotal", func(e *jx.Encoder) { r.money(e, o.Subtotal) })
		e.Field("shipping", func(e *jx.Encoder) { r.money(e, o.ShippingPrice) })
		e.Field("total", func(e *jx.Encoder) { r.money(e, o.Total) })
		e.Field("undiscounted_total", func(e *jx.Encoder) { r.money(e, o.UndiscountedTotal) })
		e.Field("discounts", func(e *jx.Encoder) { r.records(e, o.Discounts) })
		e.Field("lines", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, l := range r.Lines {
					r.line(e, l)
				}
			})
		})
		e.Field("issues", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, i := range r.Issues {
					issue(e, i)
				}
			})
		})
	})
}

func (r Recalculation) line(e *jx.Encoder, l *order.Line) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(l.ID) })
		e.Field("variant_id", func(e *jx.Encoder) { e.Str(l.Variant.ID) })
		e.Field("quantity", func(e *jx.Encoder) { e.Int(l.Quantity) })
		if l.IsGift {
			e.Field("is_gift", func(e *jx.Encoder) { e.Bool(true) })
		}
		e.Field("undiscounted_base_unit_price", func(e *jx.Encoder) { r.amount(e, l.UndiscountedBaseUnitPrice) })
		e.Field("base_unit_price", func(e *jx.Encoder) { r.amount(e, l.BaseUnitPrice) })
		e.Field("unit_discount", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("amount", func(e *jx.Encoder) { r.amount(e, l.UnitDiscountAmount) })
				if t := l.UnitDiscountType.String(); t != "" {
					e.Field("type", func(e *jx.Encoder) { e.Str(t) })
				}
				if l.UnitDiscountReason != "" {
					e.Field("reason", func(e *jx.Encoder) { e.Str(l.UnitDiscountReason) })
				}
			})
		})
		e.Field("total", func(e *jx.Encoder) { r.money(e, l.TotalPrice) })
		e.Field("discounts", func(e *jx.Encoder) { r.records(e, l.Discounts) })
	})
}

func (r Recalculation) records(e *jx.Encoder, records []discount.Record) {
	e.Arr(func(e *jx.Encoder) {
		for _, rec := range records {
			e.Obj(func(e *jx.Encoder) {
				e.Field("id", func(e *jx.Encoder) { e.Str(rec.ID) })
				e.Field("kind", func(e *jx.Encoder) { e.Str(rec.Kind.String()) })
				e.Field("value_type", func(e *jx.Encoder) { e.Str(rec.ValueType.String()) })
				e.Field("value", func(e *jx.Encoder) { e.Str(rec.Value.String()) })
				e.Field("amount", func(e *jx.Encoder) { r.amount(e, rec.Amount) })
				if rec.Reason != "" {
					e.Field("reason", func(e *jx.Encoder) { e.Str(rec.Reason) })
				}
				if rec.RuleID != "" {
					e.Field("rule_id", func(e *jx.Encoder) { e.Str(rec.RuleID) })
				}
				if rec.VoucherCode != "" {
					e.Field("voucher_code", func(e *jx.Encoder) { e.Str(rec.VoucherCode) })
				}
			})
		}
	})
}

func issue(e *jx.Encoder, i audit.Issue) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Str(string(i.Code)) })
		e.Field("message", func(e *jx.Encoder) { e.Str(i.Message) })
		if i.LineID != "" {
			e.Field("line_id", func(e *jx.Encoder) { e.Str(i.LineID) })
		}
	})
}

func (r Recalculation) money(e *jx.Encoder, m pricing.TaxedMoney) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("net", func(e *jx.Encoder) { r.amount(e, m.Net) })
		e.Field("gross", func(e *jx.Encoder) { r.amount(e, m.Gross) })
	})
}

// amount prints decimals as strings to keep precision.
func (r Recalculation) amount(e *jx.Encoder, d decimal.Decimal) {
	e.Str(d.StringFixed(r.Places))
}
