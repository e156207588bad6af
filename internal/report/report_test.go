package report

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-pricing/internal/domain/audit"
	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/order"
	"github.com/xenking/storefront-pricing/internal/domain/pricing"
)

func money(s string) pricing.TaxedMoney {
	v := decimal.RequireFromString(s)
	return pricing.TaxedMoney{Net: v, Gross: v}
}

func TestRecalculation_Encode(t *testing.T) {
	o := &order.Order{
		ID:                "o-1",
		Currency:          "USD",
		Subtotal:          money("16"),
		ShippingPrice:     money("0"),
		Total:             money("16"),
		UndiscountedTotal: money("20"),
	}
	lines := []*order.Line{{
		ID:                        "l-1",
		Quantity:                  2,
		Variant:                   order.Variant{ID: "v-1"},
		UndiscountedBaseUnitPrice: decimal.NewFromInt(10),
		BaseUnitPrice:             decimal.NewFromInt(8),
		UnitDiscountAmount:        decimal.NewFromInt(2),
		UnitDiscountType:          discount.ValueFixed,
		UnitDiscountReason:        "Promotion: p-1",
		TotalPrice:                money("16"),
		Discounts: []discount.Record{{
			ID:        "d-1",
			Kind:      discount.KindCatalogue,
			ValueType: discount.ValueFixed,
			Value:     decimal.NewFromInt(2),
			Amount:    decimal.NewFromInt(4),
			Reason:    "Promotion: p-1",
			RuleID:    "r-1",
		}},
	}}
	issues := []audit.Issue{{Code: audit.CodeDeepLineDiscount, Message: "deep", LineID: "l-1"}}

	r := New(pricing.DefaultContext("USD"), o, lines, issues, 1500*time.Millisecond)
	var e jx.Encoder
	r.Encode(&e)

	assert.JSONEq(t, `{
		"order_id": "o-1",
		"currency": "USD",
		"duration_ms": 1500,
		"subtotal": {"net": "16.00", "gross": "16.00"},
		"shipping": {"net": "0.00", "gross": "0.00"},
		"total": {"net": "16.00", "gross": "16.00"},
		"undiscounted_total": {"net": "20.00", "gross": "20.00"},
		"discounts": [],
		"lines": [{
			"id": "l-1",
			"variant_id": "v-1",
			"quantity": 2,
			"undiscounted_base_unit_price": "10.00",
			"base_unit_price": "8.00",
			"unit_discount": {"amount": "2.00", "type": "fixed", "reason": "Promotion: p-1"},
			"total": {"net": "16.00", "gross": "16.00"},
			"discounts": [{
				"id": "d-1",
				"kind": "promotion",
				"value_type": "fixed",
				"value": "2",
				"amount": "4.00",
				"reason": "Promotion: p-1",
				"rule_id": "r-1"
			}]
		}],
		"issues": [{"code": "deep_line_discount", "message": "deep", "line_id": "l-1"}]
	}`, e.String())
}

func TestRecalculation_MarshalJSON(t *testing.T) {
	o := &order.Order{ID: "o-2", Currency: "EUR", VoucherCode: "SAVE"}
	r := New(pricing.DefaultContext("EUR"), o, nil, nil, 0)

	b, err := json.Marshal(r)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "o-2", got["order_id"])
	assert.Equal(t, "SAVE", got["voucher_code"])
	assert.Equal(t, []any{}, got["lines"])
	assert.Equal(t, []any{}, got["issues"])
}
