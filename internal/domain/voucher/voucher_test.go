package voucher

import (
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/order"
	"github.com/xenking/storefront-pricing/internal/domain/pricing"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func line(id string, qty int, unit string) *order.Line {
	return &order.Line{
		ID:            id,
		Quantity:      qty,
		Variant:       order.Variant{ID: "v-" + id, ProductID: "p-" + id, CategoryID: "cat-" + id},
		BaseUnitPrice: d(unit),
	}
}

func newInfo(typ Type, vt discount.ValueType, value string) *Info {
	return &Info{
		Code: "SAVE",
		Voucher: Voucher{
			ID:        "vch-1",
			Name:      "Save",
			Type:      typ,
			ValueType: vt,
			StartDate: testNow.Add(-time.Hour),
			Channels:  []ChannelListing{{ChannelID: "ch-1", Currency: "USD", DiscountValue: d(value)}},
		},
	}
}

func TestApplier_Apply(t *testing.T) {
	a := NewApplier()

	t.Run("specific product targets", func(t *testing.T) {
		info := newInfo(TypeSpecificProduct, discount.ValuePercentage, "10")
		info.ProductIDs = []string{"p-a"}
		info.CollectionIDs = []string{"col-1"}
		lines := []*order.Line{line("a", 1, "10"), line("b", 1, "10"), line("c", 1, "10")}
		lines[2].Variant.CollectionIDs = []string{"col-1"}
		lines[1].VoucherID = "stale"

		a.Apply(info, lines)
		assert.Equal(t, "vch-1", lines[0].VoucherID)
		assert.Equal(t, "SAVE", lines[0].VoucherCode)
		assert.Empty(t, lines[1].VoucherID)
		assert.Equal(t, "vch-1", lines[2].VoucherID)
	})

	t.Run("no targets applies to every non-gift line", func(t *testing.T) {
		info := newInfo(TypeSpecificProduct, discount.ValuePercentage, "10")
		lines := []*order.Line{line("a", 1, "10"), line("b", 1, "10")}
		lines[1].IsGift = true
		a.Apply(info, lines)
		assert.Equal(t, "vch-1", lines[0].VoucherID)
		assert.Empty(t, lines[1].VoucherID)
	})

	t.Run("apply once per order picks the cheapest line", func(t *testing.T) {
		info := newInfo(TypeEntireOrder, discount.ValueFixed, "5")
		info.Voucher.ApplyOncePerOrder = true
		lines := []*order.Line{line("a", 1, "30"), line("b", 3, "7"), line("c", 1, "12")}
		a.Apply(info, lines)
		assert.Empty(t, lines[0].VoucherID)
		assert.Equal(t, "vch-1", lines[1].VoucherID)
		assert.Empty(t, lines[2].VoucherID)
	})

	t.Run("manual lines and shipping vouchers annotate nothing", func(t *testing.T) {
		lines := []*order.Line{line("a", 1, "10")}
		lines[0].Discounts = []discount.Record{{Kind: discount.KindManual}}
		a.Apply(newInfo(TypeEntireOrder, discount.ValueFixed, "5"), lines)
		assert.Empty(t, lines[0].VoucherID)

		lines = []*order.Line{line("a", 1, "10")}
		a.Apply(newInfo(TypeShipping, discount.ValueFixed, "5"), lines)
		assert.Empty(t, lines[0].VoucherID)
	})

	t.Run("no matching lines is not an error", func(t *testing.T) {
		info := newInfo(TypeSpecificProduct, discount.ValueFixed, "5")
		info.VariantIDs = []string{"v-missing"}
		lines := []*order.Line{line("a", 1, "10")}
		a.Apply(info, lines)
		props := a.Proposals(pricing.DefaultContext("USD"), info, "ch-1", lines)
		assert.Nil(t, props["a"])
	})
}

func TestCalculateLineDiscountAmount(t *testing.T) {
	tests := []struct {
		name  string
		vt    discount.ValueType
		once  bool
		value string
		qty   int
		unit  string
		total string
		want  string
	}{
		{"fixed clamped to line total", discount.ValueFixed, false, "100", 1, "40", "40", "40"},
		{"fixed per unit", discount.ValueFixed, false, "3", 4, "10", "40", "12"},
		{"percentage of total", discount.ValuePercentage, false, "10", 4, "25", "100", "10"},
		{"percentage over 100", discount.ValuePercentage, false, "120", 1, "25", "25", "25"},
		{"once per order fixed limited to one unit", discount.ValueFixed, true, "100", 3, "15", "45", "15"},
		{"once per order percentage of one unit", discount.ValuePercentage, true, "50", 3, "15", "45", "7.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &Voucher{ValueType: tt.vt, ApplyOncePerOrder: tt.once}
			got := CalculateLineDiscountAmount(v, d(tt.value), line("a", tt.qty, tt.unit), d(tt.total))
			assert.True(t, got.Equal(d(tt.want)), "got %s", got)
		})
	}
}

func TestApplier_Proposals(t *testing.T) {
	pctx := pricing.DefaultContext("USD")
	a := NewApplier()

	t.Run("ten percent entire order voucher", func(t *testing.T) {
		info := newInfo(TypeEntireOrder, discount.ValuePercentage, "10")
		lines := []*order.Line{line("a", 4, "25.00")}
		a.Apply(info, lines)
		props := a.Proposals(pctx, info, "ch-1", lines)
		require.NotNil(t, props["a"])
		p := props["a"]
		assert.True(t, p.Amount.Equal(d("10.00")), p.Amount.String())
		assert.Equal(t, discount.KindVoucher, p.Kind)
		assert.Equal(t, "Voucher code: SAVE", p.Reason)
		assert.Equal(t, "vch-1", p.VoucherID)
		assert.Equal(t, "SAVE", p.VoucherCode)
	})

	t.Run("entire order fixed voucher is apportioned by total", func(t *testing.T) {
		info := newInfo(TypeEntireOrder, discount.ValueFixed, "10")
		lines := []*order.Line{line("a", 1, "30"), line("b", 1, "70")}
		a.Apply(info, lines)
		props := a.Proposals(pctx, info, "ch-1", lines)
		assert.True(t, props["a"].Amount.Equal(d("3.00")))
		assert.True(t, props["b"].Amount.Equal(d("7.00")))
	})

	t.Run("voucher without channel listing proposes nothing", func(t *testing.T) {
		info := newInfo(TypeEntireOrder, discount.ValueFixed, "10")
		lines := []*order.Line{line("a", 1, "30")}
		a.Apply(info, lines)
		props := a.Proposals(pctx, info, "ch-other", lines)
		assert.Contains(t, props, "a")
		assert.Nil(t, props["a"])
	})

	t.Run("shipping voucher", func(t *testing.T) {
		info := newInfo(TypeShipping, discount.ValueFixed, "8")
		p := a.ShippingProposal(pctx, info, "ch-1", d("5.00"))
		require.NotNil(t, p)
		assert.True(t, p.Amount.Equal(d("5.00")))
		assert.Nil(t, a.ShippingProposal(pctx, newInfo(TypeEntireOrder, discount.ValueFixed, "8"), "ch-1", d("5")))
		assert.Nil(t, a.ShippingProposal(pctx, info, "ch-1", decimal.Zero))
	})
}

func TestValidate(t *testing.T) {
	pctx := pricing.DefaultContext("USD")
	o := &order.Order{ID: "o-1", Channel: order.Channel{ID: "ch-1"}, Currency: "USD"}
	lines := []*order.Line{line("a", 2, "10")}

	tests := []struct {
		name   string
		mutate func(*Info)
		reason string
	}{
		{"valid", func(*Info) {}, ""},
		{"other channel", func(i *Info) { i.Voucher.Channels[0].ChannelID = "ch-2" }, "not available in channel"},
		{"fixed in other currency", func(i *Info) { i.Voucher.Channels[0].Currency = "EUR" }, "currency mismatch"},
		{"not started", func(i *Info) { i.Voucher.StartDate = testNow.Add(time.Hour) }, "voucher is not active"},
		{"ended", func(i *Info) {
			end := testNow.Add(-time.Minute)
			i.Voucher.EndDate = &end
		}, "voucher is not active"},
		{"usage limit", func(i *Info) {
			limit := 3
			i.Voucher.UsageLimit = &limit
			i.Voucher.Used = 3
		}, "usage limit reached"},
		{"once per customer", func(i *Info) {
			i.Voucher.ApplyOncePerCustomer = true
			i.CustomerUsed = true
		}, "already used by customer"},
		{"min spent", func(i *Info) { i.Voucher.Channels[0].MinSpent = dp("50") }, "minimum spent not reached"},
		{"min quantity", func(i *Info) { i.Voucher.MinCheckoutItemsQuantity = 3 }, "minimum quantity not reached"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := newInfo(TypeEntireOrder, discount.ValueFixed, "5")
			tt.mutate(info)
			err := Validate(pctx, info, o, lines, testNow)
			if tt.reason == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrNotApplicable)
			var na *NotApplicableError
			require.True(t, errors.As(err, &na))
			assert.Equal(t, tt.reason, na.Reason)
			assert.Equal(t, "SAVE", na.Code)
		})
	}
}

func TestParseType(t *testing.T) {
	for _, typ := range []Type{TypeSpecificProduct, TypeEntireOrder, TypeShipping} {
		got, err := ParseType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}
	_, err := ParseType("bogus")
	assert.Error(t, err)
	assert.Equal(t, "SUMMER10", NormalizeCode("  summer10 "))
}
