package recalc

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront-pricing/internal/domain/audit"
	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/order"
	"github.com/xenking/storefront-pricing/internal/domain/pricing"
	"github.com/xenking/storefront-pricing/internal/domain/promotion"
	"github.com/xenking/storefront-pricing/internal/domain/reconcile"
	"github.com/xenking/storefront-pricing/internal/domain/voucher"
	"github.com/xenking/storefront-pricing/internal/storage/memory"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

var (
	pctx    = pricing.DefaultContext("USD")
	channel = order.Channel{ID: "ch-1", Slug: "default", Currency: "USD"}
)

func newOrder() *order.Order {
	return &order.Order{
		ID:                  "o-1",
		Channel:             channel,
		Country:             "US",
		Currency:            "USD",
		CustomerEmail:       "buyer@example.com",
		ShouldRefreshPrices: true,
	}
}

func listedLine(id string, qty int, price string) *order.Line {
	return &order.Line{
		ID:       id,
		Quantity: qty,
		Variant:  order.Variant{ID: "v-" + id, ProductID: "p-" + id},
		Listing: &order.ChannelListing{
			ChannelID:       channel.ID,
			Currency:        "USD",
			Price:           d(price),
			DiscountedPrice: d(price),
		},
	}
}

func onSale(l *order.Line, discounted string) *order.Line {
	l.Listing.DiscountedPrice = d(discounted)
	l.Listing.Promotion = &order.ListingPromotion{
		RuleID:         "rule-cat",
		PromotionID:    "promo-cat",
		Name:           "Catalogue sale",
		ValueType:      discount.ValueFixed,
		Value:          l.Listing.Price.Sub(d(discounted)),
		DiscountAmount: l.Listing.Price.Sub(d(discounted)),
	}
	return l
}

func entireOrderVoucher(vt discount.ValueType, value string) voucher.Info {
	return voucher.Info{
		Code: "SAVE",
		Voucher: voucher.Voucher{
			ID:        "vch-1",
			Name:      "Save",
			Type:      voucher.TypeEntireOrder,
			ValueType: vt,
			StartDate: time.Now().Add(-24 * time.Hour),
			Channels:  []voucher.ChannelListing{{ChannelID: channel.ID, Currency: "USD", DiscountValue: d(value)}},
		},
	}
}

func newRecalculator(t *testing.T, store *memory.Store) *Recalculator {
	t.Helper()
	r, err := New(Deps{
		Store:    store,
		Vouchers: store,
		Rules:    store,
		Stock:    store,
		Pricing:  pctx,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return r
}

// recalculate loads the order from the store, recalculates it and reloads
// it so assertions see what was persisted.
func recalculate(t *testing.T, r *Recalculator, store *memory.Store) (*order.Order, []*order.Line) {
	t.Helper()
	ctx := context.Background()
	o, lines, err := store.Load(ctx, "o-1")
	require.NoError(t, err)
	_, err = r.Recalculate(ctx, o, lines)
	require.NoError(t, err)

	o, lines, err = store.Load(ctx, "o-1")
	require.NoError(t, err)
	return o, lines
}

func requireNoIssues(t *testing.T, o *order.Order, lines []*order.Line) {
	t.Helper()
	assert.Empty(t, audit.Check(pctx, o, lines))
}

func TestRecalculate_CatalogueDiscount(t *testing.T) {
	store := memory.New()
	store.PutOrder(newOrder(), []*order.Line{onSale(listedLine("l-1", 2, "10.00"), "8.00")})
	r := newRecalculator(t, store)

	o, lines := recalculate(t, r, store)
	require.Len(t, lines, 1)
	l := lines[0]

	assert.True(t, l.BaseUnitPrice.Equal(d("8.00")), l.BaseUnitPrice.String())
	require.Len(t, l.Discounts, 1)
	assert.Equal(t, discount.KindCatalogue, l.Discounts[0].Kind)
	assert.True(t, l.Discounts[0].Amount.Equal(d("4.00")))
	assert.True(t, l.UnitDiscountAmount.Equal(d("2.00")))
	assert.Equal(t, "Promotion: promo-cat", l.UnitDiscountReason)
	assert.True(t, l.TotalPrice.Net.Equal(d("16.00")))
	assert.True(t, o.Total.Net.Equal(d("16.00")))
	assert.True(t, o.UndiscountedTotal.Net.Equal(d("20.00")))
	assert.False(t, o.ShouldRefreshPrices)
	requireNoIssues(t, o, lines)
}

func TestRecalculate_PercentageVoucher(t *testing.T) {
	store := memory.New()
	o := newOrder()
	o.VoucherCode = "save"
	store.PutOrder(o, []*order.Line{listedLine("l-1", 4, "25.00")})
	store.PutVoucher(entireOrderVoucher(discount.ValuePercentage, "10"))
	r := newRecalculator(t, store)

	o, lines := recalculate(t, r, store)
	l := lines[0]
	require.Len(t, l.Discounts, 1)
	rec := l.Discounts[0]
	assert.Equal(t, discount.KindVoucher, rec.Kind)
	assert.True(t, rec.Amount.Equal(d("10.00")))
	assert.Equal(t, "SAVE", rec.VoucherCode)
	assert.Equal(t, "vch-1", l.VoucherID)
	assert.True(t, l.BaseUnitPrice.Equal(d("22.50")), l.BaseUnitPrice.String())
	assert.True(t, o.Total.Net.Equal(d("90.00")))
	requireNoIssues(t, o, lines)
}

func TestRecalculate_Idempotent(t *testing.T) {
	store := memory.New()
	o := newOrder()
	o.VoucherCode = "SAVE"
	o.BaseShippingPrice = d("5.00")
	store.PutOrder(o, []*order.Line{
		onSale(listedLine("l-1", 2, "10.00"), "8.00"),
		listedLine("l-2", 3, "7.00"),
	})
	store.PutVoucher(entireOrderVoucher(discount.ValueFixed, "6"))
	r := newRecalculator(t, store)

	first, firstLines := recalculate(t, r, store)
	records := store.Discounts("o-1")
	second, secondLines := recalculate(t, r, store)

	assert.Equal(t, records, store.Discounts("o-1"))
	assert.True(t, first.Total.Net.Equal(second.Total.Net))
	assert.True(t, first.Total.Gross.Equal(second.Total.Gross))
	require.Len(t, secondLines, len(firstLines))
	for i := range firstLines {
		assert.True(t, firstLines[i].TotalPrice.Net.Equal(secondLines[i].TotalPrice.Net))
		assert.True(t, firstLines[i].BaseUnitPrice.Equal(secondLines[i].BaseUnitPrice))
	}
	requireNoIssues(t, second, secondLines)
}

func TestRecalculate_StaleLoadDoesNotDropRecords(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	store.PutOrder(newOrder(), []*order.Line{onSale(listedLine("l-1", 2, "10.00"), "8.00")})
	r := newRecalculator(t, store)

	// Both copies are read before either pass commits.
	oA, linesA, err := store.Load(ctx, "o-1")
	require.NoError(t, err)
	oB, linesB, err := store.Load(ctx, "o-1")
	require.NoError(t, err)

	_, err = r.Recalculate(ctx, oA, linesA)
	require.NoError(t, err)
	out, err := r.Recalculate(ctx, oB, linesB)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, out[0].Discounts, 1)
	assert.True(t, oB.Total.Net.Equal(d("16.00")))

	o, lines, err := store.Load(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	l := lines[0]
	require.Len(t, l.Discounts, 1)
	assert.Equal(t, discount.KindCatalogue, l.Discounts[0].Kind)
	assert.True(t, l.Discounts[0].Amount.Equal(d("4.00")))
	assert.True(t, l.BaseUnitPrice.Equal(d("8.00")), l.BaseUnitPrice.String())
	assert.True(t, l.TotalPrice.Net.Equal(d("16.00")), l.TotalPrice.Net.String())
	assert.True(t, o.Total.Net.Equal(d("16.00")), o.Total.Net.String())
	assert.Len(t, store.Discounts("o-1"), 1)
	requireNoIssues(t, o, lines)
}

func TestRecalculate_ConcurrentPasses(t *testing.T) {
	ctx := context.Background()
	seed := func() *memory.Store {
		store := memory.New()
		o := newOrder()
		o.VoucherCode = "SAVE"
		store.PutOrder(o, []*order.Line{
			onSale(listedLine("l-1", 2, "10.00"), "8.00"),
			listedLine("l-2", 1, "5.00"),
		})
		store.PutVoucher(entireOrderVoucher(discount.ValuePercentage, "10"))
		return store
	}

	reference := seed()
	want, wantLines := recalculate(t, newRecalculator(t, reference), reference)

	store := seed()
	r := newRecalculator(t, store)
	const passes = 8
	type snapshot struct {
		o     *order.Order
		lines []*order.Line
	}
	loaded := make([]snapshot, passes)
	for i := range loaded {
		o, lines, err := store.Load(ctx, "o-1")
		require.NoError(t, err)
		loaded[i] = snapshot{o: o, lines: lines}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range loaded {
		g.Go(func() error {
			_, err := r.Recalculate(gctx, s.o, s.lines)
			return err
		})
	}
	require.NoError(t, g.Wait())

	o, lines, err := store.Load(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, lines, len(wantLines))

	type slot struct {
		lineID string
		kind   discount.Kind
	}
	seen := make(map[slot]int)
	for _, rec := range store.Discounts("o-1") {
		seen[slot{rec.LineID, rec.Kind}]++
	}
	for s, n := range seen {
		assert.Equal(t, 1, n, "records for line %q kind %s", s.lineID, s.kind)
	}
	assert.Len(t, store.Discounts("o-1"), len(reference.Discounts("o-1")))

	for i, l := range lines {
		assert.Equal(t, wantLines[i].ID, l.ID)
		assert.True(t, l.TotalPrice.Net.Equal(wantLines[i].TotalPrice.Net), l.TotalPrice.Net.String())
		assert.True(t, l.BaseUnitPrice.Equal(wantLines[i].BaseUnitPrice), l.BaseUnitPrice.String())
		assert.True(t, discount.Total(l.Discounts).Equal(discount.Total(wantLines[i].Discounts)))
	}
	assert.True(t, o.Total.Net.Equal(want.Total.Net), o.Total.Net.String())
	assert.True(t, o.Total.Net.Equal(d("18.90")), o.Total.Net.String())
	requireNoIssues(t, o, lines)
}

func TestRecalculate_ManualLineDiscountExcludesOthers(t *testing.T) {
	store := memory.New()
	o := newOrder()
	o.VoucherCode = "SAVE"
	l := onSale(listedLine("l-1", 2, "10.00"), "8.00")
	l.Discounts = []discount.Record{
		{ID: "d-cat", LineID: "l-1", Kind: discount.KindCatalogue, ValueType: discount.ValueFixed, Amount: d("4"), UniqueType: "promotion"},
		{ID: "d-man", LineID: "l-1", Kind: discount.KindManual, ValueType: discount.ValuePercentage, Value: d("50"), UniqueType: "manual"},
	}
	store.PutOrder(o, []*order.Line{l})
	store.PutVoucher(entireOrderVoucher(discount.ValuePercentage, "10"))
	r := newRecalculator(t, store)

	_, lines := recalculate(t, r, store)
	require.Len(t, lines[0].Discounts, 1)
	rec := lines[0].Discounts[0]
	assert.Equal(t, "d-man", rec.ID)
	assert.True(t, rec.Amount.Equal(d("10.00")), rec.Amount.String())
	assert.Empty(t, lines[0].VoucherID)
	assert.True(t, lines[0].BaseUnitPrice.Equal(d("5.00")))
	assert.True(t, lines[0].TotalPrice.Net.Equal(d("10.00")))
}

func TestRecalculate_ManualOrderDiscountExcludesVoucherAndPromotion(t *testing.T) {
	store := memory.New()
	o := newOrder()
	o.VoucherCode = "SAVE"
	o.Discounts = []discount.Record{{
		ID: "d-man", Kind: discount.KindManual, ValueType: discount.ValueFixed, Value: d("5"), UniqueType: "manual",
	}}
	store.PutOrder(o, []*order.Line{listedLine("l-1", 1, "100.00")})
	store.PutVoucher(entireOrderVoucher(discount.ValuePercentage, "10"))
	store.PutRules(promotion.Rule{
		ID: "rule-1", PromotionID: "promo-1", RewardType: promotion.RewardSubtotalDiscount,
		ValueType: discount.ValueFixed, Value: d("20"),
	})
	r := newRecalculator(t, store)

	o, lines := recalculate(t, r, store)
	assert.Empty(t, lines[0].Discounts)
	require.Len(t, o.Discounts, 1)
	assert.Equal(t, discount.KindManual, o.Discounts[0].Kind)
	assert.True(t, o.Discounts[0].Amount.Equal(d("5.00")))
	assert.True(t, lines[0].TotalPrice.Net.Equal(d("95.00")))
	assert.True(t, o.Total.Net.Equal(d("95.00")))
	requireNoIssues(t, o, lines)
}

func TestRecalculate_OrderPromotionApportioned(t *testing.T) {
	store := memory.New()
	store.PutOrder(newOrder(), []*order.Line{listedLine("l-1", 1, "30.00"), listedLine("l-2", 1, "70.00")})
	store.PutRules(
		promotion.Rule{
			ID: "rule-5", PromotionID: "promo-5", RewardType: promotion.RewardSubtotalDiscount,
			ValueType: discount.ValueFixed, Value: d("5"),
		},
		promotion.Rule{
			ID: "rule-10", PromotionID: "promo-10", RewardType: promotion.RewardSubtotalDiscount,
			ValueType: discount.ValueFixed, Value: d("10"), MinSubtotal: dp("50"),
		},
	)
	r := newRecalculator(t, store)

	o, lines := recalculate(t, r, store)
	require.Len(t, o.Discounts, 1)
	assert.Equal(t, "rule-10", o.Discounts[0].RuleID)
	assert.True(t, o.Discounts[0].Amount.Equal(d("10")))
	assert.True(t, lines[0].TotalPrice.Net.Equal(d("27.00")))
	assert.True(t, lines[1].TotalPrice.Net.Equal(d("63.00")))
	assert.True(t, o.Total.Net.Equal(d("90.00")))
	requireNoIssues(t, o, lines)
}

func TestRecalculate_GiftReplacesOrderPromotion(t *testing.T) {
	store := memory.New()
	o := newOrder()
	o.Discounts = []discount.Record{{
		ID: "d-old", Kind: discount.KindOrderPromotion, ValueType: discount.ValueFixed,
		Value: d("2"), Amount: d("2"), RuleID: "rule-old", UniqueType: "order_promotion",
	}}
	store.PutOrder(o, []*order.Line{listedLine("l-1", 1, "40.00")})
	past := time.Now().Add(-24 * time.Hour)
	store.PutRules(
		promotion.Rule{
			ID: "rule-fixed", PromotionID: "promo-fixed", RewardType: promotion.RewardSubtotalDiscount,
			ValueType: discount.ValueFixed, Value: d("2"),
		},
		promotion.Rule{
			ID: "rule-gift", PromotionID: "promo-gift", RewardType: promotion.RewardGift,
			Gifts: []promotion.GiftCandidate{
				{Variant: order.Variant{ID: "v-gift"}, Price: dp("3.00"), AvailableForPurchaseAt: &past},
				{Variant: order.Variant{ID: "v-none"}, Price: dp("9.00"), AvailableForPurchaseAt: &past},
			},
		},
	)
	store.SetStock("v-gift", 10)
	r := newRecalculator(t, store)

	o, lines := recalculate(t, r, store)
	assert.Empty(t, o.Discounts)
	gifts := order.Gifts(lines)
	require.Len(t, gifts, 1)
	g := gifts[0]
	assert.Equal(t, "v-gift", g.Variant.ID)
	assert.Equal(t, 1, g.Quantity)
	require.Len(t, g.Discounts, 1)
	assert.Equal(t, discount.KindOrderPromotion, g.Discounts[0].Kind)
	assert.True(t, g.Discounts[0].Amount.Equal(d("3.00")))
	assert.True(t, g.TotalPrice.Net.IsZero())
	assert.True(t, o.Total.Net.Equal(d("40.00")))
	requireNoIssues(t, o, lines)

	_, again := recalculate(t, r, store)
	gifts = order.Gifts(again)
	require.Len(t, gifts, 1)
	assert.Equal(t, g.ID, gifts[0].ID)
	assert.Equal(t, g.Discounts[0].ID, gifts[0].Discounts[0].ID)
}

func TestRecalculate_VoucherCodeClearsGift(t *testing.T) {
	store := memory.New()
	past := time.Now().Add(-24 * time.Hour)
	store.PutOrder(newOrder(), []*order.Line{listedLine("l-1", 1, "40.00")})
	store.PutRules(promotion.Rule{
		ID: "rule-gift", PromotionID: "promo-gift", RewardType: promotion.RewardGift,
		Gifts: []promotion.GiftCandidate{{Variant: order.Variant{ID: "v-gift"}, Price: dp("3.00"), AvailableForPurchaseAt: &past}},
	})
	store.SetStock("v-gift", 10)
	r := newRecalculator(t, store)

	_, lines := recalculate(t, r, store)
	require.Len(t, order.Gifts(lines), 1)

	o, lines, err := store.Load(context.Background(), "o-1")
	require.NoError(t, err)
	o.VoucherCode = "EXPIRED"
	o.ShouldRefreshPrices = true
	store.PutOrder(o, lines)

	o, lines = recalculate(t, r, store)
	assert.Empty(t, order.Gifts(lines))
	assert.Empty(t, o.Discounts)
	assert.Len(t, lines, 1)
}

func TestRecalculate_NotApplicableVoucherIsDropped(t *testing.T) {
	store := memory.New()
	o := newOrder()
	o.VoucherCode = "SAVE"
	l := listedLine("l-1", 1, "50.00")
	l.VoucherID, l.VoucherCode = "vch-1", "SAVE"
	l.Discounts = []discount.Record{{
		ID: "d-v", LineID: "l-1", Kind: discount.KindVoucher, ValueType: discount.ValueFixed,
		Amount: d("5"), VoucherID: "vch-1", UniqueType: "voucher",
	}}
	store.PutOrder(o, []*order.Line{l})
	info := entireOrderVoucher(discount.ValueFixed, "5")
	end := time.Now().Add(-time.Hour)
	info.Voucher.EndDate = &end
	store.PutVoucher(info)
	r := newRecalculator(t, store)

	o, lines := recalculate(t, r, store)
	assert.Empty(t, lines[0].Discounts)
	assert.Empty(t, lines[0].VoucherID)
	assert.True(t, o.Total.Net.Equal(d("50.00")))
}

func TestRecalculate_ShippingVoucher(t *testing.T) {
	store := memory.New()
	o := newOrder()
	o.VoucherCode = "SHIP"
	o.BaseShippingPrice = d("5.00")
	store.PutOrder(o, []*order.Line{listedLine("l-1", 1, "20.00")})
	info := entireOrderVoucher(discount.ValueFixed, "8")
	info.Code = "SHIP"
	info.Voucher.Type = voucher.TypeShipping
	store.PutVoucher(info)
	r := newRecalculator(t, store)

	o, lines := recalculate(t, r, store)
	assert.Empty(t, lines[0].Discounts)
	require.Len(t, o.Discounts, 1)
	assert.Equal(t, discount.KindVoucher, o.Discounts[0].Kind)
	assert.True(t, o.Discounts[0].Amount.Equal(d("5.00")))
	assert.True(t, o.ShippingPrice.Net.IsZero())
	assert.True(t, o.UndiscountedShippingPrice.Net.Equal(d("5.00")))
	assert.True(t, o.Total.Net.Equal(d("20.00")))
	requireNoIssues(t, o, lines)
}

func TestRecalculate_NeverNegative(t *testing.T) {
	store := memory.New()
	o := newOrder()
	o.VoucherCode = "SAVE"
	store.PutOrder(o, []*order.Line{onSale(listedLine("l-1", 1, "10.00"), "8.00")})
	store.PutVoucher(entireOrderVoucher(discount.ValueFixed, "100"))
	r := newRecalculator(t, store)

	o, lines := recalculate(t, r, store)
	l := lines[0]
	assert.Len(t, l.Discounts, 2)
	assert.False(t, l.BaseUnitPrice.IsNegative())
	assert.True(t, l.BaseUnitPrice.IsZero())
	assert.False(t, l.TotalPrice.Net.IsNegative())
	assert.False(t, o.Total.Net.IsNegative())
	assert.Equal(t, discount.ValueFixed, l.UnitDiscountType)
	assert.True(t, l.UnitDiscountAmount.Equal(d("10.00")))
}

func TestRecalculate_FailureKeepsState(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		op   memory.Op
		is   error
	}{
		{"record commit", memory.OpCreateDiscounts, reconcile.ErrReconcile},
		{"order save", memory.OpSaveOrder, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			store.PutOrder(newOrder(), []*order.Line{onSale(listedLine("l-1", 2, "10.00"), "8.00")})
			boom := errors.New("disk full")
			store.FailOn(tt.op, boom)
			r := newRecalculator(t, store)

			o, lines, err := store.Load(ctx, "o-1")
			require.NoError(t, err)
			_, err = r.Recalculate(ctx, o, lines)
			require.ErrorIs(t, err, boom)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}

			assert.Empty(t, store.Discounts("o-1"))
			assert.True(t, o.ShouldRefreshPrices)
			assert.Empty(t, lines[0].Discounts)
			stale, err := store.ListStale(ctx, 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"o-1"}, stale)
		})
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)

	store := memory.New()
	_, err = New(Deps{Store: store})
	assert.Error(t, err)
}
