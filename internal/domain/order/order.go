package order

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/pricing"
)

// ErrNotFound is returned when the requested order does not exist.
var ErrNotFound = errors.New("order not found")

// Channel is the sales channel an order is placed in.
type Channel struct {
	ID             string
	Slug           string
	Currency       string
	DefaultCountry string
}

// Order is the parent of the lines being priced. Totals are outputs of the
// recalculation; everything else is input.
type Order struct {
	ID            string
	Channel       Channel
	Country       string
	Currency      string
	CustomerEmail string
	VoucherCode   string

	BaseShippingPrice decimal.Decimal
	ShippingTaxRate   decimal.Decimal
	GiftCardsApplied  bool

	// Discounts holds order-level records: order promotion, order manual
	// discount and shipping voucher.
	Discounts []discount.Record

	ShippingPrice             pricing.TaxedMoney
	UndiscountedShippingPrice pricing.TaxedMoney
	Subtotal                  pricing.TaxedMoney
	Total                     pricing.TaxedMoney
	UndiscountedTotal         pricing.TaxedMoney

	ShouldRefreshPrices bool
}

// HasManualDiscount reports whether staff attached an order-level manual discount.
func (o *Order) HasManualDiscount() bool {
	return discount.Has(o.Discounts, discount.KindManual)
}

// PricingContext derives the per-order context from base settings.
func (o *Order) PricingContext(base pricing.Context) pricing.Context {
	if o.Currency == "" {
		return base
	}
	return base.WithCurrency(o.Currency)
}

// Repository loads orders for repricing.
type Repository interface {
	// Load returns the order and its lines with listings, variant membership
	// and currently persisted discount records.
	Load(ctx context.Context, id string) (*Order, []*Line, error)
	// ListStale returns ids of orders flagged for a price refresh.
	ListStale(ctx context.Context, limit int) ([]string, error)
}
