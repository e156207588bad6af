package voucher

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/order"
	"github.com/xenking/storefront-pricing/internal/domain/pricing"
)

// Validate checks the voucher against the order. It returns a
// *NotApplicableError when a condition fails. Usage counters are not touched.
func Validate(pctx pricing.Context, info *Info, o *order.Order, lines []*order.Line, now time.Time) error {
	v := &info.Voucher
	notApplicable := func(reason string) error {
		return &NotApplicableError{Code: info.Code, Reason: reason}
	}

	listing := v.Listing(o.Channel.ID)
	if listing == nil {
		return notApplicable("not available in channel")
	}
	if v.ValueType == discount.ValueFixed && pctx.CheckCurrency(listing.Currency) != nil {
		return notApplicable("currency mismatch")
	}
	if now.Before(v.StartDate) || (v.EndDate != nil && now.After(*v.EndDate)) {
		return notApplicable("voucher is not active")
	}
	if v.UsageLimit != nil && v.Used >= *v.UsageLimit {
		return notApplicable("usage limit reached")
	}
	if v.ApplyOncePerCustomer && info.CustomerUsed {
		return notApplicable("already used by customer")
	}

	subtotal := decimal.Zero
	quantity := 0
	for _, l := range lines {
		if l.IsGift {
			continue
		}
		subtotal = subtotal.Add(l.BaseTotal())
		quantity += l.Quantity
	}
	if listing.MinSpent != nil && subtotal.LessThan(*listing.MinSpent) {
		return notApplicable("minimum spent not reached")
	}
	if v.MinCheckoutItemsQuantity > 0 && quantity < v.MinCheckoutItemsQuantity {
		return notApplicable("minimum quantity not reached")
	}
	return nil
}
