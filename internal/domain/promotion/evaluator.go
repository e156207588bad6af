package promotion

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/order"
	"github.com/xenking/storefront-pricing/internal/domain/pricing"
)

// Evaluator decides whether a catalogue promotion discounts a line. It has
// no state and no side effects.
type Evaluator struct{}

// NewEvaluator returns an Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate returns the catalogue discount proposal for the line, or nil when
// none applies. A nil result means any existing catalogue record of the line
// must go.
//
// With a custom unit price the rule reward is recomputed against the
// override instead of using the cached listing discount.
func (e *Evaluator) Evaluate(pctx pricing.Context, line *order.Line) *discount.Proposal {
	if line.IsGift || line.HasManualDiscount() {
		return nil
	}
	listing := line.Listing
	if listing == nil || !listing.HasCatalogueDiscount() || listing.Promotion == nil {
		return nil
	}
	if pctx.CheckCurrency(listing.Currency) != nil {
		return nil
	}

	promo := listing.Promotion
	price := line.ListedUnitPrice()

	var unit decimal.Decimal
	if line.IsPriceOverridden() {
		unit = discount.Reward(promo.ValueType, promo.Value, price)
	} else {
		unit = promo.DiscountAmount
		if !unit.IsPositive() {
			unit = listing.Price.Sub(listing.DiscountedPrice)
		}
		unit = pricing.Clamp(unit, price)
	}

	total := price.Mul(line.Qty())
	amount := pricing.Clamp(pctx.Quantize(unit.Mul(line.Qty())), total)
	if !amount.IsPositive() {
		return nil
	}

	return &discount.Proposal{
		Kind:           discount.KindCatalogue,
		ValueType:      promo.ValueType,
		Value:          promo.Value,
		Amount:         amount,
		Currency:       pctx.Currency,
		Name:           promo.Name,
		TranslatedName: promo.TranslatedName,
		Reason:         "Promotion: " + promo.PromotionID,
		RuleID:         promo.RuleID,
	}
}

// BaseUnitPrice is the line's unit price after the catalogue proposal p
// (which may be nil).
func (e *Evaluator) BaseUnitPrice(pctx pricing.Context, line *order.Line, p *discount.Proposal) decimal.Decimal {
	price := line.ListedUnitPrice()
	if p == nil || line.Quantity <= 0 {
		return pctx.Quantize(price)
	}
	unit := p.Amount.Div(line.Qty())
	return pricing.FloorAtZero(pctx.Quantize(price.Sub(unit)))
}
