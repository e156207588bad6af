package voucher

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/order"
	"github.com/xenking/storefront-pricing/internal/domain/pricing"
)

// Applier annotates lines with the voucher that applies to them and builds
// the voucher discount proposals.
type Applier struct{}

// NewApplier returns an Applier.
func NewApplier() *Applier {
	return &Applier{}
}

// Apply sets VoucherID and VoucherCode on the lines the voucher applies to
// and clears them everywhere else. A nil info clears all annotations.
// Shipping vouchers annotate no line.
func (a *Applier) Apply(info *Info, lines []*order.Line) {
	for _, l := range lines {
		l.VoucherID = ""
		l.VoucherCode = ""
	}
	if info == nil || info.Voucher.Type == TypeShipping {
		return
	}

	var eligible []*order.Line
	for _, l := range lines {
		if l.IsGift || l.Quantity <= 0 || l.HasManualDiscount() {
			continue
		}
		if info.Voucher.Type == TypeSpecificProduct && info.TargetsCatalogue() &&
			!info.targets(l.Variant.ProductID, l.Variant.ID, l.Variant.CategoryID, l.Variant.CollectionIDs) {
			continue
		}
		eligible = append(eligible, l)
	}

	if info.Voucher.ApplyOncePerOrder && len(eligible) > 1 {
		cheapest := eligible[0]
		for _, l := range eligible[1:] {
			if l.BaseUnitPrice.LessThan(cheapest.BaseUnitPrice) {
				cheapest = l
			}
		}
		eligible = []*order.Line{cheapest}
	}

	for _, l := range eligible {
		l.VoucherID = info.Voucher.ID
		l.VoucherCode = info.Code
	}
}

// CalculateLineDiscountAmount returns the voucher discount for a line whose
// discounted total is total. Percentage vouchers apply to the total, fixed
// vouchers apply per unit; apply-once-per-order vouchers are limited to a
// single unit. The result never exceeds the price it applies to.
func CalculateLineDiscountAmount(v *Voucher, value decimal.Decimal, line *order.Line, total decimal.Decimal) decimal.Decimal {
	unit := line.BaseUnitPrice
	if v.ApplyOncePerOrder {
		return pricing.Clamp(discount.Reward(v.ValueType, value, unit), total)
	}
	switch v.ValueType {
	case discount.ValuePercentage:
		return discount.Reward(discount.ValuePercentage, value, total)
	case discount.ValueFixed:
		return pricing.Clamp(value.Mul(line.Qty()), total)
	default:
		return decimal.Zero
	}
}

// Proposals returns the voucher proposal for every line, nil where the
// voucher does not apply. Lines must have been annotated by Apply. An
// entire-order fixed voucher is apportioned across lines by total.
func (a *Applier) Proposals(pctx pricing.Context, info *Info, channelID string, lines []*order.Line) map[string]*discount.Proposal {
	proposals := make(map[string]*discount.Proposal, len(lines))
	for _, l := range lines {
		proposals[l.ID] = nil
	}
	if info == nil {
		return proposals
	}
	listing := info.Voucher.Listing(channelID)
	if listing == nil {
		return proposals
	}

	var applied []*order.Line
	for _, l := range lines {
		if l.VoucherID == info.Voucher.ID && l.VoucherCode == info.Code {
			applied = append(applied, l)
		}
	}

	amounts := make([]decimal.Decimal, len(applied))
	v := &info.Voucher
	if v.Type == TypeEntireOrder && v.ValueType == discount.ValueFixed && !v.ApplyOncePerOrder {
		weights := make([]decimal.Decimal, len(applied))
		for i, l := range applied {
			weights[i] = l.BaseTotal()
		}
		amounts = pctx.Apportion(listing.DiscountValue, weights)
	} else {
		for i, l := range applied {
			amounts[i] = pctx.Quantize(CalculateLineDiscountAmount(v, listing.DiscountValue, l, l.BaseTotal()))
		}
	}

	for i, l := range applied {
		if !amounts[i].IsPositive() {
			continue
		}
		proposals[l.ID] = a.proposal(pctx, info, listing, amounts[i])
	}
	return proposals
}

// ShippingProposal returns the order-level proposal of a shipping voucher
// against the shipping price, or nil.
func (a *Applier) ShippingProposal(pctx pricing.Context, info *Info, channelID string, shipping decimal.Decimal) *discount.Proposal {
	if info == nil || info.Voucher.Type != TypeShipping {
		return nil
	}
	listing := info.Voucher.Listing(channelID)
	if listing == nil {
		return nil
	}
	amount := pctx.Quantize(discount.Reward(info.Voucher.ValueType, listing.DiscountValue, shipping))
	if !amount.IsPositive() {
		return nil
	}
	return a.proposal(pctx, info, listing, amount)
}

func (a *Applier) proposal(pctx pricing.Context, info *Info, listing *ChannelListing, amount decimal.Decimal) *discount.Proposal {
	return &discount.Proposal{
		Kind:           discount.KindVoucher,
		ValueType:      info.Voucher.ValueType,
		Value:          listing.DiscountValue,
		Amount:         amount,
		Currency:       pctx.Currency,
		Name:           info.Voucher.Name,
		TranslatedName: info.Voucher.TranslatedName,
		Reason:         info.reason(),
		VoucherID:      info.Voucher.ID,
		VoucherCode:    info.Code,
	}
}
