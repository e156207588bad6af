package recalc

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/order"
	"github.com/xenking/storefront-pricing/internal/domain/pricing"
	"github.com/xenking/storefront-pricing/internal/domain/promotion"
	"github.com/xenking/storefront-pricing/internal/domain/reconcile"
	"github.com/xenking/storefront-pricing/internal/domain/voucher"
)

// pass is one recalculation of one order inside a locked transaction. It
// works on the order and lines read under the lock.
type pass struct {
	r    *Recalculator
	tx   reconcile.Tx
	pctx pricing.Context
	now  time.Time

	order   *order.Order
	lines   []*order.Line
	voucher *voucher.Info
	rules   []promotion.Rule
}

func (p *pass) run(ctx context.Context) error {
	stages := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"catalogue", p.catalogue},
		{"voucher", p.applyVoucher},
		{"manual", p.manual},
		{"order_promotion", p.orderPromotion},
		{"totals", p.totals},
	}
	for _, s := range stages {
		if err := p.stage(ctx, s.name, s.fn); err != nil {
			return errors.Wrapf(err, "%s stage", s.name)
		}
	}
	return nil
}

func (p *pass) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.r.tracer.Start(ctx, "recalc."+name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// catalogue refreshes undiscounted and base unit prices from the listings
// and keeps the catalogue records in line with them.
func (p *pass) catalogue(ctx context.Context) error {
	ev := p.r.evaluator
	proposals := make(map[string]*discount.Proposal, len(p.lines))
	for _, l := range p.lines {
		l.UndiscountedBaseUnitPrice = p.pctx.Quantize(l.ListedUnitPrice())
		prop := ev.Evaluate(p.pctx, l)
		proposals[l.ID] = prop
		l.BaseUnitPrice = ev.BaseUnitPrice(p.pctx, l, prop)
	}

	res, err := p.r.reconciler.ReconcileTx(ctx, p.tx, p.order.ID, p.lines, discount.KindCatalogue, proposals)
	if err != nil {
		return err
	}
	res.Apply(p.lines)
	return nil
}

// applyVoucher validates the order voucher, annotates the lines it covers
// and keeps the voucher records in line. An order-level manual discount
// excludes the voucher.
func (p *pass) applyVoucher(ctx context.Context) error {
	info := p.voucher
	if info != nil && p.order.HasManualDiscount() {
		info = nil
	}
	if info != nil {
		if err := voucher.Validate(p.pctx, info, p.order, p.lines, p.now); err != nil {
			if !errors.Is(err, voucher.ErrNotApplicable) {
				return errors.Wrap(err, "validate voucher")
			}
			p.r.lg.Info("Voucher not applicable",
				zap.String("order_id", p.order.ID),
				zap.String("code", info.Code),
				zap.Error(err),
			)
			info = nil
		}
	}

	applier := p.r.applier
	applier.Apply(info, p.lines)
	proposals := applier.Proposals(p.pctx, info, p.order.Channel.ID, p.lines)
	res, err := p.r.reconciler.ReconcileTx(ctx, p.tx, p.order.ID, p.lines, discount.KindVoucher, proposals)
	if err != nil {
		return err
	}
	res.Apply(p.lines)

	shipping := applier.ShippingProposal(p.pctx, info, p.order.Channel.ID, p.order.BaseShippingPrice)
	orderRes, err := p.r.reconciler.ReconcileOrderTx(ctx, p.tx, p.order, discount.KindVoucher, shipping)
	if err != nil {
		return err
	}
	orderRes.ApplyOrder(p.order)
	return nil
}

// manual recomputes the amounts of staff discounts. Line discounts apply to
// the undiscounted line total, the order discount to the subtotal after
// line discounts.
func (p *pass) manual(ctx context.Context) error {
	proposals := make(map[string]*discount.Proposal, len(p.lines))
	for _, l := range p.lines {
		manual := discount.Filter(l.Discounts, discount.KindManual)
		if len(manual) == 0 {
			continue
		}
		prop := discount.ProposalOf(manual[0])
		total := l.UndiscountedBaseTotal()
		prop.Amount = manualAmount(p.pctx, prop, total, l.Qty())
		prop.Currency = p.pctx.Currency
		proposals[l.ID] = &prop
	}
	res, err := p.r.reconciler.ReconcileTx(ctx, p.tx, p.order.ID, p.lines, discount.KindManual, proposals)
	if err != nil {
		return err
	}
	res.Apply(p.lines)

	manual := discount.Filter(p.order.Discounts, discount.KindManual)
	if len(manual) == 0 {
		return nil
	}
	prop := discount.ProposalOf(manual[0])
	prop.Amount = manualAmount(p.pctx, prop, p.subtotal(), decimal.NewFromInt(1))
	prop.Currency = p.pctx.Currency
	orderRes, err := p.r.reconciler.ReconcileOrderTx(ctx, p.tx, p.order, discount.KindManual, &prop)
	if err != nil {
		return err
	}
	orderRes.ApplyOrder(p.order)
	return nil
}

// manualAmount is the discount of a manual record on a price of total for
// qty units. Fixed values are per unit.
func manualAmount(pctx pricing.Context, prop discount.Proposal, total, qty decimal.Decimal) decimal.Decimal {
	var amount decimal.Decimal
	switch prop.ValueType {
	case discount.ValuePercentage:
		amount = discount.Reward(discount.ValuePercentage, prop.Value, total)
	default:
		amount = pricing.Clamp(pricing.FloorAtZero(prop.Value).Mul(qty), total)
	}
	return pricing.Clamp(pctx.Quantize(amount), total)
}

// orderPromotion resolves the single order-level promotion. Vouchers and
// manual order discounts exclude it.
func (p *pass) orderPromotion(ctx context.Context) error {
	if p.order.VoucherCode != "" || p.order.HasManualDiscount() {
		return p.clearOrderPromotion(ctx, true)
	}

	sel, err := p.r.selector.SelectBest(ctx, p.pctx, p.rules, p.subtotal(), p.order.Channel, p.order.Country)
	if err != nil {
		return errors.Wrap(err, "select order promotion")
	}
	switch {
	case sel == nil, !sel.IsGift() && !sel.DiscountAmount.IsPositive():
		return p.clearOrderPromotion(ctx, true)
	case sel.IsGift():
		if err := p.clearOrderPromotion(ctx, false); err != nil {
			return err
		}
		return p.applyGift(ctx, sel)
	default:
		if err := p.deleteGiftLines(ctx, nil); err != nil {
			return err
		}
		prop := ruleProposal(p.pctx, sel.Rule, sel.DiscountAmount)
		res, err := p.r.reconciler.ReconcileOrderTx(ctx, p.tx, p.order, discount.KindOrderPromotion, &prop)
		if err != nil {
			return err
		}
		res.ApplyOrder(p.order)
		return nil
	}
}

// clearOrderPromotion removes the order-level promotion record and, when
// gifts is set, every gift line.
func (p *pass) clearOrderPromotion(ctx context.Context, gifts bool) error {
	res, err := p.r.reconciler.ReconcileOrderTx(ctx, p.tx, p.order, discount.KindOrderPromotion, nil)
	if err != nil {
		return err
	}
	res.ApplyOrder(p.order)
	if !gifts {
		return nil
	}
	return p.deleteGiftLines(ctx, nil)
}

// applyGift keeps exactly one gift line for the selected variant, with one
// record discounting it to zero.
func (p *pass) applyGift(ctx context.Context, sel *promotion.Selection) error {
	gift := sel.Gift
	price := p.pctx.Quantize(*gift.Price)

	var line *order.Line
	for _, l := range order.Gifts(p.lines) {
		if l.Variant.ID == gift.Variant.ID && line == nil {
			line = l
		}
	}
	if err := p.deleteGiftLines(ctx, line); err != nil {
		return err
	}

	if line == nil {
		line = &order.Line{
			ID:       p.r.newID(),
			OrderID:  p.order.ID,
			Quantity: 1,
			Variant:  gift.Variant,
			IsGift:   true,
			TaxRate:  gift.TaxRate,
		}
		line.Listing = giftListing(p.order.Channel.ID, p.pctx.Currency, gift)
		if err := p.tx.CreateLine(ctx, line); err != nil {
			return errors.Wrap(err, "create gift line")
		}
		p.lines = append(p.lines, line)
	} else {
		line.Quantity = 1
		line.Listing = giftListing(p.order.Channel.ID, p.pctx.Currency, gift)
	}
	line.UndiscountedBaseUnitPrice = price
	line.BaseUnitPrice = price

	prop := ruleProposal(p.pctx, sel.Rule, price)
	prop.ValueType = discount.ValueFixed
	prop.Value = price
	one := []*order.Line{line}
	res, err := p.r.reconciler.ReconcileTx(ctx, p.tx, p.order.ID, one, discount.KindOrderPromotion,
		map[string]*discount.Proposal{line.ID: &prop},
	)
	if err != nil {
		return err
	}
	res.Apply(one)
	return nil
}

// deleteGiftLines removes every gift line except keep.
func (p *pass) deleteGiftLines(ctx context.Context, keep *order.Line) error {
	var ids []string
	for _, l := range order.Gifts(p.lines) {
		if l != keep {
			ids = append(ids, l.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := p.tx.DeleteLines(ctx, ids); err != nil {
		return errors.Wrap(err, "delete gift lines")
	}
	p.lines = slices.DeleteFunc(p.lines, func(l *order.Line) bool {
		return slices.Contains(ids, l.ID)
	})
	return nil
}

func giftListing(channelID, currency string, gift *promotion.GiftCandidate) *order.ChannelListing {
	return &order.ChannelListing{
		ChannelID:              channelID,
		Currency:               currency,
		Price:                  *gift.Price,
		DiscountedPrice:        *gift.Price,
		AvailableForPurchaseAt: gift.AvailableForPurchaseAt,
	}
}

func ruleProposal(pctx pricing.Context, r promotion.Rule, amount decimal.Decimal) discount.Proposal {
	return discount.Proposal{
		Kind:           discount.KindOrderPromotion,
		ValueType:      r.ValueType,
		Value:          r.Value,
		Amount:         amount,
		Currency:       pctx.Currency,
		Name:           r.Name,
		TranslatedName: r.TranslatedName,
		Reason:         r.Reason(),
		RuleID:         r.ID,
	}
}

// subtotal is the sum of non-gift line totals after their own records.
func (p *pass) subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range p.lines {
		if l.IsGift {
			continue
		}
		sum = sum.Add(lineNet(p.pctx, l))
	}
	return sum
}

// lineNet is the undiscounted line total minus the line's records.
func lineNet(pctx pricing.Context, l *order.Line) decimal.Decimal {
	net := l.UndiscountedBaseTotal().Sub(discount.Total(l.Discounts))
	return pricing.FloorAtZero(pctx.Quantize(net))
}

// totals writes the per-line discount summary, line prices and order totals,
// then persists both.
func (p *pass) totals(ctx context.Context) error {
	pctx, taxes := p.pctx, p.r.taxes

	nets := make([]decimal.Decimal, len(p.lines))
	weights := make([]decimal.Decimal, len(p.lines))
	for i, l := range p.lines {
		s := discount.Summarize(l.Discounts, l.Quantity, pctx.Quantize)
		l.UnitDiscountAmount = s.UnitAmount
		l.UnitDiscountType = s.ValueType
		l.UnitDiscountValue = s.Value
		l.UnitDiscountReason = s.Reason
		if l.Quantity > 0 {
			l.BaseUnitPrice = pricing.FloorAtZero(pctx.Quantize(l.UndiscountedBaseUnitPrice.Sub(s.UnitAmount)))
		}

		nets[i] = lineNet(pctx, l)
		weights[i] = decimal.Zero
		if !l.IsGift {
			weights[i] = nets[i]
		}
	}

	// Order promotion and order manual discounts reduce the subtotal only.
	orderLevel := decimal.Zero
	for _, rec := range p.order.Discounts {
		if rec.Kind != discount.KindVoucher {
			orderLevel = orderLevel.Add(rec.Amount)
		}
	}
	shares := pctx.Apportion(orderLevel, weights)

	subtotal := pricing.ZeroTaxed()
	undiscounted := pricing.ZeroTaxed()
	for i, l := range p.lines {
		net := pricing.FloorAtZero(nets[i].Sub(shares[i]))
		l.TotalPrice = taxes.Apply(pctx, net, l.TaxRate)
		l.UndiscountedUnitPrice = taxes.Apply(pctx, l.UndiscountedBaseUnitPrice, l.TaxRate)
		l.UndiscountedTotalPrice = taxes.Apply(pctx, pctx.Quantize(l.UndiscountedBaseTotal()), l.TaxRate)
		if l.Quantity > 0 {
			l.UnitPrice = taxes.Apply(pctx, pctx.Quantize(net.Div(l.Qty())), l.TaxRate)
		} else {
			l.UnitPrice = pricing.ZeroTaxed()
		}
		subtotal = subtotal.Add(l.TotalPrice)
		undiscounted = undiscounted.Add(l.UndiscountedTotalPrice)
	}

	o := p.order
	base := pctx.Quantize(o.BaseShippingPrice)
	shippingNet := pricing.FloorAtZero(base.Sub(discount.Total(discount.Filter(o.Discounts, discount.KindVoucher))))
	o.UndiscountedShippingPrice = taxes.Apply(pctx, base, o.ShippingTaxRate)
	o.ShippingPrice = taxes.Apply(pctx, shippingNet, o.ShippingTaxRate)
	o.Subtotal = subtotal
	o.Total = subtotal.Add(o.ShippingPrice)
	o.UndiscountedTotal = undiscounted.Add(o.UndiscountedShippingPrice)
	o.ShouldRefreshPrices = false

	if err := p.tx.SaveLines(ctx, p.lines); err != nil {
		return errors.Wrap(err, "save lines")
	}
	if err := p.tx.SaveOrder(ctx, o); err != nil {
		return errors.Wrap(err, "save order")
	}
	return nil
}
