package promotion

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront-pricing/internal/domain/order"
	"github.com/xenking/storefront-pricing/internal/domain/pricing"
)

// Selection is the winning order-level rule. Gift is set for gift rewards,
// in which case DiscountAmount is the gift's listed price.
type Selection struct {
	Rule           Rule
	DiscountAmount decimal.Decimal
	Gift           *GiftCandidate
}

// IsGift reports whether the selection rewards a gift line.
func (s *Selection) IsGift() bool {
	return s != nil && s.Gift != nil
}

// Selector picks the single best order-level rule.
type Selector struct {
	stock StockChecker
	now   func() time.Time
	lg    *zap.Logger
}

// NewSelector returns a Selector. A nil StockChecker treats every gift
// variant as in stock.
func NewSelector(stock StockChecker, lg *zap.Logger) *Selector {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Selector{stock: stock, now: time.Now, lg: lg.Named("promotion.selector")}
}

type candidate struct {
	rule   Rule
	amount decimal.Decimal
	gift   *GiftCandidate
}

// better orders candidates by amount, then by lowest rule id.
func (c candidate) better(o candidate) bool {
	if cmp := c.amount.Cmp(o.amount); cmp != 0 {
		return cmp > 0
	}
	return c.rule.ID < o.rule.ID
}

// SelectBest returns the rule granting the largest discount against subtotal,
// or nil when no rule applies or no gift is available. Ties are broken by
// the lowest rule id.
func (s *Selector) SelectBest(
	ctx context.Context,
	pctx pricing.Context,
	rules []Rule,
	subtotal decimal.Decimal,
	channel order.Channel,
	country string,
) (*Selection, error) {
	var (
		candidates []candidate
		giftRules  []Rule
	)
	for _, r := range rules {
		if !r.InChannel(channel.ID) {
			continue
		}
		if r.MinSubtotal != nil && subtotal.LessThan(*r.MinSubtotal) {
			continue
		}
		switch r.RewardType {
		case RewardSubtotalDiscount:
			if !r.matchesCurrency(pctx.Currency) {
				continue
			}
			reward := pctx.Quantize(discountOn(r, subtotal))
			candidates = append(candidates, candidate{rule: r, amount: reward})
		case RewardGift:
			giftRules = append(giftRules, r)
		}
	}

	if len(giftRules) > 0 {
		gift, err := s.bestGift(ctx, giftRules, channel, country)
		if err != nil {
			return nil, err
		}
		if gift != nil {
			candidates = append(candidates, *gift)
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.better(best) {
			best = c
		}
	}
	return &Selection{Rule: best.rule, DiscountAmount: best.amount, Gift: best.gift}, nil
}

// bestGift resolves the most generous gift that is listed, available for
// purchase and in stock. Variants reported out of stock are dropped and the
// check is retried with the rest.
func (s *Selector) bestGift(ctx context.Context, rules []Rule, channel order.Channel, country string) (*candidate, error) {
	now := s.now()

	owners := make(map[string]candidate)
	for _, r := range rules {
		for i := range r.Gifts {
			g := r.Gifts[i]
			if g.Price == nil || g.AvailableForPurchaseAt == nil || g.AvailableForPurchaseAt.After(now) {
				continue
			}
			c := candidate{rule: r, amount: *g.Price, gift: &g}
			if prev, ok := owners[g.Variant.ID]; ok && prev.rule.ID <= r.ID {
				continue
			}
			owners[g.Variant.ID] = c
		}
	}

	for s.stock != nil && len(owners) > 0 {
		ids := make([]string, 0, len(owners))
		for id := range owners {
			ids = append(ids, id)
		}
		slices.Sort(ids)

		err := s.stock.Check(ctx, ids, 1, channel, country)
		if err == nil {
			break
		}
		var stockErr *InsufficientStockError
		if !errors.As(err, &stockErr) {
			return nil, errors.Wrap(err, "check gift stock")
		}

		removed := 0
		for _, id := range stockErr.VariantIDs {
			if _, ok := owners[id]; ok {
				delete(owners, id)
				removed++
			}
		}
		s.lg.Debug("Gift variants out of stock",
			zap.Strings("variant_ids", stockErr.VariantIDs),
			zap.Int("remaining", len(owners)),
		)
		if removed == 0 {
			// Checker named none of the requested variants.
			return nil, nil
		}
	}

	var best *candidate
	for _, c := range owners {
		if best == nil || giftBetter(c, *best) {
			best = &c
		}
	}
	return best, nil
}

// giftBetter orders gifts by price, then by lowest variant id.
func giftBetter(c, o candidate) bool {
	if cmp := c.amount.Cmp(o.amount); cmp != 0 {
		return cmp > 0
	}
	return c.gift.Variant.ID < o.gift.Variant.ID
}
