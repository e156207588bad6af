package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/order"
	"github.com/xenking/storefront-pricing/internal/domain/promotion"
)

const selectOrderRulesSQL = `SELECT r.id, r.promotion_id, r.name, r.translated_name,
	r.reward_type, r.value_type, r.value, r.currency, r.min_subtotal,
	ARRAY(SELECT rc.channel_id FROM promotion_rule_channels rc WHERE rc.rule_id = r.id ORDER BY rc.channel_id)
FROM promotion_rules r
JOIN promotions p ON p.id = r.promotion_id
WHERE r.scope = 'order'
	AND p.start_date <= $2
	AND (p.end_date IS NULL OR p.end_date > $2)
	AND (
		NOT EXISTS (SELECT 1 FROM promotion_rule_channels rc WHERE rc.rule_id = r.id)
		OR EXISTS (SELECT 1 FROM promotion_rule_channels rc WHERE rc.rule_id = r.id AND rc.channel_id = $1)
	)
ORDER BY r.id`

const selectRuleGiftsSQL = `SELECT g.rule_id, v.id, v.product_id, p.category_id,
	ARRAY(SELECT pc.collection_id FROM product_collections pc WHERE pc.product_id = p.id ORDER BY pc.collection_id),
	v.name, p.name,
	vcl.price, vcl.available_for_purchase_at, COALESCE(vcl.tax_rate, 0)
FROM promotion_rule_gifts g
JOIN variants v ON v.id = g.variant_id
JOIN products p ON p.id = v.product_id
LEFT JOIN variant_channel_listings vcl ON vcl.variant_id = v.id AND vcl.channel_id = $2
WHERE g.rule_id = ANY($1)
ORDER BY g.rule_id, v.id`

// Warehouses without a country serve every country.
const selectShortStockSQL = `SELECT v.id
FROM unnest($1::text[]) AS v(id)
WHERE COALESCE((
	SELECT SUM(s.quantity) FROM stocks s
	WHERE s.variant_id = v.id AND (s.country = $3 OR s.country = '')
), 0) < $2
ORDER BY v.id`

var (
	_ promotion.Repository   = (*PromotionRepository)(nil)
	_ promotion.StockChecker = (*PromotionRepository)(nil)
)

// PromotionRepository implements promotion.Repository and
// promotion.StockChecker backed by PostgreSQL.
type PromotionRepository struct {
	pool *pgxpool.Pool
}

// NewPromotionRepository returns a PromotionRepository that uses the given pool.
func NewPromotionRepository(pool *pgxpool.Pool) *PromotionRepository {
	return &PromotionRepository{pool: pool}
}

// ActiveOrderRules returns the order-level rules of promotions running at
// the given time in the channel, with their gift candidates.
func (r *PromotionRepository) ActiveOrderRules(ctx context.Context, channelID string, at time.Time) ([]promotion.Rule, error) {
	rows, err := r.pool.Query(ctx, selectOrderRulesSQL, channelID, at)
	if err != nil {
		return nil, errors.Wrap(err, "query order rules")
	}
	rules, err := pgx.CollectRows(rows, scanRule)
	if err != nil {
		return nil, errors.Wrap(err, "scan order rules")
	}

	var giftRules []string
	index := make(map[string]int, len(rules))
	for i, rule := range rules {
		index[rule.ID] = i
		if rule.RewardType == promotion.RewardGift {
			giftRules = append(giftRules, rule.ID)
		}
	}
	if len(giftRules) == 0 {
		return rules, nil
	}

	rows, err = r.pool.Query(ctx, selectRuleGiftsSQL, giftRules, channelID)
	if err != nil {
		return nil, errors.Wrap(err, "query rule gifts")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ruleID string
			g      promotion.GiftCandidate
		)
		if err := rows.Scan(
			&ruleID, &g.Variant.ID, &g.Variant.ProductID, &g.Variant.CategoryID,
			&g.Variant.CollectionIDs, &g.Variant.Name, &g.Variant.ProductName,
			&g.Price, &g.AvailableForPurchaseAt, &g.TaxRate,
		); err != nil {
			return nil, errors.Wrap(err, "scan rule gift")
		}
		i := index[ruleID]
		rules[i].Gifts = append(rules[i].Gifts, g)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate rule gifts")
	}
	return rules, nil
}

func scanRule(row pgx.CollectableRow) (promotion.Rule, error) {
	var (
		rule       promotion.Rule
		rewardType string
		valueType  string
	)
	err := row.Scan(
		&rule.ID, &rule.PromotionID, &rule.Name, &rule.TranslatedName,
		&rewardType, &valueType, &rule.Value, &rule.Currency, &rule.MinSubtotal,
		&rule.ChannelIDs,
	)
	if err != nil {
		return rule, err
	}
	if rule.RewardType, err = promotion.ParseRewardType(rewardType); err != nil {
		return rule, err
	}
	if rule.ValueType, err = discount.ParseValueType(valueType); err != nil {
		return rule, err
	}
	return rule, nil
}

// Check reports variants that cannot be allocated in quantity as
// *promotion.InsufficientStockError.
func (r *PromotionRepository) Check(ctx context.Context, variantIDs []string, quantity int, _ order.Channel, country string) error {
	rows, err := r.pool.Query(ctx, selectShortStockSQL, variantIDs, quantity, country)
	if err != nil {
		return errors.Wrap(err, "check stock")
	}
	short, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return errors.Wrap(err, "scan stock check")
	}
	if len(short) > 0 {
		return &promotion.InsufficientStockError{VariantIDs: short}
	}
	return nil
}
