package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/order"
)

const selectOrderSQL = `SELECT o.id, o.channel_id, c.slug, c.currency, c.default_country,
	o.country, o.currency, o.customer_email, o.voucher_code,
	o.base_shipping_price, o.shipping_tax_rate, o.gift_cards_applied,
	o.shipping_price_net, o.shipping_price_gross,
	o.undiscounted_shipping_net, o.undiscounted_shipping_gross,
	o.subtotal_net, o.subtotal_gross, o.total_net, o.total_gross,
	o.undiscounted_total_net, o.undiscounted_total_gross,
	o.should_refresh_prices
FROM orders o
JOIN channels c ON c.id = o.channel_id
WHERE o.id = $1`

const selectLinesSQL = `SELECT l.id, l.quantity, l.custom_price, l.is_gift, l.tax_rate,
	l.voucher_id, l.voucher_code,
	l.undiscounted_base_unit_price, l.base_unit_price,
	l.unit_discount_amount, l.unit_discount_type, l.unit_discount_value, l.unit_discount_reason,
	v.id, v.product_id, p.category_id,
	ARRAY(SELECT pc.collection_id FROM product_collections pc WHERE pc.product_id = p.id ORDER BY pc.collection_id),
	v.name, p.name,
	vcl.channel_id, vcl.currency, vcl.price, vcl.discounted_price, vcl.discount_amount,
	vcl.available_for_purchase_at,
	r.id, r.promotion_id, r.name, r.translated_name, r.value_type, r.value
FROM order_lines l
JOIN variants v ON v.id = l.variant_id
JOIN products p ON p.id = v.product_id
LEFT JOIN variant_channel_listings vcl ON vcl.variant_id = v.id AND vcl.channel_id = $2
LEFT JOIN promotion_rules r ON r.id = vcl.promotion_rule_id AND r.scope = 'catalogue'
WHERE l.order_id = $1
ORDER BY l.created_at, l.id`

const selectDiscountsSQL = `SELECT id, line_id, kind, value_type, value, amount, currency,
	name, translated_name, reason, promotion_rule_id, voucher_id, voucher_code, unique_type
FROM order_discounts
WHERE order_id = $1
ORDER BY created_at, id`

// Stale orders being recalculated by another worker are skipped.
const listStaleSQL = `SELECT id FROM orders
WHERE should_refresh_prices
ORDER BY updated_at, id
LIMIT $1
FOR UPDATE SKIP LOCKED`

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Load returns the order with its lines and persisted discount records.
// Returns order.ErrNotFound when no such order exists.
func (r *OrderRepository) Load(ctx context.Context, id string) (*order.Order, []*order.Line, error) {
	return loadOrder(ctx, r.pool, id)
}

// ListStale returns up to limit ids of orders flagged for a price refresh.
func (r *OrderRepository) ListStale(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, listStaleSQL, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list stale orders")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "scan stale orders")
	}
	return ids, nil
}

func loadOrder(ctx context.Context, q querier, id string) (*order.Order, []*order.Line, error) {
	o, err := scanOrder(q.QueryRow(ctx, selectOrderSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, order.ErrNotFound
		}
		return nil, nil, errors.Wrapf(err, "load order %q", id)
	}

	lines, err := loadLines(ctx, q, o)
	if err != nil {
		return nil, nil, err
	}

	records, err := loadDiscounts(ctx, q, id)
	if err != nil {
		return nil, nil, err
	}
	byID := order.ByID(lines)
	for _, rec := range records {
		if rec.IsOrderLevel() {
			o.Discounts = append(o.Discounts, rec)
			continue
		}
		if l, ok := byID[rec.LineID]; ok {
			l.Discounts = append(l.Discounts, rec)
		}
	}
	return o, lines, nil
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var o order.Order
	err := row.Scan(
		&o.ID, &o.Channel.ID, &o.Channel.Slug, &o.Channel.Currency, &o.Channel.DefaultCountry,
		&o.Country, &o.Currency, &o.CustomerEmail, &o.VoucherCode,
		&o.BaseShippingPrice, &o.ShippingTaxRate, &o.GiftCardsApplied,
		&o.ShippingPrice.Net, &o.ShippingPrice.Gross,
		&o.UndiscountedShippingPrice.Net, &o.UndiscountedShippingPrice.Gross,
		&o.Subtotal.Net, &o.Subtotal.Gross, &o.Total.Net, &o.Total.Gross,
		&o.UndiscountedTotal.Net, &o.UndiscountedTotal.Gross,
		&o.ShouldRefreshPrices,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func loadLines(ctx context.Context, q querier, o *order.Order) ([]*order.Line, error) {
	rows, err := q.Query(ctx, selectLinesSQL, o.ID, o.Channel.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "query lines of order %q", o.ID)
	}
	defer rows.Close()

	var lines []*order.Line
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "scan line of order %q", o.ID)
		}
		l.OrderID = o.ID
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "iterate lines of order %q", o.ID)
	}
	return lines, nil
}

func scanLine(rows pgx.Rows) (*order.Line, error) {
	var (
		l            order.Line
		unitType     string
		listingCh    *string
		listingCur   *string
		price        *decimal.Decimal
		discounted   *decimal.Decimal
		cachedAmount *decimal.Decimal
		availableAt  *time.Time
		ruleID       *string
		promotionID  *string
		ruleName     *string
		ruleTrName   *string
		ruleType     *string
		ruleValue    *decimal.Decimal
	)
	err := rows.Scan(
		&l.ID, &l.Quantity, &l.CustomPrice, &l.IsGift, &l.TaxRate,
		&l.VoucherID, &l.VoucherCode,
		&l.UndiscountedBaseUnitPrice, &l.BaseUnitPrice,
		&l.UnitDiscountAmount, &unitType, &l.UnitDiscountValue, &l.UnitDiscountReason,
		&l.Variant.ID, &l.Variant.ProductID, &l.Variant.CategoryID,
		&l.Variant.CollectionIDs,
		&l.Variant.Name, &l.Variant.ProductName,
		&listingCh, &listingCur, &price, &discounted, &cachedAmount,
		&availableAt,
		&ruleID, &promotionID, &ruleName, &ruleTrName, &ruleType, &ruleValue,
	)
	if err != nil {
		return nil, err
	}
	if unitType != "" {
		if l.UnitDiscountType, err = discount.ParseValueType(unitType); err != nil {
			return nil, err
		}
	}

	// A listing without a price is treated as missing.
	if listingCh != nil && price != nil {
		l.Listing = &order.ChannelListing{
			ChannelID:              *listingCh,
			Currency:               deref(listingCur),
			Price:                  *price,
			DiscountedPrice:        *price,
			AvailableForPurchaseAt: availableAt,
		}
		if discounted != nil {
			l.Listing.DiscountedPrice = *discounted
		}
		if ruleID != nil && ruleType != nil {
			vt, err := discount.ParseValueType(*ruleType)
			if err != nil {
				return nil, err
			}
			l.Listing.Promotion = &order.ListingPromotion{
				RuleID:         *ruleID,
				PromotionID:    deref(promotionID),
				Name:           deref(ruleName),
				TranslatedName: deref(ruleTrName),
				ValueType:      vt,
				Value:          derefDecimal(ruleValue),
				DiscountAmount: derefDecimal(cachedAmount),
			}
		}
	}
	return &l, nil
}

func loadDiscounts(ctx context.Context, q querier, orderID string) ([]discount.Record, error) {
	rows, err := q.Query(ctx, selectDiscountsSQL, orderID)
	if err != nil {
		return nil, errors.Wrapf(err, "query discounts of order %q", orderID)
	}
	defer rows.Close()

	var records []discount.Record
	for rows.Next() {
		var (
			rec       discount.Record
			lineID    *string
			kind      string
			valueType string
		)
		if err := rows.Scan(
			&rec.ID, &lineID, &kind, &valueType, &rec.Value, &rec.Amount, &rec.Currency,
			&rec.Name, &rec.TranslatedName, &rec.Reason, &rec.RuleID, &rec.VoucherID, &rec.VoucherCode,
			&rec.UniqueType,
		); err != nil {
			return nil, errors.Wrapf(err, "scan discount of order %q", orderID)
		}
		if rec.Kind, err = discount.ParseKind(kind); err != nil {
			return nil, err
		}
		if rec.ValueType, err = discount.ParseValueType(valueType); err != nil {
			return nil, err
		}
		rec.OrderID = orderID
		rec.LineID = deref(lineID)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "iterate discounts of order %q", orderID)
	}
	return records, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefDecimal(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
