package main

import (
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/promotion"
	"github.com/xenking/storefront-pricing/internal/domain/voucher"
)

type catalog struct {
	Channels   []channelJSON   `json:"channels"`
	Products   []productJSON   `json:"products"`
	Promotions []promotionJSON `json:"promotions"`
	Vouchers   []voucherJSON   `json:"vouchers"`
	Orders     []orderJSON     `json:"orders"`
}

type channelJSON struct {
	ID             string `json:"id"`
	Slug           string `json:"slug"`
	Currency       string `json:"currency"`
	DefaultCountry string `json:"default_country"`
}

type productJSON struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	CategoryID  string        `json:"category_id"`
	Collections []string      `json:"collections"`
	Variants    []variantJSON `json:"variants"`
}

type variantJSON struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Stock    int           `json:"stock"`
	Listings []listingJSON `json:"listings"`
}

type listingJSON struct {
	ChannelID       string           `json:"channel_id"`
	Price           decimal.Decimal  `json:"price"`
	DiscountedPrice *decimal.Decimal `json:"discounted_price"`
	PromotionRuleID string           `json:"promotion_rule_id"`
	TaxRate         decimal.Decimal  `json:"tax_rate"`
}

type promotionJSON struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Rules []ruleJSON `json:"rules"`
}

type ruleJSON struct {
	ID          string           `json:"id"`
	Scope       string           `json:"scope"`
	Name        string           `json:"name"`
	RewardType  string           `json:"reward_type"`
	ValueType   string           `json:"value_type"`
	Value       decimal.Decimal  `json:"value"`
	Currency    string           `json:"currency"`
	MinSubtotal *decimal.Decimal `json:"min_subtotal"`
	Channels    []string         `json:"channels"`
	Gifts       []string         `json:"gifts"`
}

type voucherJSON struct {
	ID                string               `json:"id"`
	Name              string               `json:"name"`
	Type              string               `json:"type"`
	ValueType         string               `json:"value_type"`
	ApplyOncePerOrder bool                 `json:"apply_once_per_order"`
	MinQuantity       int                  `json:"min_checkout_items_quantity"`
	Codes             []string             `json:"codes"`
	Targets           []targetJSON         `json:"targets"`
	Listings          []voucherListingJSON `json:"listings"`
}

type targetJSON struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type voucherListingJSON struct {
	ChannelID     string           `json:"channel_id"`
	DiscountValue decimal.Decimal  `json:"discount_value"`
	MinSpent      *decimal.Decimal `json:"min_spent"`
}

type orderJSON struct {
	ID            string          `json:"id"`
	ChannelID     string          `json:"channel_id"`
	Country       string          `json:"country"`
	CustomerEmail string          `json:"customer_email"`
	VoucherCode   string          `json:"voucher_code"`
	ShippingPrice decimal.Decimal `json:"shipping_price"`
	Lines         []lineJSON      `json:"lines"`
}

type lineJSON struct {
	ID        string `json:"id"`
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

func parseCatalog(data []byte) (*catalog, error) {
	var c catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "decode JSON")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// validate checks references between sections so that a bad fixture fails
// before any statement is sent.
func (c *catalog) validate() error {
	channels := make(map[string]string, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.ID == "" || ch.Currency == "" {
			return errors.New("channel requires id and currency")
		}
		channels[ch.ID] = ch.Currency
	}

	rules := make(map[string]struct{})
	for _, p := range c.Promotions {
		for _, r := range p.Rules {
			if r.Scope != "catalogue" && r.Scope != "order" {
				return errors.Errorf("rule %s: unknown scope %q", r.ID, r.Scope)
			}
			if _, err := discount.ParseValueType(r.ValueType); err != nil {
				return errors.Wrapf(err, "rule %s", r.ID)
			}
			if r.RewardType != "" {
				if _, err := promotion.ParseRewardType(r.RewardType); err != nil {
					return errors.Wrapf(err, "rule %s", r.ID)
				}
			}
			rules[r.ID] = struct{}{}
		}
	}

	variants := make(map[string]struct{})
	for _, p := range c.Products {
		for _, v := range p.Variants {
			variants[v.ID] = struct{}{}
			for _, l := range v.Listings {
				if _, ok := channels[l.ChannelID]; !ok {
					return errors.Errorf("variant %s: unknown channel %q", v.ID, l.ChannelID)
				}
				if l.PromotionRuleID != "" {
					if _, ok := rules[l.PromotionRuleID]; !ok {
						return errors.Errorf("variant %s: unknown promotion rule %q", v.ID, l.PromotionRuleID)
					}
				}
			}
		}
	}

	for _, p := range c.Promotions {
		for _, r := range p.Rules {
			for _, g := range r.Gifts {
				if _, ok := variants[g]; !ok {
					return errors.Errorf("rule %s: unknown gift variant %q", r.ID, g)
				}
			}
		}
	}

	for _, v := range c.Vouchers {
		if _, err := voucher.ParseType(v.Type); err != nil {
			return errors.Wrapf(err, "voucher %s", v.ID)
		}
		if _, err := discount.ParseValueType(v.ValueType); err != nil {
			return errors.Wrapf(err, "voucher %s", v.ID)
		}
		for _, t := range v.Targets {
			switch t.Type {
			case "product", "variant", "category", "collection":
			default:
				return errors.Errorf("voucher %s: unknown target type %q", v.ID, t.Type)
			}
		}
		for _, l := range v.Listings {
			if _, ok := channels[l.ChannelID]; !ok {
				return errors.Errorf("voucher %s: unknown channel %q", v.ID, l.ChannelID)
			}
		}
	}

	for _, o := range c.Orders {
		if _, ok := channels[o.ChannelID]; !ok {
			return errors.Errorf("order %s: unknown channel %q", o.ID, o.ChannelID)
		}
		for _, l := range o.Lines {
			if _, ok := variants[l.VariantID]; !ok {
				return errors.Errorf("order %s: unknown variant %q", o.ID, l.VariantID)
			}
			if l.Quantity < 0 {
				return errors.Errorf("order %s: negative quantity on line %s", o.ID, l.ID)
			}
		}
	}

	return nil
}

// buildBatch renders the catalogue as idempotent upserts in dependency
// order. Seeded orders are flagged for repricing.
func buildBatch(c *catalog) *pgx.Batch {
	b := &pgx.Batch{}
	currency := make(map[string]string, len(c.Channels))

	for _, ch := range c.Channels {
		currency[ch.ID] = ch.Currency
		b.Queue(`INSERT INTO channels (id, slug, currency, default_country) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET slug = EXCLUDED.slug, currency = EXCLUDED.currency,
			default_country = EXCLUDED.default_country`,
			ch.ID, ch.Slug, ch.Currency, ch.DefaultCountry)
	}

	for _, p := range c.Products {
		b.Queue(`INSERT INTO products (id, name, category_id) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, category_id = EXCLUDED.category_id`,
			p.ID, p.Name, p.CategoryID)
		for _, col := range p.Collections {
			b.Queue(`INSERT INTO product_collections (product_id, collection_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, p.ID, col)
		}
		for _, v := range p.Variants {
			b.Queue(`INSERT INTO variants (id, product_id, name) VALUES ($1, $2, $3)
				ON CONFLICT (id) DO UPDATE SET product_id = EXCLUDED.product_id, name = EXCLUDED.name`,
				v.ID, p.ID, v.Name)
			b.Queue(`INSERT INTO stocks (variant_id, country, quantity) VALUES ($1, '', $2)
				ON CONFLICT (variant_id, country) DO UPDATE SET quantity = EXCLUDED.quantity`,
				v.ID, v.Stock)
		}
	}

	for _, p := range c.Promotions {
		b.Queue(`INSERT INTO promotions (id, name, start_date) VALUES ($1, $2, now() - interval '1 day')
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, p.ID, p.Name)
		for _, r := range p.Rules {
			reward := r.RewardType
			if reward == "" {
				reward = "subtotal_discount"
			}
			b.Queue(`INSERT INTO promotion_rules
				(id, promotion_id, scope, name, reward_type, value_type, value, currency, min_subtotal)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (id) DO UPDATE SET scope = EXCLUDED.scope, name = EXCLUDED.name,
				reward_type = EXCLUDED.reward_type, value_type = EXCLUDED.value_type,
				value = EXCLUDED.value, currency = EXCLUDED.currency, min_subtotal = EXCLUDED.min_subtotal`,
				r.ID, p.ID, r.Scope, r.Name, reward, r.ValueType, r.Value, r.Currency, r.MinSubtotal)
			for _, ch := range r.Channels {
				b.Queue(`INSERT INTO promotion_rule_channels (rule_id, channel_id) VALUES ($1, $2)
					ON CONFLICT DO NOTHING`, r.ID, ch)
			}
		}
	}

	// Gift variants and listings reference rules, so they follow promotions.
	for _, p := range c.Promotions {
		for _, r := range p.Rules {
			for _, g := range r.Gifts {
				b.Queue(`INSERT INTO promotion_rule_gifts (rule_id, variant_id) VALUES ($1, $2)
					ON CONFLICT DO NOTHING`, r.ID, g)
			}
		}
	}

	for _, p := range c.Products {
		for _, v := range p.Variants {
			for _, l := range v.Listings {
				discounted := l.Price
				if l.DiscountedPrice != nil {
					discounted = *l.DiscountedPrice
				}
				var ruleID *string
				if l.PromotionRuleID != "" {
					ruleID = &l.PromotionRuleID
				}
				b.Queue(`INSERT INTO variant_channel_listings
					(variant_id, channel_id, currency, price, discounted_price, discount_amount,
					 promotion_rule_id, available_for_purchase_at, tax_rate)
					VALUES ($1, $2, $3, $4, $5, $6, $7, now() - interval '1 day', $8)
					ON CONFLICT (variant_id, channel_id) DO UPDATE SET price = EXCLUDED.price,
					discounted_price = EXCLUDED.discounted_price, discount_amount = EXCLUDED.discount_amount,
					promotion_rule_id = EXCLUDED.promotion_rule_id, tax_rate = EXCLUDED.tax_rate`,
					v.ID, l.ChannelID, currency[l.ChannelID], l.Price, discounted,
					l.Price.Sub(discounted), ruleID, l.TaxRate)
			}
		}
	}

	for _, v := range c.Vouchers {
		b.Queue(`INSERT INTO vouchers (id, name, type, value_type, apply_once_per_order, min_checkout_items_quantity)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, type = EXCLUDED.type,
			value_type = EXCLUDED.value_type, apply_once_per_order = EXCLUDED.apply_once_per_order,
			min_checkout_items_quantity = EXCLUDED.min_checkout_items_quantity`,
			v.ID, v.Name, v.Type, v.ValueType, v.ApplyOncePerOrder, v.MinQuantity)
		for _, l := range v.Listings {
			b.Queue(`INSERT INTO voucher_channel_listings (voucher_id, channel_id, currency, discount_value, min_spent)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (voucher_id, channel_id) DO UPDATE SET discount_value = EXCLUDED.discount_value,
				min_spent = EXCLUDED.min_spent`,
				v.ID, l.ChannelID, currency[l.ChannelID], l.DiscountValue, l.MinSpent)
		}
		for _, t := range v.Targets {
			b.Queue(`INSERT INTO voucher_targets (voucher_id, target_type, target_id) VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING`, v.ID, t.Type, t.ID)
		}
		for _, code := range v.Codes {
			b.Queue(`INSERT INTO voucher_codes (code, voucher_id) VALUES ($1, $2) ON CONFLICT (code) DO NOTHING`,
				code, v.ID)
		}
	}

	for _, o := range c.Orders {
		b.Queue(`INSERT INTO orders (id, channel_id, country, currency, customer_email, voucher_code,
			base_shipping_price, should_refresh_prices)
			VALUES ($1, $2, $3, $4, $5, $6, $7, true)
			ON CONFLICT (id) DO UPDATE SET voucher_code = EXCLUDED.voucher_code,
			base_shipping_price = EXCLUDED.base_shipping_price, should_refresh_prices = true`,
			o.ID, o.ChannelID, o.Country, currency[o.ChannelID], o.CustomerEmail, o.VoucherCode, o.ShippingPrice)
		for _, l := range o.Lines {
			b.Queue(`INSERT INTO order_lines (id, order_id, variant_id, quantity) VALUES ($1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE SET quantity = EXCLUDED.quantity`,
				l.ID, o.ID, l.VariantID, l.Quantity)
		}
	}

	return b
}
