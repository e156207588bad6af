// Package promotion evaluates catalogue promotions on lines and selects the
// best order-level promotion rule, including gift rewards.
package promotion

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/order"
)

// RewardType enumerates order-level rule rewards.
type RewardType uint8

const (
	// RewardSubtotalDiscount reduces the order subtotal.
	RewardSubtotalDiscount RewardType = iota + 1
	// RewardGift adds a free line to the order.
	RewardGift
)

func (t RewardType) String() string {
	switch t {
	case RewardSubtotalDiscount:
		return "subtotal_discount"
	case RewardGift:
		return "gift"
	default:
		return "unknown"
	}
}

// ParseRewardType maps a stored reward type back to a RewardType.
func ParseRewardType(s string) (RewardType, error) {
	switch s {
	case "subtotal_discount":
		return RewardSubtotalDiscount, nil
	case "gift":
		return RewardGift, nil
	default:
		return 0, errors.Errorf("unknown reward type %q", s)
	}
}

// GiftCandidate is a variant a gift rule may hand out, with its listing in
// the order channel. Price is nil when the variant has no listing price.
type GiftCandidate struct {
	Variant                order.Variant
	Price                  *decimal.Decimal
	AvailableForPurchaseAt *time.Time
	TaxRate                decimal.Decimal
}

// Rule is an active order-level promotion rule. Rules are read-only inputs.
type Rule struct {
	ID             string
	PromotionID    string
	Name           string
	TranslatedName string
	RewardType     RewardType
	ValueType      discount.ValueType
	Value          decimal.Decimal
	// Currency applies to fixed rewards; empty matches any currency.
	Currency   string
	ChannelIDs []string
	// MinSubtotal is the order predicate: the base subtotal must reach it.
	MinSubtotal *decimal.Decimal
	Gifts       []GiftCandidate
}

// InChannel reports whether the rule applies to the channel. An empty set
// applies everywhere.
func (r Rule) InChannel(channelID string) bool {
	return len(r.ChannelIDs) == 0 || slices.Contains(r.ChannelIDs, channelID)
}

// Reason is the reason text stored on records produced by the rule.
func (r Rule) Reason() string {
	return "Promotion: " + r.PromotionID
}

func (r Rule) matchesCurrency(currency string) bool {
	return r.ValueType != discount.ValueFixed || r.Currency == "" || strings.EqualFold(r.Currency, currency)
}

// Repository returns active order-level rules.
type Repository interface {
	ActiveOrderRules(ctx context.Context, channelID string, at time.Time) ([]Rule, error)
}

// ErrInsufficientStock is matched by InsufficientStockError.
var ErrInsufficientStock = errors.New("insufficient stock")

// InsufficientStockError lists the variants that cannot be allocated.
type InsufficientStockError struct {
	VariantIDs []string
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variants %s", strings.Join(e.VariantIDs, ", "))
}

// Is reports whether target is ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// StockChecker verifies that every variant can be allocated in quantity.
// It returns *InsufficientStockError naming the variants that cannot.
type StockChecker interface {
	Check(ctx context.Context, variantIDs []string, quantity int, channel order.Channel, country string) error
}

func discountOn(r Rule, price decimal.Decimal) decimal.Decimal {
	return discount.Reward(r.ValueType, r.Value, price)
}
