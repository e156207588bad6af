package order

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/pricing"
)

// Variant carries the catalogue membership a voucher can target.
type Variant struct {
	ID            string
	ProductID     string
	CategoryID    string
	CollectionIDs []string
	Name          string
	ProductName   string
}

// ListingPromotion is the best catalogue rule resolved for a variant listing
// by the batch job that maintains discounted prices. DiscountAmount is the
// cached per-unit discount.
type ListingPromotion struct {
	RuleID         string
	PromotionID    string
	Name           string
	TranslatedName string
	ValueType      discount.ValueType
	Value          decimal.Decimal
	DiscountAmount decimal.Decimal
}

// ChannelListing is a variant's price in a channel.
type ChannelListing struct {
	ChannelID              string
	Currency               string
	Price                  decimal.Decimal
	DiscountedPrice        decimal.Decimal
	AvailableForPurchaseAt *time.Time
	Promotion              *ListingPromotion
}

// HasCatalogueDiscount reports whether the listing flags a catalogue
// discount. Exact comparison: the discounted price is precomputed.
func (l *ChannelListing) HasCatalogueDiscount() bool {
	return l != nil && !l.DiscountedPrice.Equal(l.Price)
}

// Line is an order line. Price fields after Quantity are outputs of the
// pricing stages.
type Line struct {
	ID          string
	OrderID     string
	Quantity    int
	Variant     Variant
	Listing     *ChannelListing
	CustomPrice *decimal.Decimal
	IsGift      bool
	TaxRate     decimal.Decimal

	// VoucherID and VoucherCode annotate lines a voucher applies to.
	VoucherID   string
	VoucherCode string

	Discounts []discount.Record

	UndiscountedBaseUnitPrice decimal.Decimal
	BaseUnitPrice             decimal.Decimal

	UnitDiscountAmount decimal.Decimal
	UnitDiscountType   discount.ValueType
	UnitDiscountValue  decimal.Decimal
	UnitDiscountReason string

	UnitPrice              pricing.TaxedMoney
	TotalPrice             pricing.TaxedMoney
	UndiscountedUnitPrice  pricing.TaxedMoney
	UndiscountedTotalPrice pricing.TaxedMoney
}

// IsPriceOverridden reports whether staff set a custom unit price.
func (l *Line) IsPriceOverridden() bool {
	return l.CustomPrice != nil
}

// HasManualDiscount reports whether a manual record is attached to the line.
func (l *Line) HasManualDiscount() bool {
	return discount.Has(l.Discounts, discount.KindManual)
}

// ListedUnitPrice is the unit price before any discount: the override when
// present, otherwise the listing price, otherwise the stored value.
func (l *Line) ListedUnitPrice() decimal.Decimal {
	switch {
	case l.CustomPrice != nil:
		return *l.CustomPrice
	case l.Listing != nil:
		return l.Listing.Price
	default:
		return l.UndiscountedBaseUnitPrice
	}
}

// Qty returns the quantity as a decimal.
func (l *Line) Qty() decimal.Decimal {
	return decimal.NewFromInt(int64(l.Quantity))
}

// BaseTotal is the base unit price times quantity.
func (l *Line) BaseTotal() decimal.Decimal {
	return l.BaseUnitPrice.Mul(l.Qty())
}

// UndiscountedBaseTotal is the undiscounted unit price times quantity.
func (l *Line) UndiscountedBaseTotal() decimal.Decimal {
	return l.UndiscountedBaseUnitPrice.Mul(l.Qty())
}

// ByID indexes lines by id.
func ByID(lines []*Line) map[string]*Line {
	m := make(map[string]*Line, len(lines))
	for _, l := range lines {
		m[l.ID] = l
	}
	return m
}

// Gifts returns gift lines.
func Gifts(lines []*Line) []*Line {
	var out []*Line
	for _, l := range lines {
		if l.IsGift {
			out = append(out, l)
		}
	}
	return out
}
