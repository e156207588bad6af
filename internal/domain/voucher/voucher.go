// Package voucher resolves which lines a voucher code applies to and how
// much it takes off each of them.
package voucher

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
)

// Type enumerates what a voucher discounts.
type Type uint8

const (
	// TypeSpecificProduct discounts lines matching the voucher targets.
	TypeSpecificProduct Type = iota + 1
	// TypeEntireOrder discounts every non-gift line.
	TypeEntireOrder
	// TypeShipping discounts the shipping price.
	TypeShipping
)

func (t Type) String() string {
	switch t {
	case TypeSpecificProduct:
		return "specific_product"
	case TypeEntireOrder:
		return "entire_order"
	case TypeShipping:
		return "shipping"
	default:
		return "unknown"
	}
}

// ParseType maps a stored voucher type back to a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "specific_product":
		return TypeSpecificProduct, nil
	case "entire_order":
		return TypeEntireOrder, nil
	case "shipping":
		return TypeShipping, nil
	default:
		return 0, errors.Errorf("unknown voucher type %q", s)
	}
}

var (
	// ErrNotApplicable is matched by NotApplicableError.
	ErrNotApplicable = errors.New("voucher not applicable")
	// ErrNotFound is returned when no voucher carries the code.
	ErrNotFound = errors.New("voucher not found")
)

// NotApplicableError explains why a voucher does not apply. Callers treat it
// as "no voucher", never as a system failure.
type NotApplicableError struct {
	Code   string
	Reason string
}

func (e *NotApplicableError) Error() string {
	return fmt.Sprintf("voucher %s not applicable: %s", e.Code, e.Reason)
}

// Is reports whether target is ErrNotApplicable.
func (e *NotApplicableError) Is(target error) bool {
	return target == ErrNotApplicable
}

// ChannelListing holds the voucher value in one channel.
type ChannelListing struct {
	ChannelID     string
	Currency      string
	DiscountValue decimal.Decimal
	MinSpent      *decimal.Decimal
}

// Voucher is the voucher definition. Usage counters are only read here.
type Voucher struct {
	ID                       string
	Name                     string
	TranslatedName           string
	Type                     Type
	ValueType                discount.ValueType
	ApplyOncePerOrder        bool
	ApplyOncePerCustomer     bool
	MinCheckoutItemsQuantity int
	UsageLimit               *int
	Used                     int
	StartDate                time.Time
	EndDate                  *time.Time
	Channels                 []ChannelListing
}

// Listing returns the voucher listing for the channel, or nil.
func (v *Voucher) Listing(channelID string) *ChannelListing {
	for i := range v.Channels {
		if v.Channels[i].ChannelID == channelID {
			return &v.Channels[i]
		}
	}
	return nil
}

// Info is a voucher resolved for one code, with the catalogue sets it targets.
type Info struct {
	Voucher       Voucher
	Code          string
	ProductIDs    []string
	VariantIDs    []string
	CategoryIDs   []string
	CollectionIDs []string
	// CustomerUsed is set when the order customer already redeemed an
	// apply-once-per-customer voucher.
	CustomerUsed bool
}

// TargetsCatalogue reports whether the voucher is restricted to catalogue items.
func (i *Info) TargetsCatalogue() bool {
	return len(i.ProductIDs)+len(i.VariantIDs)+len(i.CategoryIDs)+len(i.CollectionIDs) > 0
}

func (i *Info) reason() string {
	return "Voucher code: " + i.Code
}

func (i *Info) targets(productID, variantID, categoryID string, collectionIDs []string) bool {
	if slices.Contains(i.VariantIDs, variantID) || slices.Contains(i.ProductIDs, productID) {
		return true
	}
	if categoryID != "" && slices.Contains(i.CategoryIDs, categoryID) {
		return true
	}
	for _, c := range collectionIDs {
		if slices.Contains(i.CollectionIDs, c) {
			return true
		}
	}
	return false
}

// Repository looks vouchers up by code.
type Repository interface {
	// FindByCode returns ErrNotFound when the code is unknown or inactive.
	FindByCode(ctx context.Context, code string, customerEmail string) (*Info, error)
}

// NormalizeCode upper-cases and trims a customer-entered code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
