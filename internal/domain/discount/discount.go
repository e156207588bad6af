// Package discount defines the discount records persisted against order lines
// and orders, and the proposals pricing stages make for them.
package discount

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Kind is the closed set of discount sources. Every switch over Kind must
// handle all four values.
type Kind uint8

const (
	// KindCatalogue is a catalogue promotion applied at variant level.
	KindCatalogue Kind = iota + 1
	// KindManual is a staff-entered discount. It excludes every other kind on
	// the line or order it is attached to.
	KindManual
	// KindVoucher is a customer-entered voucher code.
	KindVoucher
	// KindOrderPromotion is an order-level promotion or a gift reward.
	KindOrderPromotion
)

// Kinds lists every Kind.
var Kinds = []Kind{KindCatalogue, KindManual, KindVoucher, KindOrderPromotion}

func (k Kind) String() string {
	switch k {
	case KindCatalogue:
		return "promotion"
	case KindManual:
		return "manual"
	case KindVoucher:
		return "voucher"
	case KindOrderPromotion:
		return "order_promotion"
	default:
		return "unknown"
	}
}

// ParseKind maps a stored type tag back to a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown discount kind %q", s)
}

// UniqueType is the value stored in the unique_type column. The storage
// layer enforces one record per (line, unique type).
func (k Kind) UniqueType() string {
	return k.String()
}

// ValueType says how Value is interpreted.
type ValueType uint8

const (
	// ValueFixed is an amount in the record currency.
	ValueFixed ValueType = iota + 1
	// ValuePercentage is a percentage of the discounted price.
	ValuePercentage
)

func (t ValueType) String() string {
	switch t {
	case ValueFixed:
		return "fixed"
	case ValuePercentage:
		return "percentage"
	default:
		return ""
	}
}

// ParseValueType maps a stored value type back to a ValueType.
func ParseValueType(s string) (ValueType, error) {
	switch s {
	case "fixed":
		return ValueFixed, nil
	case "percentage":
		return ValuePercentage, nil
	default:
		return 0, errors.Errorf("unknown discount value type %q", s)
	}
}

var hundred = decimal.NewFromInt(100)

// Reward returns the discount a reward of the given type and value grants on
// price. The result never exceeds price and is never negative. It is not
// quantized.
func Reward(t ValueType, value, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !value.IsPositive() {
		return decimal.Zero
	}
	var amount decimal.Decimal
	switch t {
	case ValuePercentage:
		amount = price.Mul(value).Div(hundred)
	case ValueFixed:
		amount = value
	default:
		return decimal.Zero
	}
	return decimal.Min(amount, price)
}

// Record is one applied discount. LineID is empty for order-level records.
type Record struct {
	ID             string
	OrderID        string
	LineID         string
	Kind           Kind
	ValueType      ValueType
	Value          decimal.Decimal
	Amount         decimal.Decimal
	Currency       string
	Name           string
	TranslatedName string
	Reason         string
	RuleID         string
	VoucherID      string
	VoucherCode    string
	UniqueType     string
}

// IsOrderLevel reports whether the record belongs to the order rather than a line.
func (r Record) IsOrderLevel() bool {
	return r.LineID == ""
}

// Proposal is what a pricing stage wants a record of its kind to look like.
type Proposal struct {
	Kind           Kind
	ValueType      ValueType
	Value          decimal.Decimal
	Amount         decimal.Decimal
	Currency       string
	Name           string
	TranslatedName string
	Reason         string
	RuleID         string
	VoucherID      string
	VoucherCode    string
}

// NewRecord materializes the proposal as a record to be created.
func (p Proposal) NewRecord(id, orderID, lineID string) Record {
	return Record{
		ID:             id,
		OrderID:        orderID,
		LineID:         lineID,
		Kind:           p.Kind,
		ValueType:      p.ValueType,
		Value:          p.Value,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Name:           p.Name,
		TranslatedName: p.TranslatedName,
		Reason:         p.Reason,
		RuleID:         p.RuleID,
		VoucherID:      p.VoucherID,
		VoucherCode:    p.VoucherCode,
		UniqueType:     p.Kind.UniqueType(),
	}
}

// ProposalOf returns the proposal that would produce r unchanged.
func ProposalOf(r Record) Proposal {
	return Proposal{
		Kind:           r.Kind,
		ValueType:      r.ValueType,
		Value:          r.Value,
		Amount:         r.Amount,
		Currency:       r.Currency,
		Name:           r.Name,
		TranslatedName: r.TranslatedName,
		Reason:         r.Reason,
		RuleID:         r.RuleID,
		VoucherID:      r.VoucherID,
		VoucherCode:    r.VoucherCode,
	}
}

// Filter returns the records of kind k.
func Filter(records []Record, k Kind) []Record {
	var out []Record
	for _, r := range records {
		if r.Kind == k {
			out = append(out, r)
		}
	}
	return out
}

// Has reports whether any record is of kind k.
func Has(records []Record, k Kind) bool {
	for _, r := range records {
		if r.Kind == k {
			return true
		}
	}
	return false
}

// Total sums record amounts.
func Total(records []Record) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range records {
		sum = sum.Add(r.Amount)
	}
	return sum
}
