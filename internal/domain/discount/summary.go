package discount

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Summary is the single-value unit discount reported on a line next to its
// full record list.
type Summary struct {
	UnitAmount decimal.Decimal
	ValueType  ValueType
	Value      decimal.Decimal
	Reason     string
}

// Summarize folds the records of a line with the given quantity into a unit
// summary. When more than one record survives the type becomes fixed and the
// value the unit amount. quantize is applied to the unit amount.
func Summarize(records []Record, quantity int, quantize func(decimal.Decimal) decimal.Decimal) Summary {
	if len(records) == 0 || quantity <= 0 {
		return Summary{UnitAmount: decimal.Zero, Value: decimal.Zero}
	}

	unit := quantize(Total(records).Div(decimal.NewFromInt(int64(quantity))))
	if len(records) == 1 {
		r := records[0]
		return Summary{
			UnitAmount: unit,
			ValueType:  r.ValueType,
			Value:      r.Value,
			Reason:     r.Reason,
		}
	}

	reasons := make([]string, 0, len(records))
	for _, r := range records {
		if r.Reason != "" {
			reasons = append(reasons, r.Reason)
		}
	}
	return Summary{
		UnitAmount: unit,
		ValueType:  ValueFixed,
		Value:      unit,
		Reason:     strings.Join(reasons, "; "),
	}
}
