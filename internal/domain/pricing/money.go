package pricing

import "github.com/shopspring/decimal"

// TaxedMoney is a net/gross pair in the context currency.
type TaxedMoney struct {
	Net   decimal.Decimal
	Gross decimal.Decimal
}

// ZeroTaxed returns a zero net/gross pair.
func ZeroTaxed() TaxedMoney {
	return TaxedMoney{Net: decimal.Zero, Gross: decimal.Zero}
}

// Add returns the component-wise sum.
func (m TaxedMoney) Add(o TaxedMoney) TaxedMoney {
	return TaxedMoney{Net: m.Net.Add(o.Net), Gross: m.Gross.Add(o.Gross)}
}

// Sub returns the component-wise difference.
func (m TaxedMoney) Sub(o TaxedMoney) TaxedMoney {
	return TaxedMoney{Net: m.Net.Sub(o.Net), Gross: m.Gross.Sub(o.Gross)}
}

// TaxCalculator turns a net amount into a taxed pair. Implementations are
// pluggable; FlatRates covers the nominal-rate case.
type TaxCalculator interface {
	Apply(c Context, net, rate decimal.Decimal) TaxedMoney
}

// FlatRates applies gross = net * (1 + rate), quantized.
type FlatRates struct{}

var _ TaxCalculator = FlatRates{}

// Apply implements TaxCalculator.
func (FlatRates) Apply(c Context, net, rate decimal.Decimal) TaxedMoney {
	net = c.Quantize(net)
	return TaxedMoney{
		Net:   net,
		Gross: c.Quantize(net.Mul(decimal.NewFromInt(1).Add(rate))),
	}
}
