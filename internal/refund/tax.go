package refund

import (
	"github.com/shopspring/decimal"

	"kasirinaja/settlement/internal/domain"
)

// Epsilon is the tolerance for comparing money amounts.
var Epsilon = decimal.New(1, -2)

type TaxSplit struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
	// Complete is set when the refund rebuilds the original subtotal and
	// therefore takes the original tax as-is.
	Complete bool
}

// SplitTax derives the tax share of a refunded subtotal from the sale's own
// subtotal/tax ratio.
func SplitTax(saleSubtotal, saleTax, requested decimal.Decimal) TaxSplit {
	split := TaxSplit{Subtotal: requested}
	switch {
	case saleSubtotal.IsZero():
		split.Tax = decimal.Zero
	case withinEpsilon(requested, saleSubtotal):
		split.Tax = saleTax
		split.Complete = true
	default:
		split.Tax = requested.Mul(saleTax).Div(saleSubtotal).Round(2)
	}
	split.Total = split.Subtotal.Add(split.Tax)
	return split
}

// FullSplit is the tax split of a full settlement: the refund rebuilds the
// sale total, so the sale's own tax is taken unchanged.
func FullSplit(sale domain.Sale) TaxSplit {
	return TaxSplit{
		Subtotal: sale.Total.Sub(sale.TaxTotal),
		Tax:      sale.TaxTotal,
		Total:    sale.Total,
		Complete: true,
	}
}

func withinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}

func clampZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
