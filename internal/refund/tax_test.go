package refund

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"kasirinaja/settlement/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSplitTaxIsProportional(t *testing.T) {
	split := SplitTax(dec("100"), dec("19"), dec("50"))

	assert.True(t, split.Tax.Equal(dec("9.5")), split.Tax.String())
	assert.True(t, split.Total.Equal(dec("59.5")), split.Total.String())
	assert.False(t, split.Complete)
}

func TestSplitTaxKeepsOriginalTaxOnCompleteRefund(t *testing.T) {
	split := SplitTax(dec("100"), dec("19"), dec("100"))
	assert.True(t, split.Tax.Equal(dec("19")))
	assert.True(t, split.Complete)

	split = SplitTax(dec("33.33"), dec("6.33"), dec("33.33"))
	assert.Equal(t, "6.33", split.Tax.StringFixed(2))
	assert.Equal(t, "39.66", split.Total.StringFixed(2))

	split = SplitTax(dec("33.33"), dec("6.33"), dec("33.325"))
	assert.True(t, split.Complete, "within a cent counts as the whole subtotal")
	assert.Equal(t, "6.33", split.Tax.StringFixed(2))
}

func TestSplitTaxRoundsToCents(t *testing.T) {
	split := SplitTax(dec("84.03"), dec("15.97"), dec("40"))
	assert.Equal(t, "7.60", split.Tax.StringFixed(2))
	assert.Equal(t, "47.60", split.Total.StringFixed(2))
}

func TestSplitTaxZeroSubtotal(t *testing.T) {
	split := SplitTax(decimal.Zero, dec("5"), dec("10"))
	assert.True(t, split.Tax.IsZero())
	assert.True(t, split.Total.Equal(dec("10")))
}

func TestRouteComparesAgainstSaleTotal(t *testing.T) {
	sale := domain.Sale{Total: dec("100.00"), Balance: dec("60.00")}

	assert.Equal(t, domain.SettlementFull, Route(sale, dec("100.00")))
	assert.Equal(t, domain.SettlementFull, Route(sale, dec("99.995")))
	assert.Equal(t, domain.SettlementPartial, Route(sale, dec("60.00")), "matching the balance is not a full refund")
	assert.Equal(t, domain.SettlementPartial, Route(sale, dec("99.98")))
}

func TestFullSplitUsesSaleTaxAndTotal(t *testing.T) {
	sale := domain.Sale{Subtotal: dec("84.03"), TaxTotal: dec("15.97"), Total: dec("100.00")}

	split := FullSplit(sale)
	assert.Equal(t, "84.03", split.Subtotal.StringFixed(2))
	assert.Equal(t, "15.97", split.Tax.StringFixed(2))
	assert.Equal(t, "100.00", split.Total.StringFixed(2))
	assert.True(t, split.Complete)
}
