package refund

import (
	"github.com/shopspring/decimal"

	"kasirinaja/settlement/internal/domain"
)

// Route picks the settlement path. It compares against the sale total, never
// the balance: a full settlement is one refund covering the whole original sale.
func Route(sale domain.Sale, refundSubtotal decimal.Decimal) domain.SettlementKind {
	if withinEpsilon(refundSubtotal, sale.Total) {
		return domain.SettlementFull
	}
	return domain.SettlementPartial
}
