package refund

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"kasirinaja/settlement/internal/domain"
)

// partialSteps decrements each balance by the refund including tax, clamped at
// zero. The three writes are independent; every failure is only a warning.
func (e *Engine) partialSteps(s *settlement) []sagaStep {
	delta := s.split.Total
	sale := s.ledger.Sale
	inv := s.invoice

	return []sagaStep{
		{
			plan: domain.SettlementStep{Name: stepSaleBalance, Entity: domain.EntitySale, EntityID: sale.ID, Delta: delta},
			forward: func(ctx context.Context, st *domain.SettlementStep) error {
				current, err := e.repo.GetSale(ctx, s.orgID, sale.ID)
				if err != nil {
					return fmt.Errorf("read sale balance: %w", err)
				}
				planDecrement(st, current.Balance)
				return e.repo.UpdateSaleBalance(ctx, sale.ID, st.ToBalance, "")
			},
		},
		{
			plan: domain.SettlementStep{Name: stepInvoiceBalance, Entity: domain.EntityInvoice, EntityID: inv.ID, Delta: delta},
			forward: func(ctx context.Context, st *domain.SettlementStep) error {
				current, err := e.repo.GetInvoice(ctx, s.orgID, inv.ID)
				if err != nil {
					return fmt.Errorf("read invoice balance: %w", err)
				}
				planDecrement(st, current.Balance)
				st.ToStatus = invoiceStatusFor(st.ToBalance)
				return e.repo.UpdateInvoiceBalance(ctx, inv.ID, st.ToBalance, st.ToStatus)
			},
		},
		{
			plan: domain.SettlementStep{Name: stepReceivableBalance, Entity: domain.EntityReceivable, Delta: delta},
			forward: func(ctx context.Context, st *domain.SettlementStep) error {
				rec, err := e.repo.FindReceivableByInvoice(ctx, inv.ID)
				if err != nil {
					return fmt.Errorf("find receivable for invoice %s: %w", inv.ID, err)
				}
				st.EntityID = rec.ID
				planDecrement(st, rec.Balance)
				st.ToStatus = receivableStatusFor(st.ToBalance)
				return e.repo.UpdateReceivableBalance(ctx, rec.ID, st.ToBalance, st.ToStatus)
			},
		},
	}
}

func planDecrement(st *domain.SettlementStep, current decimal.Decimal) {
	st.FromBalance = current
	st.ToBalance = clampZero(current.Sub(st.Delta))
	st.Planned = true
}

func invoiceStatusFor(balance decimal.Decimal) string {
	if !balance.IsPositive() {
		return domain.InvoiceStatusPaid
	}
	return domain.InvoiceStatusPartial
}

func receivableStatusFor(balance decimal.Decimal) string {
	if !balance.IsPositive() {
		return domain.ReceivableStatusPaid
	}
	return domain.ReceivableStatusCurrent
}
