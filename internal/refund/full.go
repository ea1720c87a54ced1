package refund

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"kasirinaja/settlement/internal/domain"
)

const (
	stepCreditNoteHeader  = "credit_note_header"
	stepCreditNoteLines   = "credit_note_lines"
	stepInvoiceBalance    = "invoice_balance"
	stepSaleBalance       = "sale_balance"
	stepReceivableBalance = "receivable_balance"
	stepSaleStatus        = "sale_status"
)

// fullSteps issues a credit note mirroring the original invoice and then zeroes
// the invoice, the sale and the receivable before voiding the sale. Only the
// credit note writes are fatal.
func (e *Engine) fullSteps(s *settlement) []sagaStep {
	sale := s.ledger.Sale
	inv := s.invoice

	return []sagaStep{
		{
			plan:  domain.SettlementStep{Name: stepCreditNoteHeader, Entity: domain.EntityCreditNote},
			fatal: true,
			forward: func(ctx context.Context, st *domain.SettlementStep) error {
				number, err := e.numbering.NextCreditNoteNumber(ctx, s.orgID)
				if err != nil {
					return fmt.Errorf("next credit note number: %w", err)
				}
				note, err := e.repo.CreateInvoice(ctx, domain.Invoice{
					OrgID:            s.orgID,
					SaleID:           sale.ID,
					CustomerID:       sale.CustomerID,
					Number:           number,
					DocumentType:     domain.DocumentCreditNote,
					Subtotal:         inv.Subtotal.Neg(),
					TaxTotal:         inv.TaxTotal.Neg(),
					Total:            inv.Total.Neg(),
					Balance:          decimal.Zero,
					Status:           domain.InvoiceStatusIssued,
					RelatedInvoiceID: inv.ID,
					Notes:            s.refund.Reason,
				})
				if err != nil {
					return err
				}
				st.EntityID = note.ID
				s.creditNote = note
				return nil
			},
			compensate: func(ctx context.Context, st *domain.SettlementStep) error {
				return e.repo.DeleteInvoice(ctx, st.EntityID)
			},
		},
		{
			plan:  domain.SettlementStep{Name: stepCreditNoteLines, Entity: domain.EntityCreditNote},
			fatal: true,
			forward: func(ctx context.Context, st *domain.SettlementStep) error {
				st.EntityID = s.creditNote.ID
				lines, err := e.mirrorLines(ctx, s)
				if err != nil {
					return err
				}
				if err := e.repo.CreateInvoiceLines(ctx, lines); err != nil {
					return err
				}
				s.creditNote.Lines = lines
				return nil
			},
		},
		zeroBalanceStep(stepInvoiceBalance, domain.EntityInvoice, inv.ID, inv.Balance, domain.InvoiceStatusPaid,
			func(ctx context.Context, st *domain.SettlementStep) error {
				return e.repo.UpdateInvoiceBalance(ctx, inv.ID, decimal.Zero, domain.InvoiceStatusPaid)
			}),
		zeroBalanceStep(stepSaleBalance, domain.EntitySale, sale.ID, sale.Balance, domain.PaymentStatusPaid,
			func(ctx context.Context, st *domain.SettlementStep) error {
				return e.repo.UpdateSaleBalance(ctx, sale.ID, decimal.Zero, domain.PaymentStatusPaid)
			}),
		{
			plan: domain.SettlementStep{Name: stepReceivableBalance, Entity: domain.EntityReceivable, ToBalance: decimal.Zero, ToStatus: domain.ReceivableStatusPaid},
			forward: func(ctx context.Context, st *domain.SettlementStep) error {
				rec, err := e.repo.FindReceivableByInvoice(ctx, inv.ID)
				if err != nil {
					return fmt.Errorf("find receivable for invoice %s: %w", inv.ID, err)
				}
				st.EntityID = rec.ID
				st.FromBalance = rec.Balance
				st.Planned = true
				return e.repo.UpdateReceivableBalance(ctx, rec.ID, decimal.Zero, domain.ReceivableStatusPaid)
			},
		},
		{
			plan: domain.SettlementStep{Name: stepSaleStatus, Entity: domain.EntitySale, EntityID: sale.ID, Planned: true, ToStatus: domain.SaleStatusVoid},
			forward: func(ctx context.Context, st *domain.SettlementStep) error {
				return e.repo.UpdateSaleStatus(ctx, sale.ID, domain.SaleStatusVoid)
			},
		},
	}
}

func zeroBalanceStep(name, entity, entityID string, from decimal.Decimal, status string, write func(context.Context, *domain.SettlementStep) error) sagaStep {
	return sagaStep{
		plan: domain.SettlementStep{
			Name:        name,
			Entity:      entity,
			EntityID:    entityID,
			Planned:     true,
			FromBalance: from,
			ToBalance:   decimal.Zero,
			ToStatus:    status,
		},
		forward: write,
	}
}

// mirrorLines negates quantity and line total of every original invoice line.
// Invoices stored without lines are mirrored from the sale items instead.
func (e *Engine) mirrorLines(ctx context.Context, s *settlement) ([]domain.InvoiceLine, error) {
	original, err := e.repo.ListInvoiceLines(ctx, s.invoice.ID)
	if err != nil {
		return nil, fmt.Errorf("read invoice lines %s: %w", s.invoice.ID, err)
	}
	if len(original) == 0 {
		for _, item := range s.ledger.Items {
			original = append(original, domain.InvoiceLine{
				ProductID:   item.ProductID,
				Description: s.ledger.Products[item.ProductID].Name,
				Quantity:    item.Quantity,
				UnitPrice:   item.UnitPrice,
				TaxRate:     item.TaxRate,
				TotalLine:   item.Total,
			})
		}
	}

	mirrored := make([]domain.InvoiceLine, 0, len(original))
	for _, line := range original {
		mirrored = append(mirrored, domain.InvoiceLine{
			InvoiceID:   s.creditNote.ID,
			ProductID:   line.ProductID,
			Description: line.Description,
			Quantity:    -line.Quantity,
			UnitPrice:   line.UnitPrice,
			TaxRate:     line.TaxRate,
			TotalLine:   line.TotalLine.Neg(),
		})
	}
	return mirrored, nil
}
