package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
)

const (
	effectCashMovement = "cash_movement"
	effectPayment      = "refund_payment"
	effectCreditNote   = "standalone_credit_note"
	effectRestock      = "restock"
	effectNotify       = "notification"
)

type dispatchInput struct {
	sale    domain.Sale
	invoice *domain.Invoice
	ret     domain.Return
	kind    domain.SettlementKind
	amount  decimal.Decimal
	actor   domain.Actor
}

type dispatchOutcome struct {
	creditNote *domain.Invoice
	failures   []*SideEffectError
}

// Dispatcher runs the best-effort work that follows a written return. Failures
// are logged and counted, never returned to the operator.
type Dispatcher struct {
	repo               store.SettlementWriter
	cash               CashSessions
	stock              StockEngine
	numbering          Numbering
	notifier           Notifier
	recorder           Recorder
	creditNoteValidity time.Duration
	now                func() time.Time
	log                *zap.Logger
}

// dispatchAmount is the money leaving the business: the whole sale total for a
// full settlement, the refund with tax otherwise.
func dispatchAmount(kind domain.SettlementKind, sale domain.Sale, ret domain.Return) decimal.Decimal {
	if kind == domain.SettlementFull {
		return sale.Total
	}
	return ret.TotalRefund.Add(ret.TaxRefund)
}

func (d *Dispatcher) Dispatch(ctx context.Context, in dispatchInput) dispatchOutcome {
	var out dispatchOutcome
	log := d.log.With(zap.String("sale_id", in.sale.ID), zap.String("return_id", in.ret.ID))

	fail := func(effect string, err error) {
		log.Warn("side effect failed", zap.String("effect", effect), zap.Error(err))
		d.recorder.SideEffectFailed(effect)
		out.failures = append(out.failures, &SideEffectError{Effect: effect, Err: err})
	}

	switch {
	case in.ret.RefundMethod.MovesCash():
		if err := d.recordCashOut(ctx, in, log); err != nil {
			fail(effectCashMovement, err)
		}
		if err := d.recordRefundPayment(ctx, in); err != nil {
			fail(effectPayment, err)
		}
	case in.ret.RefundMethod == domain.RefundMethodCreditNote && in.kind == domain.SettlementPartial:
		note, err := d.issueStandaloneCreditNote(ctx, in)
		if err != nil {
			fail(effectCreditNote, err)
		} else {
			out.creditNote = note
		}
	}

	if err := d.restock(ctx, in); err != nil {
		fail(effectRestock, err)
	}

	if err := d.notifier.ReturnProcessed(ctx, domain.ReturnNotification{
		OrgID:        in.sale.OrgID,
		BranchID:     in.sale.BranchID,
		SaleID:       in.sale.ID,
		ReturnID:     in.ret.ID,
		Kind:         in.kind,
		RefundMethod: in.ret.RefundMethod,
		Amount:       in.amount,
		ProcessedBy:  in.actor.Username,
		At:           d.now(),
	}); err != nil {
		fail(effectNotify, err)
	}

	return out
}

func (d *Dispatcher) recordCashOut(ctx context.Context, in dispatchInput, log *zap.Logger) error {
	session, err := d.cash.FindOpenSession(ctx, in.sale.OrgID, in.sale.BranchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Info("no open cash session, skipping cash movement", zap.String("branch_id", in.sale.BranchID))
			return nil
		}
		return fmt.Errorf("find open cash session: %w", err)
	}
	_, err = d.cash.RecordMovement(ctx, domain.CashMovement{
		SessionID:   session.ID,
		BranchID:    in.sale.BranchID,
		Type:        domain.MovementTypeOut,
		Amount:      in.amount,
		Concept:     fmt.Sprintf("refund sale %s", saleLabel(in.sale)),
		ReferenceID: in.ret.ID,
	})
	return err
}

func (d *Dispatcher) recordRefundPayment(ctx context.Context, in dispatchInput) error {
	_, err := d.repo.CreatePayment(ctx, domain.Payment{
		OrgID:     in.sale.OrgID,
		SaleID:    in.sale.ID,
		Method:    string(in.ret.RefundMethod),
		Amount:    in.amount.Neg(),
		Reference: in.ret.ID,
		CreatedAt: d.now(),
	})
	return err
}

func (d *Dispatcher) issueStandaloneCreditNote(ctx context.Context, in dispatchInput) (*domain.Invoice, error) {
	number, err := d.numbering.NextCreditNoteNumber(ctx, in.sale.OrgID)
	if err != nil {
		return nil, fmt.Errorf("next credit note number: %w", err)
	}
	expiresAt := d.now().Add(d.creditNoteValidity)
	note := domain.Invoice{
		OrgID:        in.sale.OrgID,
		SaleID:       in.sale.ID,
		CustomerID:   in.sale.CustomerID,
		Number:       number,
		DocumentType: domain.DocumentCreditNote,
		Subtotal:     in.ret.TotalRefund.Neg(),
		TaxTotal:     in.ret.TaxRefund.Neg(),
		Total:        in.amount.Neg(),
		Balance:      in.amount,
		Status:       domain.InvoiceStatusIssued,
		ExpiresAt:    &expiresAt,
		Notes:        in.ret.Reason,
	}
	if in.invoice != nil {
		note.RelatedInvoiceID = in.invoice.ID
	}
	return d.repo.CreateInvoice(ctx, note)
}

func (d *Dispatcher) restock(ctx context.Context, in dispatchInput) error {
	req := domain.RestockRequest{
		OrgID:       in.sale.OrgID,
		BranchID:    in.sale.BranchID,
		ReferenceID: in.ret.ID,
	}
	// One entry per sale item so each idempotency key covers the whole quantity.
	index := make(map[string]int)
	for _, item := range in.ret.Items {
		if !item.AffectsInventory || item.Quantity < 1 {
			continue
		}
		if i, seen := index[item.SaleItemID]; seen {
			req.Items[i].Quantity += item.Quantity
			continue
		}
		index[item.SaleItemID] = len(req.Items)
		req.Items = append(req.Items, domain.RestockItem{
			ProductID:      item.ProductID,
			Quantity:       item.Quantity,
			IdempotencyKey: in.ret.ID + ":" + item.SaleItemID,
		})
	}
	if len(req.Items) == 0 {
		return nil
	}
	return d.stock.RestockItems(ctx, req)
}

func saleLabel(sale domain.Sale) string {
	if sale.Number != "" {
		return sale.Number
	}
	return sale.ID
}
