package refund

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/store/memory"
)

func TestReconcileResumesMissingReceivable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.repo.failWith("FindReceivableByInvoice", store.ErrNotFound)

	result, err := h.engine.ProcessReturn(ctx, memory.DemoOrgID, memory.DemoSaleID, partialDemoRequest(domain.RefundMethodCash))
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)

	h.repo.heal()
	report, err := h.engine.Reconcile(ctx, memory.DemoOrgID, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Resolved)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, []string{stepReceivableBalance}, report.Outcomes[0].Repaired)
	assert.Empty(t, report.Outcomes[0].Unresolved)

	rec, err := h.mem.FindReceivableByInvoice(ctx, demoInvoiceID)
	require.NoError(t, err)
	assert.Equal(t, "52.40", rec.Balance.StringFixed(2))
	assert.Equal(t, domain.ReceivableStatusCurrent, rec.Status)

	cp, err := h.mem.GetCheckpoint(ctx, result.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckpointCompleted, cp.Status)
	assert.Equal(t, []string{string(domain.CheckpointCompleted)}, h.rec.reconciled)

	_, err = h.engine.ProcessReturn(ctx, memory.DemoOrgID, memory.DemoSaleID, domain.RefundRequest{
		RefundMethod: domain.RefundMethodCash,
		Reason:       "broken",
		Items:        []domain.RefundItemRequest{{SaleItemID: "sli-demo-1", ReturnQuantity: 1, RefundAmount: dec("30"), Reason: "broken"}},
	})
	assert.NoError(t, err, "the sale is unblocked once reconciled")
}

func TestReconcileWritesPendingReturnAndFiresSideEffects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.repo.failWith("CreateReturn", errInjected)

	_, err := h.engine.ProcessReturn(ctx, memory.DemoOrgID, memory.DemoSaleID, partialDemoRequest(domain.RefundMethodCash))
	require.ErrorIs(t, err, ErrAuditWrite)

	h.repo.heal()
	report, err := h.engine.Reconcile(ctx, memory.DemoOrgID, 0)
	require.NoError(t, err)
	require.Equal(t, 1, report.Resolved)
	assert.Contains(t, report.Outcomes[0].Repaired, "return_record")

	returns, err := h.mem.ListReturnsBySale(ctx, memory.DemoOrgID, memory.DemoSaleID)
	require.NoError(t, err)
	require.Len(t, returns, 1)
	assert.Equal(t, report.Outcomes[0].CheckpointID, returns[0].CheckpointID)
	assert.Equal(t, "7.60", returns[0].TaxRefund.StringFixed(2))

	session, err := h.mem.GetOpenCashSession(ctx, memory.DemoOrgID, memory.DemoBranchID)
	require.NoError(t, err)
	movements, _ := h.mem.ListCashMovements(ctx, session.ID)
	require.Len(t, movements, 1)
	assert.Equal(t, "47.60", movements[0].Amount.StringFixed(2))

	ledger, err := h.engine.Ledger(ctx, memory.DemoOrgID, memory.DemoSaleID)
	require.NoError(t, err)
	assert.Equal(t, 4, ledger.ReturnedQty["sli-demo-2"])

	again, err := h.engine.Reconcile(ctx, memory.DemoOrgID, 0)
	require.NoError(t, err)
	assert.Zero(t, again.Scanned, "completed checkpoints are not revisited")
}

func TestReconcileLeavesMovedBalanceForReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.repo.failWith("UpdateInvoiceBalance", errInjected)

	result, err := h.engine.ProcessReturn(ctx, memory.DemoOrgID, memory.DemoSaleID, partialDemoRequest(domain.RefundMethodCash))
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)
	h.repo.heal()

	// someone edits the invoice before reconciliation runs
	require.NoError(t, h.mem.UpdateInvoiceBalance(ctx, demoInvoiceID, dec("80"), domain.InvoiceStatusPartial))

	report, err := h.engine.Reconcile(ctx, memory.DemoOrgID, 0)
	require.NoError(t, err)
	assert.Zero(t, report.Resolved)
	outcome := report.Outcomes[0]
	assert.Equal(t, domain.CheckpointNeedsReconciliation, outcome.Status)
	require.Len(t, outcome.Unresolved, 2)
	assert.Contains(t, outcome.Unresolved[0], "balance moved")
	assert.Contains(t, outcome.Unresolved[1], "differs from receivable")

	inv, err := h.mem.GetInvoice(ctx, memory.DemoOrgID, demoInvoiceID)
	require.NoError(t, err)
	assert.Equal(t, "80.00", inv.Balance.StringFixed(2), "a moved balance is never overwritten")

	require.NoError(t, h.mem.UpdateInvoiceBalance(ctx, demoInvoiceID, dec("100"), domain.InvoiceStatusOpen))
	report, err = h.engine.Reconcile(ctx, memory.DemoOrgID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)

	inv, err = h.mem.GetInvoice(ctx, memory.DemoOrgID, demoInvoiceID)
	require.NoError(t, err)
	assert.Equal(t, "52.40", inv.Balance.StringFixed(2))
	assert.Equal(t, domain.InvoiceStatusPartial, inv.Status)
}

func TestReconcileSkipsLockedSale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.repo.failWith("FindReceivableByInvoice", store.ErrNotFound)
	_, err := h.engine.ProcessReturn(ctx, memory.DemoOrgID, memory.DemoSaleID, partialDemoRequest(domain.RefundMethodCash))
	require.NoError(t, err)
	h.repo.heal()

	release, err := h.locker.Acquire(ctx, saleLockKey(memory.DemoOrgID, memory.DemoSaleID), 0)
	require.NoError(t, err)
	defer release(ctx)

	report, err := h.engine.Reconcile(ctx, memory.DemoOrgID, 0)
	require.NoError(t, err)
	assert.Zero(t, report.Resolved)
	assert.Contains(t, report.Outcomes[0].Unresolved[0], ErrSettlementBusy.Error())
}

func TestResolveTarget(t *testing.T) {
	full := &domain.SettlementStep{ToBalance: dec("0")}
	target, applied, err := resolveTarget(domain.SettlementFull, full, dec("37"))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.True(t, target.IsZero())

	unplanned := &domain.SettlementStep{Delta: dec("47.60")}
	target, _, err = resolveTarget(domain.SettlementPartial, unplanned, dec("40"))
	require.NoError(t, err)
	assert.True(t, target.IsZero(), "clamped at zero")
	assert.True(t, unplanned.Planned)

	planned := &domain.SettlementStep{Planned: true, FromBalance: dec("100"), ToBalance: dec("52.40")}
	_, applied, err = resolveTarget(domain.SettlementPartial, planned, dec("52.40"))
	require.NoError(t, err)
	assert.True(t, applied)

	_, _, err = resolveTarget(domain.SettlementPartial, planned, dec("75"))
	assert.ErrorIs(t, err, errBalanceMoved)
}
