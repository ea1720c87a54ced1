package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
)

func TestReturnedQtyCountsProcessedReturnsOnly(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded(nil)

	for _, ret := range []domain.Return{
		{OrgID: DemoOrgID, SaleID: DemoSaleID, Status: domain.ReturnStatusProcessed, Items: []domain.ReturnItem{{SaleItemID: "sli-demo-1", Quantity: 1}}},
		{OrgID: DemoOrgID, SaleID: DemoSaleID, Status: domain.ReturnStatusProcessed, Items: []domain.ReturnItem{{SaleItemID: "sli-demo-2", Quantity: 2}, {SaleItemID: "sli-demo-1", Quantity: 1}}},
		{OrgID: DemoOrgID, SaleID: DemoSaleID, Status: domain.ReturnStatusPending, Items: []domain.ReturnItem{{SaleItemID: "sli-demo-2", Quantity: 2}}},
		{OrgID: DemoOrgID, SaleID: DemoSaleID, Status: domain.ReturnStatusCancelled, Items: []domain.ReturnItem{{SaleItemID: "sli-demo-2", Quantity: 1}}},
	} {
		_, err := s.CreateReturn(ctx, ret)
		require.NoError(t, err)
	}

	returned, err := s.GetReturnedQtyBySale(ctx, DemoSaleID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"sli-demo-1": 2, "sli-demo-2": 2}, returned)

	history, err := s.ListReturnsBySale(ctx, DemoOrgID, DemoSaleID)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestGetSaleIsScopedByOrganization(t *testing.T) {
	s := NewSeeded(nil)

	_, err := s.GetSale(context.Background(), "another-org", DemoSaleID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	sale, err := s.GetSale(context.Background(), DemoOrgID, DemoSaleID)
	require.NoError(t, err)
	assert.True(t, sale.Total.Equal(decimal.NewFromInt(100)))
}

func TestFindInvoiceBySaleMatchesUntypedRowsSeparately(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SeedSale(SaleFixture{
		Sale:    domain.Sale{ID: "sale-legacy", OrgID: "org-a"},
		Invoice: &domain.Invoice{ID: "inv-legacy", Number: "F-1", DocumentType: domain.DocumentUntyped},
	})

	_, err := s.FindInvoiceBySale(ctx, "org-a", "sale-legacy", domain.DocumentInvoice)
	assert.ErrorIs(t, err, store.ErrNotFound)

	inv, err := s.FindInvoiceBySale(ctx, "org-a", "sale-legacy", domain.DocumentUntyped)
	require.NoError(t, err)
	assert.Equal(t, "inv-legacy", inv.ID)
}

func TestCreateInvoiceRejectsDuplicateNumberPerOrg(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.CreateInvoice(ctx, domain.Invoice{OrgID: "org-a", Number: "NC-000001"})
	require.NoError(t, err)
	_, err = s.CreateInvoice(ctx, domain.Invoice{OrgID: "org-a", Number: "NC-000001"})
	assert.ErrorIs(t, err, store.ErrConflict)
	_, err = s.CreateInvoice(ctx, domain.Invoice{OrgID: "org-b", Number: "NC-000001"})
	assert.NoError(t, err)
}

func TestCashSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	session, err := s.CreateCashSession(ctx, domain.CashSession{OrgID: "org-a", BranchID: "b1", OpeningFloat: decimal.NewFromInt(50)})
	require.NoError(t, err)

	_, err = s.CreateCashSession(ctx, domain.CashSession{OrgID: "org-a", BranchID: "b1"})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.CreateCashMovement(ctx, domain.CashMovement{SessionID: session.ID, Type: domain.MovementTypeOut, Amount: decimal.NewFromInt(10), Concept: "refund"})
	require.NoError(t, err)

	closed, err := s.CloseCashSession(ctx, "org-a", "b1", decimal.NewFromInt(40), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, domain.CashSessionStatusClosed, closed.Status)

	_, err = s.CreateCashMovement(ctx, domain.CashMovement{SessionID: session.ID, Type: domain.MovementTypeOut, Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.GetOpenCashSession(ctx, "org-a", "b1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	movements, err := s.ListCashMovements(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, movements, 1)
}

func TestApplyStockEntryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	entry := domain.StockEntry{BranchID: "b1", ProductID: "p1", Quantity: 3, IdempotencyKey: "ret-1:sli-1"}

	applied, err := s.ApplyStockEntry(ctx, entry)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.ApplyStockEntry(ctx, entry)
	require.NoError(t, err)
	assert.False(t, applied)

	level, err := s.GetStockLevel(ctx, "b1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, level)
}

func TestNextSequenceIsScopedPerOrg(t *testing.T) {
	ctx := context.Background()
	s := New()

	first, _ := s.NextSequence(ctx, "org-a", "credit_note")
	second, _ := s.NextSequence(ctx, "org-a", "credit_note")
	other, _ := s.NextSequence(ctx, "org-b", "credit_note")

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
	assert.Equal(t, int64(1), other)
}

func TestCheckpointsRoundTripAndUnreconciledLookup(t *testing.T) {
	ctx := context.Background()
	s := New()

	cp := domain.SettlementCheckpoint{
		ID:     "cp-1",
		OrgID:  "org-a",
		SaleID: "sale-1",
		Status: domain.CheckpointNeedsReconciliation,
		Steps:  []domain.SettlementStep{{Name: "invoice_balance", State: domain.StepFailed}},
	}
	require.NoError(t, s.SaveCheckpoint(ctx, cp))

	pending, err := s.HasUnreconciledCheckpoint(ctx, "sale-1")
	require.NoError(t, err)
	assert.True(t, pending)

	loaded, err := s.GetCheckpoint(ctx, "cp-1")
	require.NoError(t, err)
	loaded.Steps[0].State = domain.StepDone

	again, err := s.GetCheckpoint(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StepFailed, again.Steps[0].State, "stored checkpoint must not alias returned copies")

	list, err := s.ListCheckpoints(ctx, "org-a", domain.CheckpointNeedsReconciliation, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
