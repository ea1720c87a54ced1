package refund

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/store/memory"
)

type brokenPayments struct {
	store.SaleReader
}

func (brokenPayments) ListPayments(context.Context, string) ([]domain.Payment, error) {
	return nil, errors.New("payments table unavailable")
}

func TestLedgerUsesPlaceholdersForMissingRows(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	mem.SeedSale(memory.SaleFixture{
		Sale:  domain.Sale{ID: "sale-1", OrgID: "org-a", Total: dec("10")},
		Items: []domain.SaleLineItem{{ID: "line-1", ProductID: "p-gone", Quantity: 2, Total: dec("10")}},
	})

	ledger, err := NewLedgerReader(brokenPayments{SaleReader: mem}).Read(ctx, "org-a", "sale-1")
	require.NoError(t, err)
	assert.ErrorIs(t, ledger.PartialData(), ErrPartialData)
	assert.Equal(t, unknownProductName, ledger.Products["p-gone"].Name)
	assert.Nil(t, ledger.Payments)

	view := ledger.View(nil)
	require.Len(t, view.Lines, 1)
	assert.Equal(t, unknownProductName, view.Lines[0].ProductName)
	assert.Equal(t, 2, view.Lines[0].ReturnableQty)
	require.Len(t, view.Warnings, 1)
	assert.Contains(t, view.Warnings[0], "p-gone")
	assert.Contains(t, view.Warnings[0], "payments")
}

func TestLedgerViewCountsReturnedUnits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.ProcessReturn(ctx, memory.DemoOrgID, memory.DemoSaleID, partialDemoRequest(domain.RefundMethodCash))
	require.NoError(t, err)

	ledger, err := h.engine.Ledger(ctx, memory.DemoOrgID, memory.DemoSaleID)
	require.NoError(t, err)
	assert.NoError(t, ledger.PartialData())

	view := ledger.View(nil)
	byID := map[string]domain.LedgerLine{}
	for _, line := range view.Lines {
		byID[line.ID] = line
	}
	assert.Equal(t, 4, byID["sli-demo-2"].ReturnedQuantity)
	assert.Equal(t, 0, byID["sli-demo-2"].ReturnableQty)
	assert.Equal(t, 2, byID["sli-demo-1"].ReturnableQty)
	assert.Equal(t, "Susu UHT 1L", byID["sli-demo-2"].ProductName)
}

func TestLedgerUnknownSale(t *testing.T) {
	_, err := NewLedgerReader(memory.New()).Read(context.Background(), "org-a", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
