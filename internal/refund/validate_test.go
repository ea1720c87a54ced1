package refund

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store/memory"
)

// fiveUnitLedger is a sale with one line of five units, three already returned.
func fiveUnitLedger(t *testing.T) *Ledger {
	t.Helper()
	ctx := context.Background()
	mem := memory.New()
	mem.SeedProducts(domain.Product{ID: "p1", OrgID: "org-a", Name: "Kopi Sachet"})
	mem.SeedSale(memory.SaleFixture{
		Sale: domain.Sale{ID: "sale-5", OrgID: "org-a", Subtotal: dec("50"), TaxTotal: dec("0"), Total: dec("50"), Balance: dec("50"), Status: domain.SaleStatusPaid},
		Items: []domain.SaleLineItem{
			{ID: "line-1", ProductID: "p1", Quantity: 5, UnitPrice: dec("10"), Total: dec("50")},
		},
	})
	_, err := mem.CreateReturn(ctx, domain.Return{
		OrgID:  "org-a",
		SaleID: "sale-5",
		Status: domain.ReturnStatusProcessed,
		Items:  []domain.ReturnItem{{SaleItemID: "line-1", ProductID: "p1", Quantity: 3}},
	})
	require.NoError(t, err)

	ledger, err := NewLedgerReader(mem).Read(ctx, "org-a", "sale-5")
	require.NoError(t, err)
	return ledger
}

func lineRequest(qty int, amount string) domain.RefundRequest {
	return domain.RefundRequest{
		RefundMethod: domain.RefundMethodCash,
		Reason:       "damaged",
		Items: []domain.RefundItemRequest{
			{SaleItemID: "line-1", ReturnQuantity: qty, RefundAmount: dec(amount), Reason: "damaged"},
		},
	}
}

func fieldsOf(t *testing.T, err error) []string {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected a validation error, got %v", err)
	fields := make([]string, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		fields = append(fields, f.Field)
	}
	return fields
}

func TestValidateRejectsDoubleRefund(t *testing.T) {
	ledger := fiveUnitLedger(t)

	_, err := Validate(ledger, lineRequest(3, "30"))
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "only 2 of 5 remain returnable")

	refund, err := Validate(ledger, lineRequest(2, "20"))
	require.NoError(t, err)
	assert.True(t, refund.Subtotal.Equal(dec("20")))
	assert.Equal(t, "p1", refund.Items[0].ProductID, "product id is filled from the sale line")
}

func TestValidateSumsDuplicateLines(t *testing.T) {
	ledger := fiveUnitLedger(t)
	req := lineRequest(1, "10")
	req.Items = append(req.Items, domain.RefundItemRequest{SaleItemID: "line-1", ReturnQuantity: 2, RefundAmount: dec("20"), Reason: "damaged"})

	_, err := Validate(ledger, req)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestValidateCapsAmountPerUnit(t *testing.T) {
	ledger := fiveUnitLedger(t)

	_, err := Validate(ledger, lineRequest(1, "10.02"))
	assert.Equal(t, []string{"items.line-1"}, fieldsOf(t, err))

	_, err = Validate(ledger, lineRequest(1, "10.01"))
	assert.NoError(t, err)
}

func TestValidateCollectsEveryFieldError(t *testing.T) {
	ledger := fiveUnitLedger(t)
	req := domain.RefundRequest{
		RefundMethod: "voucher",
		TotalRefund:  dec("99"),
		Items: []domain.RefundItemRequest{
			{SaleItemID: "line-1", ProductID: "p9", ReturnQuantity: 0, RefundAmount: dec("-1")},
			{SaleItemID: "line-404", ReturnQuantity: 1, RefundAmount: dec("1"), Reason: "x"},
		},
	}

	_, err := Validate(ledger, req)
	assert.ElementsMatch(t, []string{
		"reason",
		"refund_method",
		"items[0].reason",
		"items[0].return_quantity",
		"items[0].refund_amount",
		"items[0].product_id",
		"items[1].sale_item_id",
		"total_refund",
		"total_refund",
	}, fieldsOf(t, err))
}

func TestValidateRejectsEmptyAndVoidSales(t *testing.T) {
	ledger := fiveUnitLedger(t)

	_, err := Validate(ledger, domain.RefundRequest{RefundMethod: domain.RefundMethodCash, Reason: "x"})
	assert.Equal(t, []string{"items"}, fieldsOf(t, err))

	ledger.Sale.Status = domain.SaleStatusVoid
	_, err = Validate(ledger, lineRequest(1, "10"))
	assert.Contains(t, fieldsOf(t, err), "sale")
}

func TestValidateTotalMustMatchItems(t *testing.T) {
	ledger := fiveUnitLedger(t)
	req := lineRequest(2, "20")

	req.TotalRefund = dec("20.01")
	_, err := Validate(ledger, req)
	assert.NoError(t, err)

	req.TotalRefund = dec("25")
	_, err = Validate(ledger, req)
	assert.Equal(t, []string{"total_refund"}, fieldsOf(t, err))
}

func TestValidateDuplicateEntriesCannotWrapQuantity(t *testing.T) {
	ledger := fiveUnitLedger(t)
	req := domain.RefundRequest{
		RefundMethod: domain.RefundMethodCash,
		Reason:       "damaged",
		Items: []domain.RefundItemRequest{
			{SaleItemID: "line-1", ReturnQuantity: math.MaxInt, RefundAmount: dec("500"), Reason: "damaged"},
			{SaleItemID: "line-1", ReturnQuantity: 2, RefundAmount: dec("500"), Reason: "damaged"},
		},
	}

	_, err := Validate(ledger, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, fieldsOf(t, err), "items[0].return_quantity")
	assert.Contains(t, fieldsOf(t, err), "items.line-1", "the remaining entry still exceeds the refund cap")
}
