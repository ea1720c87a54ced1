package refund

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/settlement/internal/domain"
)

// ValidatedRefund is a request that passed validation against a fresh ledger.
type ValidatedRefund struct {
	Items    []domain.RefundItemRequest
	Method   domain.RefundMethod
	Reason   string
	Notes    string
	Subtotal decimal.Decimal
}

// Validate is the only guard against refunding a line twice, so it must run
// against a ledger read immediately beforehand.
func Validate(ledger *Ledger, req domain.RefundRequest) (ValidatedRefund, error) {
	verr := &ValidationError{}

	if ledger.Sale.Status == domain.SaleStatusVoid {
		verr.add("sale", "sale %s is void", ledger.Sale.ID)
	}
	if len(req.Items) == 0 {
		verr.add("items", "select at least one item")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		verr.add("reason", "reason is required")
	}
	if !req.RefundMethod.IsValid() {
		verr.add("refund_method", "unsupported refund method %q", req.RefundMethod)
	}

	requestedQty := make(map[string]int, len(req.Items))
	requestedAmount := make(map[string]decimal.Decimal, len(req.Items))
	subtotal := decimal.Zero
	items := make([]domain.RefundItemRequest, 0, len(req.Items))

	for i, item := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		item.Reason = strings.TrimSpace(item.Reason)
		if item.Reason == "" {
			verr.add(field+".reason", "reason is required")
		}
		if item.ReturnQuantity < 1 {
			verr.add(field+".return_quantity", "must be at least 1")
		}
		if item.RefundAmount.IsNegative() {
			verr.add(field+".refund_amount", "must not be negative")
		}
		line, ok := ledger.Item(item.SaleItemID)
		if !ok {
			verr.add(field+".sale_item_id", "item %s is not part of sale %s", item.SaleItemID, ledger.Sale.ID)
			continue
		}
		if item.ProductID == "" {
			item.ProductID = line.ProductID
		} else if item.ProductID != line.ProductID {
			verr.add(field+".product_id", "product %s does not match sale item %s", item.ProductID, line.ID)
		}
		// Bounded per entry so duplicate entries can never wrap the sum.
		if item.ReturnQuantity > line.Quantity {
			verr.add(field+".return_quantity", "requested %d but the line sold %d", item.ReturnQuantity, line.Quantity)
			continue
		}
		requestedQty[line.ID] += item.ReturnQuantity
		requestedAmount[line.ID] = requestedAmount[line.ID].Add(item.RefundAmount)
		subtotal = subtotal.Add(item.RefundAmount)
		items = append(items, item)
	}

	for _, line := range ledger.Items {
		qty, selected := requestedQty[line.ID]
		if !selected || qty < 1 {
			continue
		}
		available := ledger.Returnable(line)
		if qty > available {
			verr.add("items."+line.ID, "requested %d but only %d of %d remain returnable", qty, available, line.Quantity)
			continue
		}
		if line.Quantity > 0 {
			limit := line.Total.Mul(decimal.NewFromInt(int64(qty))).Div(decimal.NewFromInt(int64(line.Quantity)))
			if requestedAmount[line.ID].GreaterThan(limit.Add(Epsilon)) {
				verr.add("items."+line.ID, "refund amount %s exceeds %s for %d unit(s)", requestedAmount[line.ID].StringFixed(2), limit.StringFixed(2), qty)
			}
		}
	}

	if !req.TotalRefund.IsZero() && !withinEpsilon(req.TotalRefund, subtotal) {
		verr.add("total_refund", "total %s does not match item sum %s", req.TotalRefund.StringFixed(2), subtotal.StringFixed(2))
	}
	if len(items) > 0 && !subtotal.IsPositive() {
		verr.add("total_refund", "refund amount must be greater than zero")
	}

	if err := verr.orNil(); err != nil {
		return ValidatedRefund{}, err
	}
	return ValidatedRefund{
		Items:    items,
		Method:   req.RefundMethod,
		Reason:   reason,
		Notes:    strings.TrimSpace(req.Notes),
		Subtotal: subtotal,
	}, nil
}
