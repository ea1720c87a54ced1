package refund

import (
	"context"
	"errors"
	"fmt"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
)

const unknownProductName = "unknown product"

// Ledger is a read-only snapshot of a sale taken right before validation.
type Ledger struct {
	Sale        domain.Sale
	Items       []domain.SaleLineItem
	Products    map[string]domain.Product
	Payments    []domain.Payment
	ReturnedQty map[string]int
	partial     []string
}

func (l *Ledger) Item(id string) (domain.SaleLineItem, bool) {
	for _, item := range l.Items {
		if item.ID == id {
			return item, true
		}
	}
	return domain.SaleLineItem{}, false
}

func (l *Ledger) Returnable(item domain.SaleLineItem) int {
	remaining := item.Quantity - l.ReturnedQty[item.ID]
	if remaining < 0 {
		return 0
	}
	return remaining
}

// PartialData is non-nil when product or payment rows could not be resolved
// and placeholders were used.
func (l *Ledger) PartialData() error {
	if len(l.partial) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrPartialData, l.partial)
}

type LedgerReader struct {
	repo store.SaleReader
}

func NewLedgerReader(repo store.SaleReader) *LedgerReader {
	return &LedgerReader{repo: repo}
}

func (r *LedgerReader) Read(ctx context.Context, orgID string, saleID string) (*Ledger, error) {
	sale, err := r.repo.GetSale(ctx, orgID, saleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: sale %s", ErrNotFound, saleID)
		}
		return nil, fmt.Errorf("read sale %s: %w", saleID, err)
	}

	items, err := r.repo.ListSaleItems(ctx, saleID)
	if err != nil {
		return nil, fmt.Errorf("read sale items %s: %w", saleID, err)
	}

	returned, err := r.repo.GetReturnedQtyBySale(ctx, saleID)
	if err != nil {
		return nil, fmt.Errorf("read returned quantities %s: %w", saleID, err)
	}

	ledger := &Ledger{
		Sale:        *sale,
		Items:       items,
		ReturnedQty: returned,
	}

	productIDs := make([]string, 0, len(items))
	for _, item := range items {
		productIDs = append(productIDs, item.ProductID)
	}
	products, err := r.repo.GetProductsByIDs(ctx, orgID, productIDs)
	if err != nil {
		ledger.partial = append(ledger.partial, "products: "+err.Error())
		products = map[string]domain.Product{}
	}
	for _, id := range productIDs {
		if _, ok := products[id]; !ok {
			if err == nil {
				ledger.partial = append(ledger.partial, "product "+id+" missing")
			}
			products[id] = domain.Product{ID: id, Name: unknownProductName}
		}
	}
	ledger.Products = products

	payments, err := r.repo.ListPayments(ctx, saleID)
	if err != nil {
		ledger.partial = append(ledger.partial, "payments: "+err.Error())
		payments = nil
	}
	ledger.Payments = payments

	return ledger, nil
}

// View renders the ledger with per-line returned and returnable quantities.
func (l *Ledger) View(returns []domain.Return) domain.LedgerView {
	view := domain.LedgerView{
		Sale:     l.Sale,
		Lines:    make([]domain.LedgerLine, 0, len(l.Items)),
		Payments: l.Payments,
		Returns:  returns,
	}
	for _, item := range l.Items {
		product := l.Products[item.ProductID]
		view.Lines = append(view.Lines, domain.LedgerLine{
			SaleLineItem:     item,
			ProductName:      product.Name,
			ProductSKU:       product.SKU,
			ReturnedQuantity: l.ReturnedQty[item.ID],
			ReturnableQty:    l.Returnable(item),
		})
	}
	if err := l.PartialData(); err != nil {
		view.Warnings = append(view.Warnings, err.Error())
	}
	return view
}
