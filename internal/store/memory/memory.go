package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/xid"
)

const (
	DemoOrgID    = "org-main"
	DemoBranchID = "branch-01"
	DemoSaleID   = "sale-demo-0001"
)

type Store struct {
	mu                  sync.RWMutex
	sales               map[string]domain.Sale
	saleItems           map[string][]domain.SaleLineItem
	products            map[string]domain.Product
	payments            map[string][]domain.Payment
	invoices            map[string]domain.Invoice
	invoiceLines        map[string][]domain.InvoiceLine
	receivables         map[string]domain.ReceivableEntry
	returnsByID         map[string]domain.Return
	returnsBySale       map[string][]string
	checkpoints         map[string]domain.SettlementCheckpoint
	cashSessions        map[string]domain.CashSession
	openSessionByBranch map[string]string
	cashMovements       map[string][]domain.CashMovement
	stock               map[string]map[string]int
	stockEntries        map[string]domain.StockEntry
	sequences           map[string]int64
	auditLogs           []domain.AuditLog
	usersByUsername     map[string]domain.UserAccount
}

// SaleFixture is a completed sale with everything the settlement engine reads.
// Sales are created by checkout, which lives outside this service, so fixtures
// are the only way sales enter the in-memory store.
type SaleFixture struct {
	Sale       domain.Sale
	Items      []domain.SaleLineItem
	Payments   []domain.Payment
	Invoice    *domain.Invoice
	Receivable *domain.ReceivableEntry
}

func New() *Store {
	return &Store{
		sales:               make(map[string]domain.Sale),
		saleItems:           make(map[string][]domain.SaleLineItem),
		products:            make(map[string]domain.Product),
		payments:            make(map[string][]domain.Payment),
		invoices:            make(map[string]domain.Invoice),
		invoiceLines:        make(map[string][]domain.InvoiceLine),
		receivables:         make(map[string]domain.ReceivableEntry),
		returnsByID:         make(map[string]domain.Return),
		returnsBySale:       make(map[string][]string),
		checkpoints:         make(map[string]domain.SettlementCheckpoint),
		cashSessions:        make(map[string]domain.CashSession),
		openSessionByBranch: make(map[string]string),
		cashMovements:       make(map[string][]domain.CashMovement),
		stock:               make(map[string]map[string]int),
		stockEntries:        make(map[string]domain.StockEntry),
		sequences:           make(map[string]int64),
		auditLogs:           make([]domain.AuditLog, 0, 128),
		usersByUsername:     make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial user accounts for dev/demo mode. Passwords come
// from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, falling back to dev
// defaults with a warning.
func seedUsers(log *zap.Logger) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			OrgID:     DemoOrgID,
			BranchID:  DemoBranchID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store holding one demo credit sale, its invoice and
// receivable, an open cash session and the dev user accounts.
func NewSeeded(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := New()
	s.usersByUsername = seedUsers(log.Named("memory-store"))

	s.SeedProducts(
		domain.Product{ID: "prd-mie", OrgID: DemoOrgID, SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", Price: decimal.RequireFromString("30.00")},
		domain.Product{ID: "prd-susu", OrgID: DemoOrgID, SKU: "SKU-SUSU-01", Name: "Susu UHT 1L", Price: decimal.RequireFromString("10.00")},
	)

	now := time.Now().UTC()
	s.SeedSale(SaleFixture{
		Sale: domain.Sale{
			ID:            DemoSaleID,
			OrgID:         DemoOrgID,
			BranchID:      DemoBranchID,
			CustomerID:    "cust-demo",
			Number:        "S-000001",
			Subtotal:      decimal.RequireFromString("84.03"),
			TaxTotal:      decimal.RequireFromString("15.97"),
			Total:         decimal.RequireFromString("100.00"),
			Balance:       decimal.RequireFromString("100.00"),
			Status:        domain.SaleStatusOpen,
			PaymentStatus: domain.PaymentStatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		Items: []domain.SaleLineItem{
			{ID: "sli-demo-1", ProductID: "prd-mie", Quantity: 2, UnitPrice: decimal.RequireFromString("30.00"), TaxRate: decimal.RequireFromString("19"), Total: decimal.RequireFromString("60.00")},
			{ID: "sli-demo-2", ProductID: "prd-susu", Quantity: 4, UnitPrice: decimal.RequireFromString("10.00"), TaxRate: decimal.RequireFromString("19"), Total: decimal.RequireFromString("40.00")},
		},
		Invoice: &domain.Invoice{
			ID:           "inv-demo-0001",
			Number:       "F-000001",
			DocumentType: domain.DocumentInvoice,
			Subtotal:     decimal.RequireFromString("84.03"),
			TaxTotal:     decimal.RequireFromString("15.97"),
			Total:        decimal.RequireFromString("100.00"),
			Balance:      decimal.RequireFromString("100.00"),
			Status:       domain.InvoiceStatusOpen,
			Lines: []domain.InvoiceLine{
				{ProductID: "prd-mie", Description: "Mie Goreng Instan", Quantity: 2, UnitPrice: decimal.RequireFromString("30.00"), TaxRate: decimal.RequireFromString("19"), TotalLine: decimal.RequireFromString("60.00")},
				{ProductID: "prd-susu", Description: "Susu UHT 1L", Quantity: 4, UnitPrice: decimal.RequireFromString("10.00"), TaxRate: decimal.RequireFromString("19"), TotalLine: decimal.RequireFromString("40.00")},
			},
		},
		Receivable: &domain.ReceivableEntry{ID: "ar-demo-0001", Balance: decimal.RequireFromString("100.00"), Status: domain.ReceivableStatusCurrent},
	})

	_, _ = s.CreateCashSession(context.Background(), domain.CashSession{
		OrgID:        DemoOrgID,
		BranchID:     DemoBranchID,
		OpenedBy:     "admin",
		OpeningFloat: decimal.RequireFromString("200.00"),
	})
	return s
}

func (s *Store) SeedProducts(products ...domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range products {
		s.products[p.ID] = p
	}
}

// SeedSale stores a fixture, filling in ids and back-references that were left empty.
func (s *Store) SeedSale(f SaleFixture) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale := f.Sale
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	s.sales[sale.ID] = sale

	items := make([]domain.SaleLineItem, 0, len(f.Items))
	for _, item := range f.Items {
		if item.ID == "" {
			item.ID = xid.New("sli")
		}
		item.SaleID = sale.ID
		items = append(items, item)
	}
	s.saleItems[sale.ID] = items

	for _, p := range f.Payments {
		if p.ID == "" {
			p.ID = xid.New("pay")
		}
		p.SaleID = sale.ID
		p.OrgID = sale.OrgID
		s.payments[sale.ID] = append(s.payments[sale.ID], p)
	}

	if f.Invoice == nil {
		return
	}
	inv := *f.Invoice
	if inv.ID == "" {
		inv.ID = xid.New("inv")
	}
	inv.OrgID = sale.OrgID
	inv.SaleID = sale.ID
	inv.CustomerID = sale.CustomerID
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = sale.CreatedAt
	}
	lines := make([]domain.InvoiceLine, 0, len(inv.Lines))
	for _, line := range inv.Lines {
		if line.ID == "" {
			line.ID = xid.New("invl")
		}
		line.InvoiceID = inv.ID
		lines = append(lines, line)
	}
	inv.Lines = nil
	s.invoices[inv.ID] = inv
	s.invoiceLines[inv.ID] = lines

	if f.Receivable == nil {
		return
	}
	rec := *f.Receivable
	if rec.ID == "" {
		rec.ID = xid.New("ar")
	}
	rec.OrgID = sale.OrgID
	rec.InvoiceID = inv.ID
	rec.CustomerID = sale.CustomerID
	s.receivables[rec.ID] = rec
}

func (s *Store) GetSale(_ context.Context, orgID string, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[saleID]
	if !ok || sale.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	return &sale, nil
}

func (s *Store) ListSaleItems(_ context.Context, saleID string) ([]domain.SaleLineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.saleItems[saleID]), nil
}

func (s *Store) GetProductsByIDs(_ context.Context, orgID string, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok && p.OrgID == orgID {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) ListPayments(_ context.Context, saleID string) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.payments[saleID]), nil
}

func (s *Store) GetReturnedQtyBySale(_ context.Context, saleID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]int)
	for _, id := range s.returnsBySale[saleID] {
		ret := s.returnsByID[id]
		if ret.Status != domain.ReturnStatusProcessed {
			continue
		}
		for _, item := range ret.Items {
			result[item.SaleItemID] += item.Quantity
		}
	}
	return result, nil
}

func (s *Store) ListReturnsBySale(_ context.Context, orgID string, saleID string) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Return, 0, len(s.returnsBySale[saleID]))
	for _, id := range s.returnsBySale[saleID] {
		ret := s.returnsByID[id]
		if ret.OrgID != orgID {
			continue
		}
		result = append(result, cloneReturn(ret))
	}
	slices.SortFunc(result, func(a, b domain.Return) int {
		return a.ReturnDate.Compare(b.ReturnDate)
	})
	return result, nil
}

func (s *Store) FindInvoiceBySale(_ context.Context, orgID string, saleID string, documentType domain.DocumentType) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *domain.Invoice
	for _, inv := range s.invoices {
		if inv.OrgID != orgID || inv.SaleID != saleID || inv.DocumentType != documentType {
			continue
		}
		if found == nil || inv.CreatedAt.Before(found.CreatedAt) {
			copyInv := inv
			found = &copyInv
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (s *Store) GetInvoice(_ context.Context, orgID string, invoiceID string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[invoiceID]
	if !ok || inv.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	return &inv, nil
}

func (s *Store) CreateInvoice(_ context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if strings.TrimSpace(invoice.OrgID) == "" || strings.TrimSpace(invoice.Number) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.invoices {
		if existing.OrgID == invoice.OrgID && existing.Number == invoice.Number {
			return nil, store.ErrConflict
		}
	}
	if invoice.ID == "" {
		invoice.ID = xid.New("inv")
	}
	now := time.Now().UTC()
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = now
	}
	invoice.UpdatedAt = now
	invoice.Lines = nil
	s.invoices[invoice.ID] = invoice
	copyInv := invoice
	return &copyInv, nil
}

func (s *Store) CreateInvoiceLines(_ context.Context, lines []domain.InvoiceLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, line := range lines {
		if _, ok := s.invoices[line.InvoiceID]; !ok {
			return store.ErrNotFound
		}
	}
	for _, line := range lines {
		if line.ID == "" {
			line.ID = xid.New("invl")
		}
		s.invoiceLines[line.InvoiceID] = append(s.invoiceLines[line.InvoiceID], line)
	}
	return nil
}

func (s *Store) ListInvoiceLines(_ context.Context, invoiceID string) ([]domain.InvoiceLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.invoiceLines[invoiceID]), nil
}

func (s *Store) DeleteInvoice(_ context.Context, invoiceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.invoices[invoiceID]; !ok {
		return store.ErrNotFound
	}
	delete(s.invoices, invoiceID)
	delete(s.invoiceLines, invoiceID)
	return nil
}

func (s *Store) UpdateInvoiceBalance(_ context.Context, invoiceID string, balance decimal.Decimal, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[invoiceID]
	if !ok {
		return store.ErrNotFound
	}
	inv.Balance = balance
	inv.Status = status
	inv.UpdatedAt = time.Now().UTC()
	s.invoices[invoiceID] = inv
	return nil
}

func (s *Store) UpdateSaleBalance(_ context.Context, saleID string, balance decimal.Decimal, paymentStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[saleID]
	if !ok {
		return store.ErrNotFound
	}
	sale.Balance = balance
	if paymentStatus != "" {
		sale.PaymentStatus = paymentStatus
	}
	sale.UpdatedAt = time.Now().UTC()
	s.sales[saleID] = sale
	return nil
}

func (s *Store) UpdateSaleStatus(_ context.Context, saleID string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[saleID]
	if !ok {
		return store.ErrNotFound
	}
	sale.Status = status
	sale.UpdatedAt = time.Now().UTC()
	s.sales[saleID] = sale
	return nil
}

func (s *Store) FindReceivableByInvoice(_ context.Context, invoiceID string) (*domain.ReceivableEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.receivables {
		if rec.InvoiceID == invoiceID {
			copyRec := rec
			return &copyRec, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateReceivableBalance(_ context.Context, receivableID string, balance decimal.Decimal, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.receivables[receivableID]
	if !ok {
		return store.ErrNotFound
	}
	rec.Balance = balance
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	s.receivables[receivableID] = rec
	return nil
}

func (s *Store) CreateReturn(_ context.Context, ret domain.Return) (*domain.Return, error) {
	if strings.TrimSpace(ret.SaleID) == "" || len(ret.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	if _, exists := s.returnsByID[ret.ID]; exists {
		return nil, store.ErrConflict
	}
	if ret.ReturnDate.IsZero() {
		ret.ReturnDate = time.Now().UTC()
	}
	ret = cloneReturn(ret)
	for i := range ret.Items {
		if ret.Items[i].ID == "" {
			ret.Items[i].ID = xid.New("reti")
		}
		ret.Items[i].ReturnID = ret.ID
	}
	s.returnsByID[ret.ID] = ret
	s.returnsBySale[ret.SaleID] = append(s.returnsBySale[ret.SaleID], ret.ID)
	saved := cloneReturn(ret)
	return &saved, nil
}

func (s *Store) CreatePayment(_ context.Context, payment domain.Payment) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sales[payment.SaleID]; !ok {
		return nil, store.ErrNotFound
	}
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	s.payments[payment.SaleID] = append(s.payments[payment.SaleID], payment)
	copyPayment := payment
	return &copyPayment, nil
}

func (s *Store) SaveCheckpoint(_ context.Context, checkpoint domain.SettlementCheckpoint) error {
	if checkpoint.ID == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	checkpoint.UpdatedAt = time.Now().UTC()
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = checkpoint.UpdatedAt
	}
	s.checkpoints[checkpoint.ID] = cloneCheckpoint(checkpoint)
	return nil
}

func (s *Store) GetCheckpoint(_ context.Context, checkpointID string) (*domain.SettlementCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[checkpointID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyCP := cloneCheckpoint(cp)
	return &copyCP, nil
}

func (s *Store) ListCheckpoints(_ context.Context, orgID string, status domain.CheckpointStatus, limit int) ([]domain.SettlementCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SettlementCheckpoint, 0, 16)
	for _, cp := range s.checkpoints {
		if orgID != "" && cp.OrgID != orgID {
			continue
		}
		if status != "" && cp.Status != status {
			continue
		}
		result = append(result, cloneCheckpoint(cp))
	}
	slices.SortFunc(result, func(a, b domain.SettlementCheckpoint) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) HasUnreconciledCheckpoint(_ context.Context, saleID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cp := range s.checkpoints {
		if cp.SaleID == saleID && cp.Status == domain.CheckpointNeedsReconciliation {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CreateCashSession(_ context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if strings.TrimSpace(session.OrgID) == "" || strings.TrimSpace(session.BranchID) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := branchKey(session.OrgID, session.BranchID)
	if _, exists := s.openSessionByBranch[key]; exists {
		return nil, store.ErrConflict
	}
	if session.ID == "" {
		session.ID = xid.New("cs")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.CashSessionStatusOpen
	session.ClosedAt = nil
	session.ClosingCash = decimal.Zero

	s.cashSessions[session.ID] = session
	s.openSessionByBranch[key] = session.ID
	copySession := session
	return &copySession, nil
}

func (s *Store) CloseCashSession(_ context.Context, orgID string, branchID string, closingCash decimal.Decimal, closedAt time.Time) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := branchKey(orgID, branchID)
	sessionID, exists := s.openSessionByBranch[key]
	if !exists {
		return nil, store.ErrNotFound
	}
	session := s.cashSessions[sessionID]
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	session.Status = domain.CashSessionStatusClosed
	session.ClosingCash = closingCash
	session.ClosedAt = &closedAt

	delete(s.openSessionByBranch, key)
	s.cashSessions[sessionID] = session
	copySession := session
	return &copySession, nil
}

func (s *Store) GetOpenCashSession(_ context.Context, orgID string, branchID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, exists := s.openSessionByBranch[branchKey(orgID, branchID)]
	if !exists {
		return nil, store.ErrNotFound
	}
	session := s.cashSessions[sessionID]
	return &session, nil
}

func (s *Store) CreateCashMovement(_ context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	if movement.Type != domain.MovementTypeIn && movement.Type != domain.MovementTypeOut {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.cashSessions[movement.SessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.CashSessionStatusOpen {
		return nil, store.ErrConflict
	}
	if movement.ID == "" {
		movement.ID = xid.New("cm")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	movement.BranchID = session.BranchID
	s.cashMovements[movement.SessionID] = append(s.cashMovements[movement.SessionID], movement)
	copyMovement := movement
	return &copyMovement, nil
}

func (s *Store) ListCashMovements(_ context.Context, sessionID string) ([]domain.CashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.cashMovements[sessionID]), nil
}

func (s *Store) ApplyStockEntry(_ context.Context, entry domain.StockEntry) (bool, error) {
	if strings.TrimSpace(entry.IdempotencyKey) == "" || entry.Quantity < 1 {
		return false, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, applied := s.stockEntries[entry.IdempotencyKey]; applied {
		return false, nil
	}
	if entry.ID == "" {
		entry.ID = xid.New("stk")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if s.stock[entry.BranchID] == nil {
		s.stock[entry.BranchID] = make(map[string]int)
	}
	s.stock[entry.BranchID][entry.ProductID] += entry.Quantity
	s.stockEntries[entry.IdempotencyKey] = entry
	return true, nil
}

func (s *Store) GetStockLevel(_ context.Context, branchID string, productID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stock[branchID][productID], nil
}

func (s *Store) NextSequence(_ context.Context, orgID string, name string) (int64, error) {
	if strings.TrimSpace(orgID) == "" || strings.TrimSpace(name) == "" {
		return 0, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := orgID + "|" + name
	s.sequences[key]++
	return s.sequences[key], nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, orgID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if orgID != "" && entry.OrgID != orgID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func branchKey(orgID string, branchID string) string {
	return fmt.Sprintf("%s|%s", orgID, branchID)
}

func cloneReturn(src domain.Return) domain.Return {
	dst := src
	dst.Items = slices.Clone(src.Items)
	return dst
}

func cloneCheckpoint(src domain.SettlementCheckpoint) domain.SettlementCheckpoint {
	dst := src
	dst.Steps = slices.Clone(src.Steps)
	if src.PendingReturn != nil {
		pending := cloneReturn(*src.PendingReturn)
		dst.PendingReturn = &pending
	}
	return dst
}
