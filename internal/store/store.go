package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/settlement/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
)

type SaleReader interface {
	GetSale(ctx context.Context, orgID string, saleID string) (*domain.Sale, error)
	ListSaleItems(ctx context.Context, saleID string) ([]domain.SaleLineItem, error)
	GetProductsByIDs(ctx context.Context, orgID string, ids []string) (map[string]domain.Product, error)
	ListPayments(ctx context.Context, saleID string) ([]domain.Payment, error)
	// GetReturnedQtyBySale sums item quantities of processed returns only.
	GetReturnedQtyBySale(ctx context.Context, saleID string) (map[string]int, error)
	ListReturnsBySale(ctx context.Context, orgID string, saleID string) ([]domain.Return, error)
}

type SettlementWriter interface {
	// FindInvoiceBySale matches document_type exactly; DocumentUntyped matches NULL.
	FindInvoiceBySale(ctx context.Context, orgID string, saleID string, documentType domain.DocumentType) (*domain.Invoice, error)
	GetInvoice(ctx context.Context, orgID string, invoiceID string) (*domain.Invoice, error)
	CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error)
	CreateInvoiceLines(ctx context.Context, lines []domain.InvoiceLine) error
	ListInvoiceLines(ctx context.Context, invoiceID string) ([]domain.InvoiceLine, error)
	DeleteInvoice(ctx context.Context, invoiceID string) error
	UpdateInvoiceBalance(ctx context.Context, invoiceID string, balance decimal.Decimal, status string) error
	// UpdateSaleBalance leaves payment_status untouched when paymentStatus is empty.
	UpdateSaleBalance(ctx context.Context, saleID string, balance decimal.Decimal, paymentStatus string) error
	UpdateSaleStatus(ctx context.Context, saleID string, status string) error
	FindReceivableByInvoice(ctx context.Context, invoiceID string) (*domain.ReceivableEntry, error)
	UpdateReceivableBalance(ctx context.Context, receivableID string, balance decimal.Decimal, status string) error
	CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error)
	CreatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error)
}

type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, checkpoint domain.SettlementCheckpoint) error
	GetCheckpoint(ctx context.Context, checkpointID string) (*domain.SettlementCheckpoint, error)
	ListCheckpoints(ctx context.Context, orgID string, status domain.CheckpointStatus, limit int) ([]domain.SettlementCheckpoint, error)
	HasUnreconciledCheckpoint(ctx context.Context, saleID string) (bool, error)
}

type CashStore interface {
	CreateCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	CloseCashSession(ctx context.Context, orgID string, branchID string, closingCash decimal.Decimal, closedAt time.Time) (*domain.CashSession, error)
	GetOpenCashSession(ctx context.Context, orgID string, branchID string) (*domain.CashSession, error)
	CreateCashMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error)
	ListCashMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error)
}

type StockStore interface {
	// ApplyStockEntry returns false without changing stock when the entry's
	// idempotency key was already applied.
	ApplyStockEntry(ctx context.Context, entry domain.StockEntry) (bool, error)
	GetStockLevel(ctx context.Context, branchID string, productID string) (int, error)
}

type Repository interface {
	SaleReader
	SettlementWriter
	CheckpointStore
	CashStore
	StockStore
	NextSequence(ctx context.Context, orgID string, name string) (int64, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, orgID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
