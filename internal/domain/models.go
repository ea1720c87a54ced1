package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SaleStatusOpen = "open"
	SaleStatusPaid = "paid"
	SaleStatusVoid = "void"

	PaymentStatusPending = "pending"
	PaymentStatusPartial = "partial"
	PaymentStatusPaid    = "paid"

	InvoiceStatusOpen    = "open"
	InvoiceStatusPartial = "partial"
	InvoiceStatusPaid    = "paid"
	InvoiceStatusIssued  = "issued"
	InvoiceStatusVoid    = "void"

	ReceivableStatusCurrent = "current"
	ReceivableStatusPaid    = "paid"

	ReturnStatusPending   = "pending"
	ReturnStatusProcessed = "processed"
	ReturnStatusCancelled = "cancelled"

	CashSessionStatusOpen   = "open"
	CashSessionStatusClosed = "closed"

	MovementTypeIn  = "in"
	MovementTypeOut = "out"
)

type Sale struct {
	ID            string          `json:"id"`
	OrgID         string          `json:"org_id"`
	BranchID      string          `json:"branch_id"`
	CustomerID    string          `json:"customer_id,omitempty"`
	Number        string          `json:"number"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxTotal      decimal.Decimal `json:"tax_total"`
	Total         decimal.Decimal `json:"total"`
	Balance       decimal.Decimal `json:"balance"`
	Status        string          `json:"status"`
	PaymentStatus string          `json:"payment_status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SaleLineItem never stores how much of it was returned; that figure is always
// summed from processed returns.
type SaleLineItem struct {
	ID             string          `json:"id"`
	SaleID         string          `json:"sale_id"`
	ProductID      string          `json:"product_id"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Total          decimal.Decimal `json:"total"`
}

type Product struct {
	ID    string          `json:"id"`
	OrgID string          `json:"org_id"`
	SKU   string          `json:"sku"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type Payment struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"org_id"`
	SaleID    string          `json:"sale_id"`
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type Invoice struct {
	ID               string          `json:"id"`
	OrgID            string          `json:"org_id"`
	SaleID           string          `json:"sale_id,omitempty"`
	CustomerID       string          `json:"customer_id,omitempty"`
	Number           string          `json:"number"`
	DocumentType     DocumentType    `json:"document_type,omitempty"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	TaxTotal         decimal.Decimal `json:"tax_total"`
	Total            decimal.Decimal `json:"total"`
	Balance          decimal.Decimal `json:"balance"`
	Status           string          `json:"status"`
	RelatedInvoiceID string          `json:"related_invoice_id,omitempty"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	Notes            string          `json:"notes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Lines            []InvoiceLine   `json:"lines,omitempty"`
}

type InvoiceLine struct {
	ID          string          `json:"id"`
	InvoiceID   string          `json:"invoice_id"`
	ProductID   string          `json:"product_id"`
	Description string          `json:"description"`
	Quantity    int             `json:"qty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	TotalLine   decimal.Decimal `json:"total_line"`
}

type ReceivableEntry struct {
	ID         string          `json:"id"`
	OrgID      string          `json:"org_id"`
	InvoiceID  string          `json:"invoice_id"`
	CustomerID string          `json:"customer_id,omitempty"`
	Balance    decimal.Decimal `json:"balance"`
	Status     string          `json:"status"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type Return struct {
	ID             string          `json:"id"`
	OrgID          string          `json:"org_id"`
	SaleID         string          `json:"sale_id"`
	UserID         string          `json:"user_id"`
	TotalRefund    decimal.Decimal `json:"total_refund"`
	TaxRefund      decimal.Decimal `json:"tax_refund"`
	RefundMethod   RefundMethod    `json:"refund_method"`
	SettlementKind SettlementKind  `json:"settlement_kind"`
	Reason         string          `json:"reason"`
	Notes          string          `json:"notes,omitempty"`
	Status         string          `json:"status"`
	ReturnDate     time.Time       `json:"return_date"`
	CreditNoteID   string          `json:"credit_note_id,omitempty"`
	CheckpointID   string          `json:"checkpoint_id,omitempty"`
	Items          []ReturnItem    `json:"items"`
}

type ReturnItem struct {
	ID               string          `json:"id"`
	ReturnID         string          `json:"return_id"`
	SaleItemID       string          `json:"sale_item_id"`
	ProductID        string          `json:"product_id"`
	Quantity         int             `json:"quantity"`
	RefundAmount     decimal.Decimal `json:"refund_amount"`
	Reason           string          `json:"reason"`
	AffectsInventory bool            `json:"affects_inventory"`
}

type CashSession struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	BranchID     string          `json:"branch_id"`
	OpenedBy     string          `json:"opened_by"`
	OpeningFloat decimal.Decimal `json:"opening_float"`
	ClosingCash  decimal.Decimal `json:"closing_cash"`
	Status       string          `json:"status"`
	OpenedAt     time.Time       `json:"opened_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
}

type CashMovement struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	BranchID    string          `json:"branch_id"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Concept     string          `json:"concept"`
	ReferenceID string          `json:"reference_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type CashSessionOpenRequest struct {
	BranchID     string          `json:"branch_id"`
	OpeningFloat decimal.Decimal `json:"opening_float"`
}

type CashSessionCloseRequest struct {
	BranchID    string          `json:"branch_id"`
	ClosingCash decimal.Decimal `json:"closing_cash"`
}

type CashSessionResponse struct {
	Session      CashSession     `json:"session"`
	Movements    []CashMovement  `json:"movements"`
	ExpectedCash decimal.Decimal `json:"expected_cash"`
}

// StockEntry is one restock applied to a branch. IdempotencyKey is unique per
// store; a repeated key is never applied twice.
type StockEntry struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"org_id"`
	BranchID       string    `json:"branch_id"`
	ProductID      string    `json:"product_id"`
	Quantity       int       `json:"quantity"`
	SourceType     string    `json:"source_type"`
	SourceID       string    `json:"source_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	OrgID         string    `json:"org_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	OrgID       string `json:"org_id"`
	BranchID    string `json:"branch_id"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
	OrgID    string
	BranchID string
}

type UserAccount struct {
	Username  string
	Password  string
	Role      string
	OrgID     string
	BranchID  string
	Active    bool
	CreatedAt time.Time
}
