package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementKind is decided by the engine from the sale total; the type sent by
// the client is informational only.
type SettlementKind string

const (
	SettlementFull    SettlementKind = "full"
	SettlementPartial SettlementKind = "partial"
)

func (k SettlementKind) IsValid() bool {
	return k == SettlementFull || k == SettlementPartial
}

type RefundMethod string

const (
	RefundMethodCash       RefundMethod = "cash"
	RefundMethodCreditNote RefundMethod = "credit_note"
	RefundMethodOriginal   RefundMethod = "original_method"
)

func (m RefundMethod) IsValid() bool {
	switch m {
	case RefundMethodCash, RefundMethodCreditNote, RefundMethodOriginal:
		return true
	default:
		return false
	}
}

// MovesCash reports whether the method pays money back out of the till.
func (m RefundMethod) MovesCash() bool {
	return m == RefundMethodCash || m == RefundMethodOriginal
}

// DocumentType of an invoice row. Rows written before the column existed carry
// NULL, represented here by DocumentUntyped.
type DocumentType string

const (
	DocumentUntyped    DocumentType = ""
	DocumentInvoice    DocumentType = "invoice"
	DocumentCreditNote DocumentType = "credit_note"
)

type RefundItemRequest struct {
	SaleItemID       string          `json:"sale_item_id"`
	ProductID        string          `json:"product_id"`
	ReturnQuantity   int             `json:"return_quantity"`
	RefundAmount     decimal.Decimal `json:"refund_amount"`
	Reason           string          `json:"reason"`
	AffectsInventory bool            `json:"affects_inventory"`
}

type RefundRequest struct {
	Type         SettlementKind      `json:"type,omitempty"`
	Items        []RefundItemRequest `json:"items"`
	RefundMethod RefundMethod        `json:"refund_method"`
	TotalRefund  decimal.Decimal     `json:"total_refund"`
	Reason       string              `json:"reason"`
	Notes        string              `json:"notes,omitempty"`
	ManagerPIN   string              `json:"manager_pin,omitempty"`
}

type ReturnResult struct {
	Return         Return          `json:"return"`
	SettlementKind SettlementKind  `json:"settlement_kind"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Tax            decimal.Decimal `json:"tax"`
	TotalWithTax   decimal.Decimal `json:"total_with_tax"`
	CreditNote     *Invoice        `json:"credit_note,omitempty"`
	CheckpointID   string          `json:"checkpoint_id"`
	Warnings       []string        `json:"warnings,omitempty"`

	// SideEffectFailures are kept off the wire; the operator only sees the
	// settlement outcome.
	SideEffectFailures []string `json:"-"`
}

type LedgerLine struct {
	SaleLineItem
	ProductName      string `json:"product_name"`
	ProductSKU       string `json:"product_sku"`
	ReturnedQuantity int    `json:"returned_quantity"`
	ReturnableQty    int    `json:"returnable_quantity"`
}

type LedgerView struct {
	Sale     Sale         `json:"sale"`
	Lines    []LedgerLine `json:"lines"`
	Payments []Payment    `json:"payments"`
	Returns  []Return     `json:"returns"`
	Warnings []string     `json:"warnings,omitempty"`
}

type ReturnHistoryResponse struct {
	SaleID  string   `json:"sale_id"`
	Returns []Return `json:"returns"`
}

type RestockItem struct {
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key"`
}

type RestockRequest struct {
	OrgID       string        `json:"org_id"`
	BranchID    string        `json:"branch_id"`
	ReferenceID string        `json:"reference_id"`
	Items       []RestockItem `json:"items"`
}

type ReturnNotification struct {
	OrgID        string          `json:"org_id"`
	BranchID     string          `json:"branch_id"`
	SaleID       string          `json:"sale_id"`
	ReturnID     string          `json:"return_id"`
	Kind         SettlementKind  `json:"kind"`
	RefundMethod RefundMethod    `json:"refund_method"`
	Amount       decimal.Decimal `json:"amount"`
	ProcessedBy  string          `json:"processed_by"`
	At           time.Time       `json:"at"`
}

type CheckpointStatus string

const (
	CheckpointInProgress          CheckpointStatus = "in_progress"
	CheckpointCompleted           CheckpointStatus = "completed"
	CheckpointNeedsReconciliation CheckpointStatus = "needs_reconciliation"
	CheckpointAborted             CheckpointStatus = "aborted"
)

func (s CheckpointStatus) IsTerminal() bool {
	return s == CheckpointCompleted || s == CheckpointAborted
}

type StepState string

const (
	StepPending     StepState = "pending"
	StepDone        StepState = "done"
	StepFailed      StepState = "failed"
	StepCompensated StepState = "compensated"
)

const (
	EntitySale       = "sale"
	EntityInvoice    = "invoice"
	EntityReceivable = "receivable"
	EntityCreditNote = "credit_note"
)

// SettlementStep records one write of a settlement. Planned is set once the
// step has read the balance it is about to replace, so FromBalance/ToBalance
// can be trusted by reconciliation. Delta is what a balance step subtracts.
type SettlementStep struct {
	Name        string          `json:"name"`
	Entity      string          `json:"entity"`
	EntityID    string          `json:"entity_id"`
	Planned     bool            `json:"planned"`
	FromBalance decimal.Decimal `json:"from_balance"`
	ToBalance   decimal.Decimal `json:"to_balance"`
	Delta       decimal.Decimal `json:"delta"`
	ToStatus    string          `json:"to_status,omitempty"`
	State       StepState       `json:"state"`
	Error       string          `json:"error,omitempty"`
}

type SettlementCheckpoint struct {
	ID            string           `json:"id"`
	OrgID         string           `json:"org_id"`
	BranchID      string           `json:"branch_id"`
	SaleID        string           `json:"sale_id"`
	InvoiceID     string           `json:"invoice_id"`
	Kind          SettlementKind   `json:"kind"`
	Status        CheckpointStatus `json:"status"`
	Steps         []SettlementStep `json:"steps"`
	PendingReturn *Return          `json:"pending_return,omitempty"`
	ReturnID      string           `json:"return_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

type ReconcileRequest struct {
	Limit int `json:"limit"`
}

type ReconcileOutcome struct {
	CheckpointID string           `json:"checkpoint_id"`
	SaleID       string           `json:"sale_id"`
	Status       CheckpointStatus `json:"status"`
	Repaired     []string         `json:"repaired,omitempty"`
	Unresolved   []string         `json:"unresolved,omitempty"`
}

type ReconcileReport struct {
	Scanned  int                `json:"scanned"`
	Resolved int                `json:"resolved"`
	Outcomes []ReconcileOutcome `json:"outcomes"`
}
