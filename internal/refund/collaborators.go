package refund

import (
	"context"

	"kasirinaja/settlement/internal/domain"
)

// StockEngine puts returned goods back on hand. Every item carries an
// idempotency key; re-sending a key must not restock twice.
type StockEngine interface {
	RestockItems(ctx context.Context, req domain.RestockRequest) error
}

// CashSessions is the cash drawer. FindOpenSession returns an error wrapping
// store.ErrNotFound when the branch has no open session.
type CashSessions interface {
	FindOpenSession(ctx context.Context, orgID string, branchID string) (*domain.CashSession, error)
	RecordMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error)
}

type Identity interface {
	CurrentUser(ctx context.Context) (domain.Actor, error)
}

type Numbering interface {
	NextCreditNoteNumber(ctx context.Context, orgID string) (string, error)
}

type Notifier interface {
	ReturnProcessed(ctx context.Context, n domain.ReturnNotification) error
}

// Recorder receives settlement outcomes for metrics.
type Recorder interface {
	SettlementFinished(kind domain.SettlementKind, outcome string)
	SettlementWriteFailed(entity string)
	SideEffectFailed(effect string)
	Reconciled(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) SettlementFinished(domain.SettlementKind, string) {}
func (nopRecorder) SettlementWriteFailed(string)                     {}
func (nopRecorder) SideEffectFailed(string)                          {}
func (nopRecorder) Reconciled(string)                                {}

type nopNotifier struct{}

func (nopNotifier) ReturnProcessed(context.Context, domain.ReturnNotification) error { return nil }
