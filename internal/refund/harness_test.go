package refund

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"kasirinaja/settlement/internal/cashdrawer"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/inventory"
	"kasirinaja/settlement/internal/lock"
	"kasirinaja/settlement/internal/numbering"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/store/memory"
)

var errInjected = errors.New("injected failure")

// faultyRepo fails the named repository calls with the stored error.
type faultyRepo struct {
	store.Repository
	mu   sync.Mutex
	fail map[string]error
}

func (r *faultyRepo) failWith(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[method] = err
}

func (r *faultyRepo) heal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = map[string]error{}
}

func (r *faultyRepo) err(method string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fail[method]
}

func (r *faultyRepo) CreateInvoiceLines(ctx context.Context, lines []domain.InvoiceLine) error {
	if err := r.err("CreateInvoiceLines"); err != nil {
		return err
	}
	return r.Repository.CreateInvoiceLines(ctx, lines)
}

func (r *faultyRepo) UpdateInvoiceBalance(ctx context.Context, id string, balance decimal.Decimal, status string) error {
	if err := r.err("UpdateInvoiceBalance"); err != nil {
		return err
	}
	return r.Repository.UpdateInvoiceBalance(ctx, id, balance, status)
}

func (r *faultyRepo) FindReceivableByInvoice(ctx context.Context, invoiceID string) (*domain.ReceivableEntry, error) {
	if err := r.err("FindReceivableByInvoice"); err != nil {
		return nil, err
	}
	return r.Repository.FindReceivableByInvoice(ctx, invoiceID)
}

func (r *faultyRepo) CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error) {
	if err := r.err("CreateReturn"); err != nil {
		return nil, err
	}
	return r.Repository.CreateReturn(ctx, ret)
}

func (r *faultyRepo) CreatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error) {
	if err := r.err("CreatePayment"); err != nil {
		return nil, err
	}
	return r.Repository.CreatePayment(ctx, payment)
}

type staticIdentity struct {
	actor domain.Actor
	err   error
}

func (i staticIdentity) CurrentUser(context.Context) (domain.Actor, error) {
	return i.actor, i.err
}

type countingRecorder struct {
	mu          sync.Mutex
	outcomes    []string
	writes      []string
	sideEffects []string
	reconciled  []string
}

func (r *countingRecorder) SettlementFinished(kind domain.SettlementKind, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, string(kind)+":"+outcome)
}

func (r *countingRecorder) SettlementWriteFailed(entity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, entity)
}

func (r *countingRecorder) SideEffectFailed(effect string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sideEffects = append(r.sideEffects, effect)
}

func (r *countingRecorder) Reconciled(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconciled = append(r.reconciled, outcome)
}

type harness struct {
	mem    *memory.Store
	repo   *faultyRepo
	locker *lock.LocalLocker
	rec    *countingRecorder
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, memory.NewSeeded(nil), nil)
}

func newHarnessWith(t *testing.T, mem *memory.Store, notifier Notifier) *harness {
	t.Helper()
	h := &harness{
		mem:    mem,
		repo:   &faultyRepo{Repository: mem, fail: map[string]error{}},
		locker: lock.NewLocalLocker(),
		rec:    &countingRecorder{},
	}
	h.engine = NewEngine(h.repo, Dependencies{
		Stock:     inventory.New(mem, nil),
		Cash:      cashdrawer.New(mem, nil),
		Identity:  staticIdentity{actor: domain.Actor{Username: "manager", Role: "manager", OrgID: memory.DemoOrgID, BranchID: memory.DemoBranchID}},
		Numbering: numbering.New(mem),
		Notifier:  notifier,
		Locker:    h.locker,
		Recorder:  h.rec,
	}, DefaultOptions(), zaptest.NewLogger(t))
	return h
}

func fullDemoRequest(method domain.RefundMethod) domain.RefundRequest {
	return domain.RefundRequest{
		RefundMethod: method,
		Reason:       "customer cancelled",
		Items: []domain.RefundItemRequest{
			{SaleItemID: "sli-demo-1", ReturnQuantity: 2, RefundAmount: dec("60"), Reason: "cancelled", AffectsInventory: true},
			{SaleItemID: "sli-demo-2", ReturnQuantity: 4, RefundAmount: dec("40"), Reason: "cancelled", AffectsInventory: true},
		},
	}
}

// partialDemoRequest refunds the four milk cartons: subtotal 40, tax 7.60.
func partialDemoRequest(method domain.RefundMethod) domain.RefundRequest {
	return domain.RefundRequest{
		RefundMethod: method,
		Reason:       "expired",
		TotalRefund:  dec("40"),
		Items: []domain.RefundItemRequest{
			{SaleItemID: "sli-demo-2", ReturnQuantity: 4, RefundAmount: dec("40"), Reason: "expired"},
		},
	}
}
