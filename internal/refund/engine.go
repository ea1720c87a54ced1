package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/lock"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/xid"
)

// invoiceLookups is tried in order: rows typed as invoices first, then legacy
// rows whose document_type is NULL.
var invoiceLookups = []domain.DocumentType{domain.DocumentInvoice, domain.DocumentUntyped}

type Options struct {
	LockTTL            time.Duration
	BlockUnreconciled  bool
	CreditNoteValidity time.Duration
}

func DefaultOptions() Options {
	return Options{
		LockTTL:            30 * time.Second,
		BlockUnreconciled:  true,
		CreditNoteValidity: 365 * 24 * time.Hour,
	}
}

// Dependencies are the collaborators of the engine. Stock, Cash, Identity and
// Numbering are required; the rest fall back to in-process defaults.
type Dependencies struct {
	Stock     StockEngine
	Cash      CashSessions
	Identity  Identity
	Numbering Numbering
	Notifier  Notifier
	Locker    lock.Locker
	Recorder  Recorder
}

type Engine struct {
	repo       store.Repository
	ledger     *LedgerReader
	dispatcher *Dispatcher
	identity   Identity
	numbering  Numbering
	locker     lock.Locker
	recorder   Recorder
	opts       Options
	now        func() time.Time
	log        *zap.Logger
}

// settlement carries the state of one ProcessReturn call between the steps.
type settlement struct {
	orgID      string
	actor      domain.Actor
	ledger     *Ledger
	invoice    *domain.Invoice
	refund     ValidatedRefund
	split      TaxSplit
	kind       domain.SettlementKind
	creditNote *domain.Invoice
}

func NewEngine(repo store.Repository, deps Dependencies, opts Options, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	defaults := DefaultOptions()
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaults.LockTTL
	}
	if opts.CreditNoteValidity <= 0 {
		opts.CreditNoteValidity = defaults.CreditNoteValidity
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}

	e := &Engine{
		repo:      repo,
		ledger:    NewLedgerReader(repo),
		identity:  deps.Identity,
		numbering: deps.Numbering,
		locker:    deps.Locker,
		recorder:  deps.Recorder,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.Named("refund"),
	}
	e.dispatcher = &Dispatcher{
		repo:               repo,
		cash:               deps.Cash,
		stock:              deps.Stock,
		numbering:          deps.Numbering,
		notifier:           deps.Notifier,
		recorder:           deps.Recorder,
		creditNoteValidity: opts.CreditNoteValidity,
		now:                func() time.Time { return e.now() },
		log:                e.log.Named("side-effects"),
	}
	return e
}

// Ledger returns the current ledger of a sale without taking the settlement lock.
func (e *Engine) Ledger(ctx context.Context, orgID string, saleID string) (*Ledger, error) {
	return e.ledger.Read(ctx, orgID, saleID)
}

// ProcessReturn validates a refund against a freshly read ledger, settles it
// through the full or partial path, writes the return record and then fires
// side effects. The returned record is the only success signal; warnings list
// balance writes that failed and were left for reconciliation.
func (e *Engine) ProcessReturn(ctx context.Context, orgID string, saleID string, req domain.RefundRequest) (*domain.ReturnResult, error) {
	log := e.log.With(zap.String("org_id", orgID), zap.String("sale_id", saleID))

	actor, err := e.identity.CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	release, err := e.locker.Acquire(ctx, saleLockKey(orgID, saleID), e.opts.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, ErrSettlementBusy
		}
		return nil, fmt.Errorf("acquire settlement lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to release settlement lock", zap.Error(err))
		}
	}()

	if e.opts.BlockUnreconciled {
		pending, err := e.repo.HasUnreconciledCheckpoint(ctx, saleID)
		if err != nil {
			return nil, fmt.Errorf("check pending settlements: %w", err)
		}
		if pending {
			return nil, ErrNeedsReconciliation
		}
	}

	ledger, err := e.ledger.Read(ctx, orgID, saleID)
	if err != nil {
		return nil, err
	}
	result := &domain.ReturnResult{}
	if partial := ledger.PartialData(); partial != nil {
		log.Warn("ledger read with placeholder data", zap.Error(partial))
		result.Warnings = append(result.Warnings, partial.Error())
	}

	refund, err := Validate(ledger, req)
	if err != nil {
		e.recorder.SettlementFinished("", "rejected")
		return nil, err
	}

	kind := Route(ledger.Sale, refund.Subtotal)
	split := SplitTax(ledger.Sale.Subtotal, ledger.Sale.TaxTotal, refund.Subtotal)
	if kind == domain.SettlementFull {
		split = FullSplit(ledger.Sale)
	}
	if req.Type != "" && req.Type != kind {
		log.Info("requested settlement type overridden", zap.String("requested", string(req.Type)), zap.String("routed", string(kind)))
	}

	invoice, err := e.findSaleInvoice(ctx, orgID, saleID)
	if err != nil {
		return nil, err
	}

	s := &settlement{
		orgID:   orgID,
		actor:   actor,
		ledger:  ledger,
		invoice: invoice,
		refund:  refund,
		split:   split,
		kind:    kind,
	}
	cp := &domain.SettlementCheckpoint{
		ID:        xid.New("stl"),
		OrgID:     orgID,
		BranchID:  ledger.Sale.BranchID,
		SaleID:    saleID,
		InvoiceID: invoice.ID,
		Kind:      kind,
		CreatedAt: e.now(),
	}
	log = log.With(zap.String("checkpoint_id", cp.ID), zap.String("kind", string(kind)))
	log.Info("settling return",
		zap.String("subtotal", split.Subtotal.StringFixed(2)),
		zap.String("tax", split.Tax.StringFixed(2)),
		zap.String("refund_method", string(refund.Method)),
	)

	steps := e.partialSteps(s)
	if kind == domain.SettlementFull {
		steps = e.fullSteps(s)
	}
	sg := &saga{checkpoint: cp, persist: e.persistCheckpoint, log: log}
	writeFailures, err := sg.run(ctx, steps)
	if err != nil {
		e.recorder.SettlementFinished(kind, "aborted")
		return nil, err
	}
	for _, failure := range writeFailures {
		e.recorder.SettlementWriteFailed(failure.Entity)
		result.Warnings = append(result.Warnings, failure.Error())
	}

	ret := e.buildReturn(s, cp)
	saved, err := e.repo.CreateReturn(ctx, ret)
	if err != nil {
		cp.PendingReturn = &ret
		cp.Status = domain.CheckpointNeedsReconciliation
		e.persistCheckpoint(ctx, cp)
		e.recorder.SettlementFinished(kind, "audit_failed")
		log.Error("return record write failed after settlement", zap.Error(err))
		return nil, &AuditWriteError{CheckpointID: cp.ID, Err: err}
	}

	cp.ReturnID = saved.ID
	if len(writeFailures) == 0 {
		cp.Status = domain.CheckpointCompleted
	}
	e.persistCheckpoint(ctx, cp)

	effects := e.dispatcher.Dispatch(ctx, dispatchInput{
		sale:    ledger.Sale,
		invoice: invoice,
		ret:     *saved,
		kind:    kind,
		amount:  dispatchAmount(kind, ledger.Sale, *saved),
		actor:   actor,
	})
	for _, failure := range effects.failures {
		result.SideEffectFailures = append(result.SideEffectFailures, failure.Error())
	}

	result.Return = *saved
	result.SettlementKind = kind
	result.Subtotal = split.Subtotal
	result.Tax = split.Tax
	result.TotalWithTax = split.Total
	result.CheckpointID = cp.ID
	result.CreditNote = s.creditNote
	if effects.creditNote != nil {
		result.CreditNote = effects.creditNote
	}

	outcome := "completed"
	if len(writeFailures) > 0 {
		outcome = "completed_with_warnings"
	}
	e.recorder.SettlementFinished(kind, outcome)
	log.Info("return processed", zap.String("return_id", saved.ID), zap.Int("warnings", len(result.Warnings)))
	return result, nil
}

func saleLockKey(orgID string, saleID string) string {
	return "sale:" + orgID + ":" + saleID
}

func (e *Engine) findSaleInvoice(ctx context.Context, orgID string, saleID string) (*domain.Invoice, error) {
	for _, documentType := range invoiceLookups {
		inv, err := e.repo.FindInvoiceBySale(ctx, orgID, saleID, documentType)
		if err == nil {
			return inv, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("find invoice for sale %s: %w", saleID, err)
		}
	}
	return nil, fmt.Errorf("%w: invoice for sale %s", ErrNotFound, saleID)
}

func (e *Engine) buildReturn(s *settlement, cp *domain.SettlementCheckpoint) domain.Return {
	ret := domain.Return{
		ID:             xid.New("ret"),
		OrgID:          s.orgID,
		SaleID:         s.ledger.Sale.ID,
		UserID:         s.actor.Username,
		TotalRefund:    s.refund.Subtotal,
		TaxRefund:      s.split.Tax,
		RefundMethod:   s.refund.Method,
		SettlementKind: s.kind,
		Reason:         s.refund.Reason,
		Notes:          s.refund.Notes,
		Status:         domain.ReturnStatusProcessed,
		ReturnDate:     e.now(),
		CheckpointID:   cp.ID,
		Items:          make([]domain.ReturnItem, 0, len(s.refund.Items)),
	}
	if s.creditNote != nil {
		ret.CreditNoteID = s.creditNote.ID
	}
	for _, item := range s.refund.Items {
		ret.Items = append(ret.Items, domain.ReturnItem{
			SaleItemID:       item.SaleItemID,
			ProductID:        item.ProductID,
			Quantity:         item.ReturnQuantity,
			RefundAmount:     item.RefundAmount,
			Reason:           item.Reason,
			AffectsInventory: item.AffectsInventory,
		})
	}
	return ret
}

func (e *Engine) persistCheckpoint(ctx context.Context, cp *domain.SettlementCheckpoint) {
	cp.UpdatedAt = e.now()
	if err := e.repo.SaveCheckpoint(ctx, *cp); err != nil {
		e.log.Warn("failed to persist settlement checkpoint", zap.String("checkpoint_id", cp.ID), zap.String("status", string(cp.Status)), zap.Error(err))
	}
}
