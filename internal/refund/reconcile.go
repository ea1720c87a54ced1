package refund

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/lock"
	"kasirinaja/settlement/internal/store"
)

// errBalanceMoved marks a balance that changed since the settlement planned its
// write. Those steps are left for a person to look at.
var errBalanceMoved = errors.New("balance moved since settlement")

// Reconcile resumes settlements left in needs_reconciliation. Failed balance
// writes are retried only while the entity still holds the balance the
// settlement saw; a missing return record is written and its side effects fired.
func (e *Engine) Reconcile(ctx context.Context, orgID string, limit int) (domain.ReconcileReport, error) {
	checkpoints, err := e.repo.ListCheckpoints(ctx, orgID, domain.CheckpointNeedsReconciliation, limit)
	if err != nil {
		return domain.ReconcileReport{}, fmt.Errorf("list checkpoints: %w", err)
	}

	report := domain.ReconcileReport{Outcomes: make([]domain.ReconcileOutcome, 0, len(checkpoints))}
	for i := range checkpoints {
		outcome := e.reconcileOne(ctx, &checkpoints[i])
		report.Scanned++
		if outcome.Status == domain.CheckpointCompleted {
			report.Resolved++
		}
		e.recorder.Reconciled(string(outcome.Status))
		report.Outcomes = append(report.Outcomes, outcome)
	}
	return report, nil
}

func (e *Engine) reconcileOne(ctx context.Context, cp *domain.SettlementCheckpoint) domain.ReconcileOutcome {
	log := e.log.With(zap.String("checkpoint_id", cp.ID), zap.String("sale_id", cp.SaleID))
	outcome := domain.ReconcileOutcome{CheckpointID: cp.ID, SaleID: cp.SaleID, Status: cp.Status}

	release, err := e.locker.Acquire(ctx, saleLockKey(cp.OrgID, cp.SaleID), e.opts.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			err = ErrSettlementBusy
		}
		outcome.Unresolved = append(outcome.Unresolved, err.Error())
		return outcome
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to release settlement lock", zap.Error(err))
		}
	}()

	for i := range cp.Steps {
		st := &cp.Steps[i]
		if st.State != domain.StepFailed {
			continue
		}
		if err := e.resumeStep(ctx, cp, st); err != nil {
			st.Error = err.Error()
			outcome.Unresolved = append(outcome.Unresolved, st.Name+": "+err.Error())
			log.Warn("settlement step still unresolved", zap.String("step", st.Name), zap.Error(err))
			continue
		}
		st.State = domain.StepDone
		st.Error = ""
		outcome.Repaired = append(outcome.Repaired, st.Name)
	}

	if cp.ReturnID == "" && cp.PendingReturn != nil {
		if err := e.writePendingReturn(ctx, cp); err != nil {
			outcome.Unresolved = append(outcome.Unresolved, "return_record: "+err.Error())
			log.Warn("pending return still not written", zap.Error(err))
		} else {
			outcome.Repaired = append(outcome.Repaired, "return_record")
		}
	}

	if cp.ReturnID != "" && allStepsDone(cp) {
		cp.Status = domain.CheckpointCompleted
		cp.PendingReturn = nil
	}
	e.persistCheckpoint(ctx, cp)

	if drift := e.receivableDrift(ctx, cp); drift != "" {
		outcome.Unresolved = append(outcome.Unresolved, drift)
	}
	outcome.Status = cp.Status
	log.Info("settlement reconciled", zap.String("status", string(cp.Status)), zap.Strings("repaired", outcome.Repaired))
	return outcome
}

func (e *Engine) resumeStep(ctx context.Context, cp *domain.SettlementCheckpoint, st *domain.SettlementStep) error {
	switch st.Entity {
	case domain.EntitySale:
		if st.Name == stepSaleStatus {
			return e.repo.UpdateSaleStatus(ctx, cp.SaleID, st.ToStatus)
		}
		sale, err := e.repo.GetSale(ctx, cp.OrgID, cp.SaleID)
		if err != nil {
			return err
		}
		target, applied, err := resolveTarget(cp.Kind, st, sale.Balance)
		if err != nil || applied {
			return err
		}
		return e.repo.UpdateSaleBalance(ctx, cp.SaleID, target, st.ToStatus)

	case domain.EntityInvoice:
		inv, err := e.repo.GetInvoice(ctx, cp.OrgID, cp.InvoiceID)
		if err != nil {
			return err
		}
		target, applied, err := resolveTarget(cp.Kind, st, inv.Balance)
		if err != nil || applied {
			return err
		}
		status := st.ToStatus
		if cp.Kind == domain.SettlementPartial {
			status = invoiceStatusFor(target)
		}
		return e.repo.UpdateInvoiceBalance(ctx, cp.InvoiceID, target, status)

	case domain.EntityReceivable:
		rec, err := e.repo.FindReceivableByInvoice(ctx, cp.InvoiceID)
		if err != nil {
			return err
		}
		st.EntityID = rec.ID
		target, applied, err := resolveTarget(cp.Kind, st, rec.Balance)
		if err != nil || applied {
			return err
		}
		status := st.ToStatus
		if cp.Kind == domain.SettlementPartial {
			status = receivableStatusFor(target)
		}
		return e.repo.UpdateReceivableBalance(ctx, rec.ID, target, status)
	}
	return fmt.Errorf("step %s cannot be resumed", st.Name)
}

// resolveTarget decides the balance to write for a failed step. Full
// settlements always target zero. A planned partial step is applied only while
// the entity still holds FromBalance; an unplanned one never read the entity,
// so its write never happened and Delta is applied to the current balance.
func resolveTarget(kind domain.SettlementKind, st *domain.SettlementStep, current decimal.Decimal) (decimal.Decimal, bool, error) {
	if kind == domain.SettlementFull {
		return st.ToBalance, false, nil
	}
	if !st.Planned {
		st.FromBalance = current
		st.ToBalance = clampZero(current.Sub(st.Delta))
		st.Planned = true
		return st.ToBalance, false, nil
	}
	if current.Equal(st.ToBalance) {
		return st.ToBalance, true, nil
	}
	if current.Equal(st.FromBalance) {
		return st.ToBalance, false, nil
	}
	return decimal.Zero, false, fmt.Errorf("%w: expected %s, found %s", errBalanceMoved, st.FromBalance.StringFixed(2), current.StringFixed(2))
}

func (e *Engine) writePendingReturn(ctx context.Context, cp *domain.SettlementCheckpoint) error {
	pending := *cp.PendingReturn
	saved, err := e.repo.CreateReturn(ctx, pending)
	switch {
	case errors.Is(err, store.ErrConflict):
		// the original write landed after all
		cp.ReturnID = pending.ID
		return nil
	case err != nil:
		return err
	}
	cp.ReturnID = saved.ID

	sale, err := e.repo.GetSale(ctx, cp.OrgID, cp.SaleID)
	if err != nil {
		e.log.Warn("side effects skipped for reconciled return", zap.String("return_id", saved.ID), zap.Error(err))
		return nil
	}
	inv, err := e.repo.GetInvoice(ctx, cp.OrgID, cp.InvoiceID)
	if err != nil {
		inv = nil
	}
	e.dispatcher.Dispatch(ctx, dispatchInput{
		sale:    *sale,
		invoice: inv,
		ret:     *saved,
		kind:    cp.Kind,
		amount:  dispatchAmount(cp.Kind, *sale, *saved),
		actor:   domain.Actor{Username: saved.UserID},
	})
	return nil
}

// receivableDrift reports an invoice and receivable that no longer agree.
func (e *Engine) receivableDrift(ctx context.Context, cp *domain.SettlementCheckpoint) string {
	inv, err := e.repo.GetInvoice(ctx, cp.OrgID, cp.InvoiceID)
	if err != nil {
		return ""
	}
	rec, err := e.repo.FindReceivableByInvoice(ctx, cp.InvoiceID)
	if err != nil {
		return ""
	}
	if withinEpsilon(inv.Balance, rec.Balance) {
		return ""
	}
	return fmt.Sprintf("invoice %s balance %s differs from receivable %s balance %s",
		inv.ID, inv.Balance.StringFixed(2), rec.ID, rec.Balance.StringFixed(2))
}

func allStepsDone(cp *domain.SettlementCheckpoint) bool {
	for _, st := range cp.Steps {
		if st.State != domain.StepDone {
			return false
		}
	}
	return true
}
