package refund

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"kasirinaja/settlement/internal/domain"
)

// sagaStep is one write of a settlement. forward may fill in the step's
// From/To balances once it has read them. A fatal step aborts the saga and
// compensates earlier steps in reverse order.
type sagaStep struct {
	plan       domain.SettlementStep
	fatal      bool
	forward    func(ctx context.Context, st *domain.SettlementStep) error
	compensate func(ctx context.Context, st *domain.SettlementStep) error
}

type saga struct {
	checkpoint *domain.SettlementCheckpoint
	persist    func(ctx context.Context, cp *domain.SettlementCheckpoint)
	log        *zap.Logger
}

// run executes the steps in order. Non-fatal failures come back as warnings;
// a fatal failure returns an error after compensation.
func (s *saga) run(ctx context.Context, steps []sagaStep) ([]*SettlementWriteError, error) {
	cp := s.checkpoint
	cp.Steps = make([]domain.SettlementStep, len(steps))
	for i, step := range steps {
		cp.Steps[i] = step.plan
		cp.Steps[i].State = domain.StepPending
	}
	cp.Status = domain.CheckpointInProgress
	s.persist(ctx, cp)

	var warnings []*SettlementWriteError
	for i, step := range steps {
		st := &cp.Steps[i]
		err := step.forward(ctx, st)
		if err == nil {
			st.State = domain.StepDone
			s.log.Debug("settlement step done", zap.String("step", st.Name), zap.String("entity_id", st.EntityID))
			s.persist(ctx, cp)
			continue
		}

		st.State = domain.StepFailed
		st.Error = err.Error()
		if step.fatal {
			s.log.Error("settlement step failed, aborting", zap.String("step", st.Name), zap.Error(err))
			s.compensate(ctx, steps, i)
			cp.Status = domain.CheckpointAborted
			s.persist(ctx, cp)
			return nil, fmt.Errorf("settlement %s aborted at %s: %w", cp.ID, st.Name, err)
		}

		s.log.Warn("settlement write failed", zap.String("step", st.Name), zap.String("entity", st.Entity), zap.String("entity_id", st.EntityID), zap.Error(err))
		warnings = append(warnings, &SettlementWriteError{Step: st.Name, Entity: st.Entity, EntityID: st.EntityID, Err: err})
		s.persist(ctx, cp)
	}

	if len(warnings) > 0 {
		cp.Status = domain.CheckpointNeedsReconciliation
	}
	return warnings, nil
}

func (s *saga) compensate(ctx context.Context, steps []sagaStep, failed int) {
	cp := s.checkpoint
	for j := failed - 1; j >= 0; j-- {
		st := &cp.Steps[j]
		if steps[j].compensate == nil || st.State != domain.StepDone {
			continue
		}
		if err := steps[j].compensate(ctx, st); err != nil {
			st.Error = "compensation failed: " + err.Error()
			s.log.Error("settlement compensation failed", zap.String("step", st.Name), zap.String("entity_id", st.EntityID), zap.Error(err))
			continue
		}
		st.State = domain.StepCompensated
	}
}
