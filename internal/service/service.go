package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"kasirinaja/settlement/internal/cashdrawer"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/logger"
	"kasirinaja/settlement/internal/refund"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/xid"
)

var (
	ErrNoActor        = errors.New("no actor in context")
	ErrInvalidRequest = errors.New("invalid request")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// ContextIdentity resolves the current user from the request context.
type ContextIdentity struct{}

func (ContextIdentity) CurrentUser(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.Username) == "" {
		return domain.Actor{}, ErrNoActor
	}
	return actor, nil
}

type Service struct {
	repo         store.Repository
	engine       *refund.Engine
	drawer       *cashdrawer.Drawer
	defaultOrgID string
	log          *zap.Logger
}

func New(repo store.Repository, engine *refund.Engine, drawer *cashdrawer.Drawer, defaultOrgID string, log *zap.Logger) *Service {
	if defaultOrgID == "" {
		defaultOrgID = "org-main"
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Service{
		repo:         repo,
		engine:       engine,
		drawer:       drawer,
		defaultOrgID: defaultOrgID,
		log:          log.Named("service"),
	}
}

func (s *Service) orgID(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.OrgID != "" {
		return actor.OrgID
	}
	return s.defaultOrgID
}

func (s *Service) ProcessReturn(ctx context.Context, saleID string, req domain.RefundRequest) (domain.ReturnResult, error) {
	orgID := s.orgID(ctx)
	if strings.TrimSpace(saleID) == "" {
		return domain.ReturnResult{}, ErrInvalidRequest
	}

	result, err := s.engine.ProcessReturn(ctx, orgID, saleID, req)
	if err != nil {
		logger.FromContext(ctx).Info("return not settled", zap.String("sale_id", saleID), zap.Error(err))
		var auditErr *refund.AuditWriteError
		if errors.As(err, &auditErr) {
			s.logAudit(ctx, orgID, "return_record_failed", "settlement_checkpoint", auditErr.CheckpointID, auditErr.Err.Error())
		}
		return domain.ReturnResult{}, err
	}

	ret := result.Return
	s.logAudit(ctx, orgID, "return_processed", "return", ret.ID, fmt.Sprintf(
		"sale=%s kind=%s method=%s subtotal=%s tax=%s",
		saleID, result.SettlementKind, ret.RefundMethod, result.Subtotal.StringFixed(2), result.Tax.StringFixed(2),
	))
	if len(result.Warnings) > 0 {
		s.logAudit(ctx, orgID, "settlement_needs_reconciliation", "settlement_checkpoint", result.CheckpointID, strings.Join(result.Warnings, "; "))
	}
	if len(result.SideEffectFailures) > 0 {
		s.logAudit(ctx, orgID, "return_side_effects_failed", "return", ret.ID, strings.Join(result.SideEffectFailures, "; "))
	}
	if result.CreditNote != nil {
		s.logAudit(ctx, orgID, "credit_note_issued", "invoice", result.CreditNote.ID, result.CreditNote.Number)
	}

	return *result, nil
}

func (s *Service) LedgerView(ctx context.Context, saleID string) (domain.LedgerView, error) {
	orgID := s.orgID(ctx)
	ledger, err := s.engine.Ledger(ctx, orgID, saleID)
	if err != nil {
		return domain.LedgerView{}, err
	}
	returns, err := s.repo.ListReturnsBySale(ctx, orgID, saleID)
	if err != nil {
		return domain.LedgerView{}, err
	}
	return ledger.View(returns), nil
}

func (s *Service) ReturnHistory(ctx context.Context, saleID string) (domain.ReturnHistoryResponse, error) {
	orgID := s.orgID(ctx)
	if _, err := s.repo.GetSale(ctx, orgID, saleID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.ReturnHistoryResponse{}, fmt.Errorf("%w: sale %s", refund.ErrNotFound, saleID)
		}
		return domain.ReturnHistoryResponse{}, err
	}
	returns, err := s.repo.ListReturnsBySale(ctx, orgID, saleID)
	if err != nil {
		return domain.ReturnHistoryResponse{}, err
	}
	return domain.ReturnHistoryResponse{SaleID: saleID, Returns: returns}, nil
}

func (s *Service) OpenCashSession(ctx context.Context, req domain.CashSessionOpenRequest) (domain.CashSessionResponse, error) {
	orgID := s.orgID(ctx)
	actor, _ := ActorFromContext(ctx)
	if req.BranchID == "" {
		req.BranchID = actor.BranchID
	}

	resp, err := s.drawer.Open(ctx, orgID, defaultString(actor.Username, "system"), req)
	if err != nil {
		return domain.CashSessionResponse{}, err
	}
	s.logAudit(ctx, orgID, "cash_session_open", "cash_session", resp.Session.ID, "opening_float="+req.OpeningFloat.StringFixed(2))
	return resp, nil
}

func (s *Service) CloseCashSession(ctx context.Context, req domain.CashSessionCloseRequest) (domain.CashSessionResponse, error) {
	orgID := s.orgID(ctx)
	if req.BranchID == "" {
		actor, _ := ActorFromContext(ctx)
		req.BranchID = actor.BranchID
	}

	resp, err := s.drawer.Close(ctx, orgID, req)
	if err != nil {
		return domain.CashSessionResponse{}, err
	}
	s.logAudit(ctx, orgID, "cash_session_close", "cash_session", resp.Session.ID, fmt.Sprintf(
		"closing_cash=%s expected=%s", req.ClosingCash.StringFixed(2), resp.ExpectedCash.StringFixed(2),
	))
	return resp, nil
}

func (s *Service) ActiveCashSession(ctx context.Context, branchID string) (domain.CashSessionResponse, error) {
	if branchID == "" {
		actor, _ := ActorFromContext(ctx)
		branchID = actor.BranchID
	}
	return s.drawer.Active(ctx, s.orgID(ctx), branchID)
}

func (s *Service) Reconcile(ctx context.Context, req domain.ReconcileRequest) (domain.ReconcileReport, error) {
	orgID := s.orgID(ctx)
	if req.Limit < 1 || req.Limit > 500 {
		req.Limit = 50
	}

	report, err := s.engine.Reconcile(ctx, orgID, req.Limit)
	if err != nil {
		return domain.ReconcileReport{}, err
	}
	for _, outcome := range report.Outcomes {
		detail := fmt.Sprintf("status=%s repaired=%s", outcome.Status, strings.Join(outcome.Repaired, ","))
		if len(outcome.Unresolved) > 0 {
			detail += " unresolved=" + strings.Join(outcome.Unresolved, "; ")
		}
		s.logAudit(ctx, orgID, "settlement_reconcile", "settlement_checkpoint", outcome.CheckpointID, detail)
	}
	s.log.Info("reconciliation finished", zap.String("org_id", orgID), zap.Int("scanned", report.Scanned), zap.Int("resolved", report.Resolved))
	return report, nil
}

func (s *Service) ListCheckpoints(ctx context.Context, status string, limit int) ([]domain.SettlementCheckpoint, error) {
	cpStatus := domain.CheckpointStatus(strings.TrimSpace(status))
	switch cpStatus {
	case "", domain.CheckpointInProgress, domain.CheckpointCompleted, domain.CheckpointNeedsReconciliation, domain.CheckpointAborted:
	default:
		return nil, ErrInvalidRequest
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListCheckpoints(ctx, s.orgID(ctx), cpStatus, limit)
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, ErrInvalidRequest
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, s.orgID(ctx), from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, orgID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		OrgID:         orgID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
