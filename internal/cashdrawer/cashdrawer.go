package cashdrawer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/xid"
)

var (
	ErrSessionOpen    = errors.New("cash session already open")
	ErrNoOpenSession  = errors.New("no open cash session")
	ErrInvalidRequest = errors.New("invalid cash session request")
)

// Drawer tracks one open cash session per branch and the money moved through it.
type Drawer struct {
	repo store.CashStore
	now  func() time.Time
	log  *zap.Logger
}

func New(repo store.CashStore, log *zap.Logger) *Drawer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Drawer{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
		log:  log.Named("cashdrawer"),
	}
}

func (d *Drawer) Open(ctx context.Context, orgID string, openedBy string, req domain.CashSessionOpenRequest) (domain.CashSessionResponse, error) {
	if strings.TrimSpace(req.BranchID) == "" || req.OpeningFloat.IsNegative() {
		return domain.CashSessionResponse{}, ErrInvalidRequest
	}

	saved, err := d.repo.CreateCashSession(ctx, domain.CashSession{
		ID:           xid.New("cash"),
		OrgID:        orgID,
		BranchID:     req.BranchID,
		OpenedBy:     openedBy,
		OpeningFloat: req.OpeningFloat,
		Status:       domain.CashSessionStatusOpen,
		OpenedAt:     d.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.CashSessionResponse{}, ErrSessionOpen
		}
		return domain.CashSessionResponse{}, err
	}
	d.log.Info("cash session opened", zap.String("session_id", saved.ID), zap.String("branch_id", saved.BranchID))
	return domain.CashSessionResponse{Session: *saved, ExpectedCash: saved.OpeningFloat}, nil
}

func (d *Drawer) Close(ctx context.Context, orgID string, req domain.CashSessionCloseRequest) (domain.CashSessionResponse, error) {
	if strings.TrimSpace(req.BranchID) == "" || req.ClosingCash.IsNegative() {
		return domain.CashSessionResponse{}, ErrInvalidRequest
	}

	closed, err := d.repo.CloseCashSession(ctx, orgID, req.BranchID, req.ClosingCash, d.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CashSessionResponse{}, ErrNoOpenSession
		}
		return domain.CashSessionResponse{}, err
	}
	resp, err := d.summarize(ctx, *closed)
	if err != nil {
		return domain.CashSessionResponse{}, err
	}
	if !resp.ExpectedCash.Equal(req.ClosingCash) {
		d.log.Warn("cash session closed with a difference",
			zap.String("session_id", closed.ID),
			zap.String("expected", resp.ExpectedCash.StringFixed(2)),
			zap.String("counted", req.ClosingCash.StringFixed(2)),
		)
	}
	return resp, nil
}

func (d *Drawer) Active(ctx context.Context, orgID string, branchID string) (domain.CashSessionResponse, error) {
	if strings.TrimSpace(branchID) == "" {
		return domain.CashSessionResponse{}, ErrInvalidRequest
	}
	session, err := d.FindOpenSession(ctx, orgID, branchID)
	if err != nil {
		return domain.CashSessionResponse{}, err
	}
	return d.summarize(ctx, *session)
}

// FindOpenSession wraps store.ErrNotFound when the branch has no open session.
func (d *Drawer) FindOpenSession(ctx context.Context, orgID string, branchID string) (*domain.CashSession, error) {
	session, err := d.repo.GetOpenCashSession(ctx, orgID, branchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: branch %s: %w", ErrNoOpenSession, branchID, store.ErrNotFound)
		}
		return nil, err
	}
	return session, nil
}

func (d *Drawer) RecordMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	if movement.Type != domain.MovementTypeIn && movement.Type != domain.MovementTypeOut {
		return nil, ErrInvalidRequest
	}
	if !movement.Amount.IsPositive() {
		return nil, ErrInvalidRequest
	}
	if movement.ID == "" {
		movement.ID = xid.New("cmv")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = d.now()
	}
	return d.repo.CreateCashMovement(ctx, movement)
}

func (d *Drawer) summarize(ctx context.Context, session domain.CashSession) (domain.CashSessionResponse, error) {
	movements, err := d.repo.ListCashMovements(ctx, session.ID)
	if err != nil {
		return domain.CashSessionResponse{}, err
	}
	return domain.CashSessionResponse{
		Session:      session,
		Movements:    movements,
		ExpectedCash: ExpectedCash(session.OpeningFloat, movements),
	}, nil
}

// ExpectedCash is the opening float plus cash in minus cash out.
func ExpectedCash(openingFloat decimal.Decimal, movements []domain.CashMovement) decimal.Decimal {
	expected := openingFloat
	for _, m := range movements {
		switch m.Type {
		case domain.MovementTypeIn:
			expected = expected.Add(m.Amount)
		case domain.MovementTypeOut:
			expected = expected.Sub(m.Amount)
		}
	}
	return expected
}
