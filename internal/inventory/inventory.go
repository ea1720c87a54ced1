package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/xid"
)

const sourceReturn = "return"

// Stock restocks returned goods. Every item is applied on its own; a key that
// was already applied is skipped silently.
type Stock struct {
	repo store.StockStore
	now  func() time.Time
	log  *zap.Logger
}

func New(repo store.StockStore, log *zap.Logger) *Stock {
	if log == nil {
		log = zap.NewNop()
	}
	return &Stock{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
		log:  log.Named("inventory"),
	}
}

func (s *Stock) RestockItems(ctx context.Context, req domain.RestockRequest) error {
	var errs []error
	for _, item := range req.Items {
		if strings.TrimSpace(item.IdempotencyKey) == "" {
			errs = append(errs, fmt.Errorf("product %s: missing idempotency key", item.ProductID))
			continue
		}
		applied, err := s.repo.ApplyStockEntry(ctx, domain.StockEntry{
			ID:             xid.New("stk"),
			OrgID:          req.OrgID,
			BranchID:       req.BranchID,
			ProductID:      item.ProductID,
			Quantity:       item.Quantity,
			SourceType:     sourceReturn,
			SourceID:       req.ReferenceID,
			IdempotencyKey: item.IdempotencyKey,
			CreatedAt:      s.now(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("product %s: %w", item.ProductID, err))
			continue
		}
		if !applied {
			s.log.Debug("restock already applied", zap.String("idempotency_key", item.IdempotencyKey))
		}
	}
	return errors.Join(errs...)
}

func (s *Stock) Level(ctx context.Context, branchID string, productID string) (int, error) {
	return s.repo.GetStockLevel(ctx, branchID, productID)
}
