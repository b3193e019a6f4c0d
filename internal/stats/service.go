package stats

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Recorder receives aggregate deltas after ledger commits. Implementations
// are best-effort; engines log failures and move on.
type Recorder interface {
	RecordMint(ctx context.Context, ownerID uuid.UUID, carbonAmount float64) error
	RecordTransfer(ctx context.Context, fromUserID, toUserID uuid.UUID, carbonAmount float64) error
	RecordRetirement(ctx context.Context, userID uuid.UUID, carbonAmount float64) error
}

// Service maintains the UserStats projection.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService creates a new stats service.
func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

func (s *Service) RecordMint(ctx context.Context, ownerID uuid.UUID, carbonAmount float64) error {
	return s.upsert(ctx, ownerID, map[string]any{
		"total_minted":   gorm.Expr("user_stats.total_minted + ?", carbonAmount),
		"credit_balance": gorm.Expr("user_stats.credit_balance + ?", carbonAmount),
	}, UserStats{TotalMinted: carbonAmount, CreditBalance: carbonAmount})
}

func (s *Service) RecordTransfer(ctx context.Context, fromUserID, toUserID uuid.UUID, carbonAmount float64) error {
	if err := s.upsert(ctx, fromUserID, map[string]any{
		"total_transferred_out": gorm.Expr("user_stats.total_transferred_out + ?", carbonAmount),
		"credit_balance":        gorm.Expr("user_stats.credit_balance - ?", carbonAmount),
	}, UserStats{TotalTransferredOut: carbonAmount, CreditBalance: -carbonAmount}); err != nil {
		return err
	}
	return s.upsert(ctx, toUserID, map[string]any{
		"total_transferred_in": gorm.Expr("user_stats.total_transferred_in + ?", carbonAmount),
		"credit_balance":       gorm.Expr("user_stats.credit_balance + ?", carbonAmount),
	}, UserStats{TotalTransferredIn: carbonAmount, CreditBalance: carbonAmount})
}

func (s *Service) RecordRetirement(ctx context.Context, userID uuid.UUID, carbonAmount float64) error {
	return s.upsert(ctx, userID, map[string]any{
		"total_retired":  gorm.Expr("user_stats.total_retired + ?", carbonAmount),
		"credit_balance": gorm.Expr("user_stats.credit_balance - ?", carbonAmount),
	}, UserStats{TotalRetired: carbonAmount, CreditBalance: -carbonAmount})
}

// Get returns the projected stats for a user, zero-valued when no activity
// has been recorded yet.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*UserStats, error) {
	var stats UserStats
	err := s.db.WithContext(ctx).First(&stats, "user_id = ?", userID).Error
	if err == gorm.ErrRecordNotFound {
		return &UserStats{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user stats: %w", err)
	}
	return &stats, nil
}

func (s *Service) upsert(ctx context.Context, userID uuid.UUID, updates map[string]any, insert UserStats) error {
	insert.UserID = userID
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(updates),
	}).Create(&insert).Error
	if err != nil {
		return fmt.Errorf("failed to upsert user stats: %w", err)
	}
	return nil
}
