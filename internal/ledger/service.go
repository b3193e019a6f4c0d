package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-ledger/settlement-backend/internal/oracle"
)

// Service is the ledger facade the surrounding functionality (routes,
// analytics) consumes: the three engines plus committed-state reads and the
// oracle-driven re-verification path.
type Service struct {
	Issuance   *IssuanceEngine
	Transfer   *TransferEngine
	Retirement *RetirementEngine

	store     Store
	oracle    oracle.Oracle
	lifecycle *Lifecycle
	logger    *zap.Logger
}

// NewService creates the ledger service facade.
func NewService(
	issuance *IssuanceEngine,
	transfer *TransferEngine,
	retirement *RetirementEngine,
	store Store,
	chain oracle.Oracle,
	logger *zap.Logger,
) *Service {
	return &Service{
		Issuance:   issuance,
		Transfer:   transfer,
		Retirement: retirement,
		store:      store,
		oracle:     chain,
		lifecycle:  NewLifecycle(),
		logger:     logger,
	}
}

// UserCreditsPage is a page of a user's credits plus their aggregate stats
// computed from committed ledger records.
type UserCreditsPage struct {
	Credits  []CarbonCredit   `json:"credits"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Stats    *UserCreditStats `json:"stats"`
}

// GetUserCredits lists a user's credits with filters and pagination.
func (s *Service) GetUserCredits(ctx context.Context, userID uuid.UUID, f UserCreditFilters) (*UserCreditsPage, error) {
	if userID == uuid.Nil {
		return nil, validationErrorf("user_id is required")
	}

	credits, total, err := s.store.ListUserCredits(ctx, userID, f)
	if err != nil {
		return nil, err
	}
	userStats, err := s.store.UserStats(ctx, userID)
	if err != nil {
		return nil, err
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	pageSize := f.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	return &UserCreditsPage{
		Credits:  credits,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Stats:    userStats,
	}, nil
}

// UpdateListing toggles marketplace availability and the asking price on a
// credit the user owns. Retired credits reject all listing changes.
func (s *Service) UpdateListing(ctx context.Context, userID, creditID uuid.UUID, available bool, price *float64) error {
	if price != nil && *price < 0 {
		return validationErrorf("price must not be negative")
	}

	const maxAttempts = 3
	for attempt := 1; ; attempt++ {
		credit, err := s.store.GetCredit(ctx, creditID)
		if err != nil {
			return err
		}
		if credit.OwnerID != userID {
			return fmt.Errorf("credit %s is not owned by %s: %w", creditID, userID, ErrNotFound)
		}
		if credit.Retirement.IsRetired {
			return fmt.Errorf("credit %s: %w", creditID, ErrCreditRetired)
		}
		if available && credit.Verification.Status != VerificationVerified {
			return validationErrorf("only verified credits can be listed for trading")
		}

		err = s.store.UpdateListing(ctx, creditID, credit.Version, userID, available, price)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) || attempt >= maxAttempts {
			return err
		}
	}
}

// ReverifyCredit re-checks a credit's proof status against the oracle and
// applies the resulting verification transition through the lifecycle
// machine. Matching status is an idempotent no-op; a transition out of a
// final status is rejected; retired credits never re-verify.
func (s *Service) ReverifyCredit(ctx context.Context, creditID uuid.UUID) (*CarbonCredit, error) {
	const maxAttempts = 3
	for attempt := 1; ; attempt++ {
		credit, err := s.store.GetCredit(ctx, creditID)
		if err != nil {
			return nil, err
		}
		if credit.Retirement.IsRetired {
			return nil, fmt.Errorf("credit %s: %w", creditID, ErrCreditRetired)
		}
		if credit.ChainRef.CreditID == "" {
			return nil, validationErrorf("credit %s has no chain reference to verify", creditID)
		}

		result, err := s.oracle.Verify(ctx, credit.ChainRef.CreditID)
		if err != nil {
			if errors.Is(err, oracle.ErrTimeout) {
				return nil, fmt.Errorf("verify: %w: %v", ErrOracleTimeout, err)
			}
			return nil, fmt.Errorf("verify: %w: %v", ErrOracleFailure, err)
		}

		target := VerificationRejected
		confidence := 0
		if result.Verified {
			target = VerificationVerified
			confidence = 100
		}
		if credit.Verification.Status == target {
			return credit, nil
		}
		if !s.lifecycle.CanTransition(credit, target) {
			return nil, validationErrorf("verification status %s does not transition to %s",
				credit.Verification.Status, target)
		}

		var verifiedAt *time.Time
		if target == VerificationVerified {
			at := result.Timestamp
			if at.IsZero() {
				at = time.Now()
			}
			verifiedAt = &at
		}

		err = s.store.UpdateVerification(ctx, credit.ID, credit.Version, target, confidence, verifiedAt)
		if err == nil {
			s.logger.Info("credit re-verified",
				zap.String("credit_id", credit.ID.String()),
				zap.String("status", string(target)))
			return s.store.GetCredit(ctx, creditID)
		}
		if !errors.Is(err, ErrConcurrencyConflict) || attempt >= maxAttempts {
			return nil, err
		}
	}
}

// GetCredit returns one credit by id.
func (s *Service) GetCredit(ctx context.Context, creditID uuid.UUID) (*CarbonCredit, error) {
	return s.store.GetCredit(ctx, creditID)
}

// AuditTrail returns a credit's append-only audit history in order.
func (s *Service) AuditTrail(ctx context.Context, creditID uuid.UUID) ([]AuditEntry, error) {
	if _, err := s.store.GetCredit(ctx, creditID); err != nil {
		return nil, err
	}
	return s.store.AuditTrail(ctx, creditID)
}
