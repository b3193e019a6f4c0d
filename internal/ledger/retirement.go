package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-ledger/settlement-backend/internal/stats"
)

// Policy constants for environmental-impact equivalents. These are fixed
// conversion conventions, not hard science: one tree absorbs ~21.77 kg CO2
// per year, one passenger car emits ~4600 kg CO2 per year.
const (
	KgCO2PerTreeYear = 21.77
	KgCO2PerCarYear  = 4600.0
)

// RetireRequest permanently removes credit quantity from circulation.
type RetireRequest struct {
	UserID      uuid.UUID   `json:"user_id"`
	CreditIDs   []uuid.UUID `json:"credit_ids"`
	Reason      string      `json:"reason"`
	Beneficiary string      `json:"beneficiary"`
}

// RetirementEngine marks credits as retired: a terminal, irreversible state.
// No operation anywhere may un-retire a record.
type RetirementEngine struct {
	store    Store
	recorder stats.Recorder
	logger   *zap.Logger

	maxApplyAttempts int
}

// NewRetirementEngine creates a new retirement engine.
func NewRetirementEngine(store Store, recorder stats.Recorder, logger *zap.Logger) *RetirementEngine {
	return &RetirementEngine{
		store:            store,
		recorder:         recorder,
		logger:           logger,
		maxApplyAttempts: 3,
	}
}

// RetireCredits retires every eligible credit among creditIDs atomically and
// returns the total plus derived impact figures. Zero eligible records fails
// with ErrNoEligibleCredits and no partial effect.
func (e *RetirementEngine) RetireCredits(ctx context.Context, req RetireRequest) (*RetirementSummary, error) {
	if req.UserID == uuid.Nil {
		return nil, validationErrorf("user_id is required")
	}
	if len(req.CreditIDs) == 0 {
		return nil, validationErrorf("credit_ids must name at least one credit")
	}
	if req.Reason == "" {
		return nil, validationErrorf("reason is required")
	}

	for attempt := 1; ; attempt++ {
		eligible, err := e.store.ListOwnedUnretired(ctx, req.UserID, req.CreditIDs)
		if err != nil {
			return nil, err
		}
		if len(eligible) == 0 {
			return nil, fmt.Errorf("user %s has no retirable credits among the given ids: %w",
				req.UserID, ErrNoEligibleCredits)
		}

		retiredAt := time.Now()
		mutation := &RetirementMutation{
			RetiredBy:   req.UserID,
			Reason:      req.Reason,
			Beneficiary: req.Beneficiary,
			RetiredAt:   retiredAt,
		}
		var totalRetired float64
		var retiredIDs []uuid.UUID
		for i := range eligible {
			mutation.Credits = append(mutation.Credits, FullReassignment{
				CreditID: eligible[i].ID,
				Version:  eligible[i].Version,
				Amount:   eligible[i].CarbonAmount,
			})
			totalRetired += eligible[i].CarbonAmount
			retiredIDs = append(retiredIDs, eligible[i].ID)
		}

		applyErr := e.store.ApplyRetirement(ctx, mutation)
		if applyErr == nil {
			e.logger.Info("credits retired",
				zap.Int("count", len(retiredIDs)),
				zap.Float64("total_retired", totalRetired),
				zap.String("retired_by", req.UserID.String()))

			if err := e.recorder.RecordRetirement(ctx, req.UserID, totalRetired); err != nil {
				e.logger.Warn("failed to record retirement stats", zap.Error(err))
			}

			return &RetirementSummary{
				RetiredCredits:  retiredIDs,
				TotalRetired:    totalRetired,
				CO2Offset:       totalRetired,
				TreesEquivalent: TreesEquivalent(totalRetired),
				CarsOffRoad:     CarsOffRoad(totalRetired),
				Beneficiary:     req.Beneficiary,
				Reason:          req.Reason,
				RetiredAt:       retiredAt,
			}, nil
		}
		if !errors.Is(applyErr, ErrConcurrencyConflict) {
			return nil, applyErr
		}
		if attempt >= e.maxApplyAttempts {
			return nil, fmt.Errorf("retirement lost %d races: %w", attempt, ErrConcurrencyConflict)
		}
		e.logger.Info("retirement lost a version race, re-planning", zap.Int("attempt", attempt))
	}
}

// TreesEquivalent converts retired kg CO2 into tree-years.
func TreesEquivalent(kgCO2 float64) int {
	return int(math.Round(kgCO2 / KgCO2PerTreeYear))
}

// CarsOffRoad converts retired kg CO2 into car-years.
func CarsOffRoad(kgCO2 float64) int {
	return int(math.Round(kgCO2 / KgCO2PerCarYear))
}
