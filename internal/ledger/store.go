package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Store is the Credit Record Store: the single source of truth for credit
// ownership and amount. Multi-record mutations are applied atomically; a
// mutation built against stale record versions fails with
// ErrConcurrencyConflict and must be re-planned from fresh reads.
type Store interface {
	CreateMinted(ctx context.Context, credit *CarbonCredit) error
	GetCredit(ctx context.Context, id uuid.UUID) (*CarbonCredit, error)
	GetByMintKey(ctx context.Context, key string) (*CarbonCredit, error)

	// ListCandidates returns the sender's eligible credits among ids
	// (verified at or above the confidence threshold, listed for trading,
	// not retired) in the canonical consumption order: created_at then id,
	// both ascending.
	ListCandidates(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID, confidenceThreshold int) ([]CarbonCredit, error)

	// ListOwnedUnretired returns the user's non-retired credits among ids in
	// the canonical order.
	ListOwnedUnretired(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID) ([]CarbonCredit, error)

	ApplyTransfer(ctx context.Context, m *TransferMutation) error
	ApplyRetirement(ctx context.Context, m *RetirementMutation) error
	UpdateListing(ctx context.Context, creditID uuid.UUID, version int64, ownerID uuid.UUID, available bool, price *float64) error
	UpdateVerification(ctx context.Context, creditID uuid.UUID, version int64, status VerificationStatus, confidence int, verifiedAt *time.Time) error

	ListUserCredits(ctx context.Context, ownerID uuid.UUID, f UserCreditFilters) ([]CarbonCredit, int64, error)
	UserStats(ctx context.Context, ownerID uuid.UUID) (*UserCreditStats, error)
	LineageTotal(ctx context.Context, lineageID uuid.UUID) (float64, error)
	AuditTrail(ctx context.Context, creditID uuid.UUID) ([]AuditEntry, error)
}

// FullReassignment moves a whole record to the recipient.
type FullReassignment struct {
	CreditID uuid.UUID
	Version  int64
	Amount   float64
}

// SplitSpec carves a fragment off the parent record for the recipient. Child
// must be fully populated by the planner; the store only persists it.
type SplitSpec struct {
	ParentID      uuid.UUID
	ParentVersion int64
	Amount        float64
	Child         *CarbonCredit
}

// TransferMutation is the atomic unit of a transfer: every reassignment, the
// optional split, and the audit entries commit together or not at all.
type TransferMutation struct {
	RecipientID     uuid.UUID
	ToAddress       string
	TransactionHash string
	Amount          float64
	PerformedBy     uuid.UUID

	FullReassignments []FullReassignment
	Split             *SplitSpec
}

// RetirementMutation retires a set of records atomically.
type RetirementMutation struct {
	Credits     []FullReassignment // id/version/amount of each record to retire
	RetiredBy   uuid.UUID
	Reason      string
	Beneficiary string
	RetiredAt   time.Time
}

// UserCreditFilters narrows and paginates a user's credit listing.
type UserCreditFilters struct {
	IncludeRetired bool
	VintageYear    *int
	ProjectType    *string
	Page           int
	PageSize       int
}

// GormStore implements Store on PostgreSQL via gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new gorm-backed credit store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreateMinted(ctx context.Context, credit *CarbonCredit) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(credit).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("mint key already persisted: %w", ErrConcurrencyConflict)
			}
			return fmt.Errorf("failed to create credit: %w", err)
		}

		entry := &AuditEntry{
			CreditID:    credit.ID,
			Action:      AuditActionMinted,
			PerformedBy: credit.OwnerID,
			Details: mustDetails(MintDetails{
				TransactionHash: credit.ChainRef.TransactionHash,
				EnergyAmount:    credit.EnergyAmount,
				CarbonAmount:    credit.CarbonAmount,
				DeviceID:        credit.SourceDeviceID.String(),
			}),
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to append mint audit entry: %w", err)
		}
		return nil
	})
}

func (s *GormStore) GetCredit(ctx context.Context, id uuid.UUID) (*CarbonCredit, error) {
	var credit CarbonCredit
	if err := s.db.WithContext(ctx).First(&credit, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("credit %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load credit: %w", err)
	}
	return &credit, nil
}

func (s *GormStore) GetByMintKey(ctx context.Context, key string) (*CarbonCredit, error) {
	var credit CarbonCredit
	err := s.db.WithContext(ctx).First(&credit, "mint_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up mint key: %w", err)
	}
	return &credit, nil
}

func (s *GormStore) ListCandidates(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID, confidenceThreshold int) ([]CarbonCredit, error) {
	var credits []CarbonCredit
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Where("id IN ?", ids).
		Where("verification_status = ?", VerificationVerified).
		Where("verification_confidence >= ?", confidenceThreshold).
		Where("trading_is_available_for_trading = ?", true).
		Where("retirement_is_retired = ?", false).
		Order("created_at ASC, id ASC").
		Find(&credits).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate credits: %w", err)
	}
	return credits, nil
}

func (s *GormStore) ListOwnedUnretired(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID) ([]CarbonCredit, error) {
	var credits []CarbonCredit
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Where("id IN ?", ids).
		Where("retirement_is_retired = ?", false).
		Order("created_at ASC, id ASC").
		Find(&credits).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list credits for retirement: %w", err)
	}
	return credits, nil
}

// ApplyTransfer commits the whole mutation in one transaction. Every update
// is guarded by the record version captured at planning time; any mismatch
// rolls back everything with ErrConcurrencyConflict.
func (s *GormStore) ApplyTransfer(ctx context.Context, m *TransferMutation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, full := range m.FullReassignments {
			result := tx.Model(&CarbonCredit{}).
				Where("id = ? AND version = ? AND retirement_is_retired = ?", full.CreditID, full.Version, false).
				Updates(map[string]any{
					"owner_id":                         m.RecipientID,
					"trading_is_available_for_trading": false,
					"trading_total_traded":             gorm.Expr("trading_total_traded + ?", full.Amount),
					"version":                          full.Version + 1,
				})
			if result.Error != nil {
				return fmt.Errorf("failed to reassign credit %s: %w", full.CreditID, result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("credit %s changed since planning: %w", full.CreditID, ErrConcurrencyConflict)
			}

			entry := &AuditEntry{
				CreditID:    full.CreditID,
				Action:      AuditActionTransferred,
				PerformedBy: m.PerformedBy,
				Details: mustDetails(TransferDetails{
					Amount:          full.Amount,
					ToAddress:       m.ToAddress,
					TransactionHash: m.TransactionHash,
				}),
			}
			if err := tx.Create(entry).Error; err != nil {
				return fmt.Errorf("failed to append transfer audit entry: %w", err)
			}
		}

		if m.Split != nil {
			if err := s.applySplit(tx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) applySplit(tx *gorm.DB, m *TransferMutation) error {
	split := m.Split
	if split.Child == nil || split.Child.CarbonAmount != split.Amount {
		return fmt.Errorf("split child does not carry the split amount: %w", ErrInvariantViolation)
	}

	// Decrement the parent. The carbon_amount guard keeps the conservation
	// law safe even if the version check were ever relaxed.
	result := tx.Model(&CarbonCredit{}).
		Where("id = ? AND version = ? AND retirement_is_retired = ? AND carbon_amount >= ?",
			split.ParentID, split.ParentVersion, false, split.Amount).
		Updates(map[string]any{
			"carbon_amount": gorm.Expr("carbon_amount - ?", split.Amount),
			"energy_amount": gorm.Expr("energy_amount - ?", split.Child.EnergyAmount),
			"split_seq":     gorm.Expr("split_seq + 1"),
			"version":       split.ParentVersion + 1,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to decrement split parent %s: %w", split.ParentID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("split parent %s changed since planning: %w", split.ParentID, ErrConcurrencyConflict)
	}

	if err := tx.Create(split.Child).Error; err != nil {
		return fmt.Errorf("failed to create split fragment: %w", err)
	}

	parentEntry := &AuditEntry{
		CreditID:    split.ParentID,
		Action:      AuditActionSplit,
		PerformedBy: m.PerformedBy,
		Details: mustDetails(SplitDetails{
			Amount:          split.Amount,
			CounterpartID:   split.Child.ID.String(),
			ToAddress:       m.ToAddress,
			TransactionHash: m.TransactionHash,
		}),
	}
	childEntry := &AuditEntry{
		CreditID:    split.Child.ID,
		Action:      AuditActionSplit,
		PerformedBy: m.PerformedBy,
		Details: mustDetails(SplitDetails{
			Amount:          split.Amount,
			CounterpartID:   split.ParentID.String(),
			ToAddress:       m.ToAddress,
			TransactionHash: m.TransactionHash,
		}),
	}
	if err := tx.Create(parentEntry).Error; err != nil {
		return fmt.Errorf("failed to append split audit entry: %w", err)
	}
	if err := tx.Create(childEntry).Error; err != nil {
		return fmt.Errorf("failed to append split audit entry: %w", err)
	}
	return nil
}

func (s *GormStore) ApplyRetirement(ctx context.Context, m *RetirementMutation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, ref := range m.Credits {
			result := tx.Model(&CarbonCredit{}).
				Where("id = ? AND version = ? AND retirement_is_retired = ?", ref.CreditID, ref.Version, false).
				Updates(map[string]any{
					"retirement_is_retired":            true,
					"retirement_retired_at":            m.RetiredAt,
					"retirement_retired_by":            m.RetiredBy,
					"retirement_reason":                m.Reason,
					"retirement_beneficiary":           m.Beneficiary,
					"trading_is_available_for_trading": false,
					"version":                          ref.Version + 1,
				})
			if result.Error != nil {
				return fmt.Errorf("failed to retire credit %s: %w", ref.CreditID, result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("credit %s changed since planning: %w", ref.CreditID, ErrConcurrencyConflict)
			}

			entry := &AuditEntry{
				CreditID:    ref.CreditID,
				Action:      AuditActionRetired,
				PerformedBy: m.RetiredBy,
				Details: mustDetails(RetireDetails{
					Amount:      ref.Amount,
					Reason:      m.Reason,
					Beneficiary: m.Beneficiary,
				}),
			}
			if err := tx.Create(entry).Error; err != nil {
				return fmt.Errorf("failed to append retirement audit entry: %w", err)
			}
		}
		return nil
	})
}

func (s *GormStore) UpdateListing(ctx context.Context, creditID uuid.UUID, version int64, ownerID uuid.UUID, available bool, price *float64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&CarbonCredit{}).
			Where("id = ? AND version = ? AND owner_id = ? AND retirement_is_retired = ?", creditID, version, ownerID, false).
			Updates(map[string]any{
				"trading_is_available_for_trading": available,
				"trading_price":                    price,
				"version":                          version + 1,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to update listing for %s: %w", creditID, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("credit %s changed since planning: %w", creditID, ErrConcurrencyConflict)
		}

		entry := &AuditEntry{
			CreditID:    creditID,
			Action:      AuditActionListingUpdated,
			PerformedBy: ownerID,
			Details:     mustDetails(ListingDetails{Available: available, Price: price}),
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to append listing audit entry: %w", err)
		}
		return nil
	})
}

func (s *GormStore) UpdateVerification(ctx context.Context, creditID uuid.UUID, version int64, status VerificationStatus, confidence int, verifiedAt *time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&CarbonCredit{}).
			Where("id = ? AND version = ? AND retirement_is_retired = ?", creditID, version, false).
			Updates(map[string]any{
				"verification_status":      status,
				"verification_confidence":  confidence,
				"verification_verified_at": verifiedAt,
				"version":                  version + 1,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to update verification for %s: %w", creditID, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("credit %s changed since planning: %w", creditID, ErrConcurrencyConflict)
		}

		entry := &AuditEntry{
			CreditID:    creditID,
			Action:      AuditActionVerificationUpdated,
			PerformedBy: uuid.Nil, // oracle-driven, no acting user
			Details:     mustDetails(VerificationDetails{Status: status, Confidence: confidence}),
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to append verification audit entry: %w", err)
		}
		return nil
	})
}

func (s *GormStore) ListUserCredits(ctx context.Context, ownerID uuid.UUID, f UserCreditFilters) ([]CarbonCredit, int64, error) {
	query := s.db.WithContext(ctx).Model(&CarbonCredit{}).Where("owner_id = ?", ownerID)
	if !f.IncludeRetired {
		query = query.Where("retirement_is_retired = ?", false)
	}
	if f.VintageYear != nil {
		query = query.Where("vintage_year = ?", *f.VintageYear)
	}
	if f.ProjectType != nil {
		query = query.Where("project_type = ?", *f.ProjectType)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count user credits: %w", err)
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	pageSize := f.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	var credits []CarbonCredit
	err := query.Order("created_at ASC, id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&credits).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list user credits: %w", err)
	}
	return credits, total, nil
}

func (s *GormStore) UserStats(ctx context.Context, ownerID uuid.UUID) (*UserCreditStats, error) {
	var stats UserCreditStats
	err := s.db.WithContext(ctx).Model(&CarbonCredit{}).
		Select(`
			COALESCE(SUM(carbon_amount), 0) AS total_carbon,
			COALESCE(SUM(carbon_amount) FILTER (WHERE retirement_is_retired = false), 0) AS available_carbon,
			COALESCE(SUM(carbon_amount) FILTER (WHERE retirement_is_retired = true), 0) AS retired_carbon,
			COUNT(*) AS credit_count`).
		Where("owner_id = ?", ownerID).
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate user stats: %w", err)
	}
	return &stats, nil
}

// LineageTotal sums carbon across every record descended from one mint,
// retired included. The result must always equal the originally minted
// amount (conservation law).
func (s *GormStore) LineageTotal(ctx context.Context, lineageID uuid.UUID) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).Model(&CarbonCredit{}).
		Select("COALESCE(SUM(carbon_amount), 0)").
		Where("lineage_id = ?", lineageID).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum lineage: %w", err)
	}
	return total, nil
}

func (s *GormStore) AuditTrail(ctx context.Context, creditID uuid.UUID) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := s.db.WithContext(ctx).
		Where("credit_id = ?", creditID).
		Order("timestamp ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load audit trail: %w", err)
	}
	return entries, nil
}
