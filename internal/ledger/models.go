package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CarbonCredit represents a quantity of carbon offset, denominated in kg CO2,
// recorded as one ledger entity. Records are never physically deleted;
// retirement is a terminal soft state.
type CarbonCredit struct {
	ID uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`

	// LineageID is the id of the original minted credit this record descends
	// from. Minted roots carry their own id. The sum of CarbonAmount over all
	// records sharing a lineage equals the originally minted amount.
	LineageID uuid.UUID `json:"lineage_id" gorm:"type:uuid;not null;index"`

	OwnerID        uuid.UUID `json:"owner_id" gorm:"type:uuid;not null;index"`
	SourceDeviceID uuid.UUID `json:"source_device_id" gorm:"type:uuid;not null;index"`

	EnergyAmount float64 `json:"energy_amount" gorm:"type:decimal(14,4);not null"` // kWh
	CarbonAmount float64 `json:"carbon_amount" gorm:"type:decimal(14,4);not null"` // kg CO2
	CarbonFactor float64 `json:"carbon_factor" gorm:"type:decimal(6,4);not null;default:0.4"`

	// MintKey is the idempotency key derived from (deviceId, timestamp,
	// energyAmount). Set only on minted roots; split fragments carry none.
	MintKey *string `json:"mint_key,omitempty" gorm:"uniqueIndex"`

	// Marketplace attributes, copied from the producing device at mint time.
	ProjectType           string `json:"project_type" gorm:"index"`
	Country               string `json:"country" gorm:"index"`
	VintageYear           int    `json:"vintage_year" gorm:"index"`
	CertificationStandard string `json:"certification_standard" gorm:"index"`

	// SplitSeq counts split fragments carved off this record. Incremented
	// inside the split transaction so fragment chain ids stay unique.
	SplitSeq int `json:"split_seq" gorm:"default:0"`

	ChainRef     ChainRef     `json:"chain_ref" gorm:"embedded;embeddedPrefix:chain_"`
	Verification Verification `json:"verification" gorm:"embedded;embeddedPrefix:verification_"`
	Trading      Trading      `json:"trading" gorm:"embedded;embeddedPrefix:trading_"`
	Retirement   Retirement   `json:"retirement" gorm:"embedded;embeddedPrefix:retirement_"`

	// Version supports optimistic concurrency control on multi-record
	// mutations. Every committed mutation increments it.
	Version int64 `json:"version" gorm:"not null;default:0"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime;index"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// ChainRef links a ledger record to its on-chain representation.
type ChainRef struct {
	TransactionHash string `json:"transaction_hash" gorm:"index"`
	CreditID        string `json:"credit_id" gorm:"uniqueIndex"` // human-readable
	ContractAddress string `json:"contract_address"`
}

// Verification captures the proof status of a credit. Only verified credits
// with sufficient confidence may be traded or retired.
type Verification struct {
	Status     VerificationStatus `json:"status" gorm:"default:'pending';index"`
	Method     string             `json:"method"`
	Confidence int                `json:"confidence"` // 0-100
	VerifiedAt *time.Time         `json:"verified_at"`
}

// Trading holds marketplace availability and pricing state.
type Trading struct {
	IsAvailableForTrading bool     `json:"is_available_for_trading" gorm:"default:false;index"`
	Price                 *float64 `json:"price" gorm:"type:decimal(12,4)"`
	TotalTraded           float64  `json:"total_traded" gorm:"type:decimal(14,4);default:0"`
	AveragePrice          *float64 `json:"average_price" gorm:"type:decimal(12,4)"`
}

// Retirement is the terminal state of a credit. Once IsRetired is set the
// record rejects all further transfers, splits and trading changes.
type Retirement struct {
	IsRetired   bool       `json:"is_retired" gorm:"default:false;index"`
	RetiredAt   *time.Time `json:"retired_at"`
	RetiredBy   *uuid.UUID `json:"retired_by" gorm:"type:uuid"`
	Reason      *string    `json:"reason"`
	Beneficiary *string    `json:"beneficiary"`
}

// VerificationStatus represents the proof lifecycle of a credit.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationRejected VerificationStatus = "rejected"
)

// VerificationMethodZKProof is the method recorded for credits minted against
// a zero-knowledge production proof.
const VerificationMethodZKProof = "zk-proof"

// AuditEntry is one element of a credit's append-only audit trail. Entries
// are only ever appended, never rewritten.
type AuditEntry struct {
	ID          uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	CreditID    uuid.UUID      `json:"credit_id" gorm:"type:uuid;not null;index"`
	Action      AuditAction    `json:"action" gorm:"not null;index"`
	PerformedBy uuid.UUID      `json:"performed_by" gorm:"type:uuid;not null"`
	Timestamp   time.Time      `json:"timestamp" gorm:"autoCreateTime;index"`
	Details     datatypes.JSON `json:"details" gorm:"default:'{}'"`
}

// AuditAction enumerates the known audit trail actions.
type AuditAction string

const (
	AuditActionMinted              AuditAction = "minted"
	AuditActionTransferred         AuditAction = "ownership_transferred"
	AuditActionSplit               AuditAction = "split"
	AuditActionRetired             AuditAction = "credit_retired"
	AuditActionListingUpdated      AuditAction = "listing_updated"
	AuditActionVerificationUpdated AuditAction = "verification_updated"
)

// Typed audit detail payloads, one shape per action.

// MintDetails records the on-chain mint backing a new credit.
type MintDetails struct {
	TransactionHash string  `json:"transaction_hash"`
	EnergyAmount    float64 `json:"energy_amount"`
	CarbonAmount    float64 `json:"carbon_amount"`
	DeviceID        string  `json:"device_id"`
}

// TransferDetails records a full ownership reassignment.
type TransferDetails struct {
	Amount          float64 `json:"amount"`
	ToAddress       string  `json:"to_address"`
	TransactionHash string  `json:"transaction_hash"`
}

// SplitDetails records one side of a record split.
type SplitDetails struct {
	Amount          float64 `json:"amount"`
	CounterpartID   string  `json:"counterpart_id"` // parent on the child entry, child on the parent entry
	ToAddress       string  `json:"to_address,omitempty"`
	TransactionHash string  `json:"transaction_hash"`
}

// RetireDetails records a retirement claim.
type RetireDetails struct {
	Amount      float64 `json:"amount"`
	Reason      string  `json:"reason"`
	Beneficiary string  `json:"beneficiary,omitempty"`
}

// ListingDetails records a marketplace availability change.
type ListingDetails struct {
	Available bool     `json:"available"`
	Price     *float64 `json:"price,omitempty"`
}

// VerificationDetails records a verification status change driven by an
// oracle re-check.
type VerificationDetails struct {
	Status     VerificationStatus `json:"status"`
	Confidence int                `json:"confidence"`
}

func mustDetails(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(b)
}

// BeforeCreate hooks for UUID generation
func (c *CarbonCredit) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.LineageID == uuid.Nil {
		c.LineageID = c.ID
	}
	return nil
}

func (a *AuditEntry) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	return nil
}

// Tradable reports whether the credit may change hands: verified with
// sufficient confidence, listed for trading, and not retired.
func (c *CarbonCredit) Tradable(confidenceThreshold int) bool {
	return c.Verification.Status == VerificationVerified &&
		c.Verification.Confidence >= confidenceThreshold &&
		c.Trading.IsAvailableForTrading &&
		!c.Retirement.IsRetired
}

// CreditSummary is the result of a successful issuance.
type CreditSummary struct {
	CreditID        uuid.UUID `json:"credit_id"`
	ChainCreditID   string    `json:"chain_credit_id"`
	TransactionHash string    `json:"transaction_hash"`
	EnergyAmount    float64   `json:"energy_amount"`
	CarbonAmount    float64   `json:"carbon_amount"`
	AlreadyMinted   bool      `json:"already_minted"` // true when the idempotency key matched an existing credit
}

// TransferSummary is the result of a successful transfer.
type TransferSummary struct {
	TransactionHash    string      `json:"transaction_hash"`
	Amount             float64     `json:"amount"`
	RecipientID        uuid.UUID   `json:"recipient_id"`
	TransferredCredits []uuid.UUID `json:"transferred_credits"` // fully reassigned records
	SplitCreditID      *uuid.UUID  `json:"split_credit_id,omitempty"`
}

// RetirementSummary is the result of a retirement, including the derived
// environmental impact equivalents.
type RetirementSummary struct {
	RetiredCredits  []uuid.UUID `json:"retired_credits"`
	TotalRetired    float64     `json:"total_retired"` // kg CO2
	CO2Offset       float64     `json:"co2_offset"`
	TreesEquivalent int         `json:"trees_equivalent"`
	CarsOffRoad     int         `json:"cars_off_road"`
	Beneficiary     string      `json:"beneficiary,omitempty"`
	Reason          string      `json:"reason"`
	RetiredAt       time.Time   `json:"retired_at"`
}

// UserCreditStats aggregates a user's holdings from committed ledger records.
type UserCreditStats struct {
	TotalCarbon     float64 `json:"total_carbon"`
	AvailableCarbon float64 `json:"available_carbon"`
	RetiredCarbon   float64 `json:"retired_carbon"`
	CreditCount     int64   `json:"credit_count"`
}
