package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-ledger/settlement-backend/internal/accounts"
	"carbon-ledger/settlement-backend/internal/devices"
	"carbon-ledger/settlement-backend/internal/oracle"
	"carbon-ledger/settlement-backend/internal/stats"
)

// DefaultCarbonFactor converts kWh of verified production into kg CO2 offset.
const DefaultCarbonFactor = 0.4

// IssuanceConfig tunes the issuance engine.
type IssuanceConfig struct {
	CarbonFactor        float64 `json:"carbon_factor"`
	ConfidenceThreshold int     `json:"confidence_threshold"`
	MintConfidence      int     `json:"mint_confidence"`
}

// DefaultIssuanceConfig returns the default issuance policy.
func DefaultIssuanceConfig() IssuanceConfig {
	return IssuanceConfig{
		CarbonFactor:        DefaultCarbonFactor,
		ConfidenceThreshold: 80,
		MintConfidence:      100,
	}
}

// IssueRequest converts a verified energy-production event into a credit.
type IssueRequest struct {
	OwnerID      uuid.UUID `json:"owner_id"`
	DeviceID     uuid.UUID `json:"device_id"`
	EnergyAmount float64   `json:"energy_amount"` // kWh, > 0
	Timestamp    time.Time `json:"timestamp"`     // defaults to now
}

// IssuanceEngine mints one new credit per verified production event. The
// oracle mint is invoked before anything is persisted, so a failed call is
// side-effect-free locally and the same idempotency key can be retried.
type IssuanceEngine struct {
	store     Store
	oracle    oracle.Oracle
	directory accounts.Directory
	registry  devices.Registry
	recorder  stats.Recorder
	logger    *zap.Logger
	config    IssuanceConfig
}

// NewIssuanceEngine creates a new issuance engine.
func NewIssuanceEngine(
	store Store,
	chain oracle.Oracle,
	directory accounts.Directory,
	registry devices.Registry,
	recorder stats.Recorder,
	logger *zap.Logger,
	config IssuanceConfig,
) *IssuanceEngine {
	if config.CarbonFactor <= 0 {
		config.CarbonFactor = DefaultCarbonFactor
	}
	if config.MintConfidence == 0 {
		config.MintConfidence = DefaultIssuanceConfig().MintConfidence
	}
	return &IssuanceEngine{
		store:     store,
		oracle:    chain,
		directory: directory,
		registry:  registry,
		recorder:  recorder,
		logger:    logger,
		config:    config,
	}
}

// MintKey derives the deterministic idempotency key for a production event.
// Re-submitting the same (deviceId, timestamp, energyAmount) must not mint
// twice.
func MintKey(deviceID uuid.UUID, timestamp time.Time, energyAmount float64) string {
	return deviceID.String() + ":" +
		strconv.FormatInt(timestamp.UTC().Unix(), 10) + ":" +
		strconv.FormatFloat(energyAmount, 'f', -1, 64)
}

// IssueCredit mints a credit for a verified production event. A successful
// call returns the credit id and on-chain transaction hash; the record is
// durably visible before the call returns.
func (e *IssuanceEngine) IssueCredit(ctx context.Context, req IssueRequest) (*CreditSummary, error) {
	if req.EnergyAmount <= 0 {
		return nil, validationErrorf("energy_amount must be positive, got %v", req.EnergyAmount)
	}
	if req.OwnerID == uuid.Nil {
		return nil, validationErrorf("owner_id is required")
	}
	if req.DeviceID == uuid.Nil {
		return nil, validationErrorf("device_id is required")
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	device, err := e.registry.Get(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, devices.ErrNoDevice) {
			return nil, fmt.Errorf("device %s: %w", req.DeviceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	if device.OwnerID != req.OwnerID {
		return nil, validationErrorf("device %s is not owned by %s", req.DeviceID, req.OwnerID)
	}
	if device.Status != devices.DeviceStatusApproved || !device.IsActive {
		return nil, validationErrorf("device %s is not approved and active", req.DeviceID)
	}

	ownerAddress, err := e.directory.ChainAddress(ctx, req.OwnerID)
	if err != nil {
		if errors.Is(err, accounts.ErrNoChainAddress) {
			return nil, fmt.Errorf("owner %s: %w", req.OwnerID, ErrMissingAddress)
		}
		if errors.Is(err, accounts.ErrNoAccount) {
			return nil, fmt.Errorf("owner %s: %w", req.OwnerID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve owner address: %w", err)
	}

	carbonAmount := math.Floor(req.EnergyAmount * e.config.CarbonFactor)
	if carbonAmount <= 0 {
		return nil, validationErrorf("energy_amount %v yields no mintable carbon at factor %v",
			req.EnergyAmount, e.config.CarbonFactor)
	}

	mintKey := MintKey(req.DeviceID, req.Timestamp, req.EnergyAmount)

	// Idempotency: a key that already minted returns the existing credit.
	if existing, err := e.store.GetByMintKey(ctx, mintKey); err != nil {
		return nil, err
	} else if existing != nil {
		return summaryOf(existing, true), nil
	}

	receipt, err := e.mintWithReconciliation(ctx, oracle.MintRequest{
		OwnerAddress:   ownerAddress,
		Amount:         carbonAmount,
		ProjectRef:     device.ID.String(),
		IdempotencyKey: mintKey,
	})
	if err != nil {
		return nil, err
	}

	verifiedAt := receipt.ConfirmedAt
	credit := &CarbonCredit{
		ID:             uuid.New(),
		OwnerID:        req.OwnerID,
		SourceDeviceID: req.DeviceID,
		EnergyAmount:   req.EnergyAmount,
		CarbonAmount:   carbonAmount,
		CarbonFactor:   e.config.CarbonFactor,
		MintKey:        &mintKey,
		ProjectType:    device.ProjectType,
		Country:        device.Country,
		VintageYear:    req.Timestamp.UTC().Year(),

		CertificationStandard: device.CertificationStandard,
		ChainRef: ChainRef{
			TransactionHash: receipt.TransactionHash,
			CreditID:        receipt.CreditID,
			ContractAddress: receipt.ContractAddress,
		},
		Verification: Verification{
			Status:     VerificationVerified,
			Method:     VerificationMethodZKProof,
			Confidence: e.config.MintConfidence,
			VerifiedAt: &verifiedAt,
		},
		Trading: Trading{IsAvailableForTrading: true},
	}
	credit.LineageID = credit.ID

	if err := e.store.CreateMinted(ctx, credit); err != nil {
		// A concurrent request with the same key may have won the insert.
		if errors.Is(err, ErrConcurrencyConflict) {
			if existing, lookupErr := e.store.GetByMintKey(ctx, mintKey); lookupErr == nil && existing != nil {
				return summaryOf(existing, true), nil
			}
		}
		return nil, err
	}

	e.logger.Info("credit minted",
		zap.String("credit_id", credit.ID.String()),
		zap.String("tx_hash", receipt.TransactionHash),
		zap.Float64("carbon_amount", carbonAmount))

	// Collaborator counters are eventually consistent; failures are logged,
	// never surfaced.
	if err := e.registry.AddProduction(ctx, req.DeviceID, req.EnergyAmount); err != nil {
		e.logger.Warn("failed to update device production counters", zap.Error(err))
	}
	if err := e.recorder.RecordMint(ctx, req.OwnerID, carbonAmount); err != nil {
		e.logger.Warn("failed to record mint stats", zap.Error(err))
	}

	return summaryOf(credit, false), nil
}

// mintWithReconciliation calls the oracle and, on timeout, checks whether the
// mint actually went through before reporting failure. A lost response must
// not lead to a double mint on retry.
func (e *IssuanceEngine) mintWithReconciliation(ctx context.Context, req oracle.MintRequest) (*oracle.Receipt, error) {
	receipt, err := e.oracle.Mint(ctx, req)
	if err == nil {
		return receipt, nil
	}

	if errors.Is(err, oracle.ErrTimeout) {
		found, lookupErr := e.oracle.FindReceipt(ctx, req.IdempotencyKey)
		if lookupErr == nil && found != nil {
			e.logger.Info("recovered mint receipt after timeout",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("tx_hash", found.TransactionHash))
			return found, nil
		}
		e.logger.Error("oracle mint timed out", zap.Error(err),
			zap.String("idempotency_key", req.IdempotencyKey))
		return nil, fmt.Errorf("mint: %w: %v", ErrOracleTimeout, err)
	}

	e.logger.Error("oracle mint failed", zap.Error(err),
		zap.String("idempotency_key", req.IdempotencyKey))
	return nil, fmt.Errorf("mint: %w: %v", ErrOracleFailure, err)
}

func summaryOf(credit *CarbonCredit, alreadyMinted bool) *CreditSummary {
	return &CreditSummary{
		CreditID:        credit.ID,
		ChainCreditID:   credit.ChainRef.CreditID,
		TransactionHash: credit.ChainRef.TransactionHash,
		EnergyAmount:    credit.EnergyAmount,
		CarbonAmount:    credit.CarbonAmount,
		AlreadyMinted:   alreadyMinted,
	}
}
