package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-ledger/settlement-backend/internal/accounts"
	"carbon-ledger/settlement-backend/internal/oracle"
	"carbon-ledger/settlement-backend/internal/stats"
)

// TransferConfig tunes the transfer engine.
type TransferConfig struct {
	ConfidenceThreshold int `json:"confidence_threshold"`
	MaxApplyAttempts    int `json:"max_apply_attempts"`
}

// DefaultTransferConfig returns the default transfer policy.
func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		ConfidenceThreshold: 80,
		MaxApplyAttempts:    3,
	}
}

// TransferRequest moves a credit quantity from one owner to another.
// IdempotencyKey deduplicates the on-chain movement across retries; callers
// retrying after OracleTimeout must resubmit with the same key. When empty, a
// fresh key is generated, which makes the call safe but not retryable.
type TransferRequest struct {
	FromUserID     uuid.UUID   `json:"from_user_id"`
	ToAddress      string      `json:"to_address"`
	Amount         float64     `json:"amount"` // kg CO2, > 0
	CreditIDs      []uuid.UUID `json:"credit_ids"`
	IdempotencyKey string      `json:"idempotency_key"`
}

// TransferEngine moves credit quantity between accounts, splitting the last
// contributing record when the requested amount does not line up with whole
// records. Candidate credits are consumed in ascending (created_at, id)
// order so the outcome is deterministic.
type TransferEngine struct {
	store     Store
	oracle    oracle.Oracle
	directory accounts.Directory
	recorder  stats.Recorder
	logger    *zap.Logger
	config    TransferConfig
}

// NewTransferEngine creates a new transfer engine.
func NewTransferEngine(
	store Store,
	chain oracle.Oracle,
	directory accounts.Directory,
	recorder stats.Recorder,
	logger *zap.Logger,
	config TransferConfig,
) *TransferEngine {
	if config.MaxApplyAttempts < 1 {
		config.MaxApplyAttempts = DefaultTransferConfig().MaxApplyAttempts
	}
	return &TransferEngine{
		store:     store,
		oracle:    chain,
		directory: directory,
		recorder:  recorder,
		logger:    logger,
		config:    config,
	}
}

// TransferCredits executes a transfer. The on-chain call happens before any
// local mutation, so an oracle failure leaves both parties' record sets
// untouched. The local multi-record mutation is applied atomically; losing a
// version race re-plans from fresh reads without re-invoking the oracle.
func (e *TransferEngine) TransferCredits(ctx context.Context, req TransferRequest) (*TransferSummary, error) {
	if req.Amount <= 0 {
		return nil, validationErrorf("amount must be positive, got %v", req.Amount)
	}
	if req.FromUserID == uuid.Nil {
		return nil, validationErrorf("from_user_id is required")
	}
	if req.ToAddress == "" {
		return nil, validationErrorf("to_address is required")
	}
	if len(req.CreditIDs) == 0 {
		return nil, validationErrorf("credit_ids must name at least one candidate credit")
	}

	candidates, err := e.store.ListCandidates(ctx, req.FromUserID, req.CreditIDs, e.config.ConfidenceThreshold)
	if err != nil {
		return nil, err
	}
	if total := totalCarbon(candidates); total < req.Amount {
		return nil, fmt.Errorf("requested %v, available %v: %w", req.Amount, total, ErrInsufficientCredits)
	}

	recipientID, err := e.directory.ResolveAddress(ctx, req.ToAddress)
	if err != nil {
		if errors.Is(err, accounts.ErrNoAccount) {
			return nil, fmt.Errorf("address %s: %w", req.ToAddress, ErrRecipientNotFound)
		}
		return nil, fmt.Errorf("failed to resolve recipient: %w", err)
	}
	if recipientID == req.FromUserID {
		return nil, validationErrorf("cannot transfer credits to the sending account")
	}

	fromAddress, err := e.directory.ChainAddress(ctx, req.FromUserID)
	if err != nil {
		if errors.Is(err, accounts.ErrNoChainAddress) {
			return nil, fmt.Errorf("sender %s: %w", req.FromUserID, ErrMissingAddress)
		}
		return nil, fmt.Errorf("failed to resolve sender address: %w", err)
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	receipt, err := e.transferWithReconciliation(ctx, oracle.TransferRequest{
		FromAddress:    fromAddress,
		ToAddress:      req.ToAddress,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	// On-chain quantity has moved; now assign it locally. A lost version
	// race re-reads balances and re-plans, it never re-invokes the oracle.
	summary, err := e.applyWithRetry(ctx, req, candidates, recipientID, receipt.TransactionHash)
	if err != nil {
		return nil, err
	}

	if err := e.recorder.RecordTransfer(ctx, req.FromUserID, recipientID, req.Amount); err != nil {
		e.logger.Warn("failed to record transfer stats", zap.Error(err))
	}
	return summary, nil
}

// transferWithReconciliation calls the oracle and, on timeout, checks whether
// the transfer actually went through before reporting failure. A lost
// response must not lead to the quantity moving twice when the caller
// resubmits with the same key.
func (e *TransferEngine) transferWithReconciliation(ctx context.Context, req oracle.TransferRequest) (*oracle.TransferReceipt, error) {
	receipt, err := e.oracle.Transfer(ctx, req)
	if err == nil {
		return receipt, nil
	}

	if errors.Is(err, oracle.ErrTimeout) {
		found, lookupErr := e.oracle.FindTransferReceipt(ctx, req.IdempotencyKey)
		if lookupErr == nil && found != nil {
			e.logger.Info("recovered transfer receipt after timeout",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("tx_hash", found.TransactionHash))
			return found, nil
		}
		e.logger.Error("oracle transfer timed out", zap.Error(err),
			zap.String("idempotency_key", req.IdempotencyKey))
		return nil, fmt.Errorf("transfer: %w: %v", ErrOracleTimeout, err)
	}

	e.logger.Error("oracle transfer failed", zap.Error(err),
		zap.String("idempotency_key", req.IdempotencyKey))
	return nil, fmt.Errorf("transfer: %w: %v", ErrOracleFailure, err)
}

func (e *TransferEngine) applyWithRetry(
	ctx context.Context,
	req TransferRequest,
	candidates []CarbonCredit,
	recipientID uuid.UUID,
	txHash string,
) (*TransferSummary, error) {
	for attempt := 1; ; attempt++ {
		mutation, err := planConsumption(candidates, req.Amount, recipientID, req.ToAddress, txHash, req.FromUserID)
		if err != nil {
			return nil, err
		}

		applyErr := e.store.ApplyTransfer(ctx, mutation)
		if applyErr == nil {
			return summaryFromMutation(mutation), nil
		}
		if !errors.Is(applyErr, ErrConcurrencyConflict) {
			return nil, applyErr
		}
		if attempt >= e.config.MaxApplyAttempts {
			return nil, fmt.Errorf("transfer lost %d races: %w", attempt, ErrConcurrencyConflict)
		}

		e.logger.Info("transfer lost a version race, re-planning",
			zap.Int("attempt", attempt), zap.String("tx_hash", txHash))

		candidates, err = e.store.ListCandidates(ctx, req.FromUserID, req.CreditIDs, e.config.ConfidenceThreshold)
		if err != nil {
			return nil, err
		}
		if total := totalCarbon(candidates); total < req.Amount {
			// The on-chain transfer succeeded but local quantity vanished
			// underneath us. This cannot be resolved here.
			e.logger.Error("transferred amount no longer backed by local records",
				zap.String("tx_hash", txHash),
				zap.Float64("amount", req.Amount),
				zap.Float64("available", total))
			return nil, fmt.Errorf("on-chain transfer %s lacks local backing: %w", txHash, ErrInvariantViolation)
		}
	}
}

// planConsumption greedily consumes candidates (already in canonical order)
// toward amount. Whole records are reassigned in place; the final record is
// split when only part of it is needed.
func planConsumption(
	candidates []CarbonCredit,
	amount float64,
	recipientID uuid.UUID,
	toAddress string,
	txHash string,
	performedBy uuid.UUID,
) (*TransferMutation, error) {
	mutation := &TransferMutation{
		RecipientID:     recipientID,
		ToAddress:       toAddress,
		TransactionHash: txHash,
		Amount:          amount,
		PerformedBy:     performedBy,
	}

	remaining := amount
	for i := range candidates {
		if remaining <= 0 {
			break
		}
		credit := &candidates[i]
		if credit.CarbonAmount <= 0 {
			return nil, fmt.Errorf("candidate %s has non-positive amount: %w", credit.ID, ErrInvariantViolation)
		}

		if credit.CarbonAmount <= remaining {
			mutation.FullReassignments = append(mutation.FullReassignments, FullReassignment{
				CreditID: credit.ID,
				Version:  credit.Version,
				Amount:   credit.CarbonAmount,
			})
			remaining -= credit.CarbonAmount
			continue
		}

		mutation.Split = &SplitSpec{
			ParentID:      credit.ID,
			ParentVersion: credit.Version,
			Amount:        remaining,
			Child:         splitFragment(credit, remaining, recipientID, txHash),
		}
		remaining = 0
	}

	if remaining > 0 {
		return nil, fmt.Errorf("candidates cover %v of %v: %w", amount-remaining, amount, ErrInsufficientCredits)
	}
	return mutation, nil
}

// splitFragment builds the recipient's record for a partial consumption. The
// fragment keeps the parent's lineage, provenance and verification; its chain
// credit id derives from the parent's with a unique per-parent sequence.
func splitFragment(parent *CarbonCredit, amount float64, recipientID uuid.UUID, txHash string) *CarbonCredit {
	fraction := amount / parent.CarbonAmount
	return &CarbonCredit{
		ID:             uuid.New(),
		LineageID:      parent.LineageID,
		OwnerID:        recipientID,
		SourceDeviceID: parent.SourceDeviceID,
		EnergyAmount:   parent.EnergyAmount * fraction,
		CarbonAmount:   amount,
		CarbonFactor:   parent.CarbonFactor,

		ProjectType:           parent.ProjectType,
		Country:               parent.Country,
		VintageYear:           parent.VintageYear,
		CertificationStandard: parent.CertificationStandard,

		ChainRef: ChainRef{
			TransactionHash: txHash,
			CreditID:        parent.ChainRef.CreditID + "-S" + strconv.Itoa(parent.SplitSeq+1),
			ContractAddress: parent.ChainRef.ContractAddress,
		},
		Verification: parent.Verification,
		Trading: Trading{
			IsAvailableForTrading: false,
			TotalTraded:           amount,
		},
	}
}

func summaryFromMutation(m *TransferMutation) *TransferSummary {
	summary := &TransferSummary{
		TransactionHash: m.TransactionHash,
		Amount:          m.Amount,
		RecipientID:     m.RecipientID,
	}
	for _, full := range m.FullReassignments {
		summary.TransferredCredits = append(summary.TransferredCredits, full.CreditID)
	}
	if m.Split != nil {
		id := m.Split.Child.ID
		summary.SplitCreditID = &id
	}
	return summary
}

func totalCarbon(credits []CarbonCredit) float64 {
	var total float64
	for i := range credits {
		total += credits[i].CarbonAmount
	}
	return total
}
