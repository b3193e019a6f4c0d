// Package oracle wraps calls to the external blockchain / zero-knowledge
// proof service. The engines treat it as a slow, unreliable collaborator:
// every call blocks for up to the configured timeout and its result fully
// determines whether local mutation proceeds.
package oracle

import (
	"context"
	"time"
)

// MintRequest asks the oracle to mint new credit quantity on-chain, backed by
// a production proof. IdempotencyKey lets a retry find the receipt of an
// earlier attempt whose response was lost.
type MintRequest struct {
	OwnerAddress   string  `json:"owner_address"`
	Amount         float64 `json:"amount"` // kg CO2
	ProjectRef     string  `json:"project_ref"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// Receipt is the confirmation of an on-chain mint.
type Receipt struct {
	TransactionHash string    `json:"transaction_hash"`
	CreditID        string    `json:"credit_id"` // human-readable chain credit id
	ContractAddress string    `json:"contract_address"`
	ConfirmedAt     time.Time `json:"confirmed_at"`
}

// TransferRequest asks the oracle to move credit quantity between chain
// addresses. IdempotencyKey deduplicates resubmissions of the same logical
/// transfer, exactly as on mints: a retry after a lost response must carry the
// same key so the gateway applies the movement at most once.
type TransferRequest struct {
	FromAddress    string  `json:"from_address"`
	ToAddress      string  `json:"to_address"`
	Amount         float64 `json:"amount"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// TransferReceipt is the confirmation of an on-chain transfer.
type TransferReceipt struct {
	TransactionHash string    `json:"transaction_hash"`
	ConfirmedAt     time.Time `json:"confirmed_at"`
}

// VerificationResult is the oracle's view of a credit's proof status.
type VerificationResult struct {
	Verified  bool      `json:"verified"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// Oracle is the collaborator interface the ledger engines consume. Failures
// are opaque network/consensus errors; a timed-out call does not imply the
// remote operation did not happen, so the matching receipt lookup must be
// consulted before a retry re-invokes Mint or Transfer.
type Oracle interface {
	Mint(ctx context.Context, req MintRequest) (*Receipt, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error)
	Verify(ctx context.Context, chainCreditID string) (*VerificationResult, error)

	// FindReceipt looks up the receipt of a previous mint by idempotency
	// key. Returns (nil, nil) when the oracle has no record of it.
	FindReceipt(ctx context.Context, idempotencyKey string) (*Receipt, error)

	// FindTransferReceipt looks up the receipt of a previous transfer by
	// idempotency key. Returns (nil, nil) when the oracle has no record of
	// it.
	FindTransferReceipt(ctx context.Context, idempotencyKey string) (*TransferReceipt, error)
}
