package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"carbon-ledger/settlement-backend/internal/devices"
	"carbon-ledger/settlement-backend/internal/oracle"
)

type issuanceFixture struct {
	engine   *IssuanceEngine
	store    *memStore
	chain    *MockOracle
	registry *stubRegistry
	recorder *recorderSpy

	ownerID  uuid.UUID
	deviceID uuid.UUID
}

func newIssuanceFixture(t *testing.T) *issuanceFixture {
	t.Helper()

	f := &issuanceFixture{
		store:    newMemStore(),
		chain:    new(MockOracle),
		registry: newStubRegistry(),
		recorder: &recorderSpy{},
		ownerID:  uuid.New(),
		deviceID: uuid.New(),
	}

	f.registry.devices[f.deviceID] = &devices.Device{
		ID:                    f.deviceID,
		OwnerID:               f.ownerID,
		Name:                  "rooftop-array-1",
		Status:                devices.DeviceStatusApproved,
		IsActive:              true,
		ProjectType:           "solar",
		Country:               "PT",
		CertificationStandard: "gold-standard",
	}

	directory := newStubDirectory()
	directory.add(f.ownerID, "GOWNER")

	f.engine = NewIssuanceEngine(f.store, f.chain, directory, f.registry, f.recorder,
		testLogger(), DefaultIssuanceConfig())
	return f
}

func mintReceipt(txHash, chainCreditID string) *oracle.Receipt {
	return &oracle.Receipt{
		TransactionHash: txHash,
		CreditID:        chainCreditID,
		ContractAddress: "CONTRACT",
		ConfirmedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestIssueCredit_Success(t *testing.T) {
	f := newIssuanceFixture(t)
	f.chain.On("Mint", mock.Anything, mock.Anything).Return(mintReceipt("tx-1", "CC-1"), nil).Once()

	summary, err := f.engine.IssueCredit(context.Background(), IssueRequest{
		OwnerID:      f.ownerID,
		DeviceID:     f.deviceID,
		EnergyAmount: 101, // floor(101 * 0.4) = 40
		Timestamp:    time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.False(t, summary.AlreadyMinted)
	assert.Equal(t, 40.0, summary.CarbonAmount)
	assert.Equal(t, "tx-1", summary.TransactionHash)
	assert.Equal(t, "CC-1", summary.ChainCreditID)

	credit, err := f.store.GetCredit(context.Background(), summary.CreditID)
	require.NoError(t, err)
	assert.Equal(t, f.ownerID, credit.OwnerID)
	assert.Equal(t, credit.ID, credit.LineageID)
	assert.Equal(t, VerificationVerified, credit.Verification.Status)
	assert.Equal(t, VerificationMethodZKProof, credit.Verification.Method)
	assert.True(t, credit.Trading.IsAvailableForTrading)
	assert.Equal(t, 2026, credit.VintageYear)
	assert.Equal(t, "solar", credit.ProjectType)
	require.NotNil(t, credit.MintKey)

	assert.Equal(t, []AuditAction{AuditActionMinted}, f.store.actions(credit.ID))
	assert.Equal(t, 1, f.recorder.mints)
	assert.Equal(t, 1, f.registry.productions)
	f.chain.AssertExpectations(t)
}

func TestIssueCredit_IdempotentOnSameEvent(t *testing.T) {
	f := newIssuanceFixture(t)
	f.chain.On("Mint", mock.Anything, mock.Anything).Return(mintReceipt("tx-1", "CC-1"), nil).Once()

	req := IssueRequest{
		OwnerID:      f.ownerID,
		DeviceID:     f.deviceID,
		EnergyAmount: 250,
		Timestamp:    time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}

	first, err := f.engine.IssueCredit(context.Background(), req)
	require.NoError(t, err)

	second, err := f.engine.IssueCredit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.AlreadyMinted)
	assert.Equal(t, first.CreditID, second.CreditID)

	// Exactly one oracle mint and one stored record.
	f.chain.AssertNumberOfCalls(t, "Mint", 1)
	assert.Equal(t, 1, f.recorder.mints)
}

func TestIssueCredit_MintKeyIsDeterministic(t *testing.T) {
	deviceID := uuid.New()
	ts := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	assert.Equal(t, MintKey(deviceID, ts, 250), MintKey(deviceID, ts.In(time.FixedZone("X", 3600)), 250))
	assert.NotEqual(t, MintKey(deviceID, ts, 250), MintKey(deviceID, ts, 251))
	assert.NotEqual(t, MintKey(deviceID, ts, 250), MintKey(deviceID, ts.Add(time.Second), 250))
}

func TestIssueCredit_OracleFailureLeavesNothingPersisted(t *testing.T) {
	f := newIssuanceFixture(t)
	f.chain.On("Mint", mock.Anything, mock.Anything).Return(nil, errors.New("consensus failure")).Once()

	req := IssueRequest{OwnerID: f.ownerID, DeviceID: f.deviceID, EnergyAmount: 250,
		Timestamp: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)}

	_, err := f.engine.IssueCredit(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOracleFailure)

	stored, err := f.store.GetByMintKey(context.Background(), MintKey(req.DeviceID, req.Timestamp, req.EnergyAmount))
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.Equal(t, 0, f.recorder.mints)
}

func TestIssueCredit_TimeoutRecoversViaReceiptLookup(t *testing.T) {
	f := newIssuanceFixture(t)
	f.chain.On("Mint", mock.Anything, mock.Anything).
		Return(nil, oracle.ErrTimeout).Once()
	f.chain.On("FindReceipt", mock.Anything, mock.Anything).
		Return(mintReceipt("tx-recovered", "CC-9"), nil).Once()

	summary, err := f.engine.IssueCredit(context.Background(), IssueRequest{
		OwnerID: f.ownerID, DeviceID: f.deviceID, EnergyAmount: 250,
		Timestamp: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "tx-recovered", summary.TransactionHash)
	f.chain.AssertExpectations(t)
}

func TestIssueCredit_TimeoutWithoutReceiptFails(t *testing.T) {
	f := newIssuanceFixture(t)
	f.chain.On("Mint", mock.Anything, mock.Anything).Return(nil, oracle.ErrTimeout).Once()
	f.chain.On("FindReceipt", mock.Anything, mock.Anything).Return(nil, nil).Once()

	_, err := f.engine.IssueCredit(context.Background(), IssueRequest{
		OwnerID: f.ownerID, DeviceID: f.deviceID, EnergyAmount: 250,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOracleTimeout)
}

func TestIssueCredit_LosingInsertRaceReturnsWinner(t *testing.T) {
	f := newIssuanceFixture(t)

	req := IssueRequest{OwnerID: f.ownerID, DeviceID: f.deviceID, EnergyAmount: 250,
		Timestamp: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)}
	mintKey := MintKey(req.DeviceID, req.Timestamp, req.EnergyAmount)

	// Simulate a concurrent request winning the insert after this request
	// passed the pre-check: the key appears while the oracle call runs.
	f.chain.On("Mint", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			winner := seedVerifiedCredit(f.store, f.ownerID, 100, "CC-winner")
			f.store.mu.Lock()
			f.store.credits[winner.ID].MintKey = &mintKey
			f.store.mu.Unlock()
		}).
		Return(mintReceipt("tx-loser", "CC-loser"), nil).Once()

	summary, err := f.engine.IssueCredit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, summary.AlreadyMinted)
	assert.Equal(t, "CC-winner", summary.ChainCreditID)
}

func TestIssueCredit_ValidationAndCollaboratorErrors(t *testing.T) {
	f := newIssuanceFixture(t)

	tests := []struct {
		name    string
		req     IssueRequest
		wantErr error
	}{
		{
			name:    "non-positive energy",
			req:     IssueRequest{OwnerID: f.ownerID, DeviceID: f.deviceID, EnergyAmount: 0},
			wantErr: ErrValidation,
		},
		{
			name:    "missing owner",
			req:     IssueRequest{DeviceID: f.deviceID, EnergyAmount: 100},
			wantErr: ErrValidation,
		},
		{
			name:    "unknown device",
			req:     IssueRequest{OwnerID: f.ownerID, DeviceID: uuid.New(), EnergyAmount: 100},
			wantErr: ErrNotFound,
		},
		{
			name:    "device owned by someone else",
			req:     IssueRequest{OwnerID: uuid.New(), DeviceID: f.deviceID, EnergyAmount: 100},
			wantErr: ErrValidation,
		},
		{
			name: "energy too small to mint",
			// floor(1 * 0.4) == 0
			req:     IssueRequest{OwnerID: f.ownerID, DeviceID: f.deviceID, EnergyAmount: 1},
			wantErr: ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.IssueCredit(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// Owner exists but carries no chain address.
	noAddress := uuid.New()
	f.registry.devices[f.deviceID].OwnerID = noAddress
	directory := newStubDirectory()
	directory.addresses[noAddress] = ""
	engine := NewIssuanceEngine(f.store, f.chain, directory, f.registry, f.recorder,
		testLogger(), DefaultIssuanceConfig())

	_, err := engine.IssueCredit(context.Background(), IssueRequest{
		OwnerID: noAddress, DeviceID: f.deviceID, EnergyAmount: 100,
	})
	assert.ErrorIs(t, err, ErrMissingAddress)
}

func TestIssueCredit_InactiveDeviceRejected(t *testing.T) {
	f := newIssuanceFixture(t)
	f.registry.devices[f.deviceID].IsActive = false

	_, err := f.engine.IssueCredit(context.Background(), IssueRequest{
		OwnerID: f.ownerID, DeviceID: f.deviceID, EnergyAmount: 100,
	})
	assert.ErrorIs(t, err, ErrValidation)
}
