package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"carbon-ledger/settlement-backend/internal/accounts"
	"carbon-ledger/settlement-backend/internal/devices"
	"carbon-ledger/settlement-backend/internal/oracle"
)

// MockOracle is a mock implementation of the oracle.Oracle interface
type MockOracle struct {
	mock.Mock
}

func (m *MockOracle) Mint(ctx context.Context, req oracle.MintRequest) (*oracle.Receipt, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oracle.Receipt), args.Error(1)
}

func (m *MockOracle) Transfer(ctx context.Context, req oracle.TransferRequest) (*oracle.TransferReceipt, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oracle.TransferReceipt), args.Error(1)
}

func (m *MockOracle) Verify(ctx context.Context, chainCreditID string) (*oracle.VerificationResult, error) {
	args := m.Called(ctx, chainCreditID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oracle.VerificationResult), args.Error(1)
}

func (m *MockOracle) FindReceipt(ctx context.Context, idempotencyKey string) (*oracle.Receipt, error) {
	args := m.Called(ctx, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oracle.Receipt), args.Error(1)
}

func (m *MockOracle) FindTransferReceipt(ctx context.Context, idempotencyKey string) (*oracle.TransferReceipt, error) {
	args := m.Called(ctx, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oracle.TransferReceipt), args.Error(1)
}

// stubDirectory resolves users and addresses from fixed maps.
type stubDirectory struct {
	addresses map[uuid.UUID]string
	users     map[string]uuid.UUID
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{
		addresses: map[uuid.UUID]string{},
		users:     map[string]uuid.UUID{},
	}
}

func (d *stubDirectory) add(userID uuid.UUID, address string) {
	d.addresses[userID] = address
	d.users[address] = userID
}

func (d *stubDirectory) ChainAddress(_ context.Context, userID uuid.UUID) (string, error) {
	addr, ok := d.addresses[userID]
	if !ok {
		return "", fmt.Errorf("user %s: %w", userID, accounts.ErrNoAccount)
	}
	if addr == "" {
		return "", fmt.Errorf("user %s: %w", userID, accounts.ErrNoChainAddress)
	}
	return addr, nil
}

func (d *stubDirectory) ResolveAddress(_ context.Context, chainAddress string) (uuid.UUID, error) {
	id, ok := d.users[chainAddress]
	if !ok {
		return uuid.Nil, fmt.Errorf("address %s: %w", chainAddress, accounts.ErrNoAccount)
	}
	return id, nil
}

// stubRegistry serves devices from a fixed map and counts production updates.
type stubRegistry struct {
	devices     map[uuid.UUID]*devices.Device
	productions int
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{devices: map[uuid.UUID]*devices.Device{}}
}

func (r *stubRegistry) Get(_ context.Context, id uuid.UUID) (*devices.Device, error) {
	device, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", id, devices.ErrNoDevice)
	}
	copied := *device
	return &copied, nil
}

func (r *stubRegistry) AddProduction(_ context.Context, id uuid.UUID, _ float64) error {
	if _, ok := r.devices[id]; !ok {
		return fmt.Errorf("device %s: %w", id, devices.ErrNoDevice)
	}
	r.productions++
	return nil
}

// recorderSpy counts stats recordings without persisting anything.
type recorderSpy struct {
	mints       int
	transfers   int
	retirements int
}

func (r *recorderSpy) RecordMint(context.Context, uuid.UUID, float64) error {
	r.mints++
	return nil
}

func (r *recorderSpy) RecordTransfer(context.Context, uuid.UUID, uuid.UUID, float64) error {
	r.transfers++
	return nil
}

func (r *recorderSpy) RecordRetirement(context.Context, uuid.UUID, float64) error {
	r.retirements++
	return nil
}

// memStore is an in-memory Store with the same optimistic-concurrency
// semantics as the gorm implementation. Conflict counters let tests force
// version races on the first N mutation attempts.
type memStore struct {
	mu      sync.Mutex
	credits map[uuid.UUID]*CarbonCredit
	audits  []AuditEntry
	seq     int

	transferConflicts int
	retireConflicts   int
	listingConflicts  int

	// onConflict runs while a forced conflict is consumed, letting tests
	// mutate state between planning rounds.
	onConflict func(s *memStore)
}

func newMemStore() *memStore {
	return &memStore{credits: map[uuid.UUID]*CarbonCredit{}}
}

func (s *memStore) nextCreatedAt() time.Time {
	s.seq++
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(s.seq) * time.Second)
}

func (s *memStore) insert(credit *CarbonCredit) {
	if credit.ID == uuid.Nil {
		credit.ID = uuid.New()
	}
	if credit.LineageID == uuid.Nil {
		credit.LineageID = credit.ID
	}
	if credit.CreatedAt.IsZero() {
		credit.CreatedAt = s.nextCreatedAt()
	}
	copied := *credit
	s.credits[credit.ID] = &copied
}

func (s *memStore) appendAudit(creditID uuid.UUID, action AuditAction, performedBy uuid.UUID, details any) {
	s.audits = append(s.audits, AuditEntry{
		ID:          uuid.New(),
		CreditID:    creditID,
		Action:      action,
		PerformedBy: performedBy,
		Timestamp:   time.Now(),
		Details:     mustDetails(details),
	})
}

func (s *memStore) CreateMinted(_ context.Context, credit *CarbonCredit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if credit.MintKey != nil {
		for _, existing := range s.credits {
			if existing.MintKey != nil && *existing.MintKey == *credit.MintKey {
				return fmt.Errorf("mint key already persisted: %w", ErrConcurrencyConflict)
			}
		}
	}
	s.insert(credit)
	s.appendAudit(credit.ID, AuditActionMinted, credit.OwnerID, MintDetails{
		TransactionHash: credit.ChainRef.TransactionHash,
		EnergyAmount:    credit.EnergyAmount,
		CarbonAmount:    credit.CarbonAmount,
		DeviceID:        credit.SourceDeviceID.String(),
	})
	return nil
}

func (s *memStore) GetCredit(_ context.Context, id uuid.UUID) (*CarbonCredit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	credit, ok := s.credits[id]
	if !ok {
		return nil, fmt.Errorf("credit %s: %w", id, ErrNotFound)
	}
	copied := *credit
	return &copied, nil
}

func (s *memStore) GetByMintKey(_ context.Context, key string) (*CarbonCredit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, credit := range s.credits {
		if credit.MintKey != nil && *credit.MintKey == key {
			copied := *credit
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memStore) selectOrdered(ownerID uuid.UUID, ids []uuid.UUID, keep func(*CarbonCredit) bool) []CarbonCredit {
	requested := map[uuid.UUID]bool{}
	for _, id := range ids {
		requested[id] = true
	}

	var out []CarbonCredit
	for _, credit := range s.credits {
		if credit.OwnerID != ownerID || !requested[credit.ID] {
			continue
		}
		if !keep(credit) {
			continue
		}
		out = append(out, *credit)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (s *memStore) ListCandidates(_ context.Context, ownerID uuid.UUID, ids []uuid.UUID, confidenceThreshold int) ([]CarbonCredit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectOrdered(ownerID, ids, func(c *CarbonCredit) bool {
		return c.Tradable(confidenceThreshold)
	}), nil
}

func (s *memStore) ListOwnedUnretired(_ context.Context, ownerID uuid.UUID, ids []uuid.UUID) ([]CarbonCredit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectOrdered(ownerID, ids, func(c *CarbonCredit) bool {
		return !c.Retirement.IsRetired
	}), nil
}

func (s *memStore) ApplyTransfer(_ context.Context, m *TransferMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transferConflicts > 0 {
		s.transferConflicts--
		if s.onConflict != nil {
			s.onConflict(s)
		}
		return fmt.Errorf("forced race: %w", ErrConcurrencyConflict)
	}

	// Validate every guard before mutating anything, mirroring the rollback
	// semantics of the real transaction.
	for _, full := range m.FullReassignments {
		credit, ok := s.credits[full.CreditID]
		if !ok || credit.Version != full.Version || credit.Retirement.IsRetired {
			return fmt.Errorf("credit %s changed since planning: %w", full.CreditID, ErrConcurrencyConflict)
		}
	}
	if m.Split != nil {
		parent, ok := s.credits[m.Split.ParentID]
		if !ok || parent.Version != m.Split.ParentVersion ||
			parent.Retirement.IsRetired || parent.CarbonAmount < m.Split.Amount {
			return fmt.Errorf("split parent changed since planning: %w", ErrConcurrencyConflict)
		}
	}

	for _, full := range m.FullReassignments {
		credit := s.credits[full.CreditID]
		credit.OwnerID = m.RecipientID
		credit.Trading.IsAvailableForTrading = false
		credit.Trading.TotalTraded += full.Amount
		credit.Version++
		s.appendAudit(full.CreditID, AuditActionTransferred, m.PerformedBy, TransferDetails{
			Amount:          full.Amount,
			ToAddress:       m.ToAddress,
			TransactionHash: m.TransactionHash,
		})
	}

	if m.Split != nil {
		parent := s.credits[m.Split.ParentID]
		parent.CarbonAmount -= m.Split.Amount
		parent.EnergyAmount -= m.Split.Child.EnergyAmount
		parent.SplitSeq++
		parent.Version++
		s.insert(m.Split.Child)
		s.appendAudit(m.Split.ParentID, AuditActionSplit, m.PerformedBy, SplitDetails{
			Amount:          m.Split.Amount,
			CounterpartID:   m.Split.Child.ID.String(),
			TransactionHash: m.TransactionHash,
		})
		s.appendAudit(m.Split.Child.ID, AuditActionSplit, m.PerformedBy, SplitDetails{
			Amount:          m.Split.Amount,
			CounterpartID:   m.Split.ParentID.String(),
			TransactionHash: m.TransactionHash,
		})
	}
	return nil
}

func (s *memStore) ApplyRetirement(_ context.Context, m *RetirementMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retireConflicts > 0 {
		s.retireConflicts--
		if s.onConflict != nil {
			s.onConflict(s)
		}
		return fmt.Errorf("forced race: %w", ErrConcurrencyConflict)
	}

	for _, ref := range m.Credits {
		credit, ok := s.credits[ref.CreditID]
		if !ok || credit.Version != ref.Version || credit.Retirement.IsRetired {
			return fmt.Errorf("credit %s changed since planning: %w", ref.CreditID, ErrConcurrencyConflict)
		}
	}

	for _, ref := range m.Credits {
		credit := s.credits[ref.CreditID]
		retiredAt := m.RetiredAt
		retiredBy := m.RetiredBy
		reason := m.Reason
		beneficiary := m.Beneficiary
		credit.Retirement = Retirement{
			IsRetired:   true,
			RetiredAt:   &retiredAt,
			RetiredBy:   &retiredBy,
			Reason:      &reason,
			Beneficiary: &beneficiary,
		}
		credit.Trading.IsAvailableForTrading = false
		credit.Version++
		s.appendAudit(ref.CreditID, AuditActionRetired, m.RetiredBy, RetireDetails{
			Amount:      ref.Amount,
			Reason:      m.Reason,
			Beneficiary: m.Beneficiary,
		})
	}
	return nil
}

func (s *memStore) UpdateListing(_ context.Context, creditID uuid.UUID, version int64, ownerID uuid.UUID, available bool, price *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listingConflicts > 0 {
		s.listingConflicts--
		if s.onConflict != nil {
			s.onConflict(s)
		}
		return fmt.Errorf("forced race: %w", ErrConcurrencyConflict)
	}

	credit, ok := s.credits[creditID]
	if !ok || credit.Version != version || credit.OwnerID != ownerID || credit.Retirement.IsRetired {
		return fmt.Errorf("credit %s changed since planning: %w", creditID, ErrConcurrencyConflict)
	}
	credit.Trading.IsAvailableForTrading = available
	credit.Trading.Price = price
	credit.Version++
	s.appendAudit(creditID, AuditActionListingUpdated, ownerID, ListingDetails{Available: available, Price: price})
	return nil
}

func (s *memStore) UpdateVerification(_ context.Context, creditID uuid.UUID, version int64, status VerificationStatus, confidence int, verifiedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	credit, ok := s.credits[creditID]
	if !ok || credit.Version != version || credit.Retirement.IsRetired {
		return fmt.Errorf("credit %s changed since planning: %w", creditID, ErrConcurrencyConflict)
	}
	credit.Verification.Status = status
	credit.Verification.Confidence = confidence
	credit.Verification.VerifiedAt = verifiedAt
	credit.Version++
	s.appendAudit(creditID, AuditActionVerificationUpdated, uuid.Nil,
		VerificationDetails{Status: status, Confidence: confidence})
	return nil
}

func (s *memStore) ListUserCredits(_ context.Context, ownerID uuid.UUID, f UserCreditFilters) ([]CarbonCredit, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []CarbonCredit
	for _, credit := range s.credits {
		if credit.OwnerID != ownerID {
			continue
		}
		if !f.IncludeRetired && credit.Retirement.IsRetired {
			continue
		}
		if f.VintageYear != nil && credit.VintageYear != *f.VintageYear {
			continue
		}
		if f.ProjectType != nil && credit.ProjectType != *f.ProjectType {
			continue
		}
		out = append(out, *credit)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, int64(len(out)), nil
}

func (s *memStore) UserStats(_ context.Context, ownerID uuid.UUID) (*UserCreditStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &UserCreditStats{}
	for _, credit := range s.credits {
		if credit.OwnerID != ownerID {
			continue
		}
		stats.TotalCarbon += credit.CarbonAmount
		stats.CreditCount++
		if credit.Retirement.IsRetired {
			stats.RetiredCarbon += credit.CarbonAmount
		} else {
			stats.AvailableCarbon += credit.CarbonAmount
		}
	}
	return stats, nil
}

func (s *memStore) LineageTotal(_ context.Context, lineageID uuid.UUID) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total float64
	for _, credit := range s.credits {
		if credit.LineageID == lineageID {
			total += credit.CarbonAmount
		}
	}
	return total, nil
}

func (s *memStore) AuditTrail(_ context.Context, creditID uuid.UUID) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []AuditEntry
	for _, entry := range s.audits {
		if entry.CreditID == creditID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *memStore) actions(creditID uuid.UUID) []AuditAction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []AuditAction
	for _, entry := range s.audits {
		if entry.CreditID == creditID {
			out = append(out, entry.Action)
		}
	}
	return out
}

// seedVerifiedCredit inserts a tradable, verified credit and returns it.
func seedVerifiedCredit(s *memStore, ownerID uuid.UUID, carbonAmount float64, chainCreditID string) *CarbonCredit {
	credit := &CarbonCredit{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		SourceDeviceID: uuid.New(),
		EnergyAmount:   carbonAmount / DefaultCarbonFactor,
		CarbonAmount:   carbonAmount,
		CarbonFactor:   DefaultCarbonFactor,
		ProjectType:    "solar",
		Country:        "PT",
		VintageYear:    2026,
		ChainRef:       ChainRef{TransactionHash: "tx-seed", CreditID: chainCreditID},
		Verification:   Verification{Status: VerificationVerified, Method: VerificationMethodZKProof, Confidence: 100},
		Trading:        Trading{IsAvailableForTrading: true},
	}
	credit.LineageID = credit.ID

	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(credit)
	return credit
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}
