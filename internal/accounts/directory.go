package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNoAccount is returned when a user or address does not resolve.
var ErrNoAccount = errors.New("account not found")

// ErrNoChainAddress is returned when a user exists but has no chain address
// configured.
var ErrNoChainAddress = errors.New("account has no chain address")

// Directory resolves between platform user ids and chain addresses.
type Directory interface {
	ChainAddress(ctx context.Context, userID uuid.UUID) (string, error)
	ResolveAddress(ctx context.Context, chainAddress string) (uuid.UUID, error)
}

// GormDirectory implements Directory on PostgreSQL.
type GormDirectory struct {
	db *gorm.DB
}

// NewGormDirectory creates a new gorm-backed account directory.
func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) ChainAddress(ctx context.Context, userID uuid.UUID) (string, error) {
	var account Account
	if err := d.db.WithContext(ctx).First(&account, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("user %s: %w", userID, ErrNoAccount)
		}
		return "", fmt.Errorf("failed to load account: %w", err)
	}
	if account.ChainAddress == nil || *account.ChainAddress == "" {
		return "", fmt.Errorf("user %s: %w", userID, ErrNoChainAddress)
	}
	return *account.ChainAddress, nil
}

func (d *GormDirectory) ResolveAddress(ctx context.Context, chainAddress string) (uuid.UUID, error) {
	var account Account
	if err := d.db.WithContext(ctx).First(&account, "chain_address = ?", chainAddress).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, fmt.Errorf("address %s: %w", chainAddress, ErrNoAccount)
		}
		return uuid.Nil, fmt.Errorf("failed to resolve address: %w", err)
	}
	return account.ID, nil
}
