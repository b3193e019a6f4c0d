package devices

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNoDevice is returned when a device id does not resolve.
var ErrNoDevice = errors.New("device not found")

// Registry is the device-registration collaborator consumed by the issuance
// engine: ownership/approval reads plus best-effort production counters.
type Registry interface {
	Get(ctx context.Context, id uuid.UUID) (*Device, error)
	AddProduction(ctx context.Context, id uuid.UUID, energyAmount float64) error
}

// GormRegistry implements Registry on PostgreSQL.
type GormRegistry struct {
	db *gorm.DB
}

// NewGormRegistry creates a new gorm-backed device registry.
func NewGormRegistry(db *gorm.DB) *GormRegistry {
	return &GormRegistry{db: db}
}

func (r *GormRegistry) Get(ctx context.Context, id uuid.UUID) (*Device, error) {
	var device Device
	if err := r.db.WithContext(ctx).First(&device, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("device %s: %w", id, ErrNoDevice)
		}
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	return &device, nil
}

func (r *GormRegistry) AddProduction(ctx context.Context, id uuid.UUID, energyAmount float64) error {
	result := r.db.WithContext(ctx).Model(&Device{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"total_energy_produced": gorm.Expr("total_energy_produced + ?", energyAmount),
			"total_credits_issued":  gorm.Expr("total_credits_issued + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update production counters: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("device %s: %w", id, ErrNoDevice)
	}
	return nil
}
