package devices

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Device represents a registered energy-production device. Registration and
// metering are handled upstream; the ledger reads approval state and writes
// cumulative production counters after successful issuance.
type Device struct {
	ID      uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	OwnerID uuid.UUID `json:"owner_id" gorm:"type:uuid;not null;index"`
	Name    string    `json:"name" gorm:"not null"`

	Status   DeviceStatus `json:"status" gorm:"default:'pending';index"`
	IsActive bool         `json:"is_active" gorm:"default:true"`

	// Marketplace attributes propagated onto minted credits.
	ProjectType           string `json:"project_type"`
	Country               string `json:"country"`
	CertificationStandard string `json:"certification_standard"`

	// Eventually-consistent cumulative counters; the reconciliation job
	// recomputes them from ledger records.
	TotalEnergyProduced float64 `json:"total_energy_produced" gorm:"type:decimal(16,4);default:0"`
	TotalCreditsIssued  int64   `json:"total_credits_issued" gorm:"default:0"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// DeviceStatus represents the registration lifecycle of a device.
type DeviceStatus string

const (
	DeviceStatusPending  DeviceStatus = "pending"
	DeviceStatusApproved DeviceStatus = "approved"
	DeviceStatusRejected DeviceStatus = "rejected"
	DeviceStatusRevoked  DeviceStatus = "revoked"
)

func (d *Device) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}
