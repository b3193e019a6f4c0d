package stats

import (
	"time"

	"github.com/google/uuid"
)

// UserStats is an eventually-consistent projection of a user's ledger
// activity. It is updated best-effort after ledger commits and periodically
// recomputed from ledger records by the reconciler; divergence never blocks
// ledger correctness.
type UserStats struct {
	UserID              uuid.UUID `json:"user_id" gorm:"type:uuid;primary_key"`
	TotalMinted         float64   `json:"total_minted" gorm:"type:decimal(16,4);default:0"`
	TotalRetired        float64   `json:"total_retired" gorm:"type:decimal(16,4);default:0"`
	TotalTransferredIn  float64   `json:"total_transferred_in" gorm:"type:decimal(16,4);default:0"`
	TotalTransferredOut float64   `json:"total_transferred_out" gorm:"type:decimal(16,4);default:0"`
	CreditBalance       float64   `json:"credit_balance" gorm:"type:decimal(16,4);default:0"`
	UpdatedAt           time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
