package accounts

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Account maps a platform user to their on-chain address. Authentication and
// session handling live elsewhere; the ledger only needs the directory.
type Account struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Email        string    `json:"email" gorm:"uniqueIndex;not null"`
	Name         string    `json:"name"`
	ChainAddress *string   `json:"chain_address" gorm:"uniqueIndex"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
