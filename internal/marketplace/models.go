package marketplace

import (
	"time"

	"github.com/google/uuid"
)

// Listing is the marketplace's read-only view of a tradable credit: verified,
// listed for trading, not retired. Reads only ever observe committed state.
type Listing struct {
	ID                    uuid.UUID `db:"id" json:"id"`
	OwnerID               uuid.UUID `db:"owner_id" json:"owner_id"`
	CarbonAmount          float64   `db:"carbon_amount" json:"carbon_amount"`
	Price                 *float64  `db:"trading_price" json:"price"`
	ProjectType           string    `db:"project_type" json:"project_type"`
	Country               string    `db:"country" json:"country"`
	VintageYear           int       `db:"vintage_year" json:"vintage_year"`
	CertificationStandard string    `db:"certification_standard" json:"certification_standard"`
	ChainCreditID         string    `db:"chain_credit_id" json:"chain_credit_id"`
	Confidence            int       `db:"verification_confidence" json:"confidence"`
	CreatedAt             time.Time `db:"created_at" json:"created_at"`
}

// Filters narrows a marketplace query. All fields are optional.
type Filters struct {
	ProjectType *string  `json:"project_type"`
	Country     *string  `json:"country"`
	MinPrice    *float64 `json:"min_price"`
	MaxPrice    *float64 `json:"max_price"`
	VintageYear *int     `json:"vintage_year"`
	Standard    *string  `json:"certification_standard"`

	SortBy  string `json:"sort_by"`  // price | carbon_amount | vintage_year | created_at
	SortDir string `json:"sort_dir"` // asc | desc

	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// Page is one page of marketplace listings.
type Page struct {
	Listings []Listing `json:"listings"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}
