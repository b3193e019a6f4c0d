package marketplace

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Repository defines read-only access to marketplace listings.
type Repository interface {
	ListListings(ctx context.Context, filters *Filters) ([]Listing, int, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates a new PostgreSQL marketplace repository.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const listingColumns = `
	id, owner_id, carbon_amount, trading_price, project_type, country,
	vintage_year, certification_standard, chain_credit_id,
	verification_confidence, created_at`

var sortColumns = map[string]string{
	"price":         "trading_price",
	"carbon_amount": "carbon_amount",
	"vintage_year":  "vintage_year",
	"created_at":    "created_at",
}

// buildListingsQuery assembles the filtered listings query and its argument
// list. Only verified, tradable, non-retired credits are ever visible.
func buildListingsQuery(filters *Filters) (string, string, []any) {
	conditions := []string{
		"verification_status = 'verified'",
		"trading_is_available_for_trading = true",
		"retirement_is_retired = false",
	}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filters.ProjectType != nil {
		conditions = append(conditions, "project_type = "+arg(*filters.ProjectType))
	}
	if filters.Country != nil {
		conditions = append(conditions, "country = "+arg(*filters.Country))
	}
	if filters.MinPrice != nil {
		conditions = append(conditions, "trading_price >= "+arg(*filters.MinPrice))
	}
	if filters.MaxPrice != nil {
		conditions = append(conditions, "trading_price <= "+arg(*filters.MaxPrice))
	}
	if filters.VintageYear != nil {
		conditions = append(conditions, "vintage_year = "+arg(*filters.VintageYear))
	}
	if filters.Standard != nil {
		conditions = append(conditions, "certification_standard = "+arg(*filters.Standard))
	}

	where := strings.Join(conditions, " AND ")

	sortColumn, ok := sortColumns[filters.SortBy]
	if !ok {
		sortColumn = "created_at"
	}
	sortDir := "ASC"
	if strings.EqualFold(filters.SortDir, "desc") {
		sortDir = "DESC"
	}

	page := filters.Page
	if page < 1 {
		page = 1
	}
	pageSize := filters.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	countQuery := "SELECT COUNT(*) FROM carbon_credits WHERE " + where

	listQuery := fmt.Sprintf(
		"SELECT %s FROM carbon_credits WHERE %s ORDER BY %s %s, id ASC LIMIT %s OFFSET %s",
		listingColumns, where, sortColumn, sortDir,
		arg(pageSize), arg((page-1)*pageSize),
	)

	return listQuery, countQuery, args
}

func (r *PostgresRepository) ListListings(ctx context.Context, filters *Filters) ([]Listing, int, error) {
	listQuery, countQuery, args := buildListingsQuery(filters)

	// The pagination args are appended last; the count query uses the
	// filter prefix only.
	countArgs := args[:len(args)-2]

	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("failed to count listings: %w", err)
	}

	listings := []Listing{}
	if err := r.db.SelectContext(ctx, &listings, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list marketplace credits: %w", err)
	}
	return listings, total, nil
}
