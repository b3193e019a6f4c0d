package marketplace

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrInvalidFilter marks a marketplace query rejected before it reaches the
// repository. Handlers map it to a client error.
var ErrInvalidFilter = errors.New("invalid marketplace filter")

// Service exposes read-only marketplace queries over committed ledger state.
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService creates a new marketplace service.
func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// QueryMarketplace returns a filtered, sorted, paginated page of tradable
// credits.
func (s *Service) QueryMarketplace(ctx context.Context, filters *Filters) (*Page, error) {
	if filters == nil {
		filters = &Filters{}
	}
	if filters.MinPrice != nil && filters.MaxPrice != nil && *filters.MinPrice > *filters.MaxPrice {
		return nil, fmt.Errorf("%w: min_price %v exceeds max_price %v",
			ErrInvalidFilter, *filters.MinPrice, *filters.MaxPrice)
	}

	listings, total, err := s.repo.ListListings(ctx, filters)
	if err != nil {
		return nil, err
	}

	page := filters.Page
	if page < 1 {
		page = 1
	}
	pageSize := filters.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	return &Page{
		Listings: listings,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}
