package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ListingRadar/internal/domain"
	"ListingRadar/internal/ports"
)

// FilterService is the Filter CRUD boundary. Malformed filters are rejected here and never stored.
type FilterService struct {
	repo  ports.FilterRepository
	now   func() time.Time
	newID func() string
}

// NewFilterService builds a FilterService.
func NewFilterService(repo ports.FilterRepository) *FilterService {
	return &FilterService{repo: repo, now: utcNow, newID: uuid.NewString}
}

// Create assigns ids and timestamps, validates and stores f.
func (s *FilterService) Create(ctx context.Context, f domain.SubscriberFilter) (domain.SubscriberFilter, error) {
	f = domain.NormalizeFilter(f)
	f.ID = s.newID()
	f.CreatedAt = s.now()
	f.UpdatedAt = f.CreatedAt
	s.assignPriceIDs(&f, nil)

	if err := domain.ValidateFilter(f); err != nil {
		return domain.SubscriberFilter{}, err
	}
	if err := s.repo.SaveFilter(ctx, f); err != nil {
		return domain.SubscriberFilter{}, fmt.Errorf("create filter: %w", err)
	}
	return f, nil
}

// Update replaces the filter id with f, keeping its creation time.
func (s *FilterService) Update(ctx context.Context, id string, f domain.SubscriberFilter) (domain.SubscriberFilter, error) {
	existing, err := s.repo.GetFilter(ctx, id)
	if err != nil {
		return domain.SubscriberFilter{}, err
	}

	f = domain.NormalizeFilter(f)
	f.ID = existing.ID
	f.CreatedAt = existing.CreatedAt
	f.UpdatedAt = s.now()
	s.assignPriceIDs(&f, existing.Prices)

	if err := domain.ValidateFilter(f); err != nil {
		return domain.SubscriberFilter{}, err
	}
	if err := s.repo.SaveFilter(ctx, f); err != nil {
		return domain.SubscriberFilter{}, fmt.Errorf("update filter %s: %w", id, err)
	}
	return f, nil
}

// Get loads one filter.
func (s *FilterService) Get(ctx context.Context, id string) (domain.SubscriberFilter, error) {
	return s.repo.GetFilter(ctx, id)
}

// Delete removes a filter and its price constraints.
func (s *FilterService) Delete(ctx context.Context, id string) error {
	return s.repo.DeleteFilter(ctx, id)
}

// List returns the filters of one owner, or all filters when ownerID is empty.
func (s *FilterService) List(ctx context.Context, ownerID string) ([]domain.SubscriberFilter, error) {
	return s.repo.ListFilters(ctx, ownerID)
}

// assignPriceIDs keeps a client-supplied constraint id only when it already belongs to this
// filter and is not repeated; every other constraint gets a fresh id.
func (s *FilterService) assignPriceIDs(f *domain.SubscriberFilter, owned []domain.PriceConstraint) {
	known := make(map[string]bool, len(owned))
	for _, p := range owned {
		known[p.ID] = true
	}
	for i := range f.Prices {
		id := f.Prices[i].ID
		if id == "" || !known[id] {
			f.Prices[i].ID = s.newID()
			continue
		}
		delete(known, id)
	}
}
