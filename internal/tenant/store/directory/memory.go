package directory

import (
	"context"
	"sort"
	"sync"

	"tenantguard/internal/tenant/models"
	"tenantguard/pkg/platform/sentinel"
)

// InMemory is a thread-safe tenant directory used by tests and single-node setups.
type InMemory struct {
	mu          sync.RWMutex
	tenants     map[string]*models.Tenant
	byPartition map[string]string
}

func NewInMemory() *InMemory {
	return &InMemory{
		tenants:     make(map[string]*models.Tenant),
		byPartition: make(map[string]string),
	}
}

// Create inserts a tenant. Both the id and the partition name must be unused.
func (s *InMemory) Create(_ context.Context, t *models.Tenant) error {
	if t == nil {
		return sentinel.ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tenants[t.ID]; exists {
		return sentinel.ErrConflict
	}
	if _, taken := s.byPartition[t.Partition]; taken {
		return sentinel.ErrConflict
	}
	cp := *t
	s.tenants[t.ID] = &cp
	s.byPartition[t.Partition] = t.ID
	return nil
}

func (s *InMemory) FindByID(_ context.Context, tenantID string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// Update persists slug, status and updated_at. The partition is immutable
// and an attempt to change it is rejected.
func (s *InMemory) Update(_ context.Context, t *models.Tenant) error {
	if t == nil {
		return sentinel.ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tenants[t.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if existing.Partition != t.Partition {
		return sentinel.ErrInvalidState
	}
	existing.Slug = t.Slug
	existing.Status = t.Status
	existing.UpdatedAt = t.UpdatedAt
	return nil
}

// List returns all tenants ordered by creation time.
func (s *InMemory) List(_ context.Context) ([]*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
