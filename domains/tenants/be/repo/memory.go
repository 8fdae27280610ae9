package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atriumhq/atrium-saas/domains/tenants/be/service"
)

// MemoryRepository is a simple in-memory implementation suitable for tests and
// early development.
type MemoryRepository struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]service.Tenant
	bySlug map[string]uuid.UUID
}

// NewMemoryRepository constructs a MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[uuid.UUID]service.Tenant), bySlug: make(map[string]uuid.UUID)}
}

func (r *MemoryRepository) Create(ctx context.Context, t service.Tenant) (service.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bySlug[t.Slug]; exists {
		return service.Tenant{}, service.ErrConflictSlug
	}
	r.byID[t.ID] = t
	r.bySlug[t.Slug] = t.ID
	return t, nil
}

func (r *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (service.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.byID[id]
	if !ok {
		return service.Tenant{}, service.ErrNotFound
	}
	return t, nil
}

func (r *MemoryRepository) FindBySlug(ctx context.Context, slug string) (service.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.bySlug[slug]
	if !ok {
		return service.Tenant{}, service.ErrNotFound
	}
	return r.byID[id], nil
}

func (r *MemoryRepository) List(ctx context.Context, opts service.ListOptions) (service.ListResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]service.Tenant, 0, len(r.byID))
	for _, t := range r.byID {
		if opts.Status != nil && t.ProvisioningStatus != *opts.Status {
			continue
		}
		items = append(items, t)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })

	page := opts.Page
	if page < 1 {
		page = 1
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}

	totalPages := (len(items) + pageSize - 1) / pageSize
	return service.ListResult{
		Tenants:    items[start:end],
		Page:       page,
		PageSize:   pageSize,
		TotalItems: len(items),
		TotalPages: totalPages,
	}, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[id]
	if !ok {
		return service.ErrNotFound
	}
	delete(r.byID, id)
	delete(r.bySlug, t.Slug)
	return nil
}

func (r *MemoryRepository) SetProvisioningStatus(ctx context.Context, id uuid.UUID, status service.Status) error {
	return r.update(id, func(t *service.Tenant) {
		t.ProvisioningStatus = status
	})
}

func (r *MemoryRepository) MarkCompleted(ctx context.Context, id uuid.UUID, provisionedAt time.Time) error {
	return r.update(id, func(t *service.Tenant) {
		t.ProvisioningStatus = service.StatusCompleted
		t.ProvisioningError = nil
		t.ProvisionedAt = &provisionedAt
		t.IsActive = true
	})
}

func (r *MemoryRepository) RecordFailure(ctx context.Context, id uuid.UUID, cause string) error {
	return r.update(id, func(t *service.Tenant) {
		t.ProvisioningAttempts++
		t.ProvisioningError = &cause
	})
}

func (r *MemoryRepository) MarkFailed(ctx context.Context, id uuid.UUID, cause string) error {
	return r.update(id, func(t *service.Tenant) {
		t.ProvisioningStatus = service.StatusFailed
		t.ProvisioningError = &cause
		t.IsActive = false
	})
}

func (r *MemoryRepository) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	return r.update(id, func(t *service.Tenant) {
		t.ProvisioningStatus = service.StatusPending
		t.ProvisioningError = nil
	})
}

func (r *MemoryRepository) update(id uuid.UUID, fn func(*service.Tenant)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[id]
	if !ok {
		return service.ErrNotFound
	}
	fn(&t)
	r.byID[id] = t
	return nil
}

var _ service.Repository = (*MemoryRepository)(nil)
