package dummydb

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/trezcool/masomo-availability/core/catalog"
	"github.com/trezcool/masomo-availability/core/registry"
)

type registryRepository struct {
	db *DB
}

var _ registry.Repository = (*registryRepository)(nil) // interface compliance check

func NewRegistryRepository(db *DB) registry.Repository {
	return &registryRepository{db: db}
}

func (repo *registryRepository) CreateTenant(_ context.Context, tnt registry.Tenant) (registry.Tenant, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.tenants[tnt.ID]; ok {
		return registry.Tenant{}, registry.ErrTenantExists
	}
	repo.db.tenants[tnt.ID] = &tnt
	return tnt, nil
}

func (repo *registryRepository) GetTenant(_ context.Context, id string) (registry.Tenant, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if tnt, ok := repo.db.tenants[id]; ok {
		return *tnt, nil
	}
	return registry.Tenant{}, registry.ErrTenantNotFound
}

func (repo *registryRepository) UpdatePolicyMode(_ context.Context, id string, mode catalog.PolicyMode, updatedAt time.Time) (registry.Tenant, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	tnt, ok := repo.db.tenants[id]
	if !ok {
		return registry.Tenant{}, registry.ErrTenantNotFound
	}
	tnt.PolicyMode = mode
	tnt.UpdatedAt = updatedAt
	return *tnt, nil
}

func (repo *registryRepository) CreateResource(_ context.Context, res registry.Resource) (registry.Resource, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.resources[res.ID]; ok {
		return registry.Resource{}, registry.ErrResourceExists
	}
	repo.db.resources[res.ID] = &res
	return res, nil
}

func (repo *registryRepository) GetResource(_ context.Context, id string) (registry.Resource, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if res, ok := repo.db.resources[id]; ok {
		return *res, nil
	}
	return registry.Resource{}, registry.ErrResourceNotFound
}

func (repo *registryRepository) FilterResources(_ context.Context, filter registry.QueryFilter) ([]registry.Resource, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	search := strings.ToLower(filter.Search)
	resources := make([]registry.Resource, 0, len(repo.db.resources))
	for _, res := range repo.db.resources {
		if search == "" ||
			strings.Contains(strings.ToLower(res.Title), search) ||
			strings.Contains(strings.ToLower(res.Description), search) {
			resources = append(resources, *res)
		}
	}
	sort.Slice(resources, func(i, j int) bool {
		if resources[i].Title != resources[j].Title {
			return resources[i].Title < resources[j].Title
		}
		return resources[i].ID < resources[j].ID
	})
	return resources, nil
}

func (repo *registryRepository) GrantedResourceIDs(_ context.Context, tenantID string) ([]string, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var ids []string
	for key := range repo.db.grants {
		if key.tenantID == tenantID {
			ids = append(ids, key.resourceID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (repo *registryRepository) AddGrant(_ context.Context, tenantID, resourceID string, _ time.Time) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	repo.db.grants[grantKey{tenantID, resourceID}] = struct{}{}
	return nil
}

func (repo *registryRepository) RemoveGrant(_ context.Context, tenantID, resourceID string) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	delete(repo.db.grants, grantKey{tenantID, resourceID})
	return nil
}
