package sqlxrepos

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-availability/core"
	"github.com/trezcool/masomo-availability/core/catalog"
	"github.com/trezcool/masomo-availability/core/registry"
)

const (
	tenantColumns   = "id, name, policy_mode, created_at, updated_at"
	resourceColumns = "id, title, description, owner_tenant_id, created_at"
)

var resourceOrderings = map[string]string{"title": "title", "createdAt": "created_at"}

type registryRepository struct {
	db core.DB
}

var _ registry.Repository = (*registryRepository)(nil) // interface compliance check

func NewRegistryRepository(db core.DB) registry.Repository {
	return &registryRepository{db: db}
}

func (repo *registryRepository) CreateTenant(ctx context.Context, tnt registry.Tenant) (registry.Tenant, error) {
	q := repo.db.Rebind("INSERT INTO tenant (" + tenantColumns + ") VALUES (?, ?, ?, ?, ?)")
	if _, err := repo.db.ExecContext(ctx, q, tnt.ID, tnt.Name, tnt.PolicyMode.String(), tnt.CreatedAt, tnt.UpdatedAt); err != nil {
		return registry.Tenant{}, errors.Wrap(err, "inserting tenant")
	}
	return tnt, nil
}

func (repo *registryRepository) GetTenant(ctx context.Context, id string) (registry.Tenant, error) {
	var tnt registry.Tenant
	q := repo.db.Rebind("SELECT " + tenantColumns + " FROM tenant WHERE id = ?")
	if err := repo.db.GetContext(ctx, &tnt, q, id); err != nil {
		if err == sql.ErrNoRows {
			return registry.Tenant{}, registry.ErrTenantNotFound
		}
		return registry.Tenant{}, errors.Wrap(err, "selecting tenant")
	}
	return tnt, nil
}

func (repo *registryRepository) UpdatePolicyMode(ctx context.Context, id string, mode catalog.PolicyMode, updatedAt time.Time) (registry.Tenant, error) {
	q := repo.db.Rebind("UPDATE tenant SET policy_mode = ?, updated_at = ? WHERE id = ?")
	res, err := repo.db.ExecContext(ctx, q, mode.String(), updatedAt, id)
	if err != nil {
		return registry.Tenant{}, errors.Wrap(err, "updating tenant")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return registry.Tenant{}, registry.ErrTenantNotFound
	}
	return repo.GetTenant(ctx, id)
}

func (repo *registryRepository) CreateResource(ctx context.Context, res registry.Resource) (registry.Resource, error) {
	q := repo.db.Rebind("INSERT INTO resource (" + resourceColumns + ") VALUES (?, ?, ?, ?, ?)")
	if _, err := repo.db.ExecContext(ctx, q, res.ID, res.Title, res.Description, res.OwnerTenantID, res.CreatedAt); err != nil {
		return registry.Resource{}, errors.Wrap(err, "inserting resource")
	}
	return res, nil
}

func (repo *registryRepository) GetResource(ctx context.Context, id string) (registry.Resource, error) {
	var res registry.Resource
	q := repo.db.Rebind("SELECT " + resourceColumns + " FROM resource WHERE id = ?")
	if err := repo.db.GetContext(ctx, &res, q, id); err != nil {
		if err == sql.ErrNoRows {
			return registry.Resource{}, registry.ErrResourceNotFound
		}
		return registry.Resource{}, errors.Wrap(err, "selecting resource")
	}
	return res, nil
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(s)) + "%"
}

func (repo *registryRepository) FilterResources(ctx context.Context, filter registry.QueryFilter) ([]registry.Resource, error) {
	var (
		where string
		args  []interface{}
	)
	if filter.Search != "" {
		where = ` WHERE LOWER(title) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\'`
		pattern := likePattern(filter.Search)
		args = append(args, pattern, pattern)
	}
	orderBy := core.OrderBy(nil, resourceOrderings,
		core.DBOrdering{Field: "title", Ascending: true},
		core.DBOrdering{Field: "id", Ascending: true},
	)

	resources := make([]registry.Resource, 0)
	q := repo.db.Rebind("SELECT " + resourceColumns + " FROM resource" + where + orderBy)
	if err := repo.db.SelectContext(ctx, &resources, q, args...); err != nil {
		return nil, errors.Wrap(err, "selecting resources")
	}
	return resources, nil
}

func (repo *registryRepository) GrantedResourceIDs(ctx context.Context, tenantID string) ([]string, error) {
	var ids []string
	q := repo.db.Rebind("SELECT resource_id FROM resource_grant WHERE tenant_id = ? ORDER BY resource_id")
	if err := repo.db.SelectContext(ctx, &ids, q, tenantID); err != nil {
		return nil, errors.Wrap(err, "selecting grants")
	}
	return ids, nil
}

func (repo *registryRepository) AddGrant(ctx context.Context, tenantID, resourceID string, createdAt time.Time) error {
	q := repo.db.Rebind(`INSERT INTO resource_grant (tenant_id, resource_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, resource_id) DO NOTHING`)
	if _, err := repo.db.ExecContext(ctx, q, tenantID, resourceID, createdAt); err != nil {
		return errors.Wrap(err, "inserting grant")
	}
	return nil
}

func (repo *registryRepository) RemoveGrant(ctx context.Context, tenantID, resourceID string) error {
	q := repo.db.Rebind("DELETE FROM resource_grant WHERE tenant_id = ? AND resource_id = ?")
	if _, err := repo.db.ExecContext(ctx, q, tenantID, resourceID); err != nil {
		return errors.Wrap(err, "deleting grant")
	}
	return nil
}
