package registry

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-availability/core"
	"github.com/trezcool/masomo-availability/core/catalog"
)

// ScopeAdminAll lists every resource regardless of owner.
const ScopeAdminAll = "admin_all"

type Tenant struct {
	ID         string             `json:"id" db:"id"`
	Name       string             `json:"name" db:"name"`
	PolicyMode catalog.PolicyMode `json:"policyMode" db:"policy_mode"`
	CreatedAt  time.Time          `json:"createdAt" db:"created_at"` // UTC
	UpdatedAt  time.Time          `json:"updatedAt" db:"updated_at"` // UTC
}

type Resource struct {
	ID            string      `json:"id" db:"id"`
	Title         string      `json:"title" db:"title"`
	Description   string      `json:"description" db:"description"`
	OwnerTenantID null.String `json:"ownerTenantId" db:"owner_tenant_id"` // null: globally owned
	CreatedAt     time.Time   `json:"createdAt" db:"created_at"`          // UTC
}

func (r Resource) OwnedBy(tenantID string) bool {
	return r.OwnerTenantID.Valid && r.OwnerTenantID.String == tenantID
}

// TenantState is what the availability console reads for a tenant.
type TenantState struct {
	Tenant
	GrantedResourceIDs []string `json:"grantedResourceIds"`
}

// NewTenant contains information needed to create a new Tenant.
type NewTenant struct {
	ID         string `json:"id" validate:"omitempty,max=36,printascii,excludesall=/"`
	Name       string `json:"name" validate:"required,notblank,max=255"`
	PolicyMode string `json:"policyMode" validate:"omitempty,policymode"`
}

func (nt *NewTenant) Validate(validate *validator.Validate) error {
	nt.ID = core.CleanString(nt.ID)
	nt.Name = core.CleanString(nt.Name)
	nt.PolicyMode = core.CleanString(nt.PolicyMode, true /* lower */)
	if nt.PolicyMode == "" {
		nt.PolicyMode = catalog.PolicyCurated.String()
	}
	return validate.Struct(nt)
}

// NewResource contains information needed to create a new Resource.
type NewResource struct {
	ID            string `json:"id" validate:"omitempty,max=36,printascii,excludesall=/"`
	Title         string `json:"title" validate:"required,notblank,max=255"`
	Description   string `json:"description"`
	OwnerTenantID string `json:"ownerTenantId" validate:"omitempty,max=36"`
}

func (nr *NewResource) Validate(validate *validator.Validate) error {
	nr.ID = core.CleanString(nr.ID)
	nr.Title = core.CleanString(nr.Title)
	nr.Description = core.CleanString(nr.Description)
	nr.OwnerTenantID = core.CleanString(nr.OwnerTenantID)
	return validate.Struct(nr)
}

type QueryFilter struct {
	Search string `query:"search"`
	Scope  string `query:"scope"`
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
	qf.Scope = core.CleanString(qf.Scope, true /* lower */)
}
