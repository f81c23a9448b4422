// Package registry holds the catalog backend's records: tenants with their policy mode, resources and curated grants.
package registry

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-availability/core"
	"github.com/trezcool/masomo-availability/core/catalog"
)

var (
	// errors
	ErrTenantNotFound   = errors.New("tenant not found")
	ErrResourceNotFound = errors.New("resource not found")
	ErrTenantExists     = errors.New("a tenant with this id already exists")
	ErrResourceExists   = errors.New("a resource with this id already exists")
	ErrOwnedResource    = errors.New("a tenant's own resources are always available")

	NowFunc = time.Now // mockable
)

type (
	Repository interface {
		CreateTenant(ctx context.Context, tnt Tenant) (Tenant, error)
		GetTenant(ctx context.Context, id string) (Tenant, error)
		UpdatePolicyMode(ctx context.Context, id string, mode catalog.PolicyMode, updatedAt time.Time) (Tenant, error)
		CreateResource(ctx context.Context, res Resource) (Resource, error)
		GetResource(ctx context.Context, id string) (Resource, error)
		// FilterResources does a case-insensitive match of QueryFilter.Search on Resource.Title or Resource.Description.
		FilterResources(ctx context.Context, filter QueryFilter) ([]Resource, error)
		GrantedResourceIDs(ctx context.Context, tenantID string) ([]string, error)
		// AddGrant and RemoveGrant succeed whether or not the grant already exists.
		AddGrant(ctx context.Context, tenantID, resourceID string, createdAt time.Time) error
		RemoveGrant(ctx context.Context, tenantID, resourceID string) error
	}

	Service struct {
		repo     Repository
		validate *validator.Validate
	}
)

func NewService(repo Repository, validate *validator.Validate) *Service {
	return &Service{repo: repo, validate: validate}
}

func (svc *Service) CreateTenant(ctx context.Context, nt NewTenant) (Tenant, error) {
	if err := nt.Validate(svc.validate); err != nil {
		return Tenant{}, err
	}
	if nt.ID == "" {
		nt.ID = uuid.NewString()
	} else if _, err := svc.repo.GetTenant(ctx, nt.ID); err == nil {
		return Tenant{}, core.NewValidationError(ErrTenantExists, core.FieldError{Field: "id", Error: ErrTenantExists.Error()})
	} else if errors.Cause(err) != ErrTenantNotFound {
		return Tenant{}, err
	}

	now := NowFunc().UTC()
	return svc.repo.CreateTenant(ctx, Tenant{
		ID:         nt.ID,
		Name:       nt.Name,
		PolicyMode: catalog.PolicyMode(nt.PolicyMode),
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

func (svc *Service) GetTenant(ctx context.Context, id string) (Tenant, error) {
	return svc.repo.GetTenant(ctx, core.CleanString(id))
}

// SetPolicyMode switches the tenant-wide default. Curated grants are kept across switches.
func (svc *Service) SetPolicyMode(ctx context.Context, tenantID, mode string) (Tenant, error) {
	pm, err := catalog.ParsePolicyMode(mode)
	if err != nil {
		return Tenant{}, core.NewValidationError(err, core.FieldError{Field: "policyMode", Error: policyModeText})
	}
	return svc.repo.UpdatePolicyMode(ctx, core.CleanString(tenantID), pm, NowFunc().UTC())
}

func (svc *Service) CreateResource(ctx context.Context, nr NewResource) (Resource, error) {
	if err := nr.Validate(svc.validate); err != nil {
		return Resource{}, err
	}
	if nr.ID == "" {
		nr.ID = uuid.NewString()
	} else if _, err := svc.repo.GetResource(ctx, nr.ID); err == nil {
		return Resource{}, core.NewValidationError(ErrResourceExists, core.FieldError{Field: "id", Error: ErrResourceExists.Error()})
	} else if errors.Cause(err) != ErrResourceNotFound {
		return Resource{}, err
	}

	res := Resource{
		ID:          nr.ID,
		Title:       nr.Title,
		Description: nr.Description,
		CreatedAt:   NowFunc().UTC(),
	}
	if nr.OwnerTenantID != "" {
		if _, err := svc.repo.GetTenant(ctx, nr.OwnerTenantID); err != nil {
			if errors.Cause(err) == ErrTenantNotFound {
				return Resource{}, core.NewValidationError(err, core.FieldError{Field: "ownerTenantId", Error: err.Error()})
			}
			return Resource{}, err
		}
		res.OwnerTenantID = null.StringFrom(nr.OwnerTenantID)
	}
	return svc.repo.CreateResource(ctx, res)
}

func (svc *Service) QueryResources(ctx context.Context, filter QueryFilter) ([]Resource, error) {
	filter.Clean()
	return svc.repo.FilterResources(ctx, filter)
}

// TenantState returns the tenant with the ids of the resources granted to it.
func (svc *Service) TenantState(ctx context.Context, tenantID string) (TenantState, error) {
	tnt, err := svc.GetTenant(ctx, tenantID)
	if err != nil {
		return TenantState{}, err
	}
	ids, err := svc.repo.GrantedResourceIDs(ctx, tnt.ID)
	if err != nil {
		return TenantState{}, err
	}
	if ids == nil {
		ids = []string{}
	}
	return TenantState{Tenant: tnt, GrantedResourceIDs: ids}, nil
}

// Grant makes resourceID available to tenantID in curated mode. Granting twice is a no-op.
func (svc *Service) Grant(ctx context.Context, tenantID, resourceID string) error {
	tnt, res, err := svc.grantable(ctx, tenantID, resourceID)
	if err != nil {
		return err
	}
	return svc.repo.AddGrant(ctx, tnt.ID, res.ID, NowFunc().UTC())
}

// Revoke withdraws a grant. Revoking a resource that is not granted is a no-op.
func (svc *Service) Revoke(ctx context.Context, tenantID, resourceID string) error {
	tnt, res, err := svc.grantable(ctx, tenantID, resourceID)
	if err != nil {
		return err
	}
	return svc.repo.RemoveGrant(ctx, tnt.ID, res.ID)
}

func (svc *Service) grantable(ctx context.Context, tenantID, resourceID string) (Tenant, Resource, error) {
	tnt, err := svc.GetTenant(ctx, tenantID)
	if err != nil {
		return Tenant{}, Resource{}, err
	}

	res, err := svc.repo.GetResource(ctx, core.CleanString(resourceID))
	if err != nil {
		if errors.Cause(err) == ErrResourceNotFound {
			return Tenant{}, Resource{}, core.NewValidationError(err, core.FieldError{Field: "resourceId", Error: err.Error()})
		}
		return Tenant{}, Resource{}, err
	}
	if res.OwnedBy(tnt.ID) {
		return Tenant{}, Resource{}, core.NewValidationError(ErrOwnedResource, core.FieldError{Field: "resourceId", Error: ErrOwnedResource.Error()})
	}
	return tnt, res, nil
}
