package catalog

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/trezcool/masomo-availability/core"
)

// Source is where the catalog comes from (usually the catalog backend).
type Source interface {
	FetchResources(ctx context.Context) ([]ResourceRecord, error)
	FetchTenant(ctx context.Context, tenantID string) (TenantRecord, error)
}

// FetchError means the catalog of a tenant could not be loaded; nothing of it may be shown.
type FetchError struct {
	TenantID string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("loading catalog of tenant %q: %v", e.TenantID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchError reports whether err is (or wraps) a *FetchError.
func IsFetchError(err error) bool {
	var fErr *FetchError
	return errors.As(err, &fErr)
}

type Loader struct {
	src    Source
	logger core.Logger
}

func NewLoader(src Source, logger core.Logger) *Loader {
	return &Loader{src: src, logger: logger}
}

// Load fetches the full resource list and the tenant state concurrently.
// Every load hits the Source: nothing is cached.
func (l *Loader) Load(ctx context.Context, tenantID string) (*Catalog, error) {
	tenantID = core.CleanString(tenantID)
	if tenantID == "" {
		return nil, core.NewValidationError(nil, core.FieldError{Field: "tenantId", Error: "this field is required"})
	}

	var (
		records []ResourceRecord
		tenant  TenantRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		records, err = l.src.FetchResources(gctx)
		return errors.Wrap(err, "fetching resources")
	})
	g.Go(func() error {
		var err error
		tenant, err = l.src.FetchTenant(gctx, tenantID)
		return errors.Wrap(err, "fetching tenant")
	})
	if err := g.Wait(); err != nil {
		return nil, &FetchError{TenantID: tenantID, Err: err}
	}

	mode, err := ParsePolicyMode(tenant.PolicyMode)
	if err != nil {
		return nil, &FetchError{TenantID: tenantID, Err: err}
	}

	resources := make([]Resource, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		r := NewResource(rec)
		if r.ID == "" {
			l.logger.Warn("catalog: dropping resource without id", map[string]interface{}{"tenantId": tenantID})
			continue
		}
		if _, ok := seen[r.ID]; ok {
			l.logger.Warn("catalog: duplicate resource", map[string]interface{}{"tenantId": tenantID, "resourceId": r.ID})
			continue
		}
		seen[r.ID] = struct{}{}
		resources = append(resources, r)
	}

	return NewCatalog(tenantID, mode, resources, NewGrantSet(core.UniqueStrings(tenant.GrantedResourceIDs)...)), nil
}
