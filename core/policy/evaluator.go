// Package policy decides whether a resource is available to a tenant and whether an operator may toggle it.
package policy

import "github.com/trezcool/masomo-availability/core/catalog"

// Evaluator is pure: it never touches the GrantSet it is given.
type Evaluator struct {
	TenantID string
}

func NewEvaluator(tenantID string) Evaluator {
	return Evaluator{TenantID: tenantID}
}

// IsAvailable tells whether r is available to the tenant now.
// A nil grants is an empty set.
func (e Evaluator) IsAvailable(r catalog.Resource, mode catalog.PolicyMode, grants *catalog.GrantSet) bool {
	if r.OwnedBy(e.TenantID) {
		return true
	}
	switch mode {
	case catalog.PolicyOpen:
		return true
	case catalog.PolicyCurated:
		return grants.Has(r.ID)
	default:
		return false
	}
}

// IsToggleable tells whether the availability of r is governed by grants, ie. may be changed by an operator.
func (e Evaluator) IsToggleable(r catalog.Resource, mode catalog.PolicyMode) bool {
	return !r.OwnedBy(e.TenantID) && mode == catalog.PolicyCurated
}
