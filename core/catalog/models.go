package catalog

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-availability/core"
)

// PolicyMode is the tenant-wide default visibility rule for resources the tenant does not own.
type PolicyMode string

const (
	PolicyOpen    PolicyMode = "open"
	PolicyCurated PolicyMode = "curated"
	PolicyClosed  PolicyMode = "closed"
)

var (
	ErrUnknownPolicyMode = errors.New("unknown policy mode")

	PolicyModes = []PolicyMode{PolicyOpen, PolicyCurated, PolicyClosed}
)

// ParsePolicyMode rejects anything but "open", "curated" and "closed" (case and surrounding spaces ignored).
func ParsePolicyMode(s string) (PolicyMode, error) {
	m := PolicyMode(core.CleanString(s, true /* lower */))
	if !m.Valid() {
		return "", errors.Wrapf(ErrUnknownPolicyMode, "%q", s)
	}
	return m, nil
}

func (m PolicyMode) Valid() bool {
	switch m {
	case PolicyOpen, PolicyCurated, PolicyClosed:
		return true
	}
	return false
}

func (m PolicyMode) String() string { return string(m) }

// Resource is a catalog item (quest/course) whose availability to a tenant is governed by policy and grants.
type Resource struct {
	ID             string
	OwnerTenantID  string // empty: globally owned
	DisplayName    string
	SearchableText string
	Title          string
	Description    string
}

// OwnedBy reports whether tenantID owns r.
func (r Resource) OwnedBy(tenantID string) bool {
	return r.OwnerTenantID != "" && r.OwnerTenantID == tenantID
}

type (
	// ResourceRecord is a resource as served by the catalog backend.
	ResourceRecord struct {
		ID            string
		Title         string
		Description   string
		OwnerTenantID *string
	}

	// TenantRecord is the availability state of a tenant as served by the catalog backend.
	TenantRecord struct {
		ID                 string
		PolicyMode         string
		GrantedResourceIDs []string
	}
)

// NewResource normalizes a ResourceRecord.
func NewResource(rec ResourceRecord) Resource {
	r := Resource{
		ID:          core.CleanString(rec.ID),
		Title:       core.CleanString(rec.Title),
		Description: core.CleanString(rec.Description),
	}
	if rec.OwnerTenantID != nil {
		r.OwnerTenantID = core.CleanString(*rec.OwnerTenantID)
	}
	r.DisplayName = r.Title
	if r.DisplayName == "" {
		r.DisplayName = r.ID
	}
	r.SearchableText = r.Title
	if r.Description != "" {
		r.SearchableText += " " + r.Description
	}
	return r
}

// GrantSet is the set of resource ids explicitly made available to a tenant.
// It is not safe for concurrent use.
type GrantSet struct {
	ids map[string]struct{}
}

func NewGrantSet(ids ...string) *GrantSet {
	gs := &GrantSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		gs.ids[id] = struct{}{}
	}
	return gs
}

func (gs *GrantSet) Has(id string) bool {
	if gs == nil {
		return false
	}
	_, ok := gs.ids[id]
	return ok
}

// Add grants id and reports whether membership changed.
func (gs *GrantSet) Add(id string) bool {
	if gs.Has(id) {
		return false
	}
	if gs.ids == nil {
		gs.ids = make(map[string]struct{})
	}
	gs.ids[id] = struct{}{}
	return true
}

// Remove revokes id and reports whether membership changed.
func (gs *GrantSet) Remove(id string) bool {
	if !gs.Has(id) {
		return false
	}
	delete(gs.ids, id)
	return true
}

// Set adds or removes id.
func (gs *GrantSet) Set(id string, granted bool) bool {
	if granted {
		return gs.Add(id)
	}
	return gs.Remove(id)
}

func (gs *GrantSet) Len() int {
	if gs == nil {
		return 0
	}
	return len(gs.ids)
}

// IDs returns the granted ids, sorted.
func (gs *GrantSet) IDs() []string {
	ids := make([]string, 0, gs.Len())
	if gs != nil {
		for id := range gs.ids {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (gs *GrantSet) Clone() *GrantSet {
	return NewGrantSet(gs.IDs()...)
}

// Catalog is everything an operator view needs for one tenant.
type Catalog struct {
	TenantID  string
	Policy    PolicyMode
	Resources []Resource
	Grants    *GrantSet

	index map[string]int
}

func NewCatalog(tenantID string, policy PolicyMode, resources []Resource, grants *GrantSet) *Catalog {
	if grants == nil {
		grants = NewGrantSet()
	}
	cat := &Catalog{
		TenantID:  tenantID,
		Policy:    policy,
		Resources: resources,
		Grants:    grants,
		index:     make(map[string]int, len(resources)),
	}
	for i, r := range resources {
		if _, ok := cat.index[r.ID]; !ok {
			cat.index[r.ID] = i
		}
	}
	return cat
}

func (cat *Catalog) Lookup(id string) (Resource, bool) {
	i, ok := cat.index[id]
	if !ok {
		return Resource{}, false
	}
	return cat.Resources[i], true
}

// IDs returns the resource ids in catalog order.
func (cat *Catalog) IDs() []string {
	ids := make([]string, 0, len(cat.Resources))
	for _, r := range cat.Resources {
		ids = append(ids, r.ID)
	}
	return ids
}
