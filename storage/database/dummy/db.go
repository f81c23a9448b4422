package dummydb

import (
	"sync"

	"github.com/trezcool/masomo-availability/core/registry"
)

type (
	DB struct {
		sync.RWMutex
		tenants   map[string]*registry.Tenant
		resources map[string]*registry.Resource
		grants    map[grantKey]struct{}
	}

	grantKey struct {
		tenantID   string
		resourceID string
	}
)

func Open() (*DB, error) {
	db := &DB{
		tenants:   make(map[string]*registry.Tenant),
		resources: make(map[string]*registry.Resource),
		grants:    make(map[grantKey]struct{}),
	}
	return db, nil
}
