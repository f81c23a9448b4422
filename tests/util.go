package testutil

import (
	"context"
	"testing"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-availability/core"
	"github.com/trezcool/masomo-availability/core/catalog"
	"github.com/trezcool/masomo-availability/core/registry"
	"github.com/trezcool/masomo-availability/storage/database"
)

// PrepareDB opens a migrated in-memory sqlite database, closed with the test.
func PrepareDB(t *testing.T) *sqlx.DB {
	t.Helper()
	conf := core.NewTestConfig()
	db, err := database.Open(conf)
	if err != nil {
		t.Fatalf("PrepareDB() open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err = database.Migrate(db, conf.Database.Engine); err != nil {
		t.Fatalf("PrepareDB() migrate failed: %v", err)
	}
	return db
}

func NewValidator() (*validator.Validate, ut.Translator) {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	registry.InitValidators(validate, translator)
	return validate, translator
}

func CreateTenant(t *testing.T, repo registry.Repository, id, name string, mode catalog.PolicyMode) registry.Tenant {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	tnt, err := repo.CreateTenant(context.Background(), registry.Tenant{
		ID:         id,
		Name:       name,
		PolicyMode: mode,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		t.Fatalf("CreateTenant() failed: %v", err)
	}
	return tnt
}

// CreateResource creates a globally owned resource when owner is empty.
func CreateResource(t *testing.T, repo registry.Repository, id, title, owner string) registry.Resource {
	t.Helper()
	res := registry.Resource{
		ID:        id,
		Title:     title,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if owner != "" {
		res.OwnerTenantID = null.StringFrom(owner)
	}
	res, err := repo.CreateResource(context.Background(), res)
	if err != nil {
		t.Fatalf("CreateResource() failed: %v", err)
	}
	return res
}
