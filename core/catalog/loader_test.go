package catalog

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-availability/core"
	logsvc "github.com/trezcool/masomo-availability/services/logger"
)

type fakeSource struct {
	resources    []ResourceRecord
	tenant       TenantRecord
	resourcesErr error
	tenantErr    error

	// barrier makes each fetch wait for the other one to start
	barrier *sync.WaitGroup
	calls   int
	mu      sync.Mutex
}

func (src *fakeSource) wait(ctx context.Context) error {
	src.mu.Lock()
	src.calls++
	src.mu.Unlock()
	if src.barrier == nil {
		return nil
	}
	src.barrier.Done()
	done := make(chan struct{})
	go func() {
		src.barrier.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
		return errors.New("fetches did not run concurrently")
	}
}

func (src *fakeSource) FetchResources(ctx context.Context) ([]ResourceRecord, error) {
	if err := src.wait(ctx); err != nil {
		return nil, err
	}
	return src.resources, src.resourcesErr
}

func (src *fakeSource) FetchTenant(ctx context.Context, tenantID string) (TenantRecord, error) {
	if err := src.wait(ctx); err != nil {
		return TenantRecord{}, err
	}
	rec := src.tenant
	rec.ID = tenantID
	return rec, src.tenantErr
}

func strPtr(s string) *string { return &s }

func TestLoader_Load(t *testing.T) {
	barrier := new(sync.WaitGroup)
	barrier.Add(2)
	src := &fakeSource{
		barrier: barrier,
		resources: []ResourceRecord{
			{ID: "x", Title: "Math Quest", Description: "numbers"},
			{ID: "y", Title: "Own Quest", OwnerTenantID: strPtr("t1")},
			{ID: "x", Title: "duplicate"},
			{ID: " ", Title: "no id"},
		},
		tenant: TenantRecord{PolicyMode: "curated", GrantedResourceIDs: []string{"x", "x", "gone"}},
	}
	loader := NewLoader(src, logsvc.NewNopLogger())

	cat, err := loader.Load(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cat.TenantID != "t1" || cat.Policy != PolicyCurated {
		t.Errorf("Load() = %s/%s, want t1/curated", cat.TenantID, cat.Policy)
	}
	if !reflect.DeepEqual(cat.IDs(), []string{"x", "y"}) {
		t.Errorf("IDs() = %v, want [x y]", cat.IDs())
	}
	if r, _ := cat.Lookup("x"); r.Title != "Math Quest" {
		t.Errorf("duplicate did not keep the first record: %+v", r)
	}
	if !reflect.DeepEqual(cat.Grants.IDs(), []string{"gone", "x"}) {
		t.Errorf("Grants = %v, want [gone x]", cat.Grants.IDs())
	}
}

func TestLoader_Load_errors(t *testing.T) {
	errNet := errors.New("connection refused")
	tests := []struct {
		name      string
		src       *fakeSource
		tenantID  string
		wantFetch bool
		wantCause error
	}{
		{name: "blank tenant", src: &fakeSource{}, tenantID: " "},
		{name: "resources failure", src: &fakeSource{resourcesErr: errNet, tenant: TenantRecord{PolicyMode: "open"}}, tenantID: "t1", wantFetch: true, wantCause: errNet},
		{name: "tenant failure", src: &fakeSource{tenantErr: errNet}, tenantID: "t1", wantFetch: true, wantCause: errNet},
		{name: "unknown mode", src: &fakeSource{tenant: TenantRecord{PolicyMode: "secret"}}, tenantID: "t1", wantFetch: true, wantCause: ErrUnknownPolicyMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, err := NewLoader(tt.src, logsvc.NewNopLogger()).Load(context.Background(), tt.tenantID)
			if err == nil {
				t.Fatal("Load() error = nil, want an error")
			}
			if cat != nil {
				t.Errorf("Load() returned a partial catalog: %+v", cat)
			}
			if got := IsFetchError(err); got != tt.wantFetch {
				t.Errorf("IsFetchError() = %v, want %v (err: %v)", got, tt.wantFetch, err)
			}
			if !tt.wantFetch && !core.IsValidation(err) {
				t.Errorf("Load() error = %v, want a ValidationError", err)
			}
			if tt.wantCause != nil && !errors.Is(err, tt.wantCause) {
				t.Errorf("Load() error = %v, want cause %v", err, tt.wantCause)
			}
		})
	}
}

func TestLoader_Load_noCache(t *testing.T) {
	src := &fakeSource{tenant: TenantRecord{PolicyMode: "open"}}
	loader := NewLoader(src, logsvc.NewNopLogger())
	for i := 0; i < 2; i++ {
		if _, err := loader.Load(context.Background(), "t1"); err != nil {
			t.Fatalf("Load() error = %v", err)
		}
	}
	if src.calls != 4 {
		t.Errorf("source calls = %d, want 4", src.calls)
	}
}
