package mutation

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/trezcool/masomo-availability/core"
	"github.com/trezcool/masomo-availability/core/catalog"
	logsvc "github.com/trezcool/masomo-availability/services/logger"
)

var errFlaky = errors.New("connection reset by peer")

type fakeBackend struct {
	mu    sync.Mutex
	fail  map[string]error
	gates map[string]chan struct{}
	calls []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{fail: make(map[string]error), gates: make(map[string]chan struct{})}
}

// hold makes requests on id wait until release(id).
func (b *fakeBackend) hold(ids ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		b.gates[id] = make(chan struct{})
	}
}

func (b *fakeBackend) release(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gate, ok := b.gates[id]; ok {
		close(gate)
		delete(b.gates, id)
	}
}

func (b *fakeBackend) failWith(id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail[id] = err
}

func (b *fakeBackend) do(ctx context.Context, action, id string) error {
	b.mu.Lock()
	b.calls = append(b.calls, action+":"+id)
	gate := b.gates[id]
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fail[id]
}

func (b *fakeBackend) Grant(ctx context.Context, _, id string) error  { return b.do(ctx, "grant", id) }
func (b *fakeBackend) Revoke(ctx context.Context, _, id string) error { return b.do(ctx, "revoke", id) }

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// tenant t1 (curated): x, a, b, c and z are toggleable, y is owned.
func newCatalog(mode catalog.PolicyMode, granted ...string) *catalog.Catalog {
	resources := []catalog.Resource{
		{ID: "x", DisplayName: "X"},
		{ID: "y", DisplayName: "Y", OwnerTenantID: "t1"},
		{ID: "a"}, {ID: "b"}, {ID: "c"},
		{ID: "z", OwnerTenantID: "t2"},
	}
	return catalog.NewCatalog("t1", mode, resources, catalog.NewGrantSet(granted...))
}

type recorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *recorder) Report(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func wait(t *testing.T, h *Handle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Handle.Wait() error = %v", err)
	}
	return res
}

func TestCoordinator_Toggle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	tests := []struct {
		name        string
		granted     []string
		failWith    error
		wantPending bool // optimistic state
		wantFinal   bool
		wantState   State
		wantKind    Kind
	}{
		{name: "grant commits", wantPending: true, wantFinal: true, wantState: Committed},
		{name: "revoke commits", granted: []string{"x"}, wantPending: false, wantFinal: false, wantState: Committed},
		{name: "grant rolls back", failWith: errFlaky, wantPending: true, wantFinal: false, wantState: RolledBack, wantKind: KindNetwork},
		{name: "revoke rolls back", granted: []string{"x"}, failWith: ErrPermissionDenied, wantPending: false, wantFinal: true, wantState: RolledBack, wantKind: KindPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.hold("x")
			if tt.failWith != nil {
				backend.failWith("x", tt.failWith)
			}
			rec := new(recorder)
			c := NewCoordinator(newCatalog(catalog.PolicyCurated, tt.granted...), backend, logsvc.NewNopLogger(), WithReporter(rec))
			defer c.Close()

			h, err := c.Toggle("x")
			if err != nil {
				t.Fatalf("Toggle() error = %v", err)
			}
			if got := c.Granted("x"); got != tt.wantPending {
				t.Errorf("Granted() while pending = %v, want %v", got, tt.wantPending)
			}
			if got := c.State("x"); got != Pending {
				t.Errorf("State() while pending = %v, want %v", got, Pending)
			}
			if len(c.Pending()) != 1 {
				t.Errorf("len(Pending()) = %d, want 1", len(c.Pending()))
			}

			backend.release("x")
			res := wait(t, h)

			if got := c.Granted("x"); got != tt.wantFinal {
				t.Errorf("Granted() after settle = %v, want %v", got, tt.wantFinal)
			}
			if got := c.State("x"); got != tt.wantState {
				t.Errorf("State() after settle = %v, want %v", got, tt.wantState)
			}
			if (res.Err != nil) != (tt.failWith != nil) {
				t.Fatalf("Result.Err = %v, want failure %v", res.Err, tt.failWith)
			}
			if tt.failWith != nil {
				if kind, _ := KindOf(res.Err); kind != tt.wantKind {
					t.Errorf("KindOf() = %v, want %v", kind, tt.wantKind)
				}
				if got, want := res.Message(), "1 of 1 resource failed to update"; got != want {
					t.Errorf("Message() = %q, want %q", got, want)
				}
			}
			if rec.len() != 1 {
				t.Errorf("reported %d results, want 1", rec.len())
			}
		})
	}
}

func TestCoordinator_Toggle_sameResourceSerialized(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logger, logs := logsvc.NewObservedLogger()
	backend := newFakeBackend()
	backend.hold("x")
	backend.failWith("x", errFlaky)
	c := NewCoordinator(newCatalog(catalog.PolicyCurated), backend, logger)
	defer c.Close()

	h, err := c.Toggle("x")
	require.NoError(t, err)
	require.True(t, c.Granted("x"))

	_, err = c.Toggle("x")
	require.ErrorIs(t, err, ErrPending)
	_, err = c.Apply("x", Revoke)
	require.ErrorIs(t, err, ErrPending)
	require.True(t, c.Granted("x"), "an ignored mutation must not touch the grant")
	require.Equal(t, 2, logs.FilterMessage("mutation ignored: resource has a pending mutation").Len())

	backend.release("x")
	res := wait(t, h)
	require.Error(t, res.Err)
	require.False(t, c.Granted("x"), "the rollback target is the state before the first toggle")
	require.Equal(t, 1, backend.callCount())

	// idle again: a new toggle goes through
	backend.failWith("x", nil)
	h, err = c.Toggle("x")
	require.NoError(t, err)
	require.NoError(t, wait(t, h).Err)
	require.True(t, c.Granted("x"))
}

func TestCoordinator_Toggle_independentResources(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	backend := newFakeBackend()
	backend.hold("a", "b")
	backend.failWith("a", errFlaky)
	c := NewCoordinator(newCatalog(catalog.PolicyCurated, "b"), backend, logsvc.NewNopLogger())
	defer c.Close()

	ha, err := c.Toggle("a") // grant, fails
	require.NoError(t, err)
	hb, err := c.Toggle("b") // revoke, succeeds
	require.NoError(t, err)

	// settle in reverse order
	backend.release("b")
	require.NoError(t, wait(t, hb).Err)
	require.True(t, c.Granted("a"), "a is still pending")
	require.False(t, c.Granted("b"))

	backend.release("a")
	require.Error(t, wait(t, ha).Err)
	require.False(t, c.Granted("a"))
	require.False(t, c.Granted("b"), "a rolling back must not touch b")
	require.Equal(t, RolledBack, c.State("a"))
	require.Equal(t, Committed, c.State("b"))
}

func TestCoordinator_Toggle_notToggleable(t *testing.T) {
	tests := []struct {
		name    string
		mode    catalog.PolicyMode
		id      string
		wantErr error
	}{
		{name: "owned", mode: catalog.PolicyCurated, id: "y", wantErr: ErrLocked},
		{name: "open mode", mode: catalog.PolicyOpen, id: "x", wantErr: ErrLocked},
		{name: "closed mode", mode: catalog.PolicyClosed, id: "x", wantErr: ErrLocked},
		{name: "unknown resource", mode: catalog.PolicyCurated, id: "nope", wantErr: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			c := NewCoordinator(newCatalog(tt.mode, "x"), backend, logsvc.NewNopLogger())
			defer c.Close()

			before := c.Grants().IDs()
			h, err := c.Toggle(tt.id)
			if h != nil || !errors.Is(err, tt.wantErr) {
				t.Fatalf("Toggle() = %v, %v; want nil, %v", h, err, tt.wantErr)
			}
			if kind, _ := KindOf(err); kind != KindValidation {
				t.Errorf("KindOf() = %v, want %v", kind, KindValidation)
			}
			if got := c.Grants().IDs(); !reflect.DeepEqual(got, before) {
				t.Errorf("Grants() = %v, want %v", got, before)
			}
			if backend.callCount() != 0 {
				t.Errorf("backend called %d times, want 0", backend.callCount())
			}
		})
	}
}

func TestCoordinator_Bulk_partialFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	backend := newFakeBackend()
	backend.hold("a", "b", "c")
	backend.failWith("b", errFlaky)
	rec := new(recorder)
	c := NewCoordinator(newCatalog(catalog.PolicyCurated), backend, logsvc.NewNopLogger(), WithReporter(rec))
	defer c.Close()

	h, err := c.Bulk(Grant, []string{"a", "b", "c"}, AutoConfirm)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, c.Grants().IDs(), "all N applied at once")
	for _, id := range []string{"a", "b", "c"} {
		require.Equal(t, Pending, c.State(id))
	}

	for _, id := range []string{"c", "b", "a"} {
		backend.release(id)
	}
	res := wait(t, h)

	require.Equal(t, []string{"a", "c"}, c.Grants().IDs())
	require.Equal(t, 3, res.Total)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, []string{"b"}, res.FailedIDs)
	require.Equal(t, "1 of 3 resources failed to update", res.Message())
	require.EqualError(t, res.Err, "1 of 3 resources failed to update")
	kind, ok := KindOf(res.Err)
	require.True(t, ok)
	require.Equal(t, KindNetwork, kind)
	require.Equal(t, RolledBack, c.State("b"))
	require.Equal(t, Committed, c.State("a"))
	require.Equal(t, 1, rec.len())
}

func TestCoordinator_Bulk_perResourcePrior(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	backend := newFakeBackend()
	backend.failWith("a", errFlaky)
	backend.failWith("b", errFlaky)
	c := NewCoordinator(newCatalog(catalog.PolicyCurated, "a"), backend, logsvc.NewNopLogger())
	defer c.Close()

	// a was granted, b was not: both fail and each goes back to its own prior state
	h, err := c.Bulk(Grant, []string{"a", "b", "c"}, AutoConfirm)
	require.NoError(t, err)
	res := wait(t, h)
	require.Equal(t, 2, res.Failed)
	require.Equal(t, []string{"a", "c"}, c.Grants().IDs())
}

func TestCoordinator_Bulk_staleSelection(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	backend := newFakeBackend()
	backend.hold("c")
	c := NewCoordinator(newCatalog(catalog.PolicyCurated), backend, logsvc.NewNopLogger())
	defer c.Close()

	hc, err := c.Toggle("c")
	require.NoError(t, err)

	h, err := c.Bulk(Grant, []string{"a", "y", "gone", "c", "a"}, AutoConfirm)
	require.NoError(t, err)
	res := wait(t, h)
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Total)
	require.Len(t, res.Skipped, 3)
	skipped := make([]string, 0, len(res.Skipped))
	for _, s := range res.Skipped {
		skipped = append(skipped, s.ResourceID)
	}
	require.ElementsMatch(t, []string{"y", "gone", "c"}, skipped)
	require.True(t, c.Granted("a"))
	require.False(t, c.Granted("y"))

	backend.release("c")
	require.NoError(t, wait(t, hc).Err)
}

func TestCoordinator_Bulk_allStale(t *testing.T) {
	c := NewCoordinator(newCatalog(catalog.PolicyCurated), newFakeBackend(), logsvc.NewNopLogger())
	defer c.Close()

	h, err := c.Bulk(Revoke, []string{"y", "z-unknown"}, AutoConfirm)
	require.NoError(t, err)
	select {
	case <-h.Done():
	default:
		t.Fatal("a bulk action without eligible resources must settle at once")
	}
	res := wait(t, h)
	require.Equal(t, 0, res.Total)
	require.Len(t, res.Skipped, 2)
}

func TestCoordinator_Bulk_permissionStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	backend := newFakeBackend()
	backend.failWith("a", ErrPermissionDenied)
	c := NewCoordinator(newCatalog(catalog.PolicyCurated), backend, logsvc.NewNopLogger(), WithConcurrency(1))
	defer c.Close()

	h, err := c.Bulk(Grant, []string{"a", "b", "c"}, AutoConfirm)
	require.NoError(t, err)
	res := wait(t, h)

	require.Equal(t, 1, backend.callCount(), "requests after a permission failure are not issued")
	require.Equal(t, 3, res.Failed)
	require.Equal(t, "3 of 3 resources failed to update", res.Message())
	kind, _ := KindOf(res.Err)
	require.Equal(t, KindPermission, kind)
	require.False(t, kind.Retriable())
	require.Empty(t, c.Grants().IDs())
}

func TestCoordinator_Bulk_refused(t *testing.T) {
	many := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		many = append(many, fmt.Sprintf("r%d", i))
	}
	declined := func(Action, int) bool { return false }

	tests := []struct {
		name           string
		ids            []string
		confirm        Confirmer
		wantErr        error
		wantValidation bool
	}{
		{name: "declined", ids: []string{"a", "b"}, confirm: declined, wantErr: ErrDeclined},
		{name: "no confirmer", ids: []string{"a"}, wantErr: ErrDeclined},
		{name: "empty selection", ids: []string{" "}, confirm: AutoConfirm, wantErr: ErrEmptyBulk, wantValidation: true},
		{name: "over the cap", ids: many, confirm: AutoConfirm, wantValidation: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			c := NewCoordinator(newCatalog(catalog.PolicyCurated, "c"), backend, logsvc.NewNopLogger(), WithMaxBulkSize(3))
			defer c.Close()

			h, err := c.Bulk(Grant, tt.ids, tt.confirm)
			if h != nil || err == nil {
				t.Fatalf("Bulk() = %v, %v; want an error", h, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Bulk() error = %v, want %v", err, tt.wantErr)
			}
			if got := core.IsValidation(err); got != tt.wantValidation {
				t.Errorf("IsValidation() = %v, want %v", got, tt.wantValidation)
			}
			if got := c.Grants().IDs(); !reflect.DeepEqual(got, []string{"c"}) {
				t.Errorf("Grants() = %v, want unchanged [c]", got)
			}
			if backend.callCount() != 0 {
				t.Errorf("backend called %d times, want 0", backend.callCount())
			}
		})
	}
}

func TestCoordinator_Close(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	backend := newFakeBackend()
	backend.hold("a", "b", "x")
	backend.failWith("x", errFlaky)
	rec := new(recorder)
	c := NewCoordinator(newCatalog(catalog.PolicyCurated), backend, logsvc.NewNopLogger(), WithReporter(rec))

	hx, err := c.Toggle("x")
	require.NoError(t, err)
	hb, err := c.Bulk(Grant, []string{"a", "b"}, AutoConfirm)
	require.NoError(t, err)
	before := c.Grants().IDs()

	c.Close() // cancels the held requests: they all fail

	require.Equal(t, before, c.Grants().IDs(), "no rollback after close")
	require.ErrorIs(t, wait(t, hx).Err, ErrClosed)
	require.ErrorIs(t, wait(t, hb).Err, ErrClosed)
	require.Equal(t, 0, rec.len(), "nothing is reported after close")

	_, err = c.Toggle("c")
	require.ErrorIs(t, err, ErrClosed)
	_, err = c.Bulk(Grant, []string{"c"}, AutoConfirm)
	require.ErrorIs(t, err, ErrClosed)
	c.Close() // idempotent
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "permission", err: errors.Wrap(ErrPermissionDenied, "403"), want: KindPermission},
		{name: "invalid", err: errors.Wrap(ErrInvalid, "422"), want: KindValidation},
		{name: "validation error", err: core.NewValidationError(errors.New("bad")), want: KindValidation},
		{name: "rejected", err: ErrRejected, want: KindNetwork},
		{name: "transport", err: errFlaky, want: KindNetwork},
		{name: "canceled", err: context.Canceled, want: KindNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseAction(t *testing.T) {
	if a, err := ParseAction(" GRANT "); err != nil || a != Grant {
		t.Errorf("ParseAction(GRANT) = %v, %v", a, err)
	}
	if _, err := ParseAction("delete"); !core.IsValidation(err) {
		t.Errorf("ParseAction(delete) error = %v, want a ValidationError", err)
	}
}
