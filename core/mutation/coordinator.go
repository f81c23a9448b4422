// Package mutation applies grant changes optimistically and reconciles them with the backend.
package mutation

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/trezcool/masomo-availability/core"
	"github.com/trezcool/masomo-availability/core/catalog"
	"github.com/trezcool/masomo-availability/core/policy"
)

const DefaultMaxBulkSize = 250

type Option func(*Coordinator)

// WithMaxBulkSize caps the number of resources of a bulk action; n <= 0 keeps the default.
func WithMaxBulkSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxBulkSize = n
		}
	}
}

// WithConcurrency bounds the requests of a bulk action in flight at once; n <= 0 issues them all together.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) { c.concurrency = n }
}

func WithReporter(r Reporter) Option {
	return func(c *Coordinator) { c.reporter = r }
}

// Coordinator owns the GrantSet of one tenant catalog.
// Mutations on the same resource are serialized: a second one while the first is pending is refused.
type Coordinator struct {
	cat         *catalog.Catalog
	eval        policy.Evaluator
	backend     Backend
	logger      core.Logger
	reporter    Reporter
	maxBulkSize int
	concurrency int

	mu      sync.Mutex
	grants  *catalog.GrantSet
	pending map[string]*PendingMutation
	states  map[string]State
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoordinator(cat *catalog.Catalog, backend Backend, logger core.Logger, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cat:         cat,
		eval:        policy.NewEvaluator(cat.TenantID),
		backend:     backend,
		logger:      logger,
		maxBulkSize: DefaultMaxBulkSize,
		grants:      cat.Grants.Clone(),
		pending:     make(map[string]*PendingMutation),
		states:      make(map[string]State),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) TenantID() string { return c.cat.TenantID }
func (c *Coordinator) Policy() catalog.PolicyMode { return c.cat.Policy }
func (c *Coordinator) Catalog() *catalog.Catalog { return c.cat }
func (c *Coordinator) Evaluator() policy.Evaluator { return c.eval }
func (c *Coordinator) MaxBulkSize() int { return c.maxBulkSize }

// State returns where id stands in its mutation lifecycle.
func (c *Coordinator) State(id string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; ok {
		return Pending
	}
	return c.states[id]
}

func (c *Coordinator) IsPending(id string) bool {
	return c.State(id) == Pending
}

// Granted reports the local (optimistic) grant membership of id.
func (c *Coordinator) Granted(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grants.Has(id)
}

// Grants returns a copy of the local GrantSet.
func (c *Coordinator) Grants() *catalog.GrantSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grants.Clone()
}

// Snapshot returns a consistent copy of the GrantSet and of the pending resource ids.
func (c *Coordinator) Snapshot() (*catalog.GrantSet, map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := make(map[string]bool, len(c.pending))
	for id := range c.pending {
		pending[id] = true
	}
	return c.grants.Clone(), pending
}

// Pending lists the in-flight mutations, oldest first.
func (c *Coordinator) Pending() []PendingMutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]struct{})
	pms := make([]PendingMutation, 0, len(c.pending))
	for _, pm := range c.pending {
		if _, ok := seen[pm.ID]; ok {
			continue
		}
		seen[pm.ID] = struct{}{}
		pms = append(pms, *pm)
	}
	sort.Slice(pms, func(i, j int) bool { return pms[i].StartedAt.Before(pms[j].StartedAt) })
	return pms
}

// Toggle flips the grant of id.
func (c *Coordinator) Toggle(id string) (*Handle, error) {
	return c.start(id, func(granted bool) Action { return actionFor(!granted) })
}

// Apply grants or revokes id. Applying an action to a resource already in that state is allowed.
func (c *Coordinator) Apply(id string, action Action) (*Handle, error) {
	return c.start(id, func(bool) Action { return action })
}

// eligibility tells why id may not be mutated, if it may not.
func (c *Coordinator) eligibility(id string) error {
	r, ok := c.cat.Lookup(id)
	if !ok {
		return ErrNotFound
	}
	if !c.eval.IsToggleable(r, c.cat.Policy) {
		return ErrLocked
	}
	return nil
}

func (c *Coordinator) start(id string, pick func(granted bool) Action) (*Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	prior := c.grants.Has(id)
	action := pick(prior)
	if err := c.eligibility(id); err != nil {
		c.mu.Unlock()
		return nil, newError(action, id, err)
	}
	if _, ok := c.pending[id]; ok {
		c.mu.Unlock()
		c.logger.Warn("mutation ignored: resource has a pending mutation",
			map[string]interface{}{"tenantId": c.cat.TenantID, "resourceId": id, "action": action.String()})
		return nil, ErrPending
	}

	pm := &PendingMutation{
		ID:          uuid.NewString(),
		Action:      action,
		ResourceIDs: []string{id},
		Prior:       map[string]bool{id: prior},
		StartedAt:   time.Now().UTC(),
	}
	c.grants.Set(id, action.Granted())
	c.pending[id] = pm
	c.wg.Add(1)
	c.mu.Unlock()

	h := newHandle(*pm)
	go func() {
		defer c.wg.Done()
		err := c.call(action, id)

		res := Result{MutationID: pm.ID, TenantID: c.cat.TenantID, Action: action, Total: 1}
		if !c.settle(pm, id, err) {
			res.Err = ErrClosed
			h.finish(res)
			return
		}
		if err != nil {
			mErr := newError(action, id, err)
			res.Failed, res.FailedIDs, res.Err = 1, []string{id}, mErr
			c.logger.Warn("mutation rolled back", mErr, map[string]interface{}{"tenantId": c.cat.TenantID, "resourceId": id})
		}
		c.report(res)
		h.finish(res)
	}()
	return h, nil
}

// Bulk applies action to every id at once, then issues one independent request per resource.
// Failures roll back only their own resource. Ids that are not eligible anymore (unknown, locked or pending)
// are skipped with a StaleSelection warning.
func (c *Coordinator) Bulk(action Action, ids []string, confirm Confirmer) (*Handle, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	ids = core.UniqueStrings(ids)
	if len(ids) == 0 {
		return nil, core.NewValidationError(ErrEmptyBulk, core.FieldError{Field: "resourceIds", Error: ErrEmptyBulk.Error()})
	}
	if len(ids) > c.maxBulkSize {
		return nil, core.NewValidationError(
			errors.Errorf("%d resources selected; at most %d may be updated at once", len(ids), c.maxBulkSize),
			core.FieldError{Field: "resourceIds", Error: "too many resources selected"},
		)
	}
	if confirm == nil || !confirm(action, len(ids)) {
		return nil, ErrDeclined
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	pm := &PendingMutation{
		ID:        uuid.NewString(),
		Action:    action,
		Prior:     make(map[string]bool, len(ids)),
		StartedAt: time.Now().UTC(),
	}
	var skipped []StaleSelection
	for _, id := range ids {
		if err := c.eligibility(id); err != nil {
			skipped = append(skipped, StaleSelection{ResourceID: id, Reason: err.Error()})
			continue
		}
		if _, ok := c.pending[id]; ok {
			skipped = append(skipped, StaleSelection{ResourceID: id, Reason: ErrPending.Error()})
			continue
		}
		pm.ResourceIDs = append(pm.ResourceIDs, id)
		pm.Prior[id] = c.grants.Has(id)
	}
	for _, id := range pm.ResourceIDs {
		c.grants.Set(id, action.Granted())
		c.pending[id] = pm
	}
	if len(pm.ResourceIDs) > 0 {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	for _, s := range skipped {
		c.logger.Warn("bulk mutation: stale selection skipped",
			map[string]interface{}{"tenantId": c.cat.TenantID, "resourceId": s.ResourceID, "reason": s.Reason})
	}

	h := newHandle(*pm)
	res := Result{MutationID: pm.ID, TenantID: c.cat.TenantID, Action: action, Total: len(pm.ResourceIDs), Skipped: skipped}
	if len(pm.ResourceIDs) == 0 {
		c.report(res)
		h.finish(res)
		return h, nil
	}
	go func() {
		defer c.wg.Done()
		h.finish(c.runBulk(pm, res))
	}()
	return h, nil
}

func (c *Coordinator) runBulk(pm *PendingMutation, res Result) Result {
	var (
		mu      sync.Mutex
		errs    = make(map[string]*Error)
		stopped atomic.Bool
		closed  atomic.Bool
	)

	var g errgroup.Group
	if c.concurrency > 0 {
		g.SetLimit(c.concurrency)
	}
	for _, id := range pm.ResourceIDs {
		id := id
		g.Go(func() error {
			var err error
			if stopped.Load() {
				// a permission failure: the rest would fail the same way
				err = errors.Wrap(ErrPermissionDenied, "not issued")
			} else {
				err = c.call(pm.Action, id)
				if err != nil && Classify(err) == KindPermission {
					stopped.Store(true)
				}
			}
			if !c.settle(pm, id, err) {
				closed.Store(true)
				return nil
			}
			if err != nil {
				mu.Lock()
				errs[id] = newError(pm.Action, id, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if closed.Load() {
		res.Err = ErrClosed
		return res
	}
	if len(errs) > 0 {
		bErr := &BulkError{Action: pm.Action, Total: res.Total, Errs: make([]*Error, 0, len(errs))}
		for _, id := range pm.ResourceIDs {
			if err, ok := errs[id]; ok {
				bErr.Errs = append(bErr.Errs, err)
				res.FailedIDs = append(res.FailedIDs, id)
			}
		}
		res.Failed = len(bErr.Errs)
		res.Err = bErr
		c.logger.Warn("bulk mutation partially rolled back", map[string]interface{}{
			"tenantId": c.cat.TenantID, "action": pm.Action.String(), "failed": res.Failed, "total": res.Total, "kind": bErr.Kind().String(),
		})
	}
	c.report(res)
	return res
}

func (c *Coordinator) call(action Action, id string) error {
	var err error
	if action == Grant {
		err = c.backend.Grant(c.ctx, c.cat.TenantID, id)
	} else {
		err = c.backend.Revoke(c.ctx, c.cat.TenantID, id)
	}
	return errors.Wrapf(err, "%s %s", action, id)
}

// settle commits or rolls back id; it reports false when the coordinator was closed meanwhile (nothing is touched).
func (c *Coordinator) settle(pm *PendingMutation, id string, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.pending[id] == pm {
		delete(c.pending, id)
	}
	if err != nil {
		c.grants.Set(id, pm.Prior[id])
		c.states[id] = RolledBack
	} else {
		c.states[id] = Committed
	}
	return true
}

func (c *Coordinator) report(res Result) {
	if c.reporter != nil {
		c.reporter.Report(res)
	}
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close cancels the requests in flight and waits for them; their outcome is discarded.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}
