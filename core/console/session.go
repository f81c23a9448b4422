// Package console is the state container behind an operator's availability view.
// Every transition is a named action, so the whole lifecycle can be driven without any UI.
package console

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-availability/core"
	"github.com/trezcool/masomo-availability/core/catalog"
	"github.com/trezcool/masomo-availability/core/mutation"
	"github.com/trezcool/masomo-availability/core/selection"
	"github.com/trezcool/masomo-availability/core/view"
)

var (
	ErrNotOpen       = errors.New("no tenant catalog open")
	ErrBusy          = errors.New("mutations are pending; wait for them to settle")
	ErrNotSelectable = errors.New("resource cannot be selected")
)

type Options struct {
	PageSize        int
	MaxBulkSize     int
	BulkConcurrency int
}

func OptionsFromConfig(conf core.ConsoleConfig) Options {
	return Options{
		PageSize:        conf.PageSize,
		MaxBulkSize:     conf.MaxBulkSize,
		BulkConcurrency: conf.BulkConcurrency,
	}
}

type (
	Row struct {
		Resource   catalog.Resource
		Available  bool
		Toggleable bool
		Selected   bool
		Pending    bool
		State      mutation.State
	}

	ViewModel struct {
		TenantID   string
		Policy     catalog.PolicyMode
		Search     string
		Page       int
		PageSize   int
		TotalPages int
		TotalCount int
		Rows       []Row
		Selected   int
	}
)

// Session is one operator view over one tenant at a time.
type Session struct {
	loader   *catalog.Loader
	backend  mutation.Backend
	logger   core.Logger
	notifier Notifier
	opts     Options

	mu        sync.Mutex
	tenantID  string
	coord     *mutation.Coordinator
	loadErr   error
	selection *selection.Set
	search    string
	page      int
}

func NewSession(loader *catalog.Loader, backend mutation.Backend, logger core.Logger, notifier Notifier, opts Options) *Session {
	if opts.PageSize <= 0 {
		opts.PageSize = view.DefaultPageSize
	}
	return &Session{
		loader:    loader,
		backend:   backend,
		logger:    logger,
		notifier:  notifier,
		opts:      opts,
		selection: selection.New(),
		page:      1,
	}
}

// Report relays settled mutations to the Notifier.
func (s *Session) Report(res mutation.Result) {
	if s.notifier == nil {
		return
	}
	for _, n := range notices(res) {
		s.notifier.Notify(n)
	}
}

func (s *Session) newCoordinator(cat *catalog.Catalog) *mutation.Coordinator {
	return mutation.NewCoordinator(cat, s.backend, s.logger,
		mutation.WithMaxBulkSize(s.opts.MaxBulkSize),
		mutation.WithConcurrency(s.opts.BulkConcurrency),
		mutation.WithReporter(s),
	)
}

// Open switches to tenantID with a fresh load. What was open before is discarded, selection included.
// On failure nothing of the tenant is shown: View returns the error until the next successful load.
func (s *Session) Open(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.coord != nil {
		s.coord.Close()
		s.coord = nil
	}
	s.tenantID = core.CleanString(tenantID)
	s.selection.Clear()
	s.search = ""
	s.page = 1
	s.loadErr = nil

	cat, err := s.loader.Load(ctx, s.tenantID)
	if err != nil {
		s.loadErr = err
		return err
	}
	s.coord = s.newCoordinator(cat)
	return nil
}

// Reload loads the current tenant again, keeping search, page and selection.
// Selected ids that are not eligible anymore are skipped by the next bulk action.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tenantID == "" {
		return ErrNotOpen
	}
	if s.coord != nil && len(s.coord.Pending()) > 0 {
		return ErrBusy
	}

	cat, err := s.loader.Load(ctx, s.tenantID)
	if err != nil {
		if s.coord != nil {
			s.coord.Close()
			s.coord = nil
		}
		s.loadErr = err
		return err
	}
	if s.coord != nil {
		s.coord.Close()
	}
	s.coord = s.newCoordinator(cat)
	s.loadErr = nil
	s.page = view.Clamp(s.page, s.project().TotalPages)
	return nil
}

func (s *Session) current() (*mutation.Coordinator, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.coord == nil {
		return nil, ErrNotOpen
	}
	return s.coord, nil
}

func (s *Session) project() view.Page {
	return view.Project(s.coord.Catalog().Resources, s.search, s.page, s.opts.PageSize)
}

// SetSearch filters the catalog and goes back to page 1.
func (s *Session) SetSearch(term string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.search = term
	s.page = 1
}

// SetPage moves to page n, clamped to the existing pages.
func (s *Session) SetPage(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coord == nil {
		s.page = 1
		return s.page
	}
	s.page = view.Clamp(n, s.project().TotalPages)
	return s.page
}

// View renders the current page.
func (s *Session) View() (ViewModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coord, err := s.current()
	if err != nil {
		return ViewModel{}, err
	}
	page := s.project()
	grants, pending := coord.Snapshot()
	eval := coord.Evaluator()
	mode := coord.Policy()

	vm := ViewModel{
		TenantID:   coord.TenantID(),
		Policy:     mode,
		Search:     s.search,
		Page:       s.page,
		PageSize:   page.Size,
		TotalPages: page.TotalPages,
		TotalCount: page.TotalCount,
		Rows:       make([]Row, 0, len(page.Items)),
		Selected:   s.selection.Len(),
	}
	for _, r := range page.Items {
		vm.Rows = append(vm.Rows, Row{
			Resource:   r,
			Available:  eval.IsAvailable(r, mode, grants),
			Toggleable: eval.IsToggleable(r, mode),
			Selected:   s.selection.Has(r.ID),
			Pending:    pending[r.ID],
			State:      coord.State(r.ID),
		})
	}
	return vm, nil
}

// Toggle flips the availability of one resource.
func (s *Session) Toggle(id string) (*mutation.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coord, err := s.current()
	if err != nil {
		return nil, err
	}
	return coord.Toggle(id)
}

// Select checks or unchecks id for a bulk action; only toggleable resources can be selected.
func (s *Session) Select(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coord, err := s.current()
	if err != nil {
		return false, err
	}
	if !s.selection.Has(id) {
		r, ok := coord.Catalog().Lookup(id)
		if !ok || !coord.Evaluator().IsToggleable(r, coord.Policy()) {
			return false, core.NewValidationError(ErrNotSelectable, core.FieldError{Field: "resourceId", Error: ErrNotSelectable.Error()})
		}
	}
	return s.selection.Toggle(id), nil
}

// SelectAllVisible selects the toggleable resources of the current page, or clears the selection when it is exactly them.
func (s *Session) SelectAllVisible() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coord, err := s.current()
	if err != nil {
		return err
	}
	page := s.project()
	ids := make([]string, 0, len(page.Items))
	for _, r := range page.Items {
		if coord.Evaluator().IsToggleable(r, coord.Policy()) {
			ids = append(ids, r.ID)
		}
	}
	s.selection.SelectAll(ids)
	return nil
}

func (s *Session) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection.Clear()
}

// Selection returns the selected ids, sorted.
func (s *Session) Selection() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection.IDs()
}

// ApplyToSelection runs a bulk action over the selection, which is cleared as soon as the action starts.
// A declined confirmation leaves everything as it was.
func (s *Session) ApplyToSelection(action mutation.Action, confirm mutation.Confirmer) (*mutation.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coord, err := s.current()
	if err != nil {
		return nil, err
	}
	h, err := coord.Bulk(action, s.selection.IDs(), confirm)
	if err != nil {
		return nil, err
	}
	s.selection.Clear()
	return h, nil
}

// Granted reports the current (optimistic) grant of id.
func (s *Session) Granted(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coord, err := s.current()
	if err != nil {
		return false, err
	}
	return coord.Granted(id), nil
}

// Close discards the view: requests in flight are cancelled and their outcome ignored.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coord != nil {
		s.coord.Close()
		s.coord = nil
	}
	s.selection.Clear()
	s.tenantID = ""
	s.loadErr = nil
}
