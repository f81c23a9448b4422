package mutation

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-availability/core"
)

// Action is what a mutation does to the grant of a resource.
type Action string

const (
	Grant  Action = "grant"
	Revoke Action = "revoke"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(core.CleanString(s, true /* lower */)); a {
	case Grant, Revoke:
		return a, nil
	}
	return "", core.NewValidationError(errors.Errorf("unknown action %q", s), core.FieldError{Field: "action", Error: "must be one of: grant, revoke"})
}

// Granted is the grant membership the action leads to.
func (a Action) Granted() bool { return a == Grant }

func (a Action) String() string { return string(a) }

func actionFor(granted bool) Action {
	if granted {
		return Grant
	}
	return Revoke
}

// State is where a resource stands in its mutation lifecycle: Idle -> Pending -> Committed | RolledBack.
type State int

const (
	Idle State = iota
	Pending
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled back"
	default:
		return "idle"
	}
}

// Backend applies grants and revokes for real. Both calls must be idempotent.
type Backend interface {
	Grant(ctx context.Context, tenantID, resourceID string) error
	Revoke(ctx context.Context, tenantID, resourceID string) error
}

// PendingMutation is an in-flight optimistic change; Prior holds what to roll back to, per resource.
type PendingMutation struct {
	ID          string
	Action      Action
	ResourceIDs []string
	Prior       map[string]bool
	StartedAt   time.Time
}

// StaleSelection is a warning: a selected resource was skipped because it is not eligible anymore.
type StaleSelection struct {
	ResourceID string
	Reason     string
}

func (s StaleSelection) String() string {
	return fmt.Sprintf("%s skipped: %s", s.ResourceID, s.Reason)
}

// Result is how a mutation (single or bulk) settled.
type Result struct {
	MutationID string
	TenantID   string
	Action     Action
	Total      int // requests issued or planned
	Failed     int
	FailedIDs  []string
	Skipped    []StaleSelection
	Err        error // nil, *Error (single) or *BulkError
}

func (r Result) OK() bool { return r.Err == nil }

// Message is the operator facing summary, eg. "3 of 12 resources failed to update".
func (r Result) Message() string {
	if r.Failed > 0 {
		noun := "resources"
		if r.Total == 1 {
			noun = "resource"
		}
		return fmt.Sprintf("%d of %d %s failed to update", r.Failed, r.Total, noun)
	}
	if errors.Is(r.Err, ErrClosed) {
		return "discarded: the view was closed"
	}
	if r.Total == 1 {
		return "1 resource updated"
	}
	return fmt.Sprintf("%d resources updated", r.Total)
}

// Handle lets the caller observe a mutation it started without blocking on it.
type Handle struct {
	Mutation PendingMutation

	done chan struct{}
	res  Result
}

func newHandle(pm PendingMutation) *Handle {
	return &Handle{Mutation: pm, done: make(chan struct{})}
}

func (h *Handle) finish(res Result) {
	h.res = res
	close(h.done)
}

// Done is closed once the mutation settled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the mutation settled or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Reporter is told about every settled mutation. It is called from the goroutine that settled it.
type Reporter interface {
	Report(res Result)
}

type ReporterFunc func(res Result)

func (f ReporterFunc) Report(res Result) { f(res) }

// Confirmer asks the operator to confirm a bulk action over count resources.
type Confirmer func(action Action, count int) bool

// AutoConfirm confirms every bulk action.
func AutoConfirm(Action, int) bool { return true }
