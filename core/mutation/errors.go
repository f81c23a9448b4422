package mutation

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-availability/core"
)

var (
	ErrPending   = errors.New("a mutation is already pending for this resource")
	ErrDeclined  = errors.New("bulk action declined")
	ErrClosed    = errors.New("availability view closed")
	ErrLocked    = errors.New("availability of this resource cannot be toggled")
	ErrNotFound  = errors.New("resource not in catalog")
	ErrEmptyBulk = errors.New("no resource selected")

	// returned by a Backend
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalid          = errors.New("invalid request")
	ErrRejected         = errors.New("change rejected by the backend")
)

// Kind tells the operator what to do about a failed mutation.
type Kind int

const (
	KindNetwork    Kind = iota // retry advised
	KindPermission             // do not retry
	KindValidation             // should have been prevented
)

func (k Kind) String() string {
	switch k {
	case KindPermission:
		return "permission"
	case KindValidation:
		return "validation"
	default:
		return "network"
	}
}

func (k Kind) Retriable() bool { return k == KindNetwork }

// Classify maps a Backend error to its Kind.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return KindPermission
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrLocked), errors.Is(err, ErrNotFound), core.IsValidation(err):
		return KindValidation
	default:
		return KindNetwork
	}
}

// Error is the failure of a mutation on one resource.
type Error struct {
	Kind       Kind
	Action     Action
	ResourceID string
	Err        error
}

func newError(action Action, id string, err error) *Error {
	return &Error{Kind: Classify(err), Action: action, ResourceID: id, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s (%s error): %v", e.Action, e.ResourceID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// BulkError aggregates the failures of a bulk mutation.
type BulkError struct {
	Action Action
	Total  int
	Errs   []*Error // in resource id order
}

func (e *BulkError) Error() string {
	noun := "resources"
	if e.Total == 1 {
		noun = "resource"
	}
	return fmt.Sprintf("%d of %d %s failed to update", len(e.Errs), e.Total, noun)
}

// Kind is the most severe kind among the failures: permission > validation > network.
func (e *BulkError) Kind() Kind {
	kind := KindNetwork
	for _, err := range e.Errs {
		switch err.Kind {
		case KindPermission:
			return KindPermission
		case KindValidation:
			kind = KindValidation
		}
	}
	return kind
}

// Detail lists every failure, one per line.
func (e *BulkError) Detail() string {
	lines := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		lines = append(lines, err.Error())
	}
	return strings.Join(lines, "\n")
}

// KindOf returns the Kind of a mutation error (*Error or *BulkError).
func KindOf(err error) (Kind, bool) {
	var bErr *BulkError
	if errors.As(err, &bErr) {
		return bErr.Kind(), true
	}
	var mErr *Error
	if errors.As(err, &mErr) {
		return mErr.Kind, true
	}
	return 0, false
}
