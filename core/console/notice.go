package console

import (
	"fmt"

	"github.com/trezcool/masomo-availability/core/mutation"
)

type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Notice is a message for the operator about a settled mutation.
type Notice struct {
	Level     Level
	TenantID  string
	Message   string
	Kind      mutation.Kind
	Retriable bool
	Result    mutation.Result
}

// Notifier shows notices to the operator. It may be called from any goroutine.
type Notifier interface {
	Notify(n Notice)
}

type NotifierFunc func(n Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// notices turns a settled mutation into what the operator must be told: failures and skipped selections.
func notices(res mutation.Result) []Notice {
	var ns []Notice
	if res.Failed > 0 {
		kind, _ := mutation.KindOf(res.Err)
		msg := res.Message()
		switch kind {
		case mutation.KindPermission:
			msg += ": you are not allowed to change the availability of these resources"
		case mutation.KindNetwork:
			msg += ": please retry"
		}
		ns = append(ns, Notice{
			Level:     LevelError,
			TenantID:  res.TenantID,
			Message:   msg,
			Kind:      kind,
			Retriable: kind.Retriable(),
			Result:    res,
		})
	}
	if n := len(res.Skipped); n > 0 {
		ns = append(ns, Notice{
			Level:    LevelWarn,
			TenantID: res.TenantID,
			Message:  fmt.Sprintf("%d selected resource(s) skipped: no longer eligible", n),
			Result:   res,
		})
	}
	return ns
}
