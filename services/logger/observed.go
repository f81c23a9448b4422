package logsvc

import (
	"github.com/rollbar/rollbar-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// NewObservedLogger keeps every entry in memory so tests can assert on what was logged.
func NewObservedLogger() (*RollbarLogger, *observer.ObservedLogs) {
	rollbar.SetEnabled(false)
	core, logs := observer.New(zapcore.DebugLevel)
	return &RollbarLogger{zl: zap.New(core)}, logs
}
