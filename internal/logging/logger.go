// Package logging provides the structured logging interface used across the
// engine's subsystems.
//
// Design: a small per-component Logger interface (Error/Warn/Info/Debug/
// Fatal), backed by go.uber.org/zap's SugaredLogger. Each subsystem gets its
// own Logger via Component(name), which attaches a "component" field to
// every record instead of the printf-style "[name] " string prefix an
// unstructured logger would use.
//
// Fatalf behavior: logs at ERROR level with a "FATAL: " message prefix and
// invokes the configured
// FatalHandler. It does not call os.Exit — the caller (the engine) decides
// how to transition to a stopped state (reject further writes to the
// affected range).
package logging

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrFatal is the sentinel error wrapped by fatal conditions.
var ErrFatal = errors.New("logging: fatal error")

// FatalHandler is invoked when Fatalf is called. It must be safe for
// concurrent use and must not itself call Fatalf.
type FatalHandler func(component, msg string)

// Logger is the logging interface injected into every subsystem.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)
	Fatalf(format string, args ...any)

	// Component returns a derived logger tagged with the given subsystem
	// name (e.g. "writebuffer", "reorg", "recovery").
	Component(name string) Logger
}

// Well-known component names, mirroring the engine's subsystem packages.
const (
	ComponentWriteBuffer  = "writebuffer"
	ComponentPrimaryLog   = "primarylog"
	ComponentSecondaryLog = "secondarylog"
	ComponentVersionStore = "versionstore"
	ComponentReorg        = "reorg"
	ComponentScheduler    = "scheduler"
	ComponentRecovery     = "recovery"
	ComponentCatalog      = "catalog"
)

// zapLogger adapts a *zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	sugar        *zap.SugaredLogger
	component    string
	fatalHandler *atomic.Pointer[FatalHandler]
}

// New creates a Logger backed by the given zap logger. A nil base logger
// falls back to zap.NewNop().
func New(base *zap.Logger) Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return &zapLogger{
		sugar:        base.Sugar(),
		fatalHandler: new(atomic.Pointer[FatalHandler]),
	}
}

// NewProduction returns a Logger using zap's production JSON encoder.
// Falls back to a no-op logger if zap fails to build (should not happen
// with default config).
func NewProduction() Logger {
	z, err := zap.NewProduction()
	if err != nil {
		z = zap.NewNop()
	}
	return New(z)
}

// Discard is a Logger that drops every record.
var Discard Logger = New(nil)

func (l *zapLogger) with() *zap.SugaredLogger {
	if l.component == "" {
		return l.sugar
	}
	return l.sugar.With("component", l.component)
}

func (l *zapLogger) Errorf(format string, args ...any) { l.with().Errorf(format, args...) }
func (l *zapLogger) Warnf(format string, args ...any)  { l.with().Warnf(format, args...) }
func (l *zapLogger) Infof(format string, args ...any)  { l.with().Infof(format, args...) }
func (l *zapLogger) Debugf(format string, args ...any) { l.with().Debugf(format, args...) }

func (l *zapLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.with().Error("FATAL: " + msg)
	if h := l.fatalHandler.Load(); h != nil {
		(*h)(l.component, msg)
	}
}

func (l *zapLogger) Component(name string) Logger {
	return &zapLogger{
		sugar:        l.sugar,
		component:    name,
		fatalHandler: l.fatalHandler,
	}
}

// SetFatalHandler installs the handler invoked by Fatalf on this logger and
// every Logger derived from it via Component.
func SetFatalHandler(l Logger, h FatalHandler) {
	if zl, ok := l.(*zapLogger); ok {
		zl.fatalHandler.Store(&h)
	}
}

// OrDiscard returns l if non-nil, otherwise the package-level Discard logger.
func OrDiscard(l Logger) Logger {
	if l == nil {
		return Discard
	}
	return l
}
