// Package meshlog provides the mesh's leveled logger. It wraps zap but
// keeps the teacher's bracket-tag call-site texture, e.g.
// log.Infof("[discover] bootstrap ping sent peer=%s", id).
package meshlog

import (
	"sync"

	"go.uber.org/zap"
)

// Logger is a thin sugar wrapper; call sites use printf-style tags the
// same way the teacher's log.Printf("[tag] ...") calls do.
type Logger struct {
	s *zap.SugaredLogger
}

var (
	once    sync.Once
	base    *zap.Logger
	initErr error
)

func newBase() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

// New returns a Logger scoped to a component name, e.g. New("natdetect").
func New(component string) *Logger {
	once.Do(func() {
		base, initErr = newBase()
		if initErr != nil {
			base = zap.NewNop()
		}
	})
	return &Logger{s: base.Sugar().Named(component)}
}

func (l *Logger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }

// Sync flushes any buffered log entries; call at shutdown.
func (l *Logger) Sync() { _ = l.s.Sync() }
