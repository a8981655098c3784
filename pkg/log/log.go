// Package log provides debug level logging for datasafe. Logging is disabled by default and
// the underlying logger is a no-op implementation; use SetLogger to enable it.
//
// Library code never logs passwords, key material or plaintext names of private documents.
// Values that may be sensitive go through Secure before being formatted.
package log

import (
	"sync/atomic"
)

type holder struct {
	l Interface
}

var current atomic.Pointer[holder]

func init() {
	current.Store(&holder{l: noopLogger{}})
}

// Interface is the logging contract consumed by datasafe.
type Interface interface {
	// Debugf v using a format string.
	Debugf(format string, v ...interface{})
}

// SetLogger replaces the logger used by all datasafe packages. Passing nil disables logging.
func SetLogger(l Interface) {
	if l == nil {
		l = noopLogger{}
	}

	current.Store(&holder{l: l})
}

// Debugf writes to the log using the configured logger.
func Debugf(format string, v ...interface{}) {
	current.Load().l.Debugf(format, v...)
}

// DebugEnabled returns true if a logger has been supplied via SetLogger.
func DebugEnabled() bool {
	_, noop := current.Load().l.(noopLogger)

	return !noop
}

// Secure masks a value so that only its first and last characters are visible.
func Secure(v string) string {
	const visible = 2

	if len(v) <= 2*visible {
		return "****"
	}

	return v[:visible] + "****" + v[len(v)-visible:]
}

type noopLogger struct{}

func (noopLogger) Debugf(format string, v ...interface{}) {
	// do nothing
}
