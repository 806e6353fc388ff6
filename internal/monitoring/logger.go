// Package monitoring holds the process-wide diagnostic logger.
package monitoring

import (
	"log"
	"sync/atomic"
)

type logFunc func(format string, v ...interface{})

var current atomic.Pointer[logFunc]

func init() { ResetLogger() }

// Logf writes through the installed logger, log.Printf unless SetLogger
// replaced it. Safe to call while another goroutine swaps the logger.
func Logf(format string, v ...interface{}) {
	(*current.Load())(format, v...)
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	lf := logFunc(f)
	current.Store(&lf)
}

// Component returns a logger that prefixes every message with "[name] ".
// The returned function resolves the installed logger on each call, so a
// later SetLogger still takes effect for component loggers created at init
// time.
func Component(name string) func(format string, v ...interface{}) {
	prefix := "[" + name + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}

// ResetLogger restores the default log.Printf logger.
func ResetLogger() {
	SetLogger(log.Printf)
}
