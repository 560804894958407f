// Package async starts background work that must not take the process down
// when it panics.
package async

import (
	"fmt"
	"runtime/debug"
	"time"
)

// PanicLogger receives panic reports.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on a new goroutine under Recover.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// AfterFunc is time.AfterFunc under Recover.
func AfterFunc(logger PanicLogger, name string, d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		defer Recover(logger, name)
		fn()
	})
}

// Recover must be deferred directly. It logs the panic and its stack and
// swallows it.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	label := "goroutine"
	if name != "" {
		label = fmt.Sprintf("goroutine [%s]", name)
	}
	logger.Error("%s panic: %v, stack: %s", label, r, debug.Stack())
}
