// Package recovery turns panics raised by operator code into errors.
package recovery

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ErrPanic is wrapped by every error Do recovers.
var ErrPanic = errors.New("panic")

// Do wraps f so that a panic in f is returned as an error wrapping ErrPanic
// and, when the panic value is an error, that error too. The stack trace is
// logged to each given logger.
func Do(f func() error, logger ...log.Logger) func() error {
	return func() (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if e, ok := r.(error); ok {
				err = fmt.Errorf("%w: %w", ErrPanic, e)
			} else {
				err = fmt.Errorf("%w: %v", ErrPanic, r)
			}
			for _, l := range logger {
				level.Error(l).Log("msg", "recovered from panic", "err", err, "stacktrace", string(debug.Stack()))
			}
		}()
		return f()
	}
}
