package engine

import (
	"errors"
	"fmt"
)

var (
	ErrWatchdogTimeout = errors.New("watchdog timeout")
	ErrThreadAbort     = errors.New("thread aborted")
	ErrNoCallback      = errors.New("callback not defined")
	ErrClosed          = errors.New("engine closed")
)

// LoadError is a failure to read, compile or run the body of a script.
type LoadError struct {
	Name string
	Msg  string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s", e.Name, e.Msg)
}

func (e *LoadError) Unwrap() error { return e.Err }

// RuntimeError is an uncaught script error or a callback contract violation.
// Err is ErrWatchdogTimeout or ErrThreadAbort when one of those caused it.
type RuntimeError struct {
	Callback string
	Msg      string
	Err      error
}

func (e *RuntimeError) Error() string {
	if e.Callback == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Callback, e.Msg)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// MarshalError is a value that cannot cross an engine boundary, a missing
// target function or an argument count mismatch.
type MarshalError struct {
	Func string
	Msg  string
	Err  error
}

func (e *MarshalError) Error() string {
	return fmt.Sprintf("cannot marshal call to %s: %s", e.Func, e.Msg)
}

func (e *MarshalError) Unwrap() error { return e.Err }
