// Package assert provides runtime precondition checks that return errors
// instead of panicking, so callers can fail the current operation and keep
// the process alive. StrictMode turns every failed check into a panic and is
// meant for tests and staging.
package assert

import (
	"fmt"
	"os"
	"reflect"

	"github.com/rs/zerolog/log"
)

var (
	// StrictMode panics on a failed check. Enabled by STRATEGIST_STRICT_ASSERT=1.
	StrictMode = os.Getenv("STRATEGIST_STRICT_ASSERT") == "1"
	// SuppressLogs silences failure logging (tests exercising error paths).
	SuppressLogs = false
)

// Error is returned by every failed check.
type Error struct {
	Msg string
}

func (e *Error) Error() string {
	return "assertion failed: " + e.Msg
}

// Check returns an *Error built from msg and args when cond is false.
func Check(cond bool, msg string, args ...interface{}) error {
	if cond {
		return nil
	}
	return fail(fmt.Sprintf(msg, args...))
}

// NotNil fails when v is nil, including typed nil pointers held in an interface.
func NotNil(v interface{}, name string) error {
	if v == nil {
		return fail(name + " must not be nil")
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		if rv.IsNil() {
			return fail(name + " must not be nil")
		}
	}
	return nil
}

// InRange fails when v is outside [min, max].
func InRange(v, min, max int, name string) error {
	if v < min || v > max {
		return fail(fmt.Sprintf("%s out of range: %d not in [%d, %d]", name, v, min, max))
	}
	return nil
}

func fail(msg string) error {
	err := &Error{Msg: msg}
	if StrictMode {
		panic(err)
	}
	if !SuppressLogs {
		log.Warn().Str("component", "assert").Msg(msg)
	}
	return err
}
