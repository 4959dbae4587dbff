// Package errcode defines the error kinds the hub reports to its callers.
// Every kind carries a stable numeric code that the API layer can hand to
// clients, and every error returned by an engine operation wraps exactly one
// kind.
package errcode

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind is a root error. Instances created at runtime wrap a Kind so that
// callers can match with errors.Is and translate with CodeOf.
type Kind struct {
	code      uint32
	desc      string
	retryable bool
}

// usedCodes keeps codes unique. Code 1 is reserved for errors that carry no
// kind at all.
var usedCodes = map[uint32]*Kind{
	1: nil,
}

// Register declares a new error kind. Reusing a code panics, so Register must
// only be called while initialising package variables.
func Register(code uint32, description string) *Kind {
	if k, ok := usedCodes[code]; ok {
		panic(fmt.Sprintf("error with code %d is already "+
			"registered: %q", code, k.desc))
	}

	k := &Kind{code: code, desc: description}
	usedCodes[code] = k

	return k
}

// registerRetryable declares a kind whose operations may succeed when re-run
// against fresh state.
func registerRetryable(code uint32, description string) *Kind {
	k := Register(code, description)
	k.retryable = true

	return k
}

// Error returns the kind's description.
func (k *Kind) Error() string {
	return k.desc
}

// Code returns the stable numeric code of the kind.
func (k *Kind) Code() uint32 {
	return k.code
}

// Retryable reports whether the failed operation may be re-run.
func (k *Kind) Retryable() bool {
	return k.retryable
}

// New returns an error of this kind with the given detail.
func (k *Kind) New(detail string) error {
	return Wrap(k, detail)
}

// Newf is New with formatting.
func (k *Kind) Newf(format string, args ...interface{}) error {
	return Wrap(k, fmt.Sprintf(format, args...))
}

// Wrap annotates err with detail. A stack trace is attached at the innermost
// wrap only. Wrapping nil returns nil.
func Wrap(err error, detail string) error {
	if err == nil {
		return nil
	}

	var st stackTracer
	if !errors.As(err, &st) {
		err = pkgerrors.WithStack(err)
	}

	return &wrappedError{msg: detail, parent: err}
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

type wrappedError struct {
	msg    string
	parent error
}

func (e *wrappedError) Error() string {
	return fmt.Sprintf("%s: %s", e.msg, e.parent.Error())
}

// Cause is used by pkg/errors.Cause.
func (e *wrappedError) Cause() error {
	return e.parent
}

// Unwrap is used by the standard errors package.
func (e *wrappedError) Unwrap() error {
	return e.parent
}

// KindOf returns the kind wrapped by err, or nil if err carries none.
func KindOf(err error) *Kind {
	var k *Kind
	if errors.As(err, &k) {
		return k
	}

	return nil
}

// CodeOf returns the code of the kind wrapped by err. Nil maps to 0 and
// errors without a kind map to 1.
func CodeOf(err error) uint32 {
	if err == nil {
		return 0
	}
	if k := KindOf(err); k != nil {
		return k.code
	}

	return 1
}

// IsRetryable reports whether err wraps a retryable kind.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k != nil && k.retryable
}
