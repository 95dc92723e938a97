// Package errorutil provides sentinel error helpers shared across the module.
package errorutil

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zenvoice/sipcore/internal/util"
)

// Error is a string type that implements the error interface.
// It allows sentinel errors to be declared as constants.
type Error string

func (e Error) Error() string { return string(e) }

// Errorf formats an error like [fmt.Errorf], keeping any %w-wrapped
// errors reachable through [errors.Is] and [errors.As].
func Errorf(format string, args ...any) error {
	return fmt.Errorf(format, args...) //errtrace:skip
}

// NewWrapperError creates or wraps an error with a sentinel error:
//   - no args: returns the sentinel
//   - error arg: wraps with the sentinel unless already wrapped
//   - string arg (+ optional format args): formats a message under the sentinel
func NewWrapperError(sentinel error, args ...any) error {
	if len(args) == 0 {
		return sentinel //errtrace:skip
	}
	switch v := args[0].(type) {
	case error:
		if errors.Is(v, sentinel) {
			return v //errtrace:skip
		}
		return fmt.Errorf("%w: %w", sentinel, v) //errtrace:skip
	case string:
		msg := v
		if len(args) > 1 {
			msg = fmt.Sprintf(v, args[1:]...)
		}
		return fmt.Errorf("%w: %s", sentinel, msg) //errtrace:skip
	default:
		return sentinel //errtrace:skip
	}
}

// ErrInvalidArgument is returned when a caller passes an invalid argument.
const ErrInvalidArgument Error = "invalid argument"

func NewInvalidArgumentError(args ...any) error {
	return NewWrapperError(ErrInvalidArgument, args...) //errtrace:skip
}

func Join(errs ...error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0] //errtrace:skip
	}
	return &multiError{errs: errs} //errtrace:skip
}

func JoinPrefix(prefix string, errs ...error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%s: %w", strings.TrimRight(prefix, ":"), errs[0]) //errtrace:skip
	}
	return &multiError{prefix: prefix, errs: errs} //errtrace:skip
}

type multiError struct {
	prefix string
	errs   []error
}

func (e *multiError) Error() string {
	if len(e.errs) == 0 {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(e.prefix)
	for _, err := range e.errs {
		if err == nil {
			continue
		}
		sb.WriteString("\n  - ")
		sb.WriteString(strings.ReplaceAll(err.Error(), "\n", "\n    "))
	}
	return sb.String()
}

func (e *multiError) Unwrap() []error { return e.errs }

// IsTimeoutErr returns true if the error reports itself as a timeout.
func IsTimeoutErr(err error) bool {
	var e interface{ Timeout() bool }
	return errors.As(err, &e) && e.Timeout()
}

// IsTemporaryErr returns true if the error reports itself as temporary.
func IsTemporaryErr(err error) bool {
	var e interface{ Temporary() bool }
	return errors.As(err, &e) && e.Temporary()
}
