// Package types contains common value types shared by the sip and dialog packages.
package types

import (
	"fmt"
	"io"
	"strconv"

	"braces.dev/errtrace"
	"github.com/google/go-cmp/cmp"

	"github.com/zenvoice/sipcore/internal/errorutil"
)

type ContextKey string

// Renderer is implemented by types that render themselves to SIP wire text.
type Renderer interface {
	Render(opts *RenderOptions) string
	RenderTo(w io.Writer, opts *RenderOptions) (int, error)
}

// RenderOptions is passed to rendering methods.
type RenderOptions struct {
	// Compact renders header names in their compact form.
	Compact bool `json:"compact,omitempty"`
}

type ValidFlag interface {
	IsValid() bool
}

// IsValid reports whether v implements [ValidFlag] and considers itself valid.
func IsValid(v any) bool {
	vv, ok := v.(ValidFlag)
	return ok && vv.IsValid()
}

type Validatable interface {
	Validate() error
}

// Validate runs the value's own Validate method. A value without one fails
// with an [errorutil.ErrInvalidArgument] error.
func Validate(v any) error {
	vv, ok := v.(Validatable)
	if !ok {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("%T does not implement types.Validatable", v))
	}
	return errtrace.Wrap(vv.Validate())
}

type Equalable interface {
	Equal(val any) bool
}

// IsEqual reports whether the values are deeply equal.
func IsEqual(v1, v2 any) bool {
	return cmp.Equal(v1, v2)
}

type Cloneable[T any] interface {
	Clone() T
}

// Clone copies v through its own Clone method when it has one. Otherwise v
// itself is returned when it is a T, or the zero value.
func Clone[T any](v any) T {
	if c, ok := v.(Cloneable[T]); ok {
		return c.Clone()
	}
	out, _ := v.(T)
	return out
}

// DerefArg coerces an Equal argument to T, following one pointer level.
// A nil *T does not match.
func DerefArg[T any](val any) (T, bool) {
	switch v := val.(type) {
	case T:
		return v, true
	case *T:
		if v != nil {
			return *v, true
		}
	}
	var zero T
	return zero, false
}

// FormatString serves the %s and %q verbs for a Stringer, and the plain %v
// verb without the + and # flags. It reports false when the caller must fall
// back to the type's default struct formatting.
func FormatString(f fmt.State, verb rune, s fmt.Stringer) bool {
	switch verb {
	case 's':
		fmt.Fprint(f, s.String())
	case 'q':
		fmt.Fprint(f, strconv.Quote(s.String()))
	default:
		if f.Flag('+') || f.Flag('#') {
			return false
		}
		fmt.Fprint(f, s.String())
	}
	return true
}
