package errorutil_test

import (
	"errors"
	"testing"

	"github.com/zenvoice/sipcore/internal/errorutil"
)

const errSentinel errorutil.Error = "sentinel"

func TestErrorf_Wraps(t *testing.T) {
	t.Parallel()

	err := errorutil.Errorf("outer: %w", errSentinel)
	if !errors.Is(err, errSentinel) {
		t.Errorf("errors.Is(err, errSentinel) = false, want true")
	}
	if got, want := err.Error(), "outer: sentinel"; got != want {
		t.Errorf("err.Error() = %q, want %q", got, want)
	}

	// Chain through a second level, as the parser does with grammar errors.
	err = errorutil.Errorf("outermost: %w", err)
	if !errors.Is(err, errSentinel) {
		t.Errorf("errors.Is(chained, errSentinel) = false, want true")
	}
}

func TestNewWrapperError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args []any
		want string
	}{
		{"no args", nil, "sentinel"},
		{"error arg", []any{errors.New("cause")}, "sentinel: cause"},
		{"string arg", []any{"detail"}, "sentinel: detail"},
		{"format args", []any{"detail %d", 42}, "sentinel: detail 42"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			err := errorutil.NewWrapperError(errSentinel, c.args...)
			if !errors.Is(err, errSentinel) {
				t.Errorf("errors.Is(err, errSentinel) = false, want true")
			}
			if got := err.Error(); got != c.want {
				t.Errorf("err.Error() = %q, want %q", got, c.want)
			}
		})
	}
}
