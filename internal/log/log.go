// Package log provides slog logger construction shared across the module.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

// wrapFmt decorates a handler with the attribute formatters used by every
// logger in the module.
var wrapFmt = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(ap netip.AddrPort) slog.Value {
		return slog.StringValue(ap.String())
	}),
)

// Def is the default logger.
var Def = slog.New(wrapFmt(
	console.NewHandler(os.Stdout, &console.HandlerOptions{
		AddSource:  true,
		Level:      slog.LevelDebug,
		TimeFormat: time.RFC3339Nano,
	}),
))

// Dev is a developer logger with pretty-printed output.
var Dev = slog.New(wrapFmt(
	devslog.NewHandler(os.Stdout, &devslog.Options{
		HandlerOptions: &slog.HandlerOptions{
			AddSource: true,
			Level:     slog.LevelDebug,
		},
		SortKeys:   true,
		TimeFormat: time.RFC3339Nano,
	}),
))

// Noop is a logger that discards all records.
var Noop = slog.New(noopHandler{})

// Default returns the default logger.
func Default() *slog.Logger { return Def }

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (noopHandler) Handle(context.Context, slog.Record) error { return nil }

func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h noopHandler) WithGroup(string) slog.Handler { return h }

// lazyValue defers value construction until the record is actually emitted.
type lazyValue func() slog.Value

func (fn lazyValue) LogValue() slog.Value { return fn() }

// FmtValue returns a lazy slog value formatted with '%+v' or '%#v'.
func FmtValue(v any, goSyntax bool) slog.LogValuer {
	format := "%+v"
	if goSyntax {
		format = "%#v"
	}
	return lazyValue(func() slog.Value {
		return slog.StringValue(fmt.Sprintf(format, v))
	})
}

// CalcValue returns a lazy slog value computed by fn at record time.
func CalcValue(fn func() any) slog.LogValuer {
	return lazyValue(func() slog.Value {
		switch cv := fn().(type) {
		case slog.Value:
			return cv
		default:
			return slog.AnyValue(cv)
		}
	})
}
