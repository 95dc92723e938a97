// Package ioutil provides io helpers for wire-text rendering.
package ioutil

import (
	"fmt"
	"io"
	"sync"

	"braces.dev/errtrace"
)

// CountingWriter accumulates the byte count of every write against the
// wrapped io.Writer. Once a write fails, the writer is sticky-broken and
// every later call short-circuits with the recorded error.
type CountingWriter struct {
	w   io.Writer
	num int
	err error
}

// account folds one write result into the running totals.
func (cw *CountingWriter) account(n int, err error) (int, error) {
	cw.num += n
	if err != nil {
		cw.err = errtrace.Wrap(err)
		return n, errtrace.Wrap(cw.err)
	}
	return n, nil
}

func (cw *CountingWriter) broken() (int, error) {
	return 0, errtrace.Wrap(cw.err)
}

func (cw *CountingWriter) Write(p []byte) (int, error) {
	if cw.err != nil {
		return cw.broken()
	}
	return cw.account(cw.w.Write(p))
}

func (cw *CountingWriter) WriteString(s string) (int, error) {
	if cw.err != nil {
		return cw.broken()
	}
	return cw.account(io.WriteString(cw.w, s))
}

func (cw *CountingWriter) Fprint(args ...any) (int, error) {
	if cw.err != nil {
		return cw.broken()
	}
	return cw.account(fmt.Fprint(cw.w, args...))
}

func (cw *CountingWriter) Fprintf(format string, args ...any) (int, error) {
	if cw.err != nil {
		return cw.broken()
	}
	return cw.account(fmt.Fprintf(cw.w, format, args...))
}

// Call runs a RenderTo-style function against the wrapped writer and folds
// its result in. Returns the receiver so calls can be chained.
func (cw *CountingWriter) Call(fn func(io.Writer) (int, error)) *CountingWriter {
	if cw.err == nil {
		cw.account(fn(cw.w)) //nolint:errcheck
	}
	return cw
}

// Result reports the total bytes written and the first error, if any.
func (cw *CountingWriter) Result() (num int, err error) {
	return cw.num, errtrace.Wrap(cw.err)
}

var cntWrtPool = &sync.Pool{
	New: func() any { return &CountingWriter{} },
}

// GetCountingWriter takes a pooled writer wrapping w. Release it with
// FreeCountingWriter when rendering is done.
func GetCountingWriter(w io.Writer) *CountingWriter {
	cw := cntWrtPool.Get().(*CountingWriter) //nolint:forcetypeassert
	cw.w = w
	return cw
}

func FreeCountingWriter(cw *CountingWriter) {
	*cw = CountingWriter{}
	cntWrtPool.Put(cw)
}
