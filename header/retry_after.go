package header

import (
	"fmt"
	"io"
	"time"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/ioutil"
)

// RetryAfter tells the peer how long the service is expected to stay
// unavailable, or when to retry the request.
type RetryAfter struct {
	Delay   time.Duration
	Comment string
	Params  Values
}

// CanonicName returns the header's canonical field name.
func (*RetryAfter) CanonicName() Name { return "Retry-After" }

// CompactName returns the canonical name; Retry-After has no compact form.
func (*RetryAfter) CompactName() Name { return "Retry-After" }

// RenderTo writes the full header line to w.
func (hdr *RetryAfter) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderHdrTo(w, hdr.CanonicName(), hdr.renderValueTo))
}

func (hdr *RetryAfter) renderValueTo(w io.Writer) (num int, err error) {
	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)

	cw.Fprint(int64(hdr.Delay.Seconds()))

	if hdr.Comment != "" {
		cw.Fprint(" (", hdr.Comment, ")")
	}

	cw.Call(func(w io.Writer) (int, error) {
		return errtrace.Wrap2(renderHdrParams(w, hdr.Params, false))
	})

	return errtrace.Wrap2(cw.Result())
}

// Render returns the full header line as a string.
func (hdr *RetryAfter) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderHdr(hdr, opts)
}

// RenderValue returns just the header value, without the field name.
func (hdr *RetryAfter) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return renderValueStr(hdr.renderValueTo)
}

// String returns the header value.
func (hdr *RetryAfter) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter].
func (hdr *RetryAfter) Format(f fmt.State, verb rune) {
	if formatHdr(f, verb, hdr, hdr.String()) {
		return
	}
	type hideMethods RetryAfter
	type RetryAfter hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), (*RetryAfter)(hdr))
}

// Clone returns a deep copy of the header.
func (hdr *RetryAfter) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := *hdr
	hdr2.Params = hdr.Params.Clone()
	return &hdr2
}

// Equal reports whether val represents the same header value.
func (hdr *RetryAfter) Equal(val any) bool {
	other, done, eq := eqHdr(hdr, val)
	if done {
		return eq
	}
	return hdr.Delay == other.Delay &&
		hdr.Comment == other.Comment &&
		compareHdrParams(hdr.Params, other.Params, map[string]bool{"duration": true})
}

// IsValid reports whether the header is well formed.
func (hdr *RetryAfter) IsValid() bool {
	return hdr != nil && validateHdrParams(hdr.Params)
}
