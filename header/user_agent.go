package header

import (
	"fmt"
	"io"

	"braces.dev/errtrace"
)

// UserAgent describes the UAC software originating the request.
type UserAgent string

// CanonicName returns the header's canonical field name.
func (UserAgent) CanonicName() Name { return "User-Agent" }

// CompactName returns the canonical name; User-Agent has no compact form.
func (UserAgent) CompactName() Name { return "User-Agent" }

// RenderTo writes the full header line to w.
func (hdr UserAgent) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	return errtrace.Wrap2(fmt.Fprint(w, hdr.CanonicName(), ": ", hdr.RenderValue()))
}

// Render returns the full header line as a string.
func (hdr UserAgent) Render(opts *RenderOptions) string { return renderHdr(hdr, opts) }

// RenderValue returns just the header value, without the field name.
func (hdr UserAgent) RenderValue() string { return string(hdr) }

// String returns the header value.
func (hdr UserAgent) String() string { return string(hdr) }

// Format implements [fmt.Formatter].
func (hdr UserAgent) Format(f fmt.State, verb rune) {
	if formatHdr(f, verb, hdr, string(hdr)) {
		return
	}
	type hideMethods UserAgent
	type UserAgent hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), UserAgent(hdr))
}

// Clone returns a deep copy of the header.
func (hdr UserAgent) Clone() Header { return hdr }

// Equal reports whether val represents the same header value.
func (hdr UserAgent) Equal(val any) bool {
	other, ok := asHdr[UserAgent](val)
	return ok && hdr == other
}

// IsValid reports whether the header is well formed.
func (hdr UserAgent) IsValid() bool { return hdr != "" }
