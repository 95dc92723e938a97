package header

import (
	"fmt"
	"io"

	"braces.dev/errtrace"
)

// CallID represents the Call-ID header field, the unique identifier
// shared by all messages of a dialog or registration.
type CallID string

// CanonicName returns the header's canonical field name.
func (CallID) CanonicName() Name { return "Call-ID" }

// CompactName returns the header's compact field name.
func (CallID) CompactName() Name { return "i" }

// RenderTo writes the full header line to w.
func (hdr CallID) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	return errtrace.Wrap2(fmt.Fprint(w, hdrName(hdr, opts), ": ", hdr.RenderValue()))
}

// Render returns the full header line as a string.
func (hdr CallID) Render(opts *RenderOptions) string { return renderHdr(hdr, opts) }

// RenderValue returns just the header value, without the field name.
func (hdr CallID) RenderValue() string { return string(hdr) }

// Format implements [fmt.Formatter].
func (hdr CallID) Format(f fmt.State, verb rune) {
	if formatHdr(f, verb, hdr, string(hdr)) {
		return
	}
	type hideMethods CallID
	type CallID hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), CallID(hdr))
}

// Clone returns a deep copy of the header.
func (hdr CallID) Clone() Header { return hdr }

// Equal reports whether val represents the same header value.
func (hdr CallID) Equal(val any) bool {
	other, ok := asHdr[CallID](val)
	return ok && hdr == other
}

// IsValid reports whether the header is well formed.
func (hdr CallID) IsValid() bool { return hdr != "" }
