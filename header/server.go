package header

import (
	"fmt"
	"io"

	"braces.dev/errtrace"
)

// Server describes the UAS software that handled the request.
type Server string

// CanonicName returns the header's canonical field name.
func (Server) CanonicName() Name { return "Server" }

// CompactName returns the canonical name; Server has no compact form.
func (Server) CompactName() Name { return "Server" }

// RenderTo writes the full header line to w.
func (hdr Server) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	return errtrace.Wrap2(fmt.Fprint(w, hdr.CanonicName(), ": ", hdr.RenderValue()))
}

// Render returns the full header line as a string.
func (hdr Server) Render(opts *RenderOptions) string { return renderHdr(hdr, opts) }

// RenderValue returns just the header value, without the field name.
func (hdr Server) RenderValue() string { return string(hdr) }

// String returns the header value.
func (hdr Server) String() string { return string(hdr) }

// Format implements [fmt.Formatter].
func (hdr Server) Format(f fmt.State, verb rune) {
	if formatHdr(f, verb, hdr, string(hdr)) {
		return
	}
	type hideMethods Server
	type Server hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), Server(hdr))
}

// Clone returns a deep copy of the header.
func (hdr Server) Clone() Header { return hdr }

// Equal reports whether val represents the same header value.
func (hdr Server) Equal(val any) bool {
	other, ok := asHdr[Server](val)
	return ok && hdr == other
}

// IsValid reports whether the header is well formed.
func (hdr Server) IsValid() bool { return hdr != "" }
