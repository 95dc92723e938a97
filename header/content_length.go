package header

import (
	"fmt"
	"io"
	"strconv"

	"braces.dev/errtrace"
)

// ContentLength gives the size of the message body in octets.
type ContentLength uint

// CanonicName returns the header's canonical field name.
func (ContentLength) CanonicName() Name { return "Content-Length" }

// CompactName returns the header's compact field name.
func (ContentLength) CompactName() Name { return "l" }

// RenderTo writes the full header line to w.
func (hdr ContentLength) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	return errtrace.Wrap2(fmt.Fprint(w, hdrName(hdr, opts), ": ", hdr.RenderValue()))
}

// Render returns the full header line as a string.
func (hdr ContentLength) Render(opts *RenderOptions) string { return renderHdr(hdr, opts) }

// RenderValue returns just the header value, without the field name.
func (hdr ContentLength) RenderValue() string { return strconv.FormatUint(uint64(hdr), 10) }

func (hdr ContentLength) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter].
func (hdr ContentLength) Format(f fmt.State, verb rune) {
	if formatHdr(f, verb, hdr, hdr.String()) {
		return
	}
	type hideMethods ContentLength
	type ContentLength hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), ContentLength(hdr))
}

// Clone returns a deep copy of the header.
func (hdr ContentLength) Clone() Header { return hdr }

// Equal reports whether val represents the same header value.
func (hdr ContentLength) Equal(val any) bool {
	other, ok := asHdr[ContentLength](val)
	return ok && hdr == other
}

// IsValid reports whether the header is well formed.
func (ContentLength) IsValid() bool { return true }
