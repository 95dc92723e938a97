package header

import (
	"fmt"
	"io"
	"strconv"

	"braces.dev/errtrace"
)

// MaxForwards represents the Max-Forwards header field, bounding the
// number of hops a request may take.
type MaxForwards uint

// CanonicName returns the header's canonical field name.
func (MaxForwards) CanonicName() Name { return "Max-Forwards" }

// CompactName returns the canonical name; Max-Forwards has no compact form.
func (MaxForwards) CompactName() Name { return "Max-Forwards" }

// RenderTo writes the full header line to w.
func (hdr MaxForwards) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	return errtrace.Wrap2(fmt.Fprint(w, hdr.CanonicName(), ": ", hdr.RenderValue()))
}

// Render returns the full header line as a string.
func (hdr MaxForwards) Render(opts *RenderOptions) string { return renderHdr(hdr, opts) }

// RenderValue returns just the header value, without the field name.
func (hdr MaxForwards) RenderValue() string { return strconv.FormatUint(uint64(hdr), 10) }

func (hdr MaxForwards) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter].
func (hdr MaxForwards) Format(f fmt.State, verb rune) {
	if formatHdr(f, verb, hdr, hdr.String()) {
		return
	}
	type hideMethods MaxForwards
	type MaxForwards hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), MaxForwards(hdr))
}

// Clone returns a deep copy of the header.
func (hdr MaxForwards) Clone() Header { return hdr }

// Equal reports whether val represents the same header value.
func (hdr MaxForwards) Equal(val any) bool {
	other, ok := asHdr[MaxForwards](val)
	return ok && hdr == other
}

// IsValid reports whether the header is well formed.
func (MaxForwards) IsValid() bool { return true }
