package header

import (
	"fmt"
	"io"

	"braces.dev/errtrace"
)

// To names the logical recipient of the request.
type To NameAddr

// CanonicName returns the header's canonical field name.
func (*To) CanonicName() Name { return "To" }

// CompactName returns the header's compact field name.
func (*To) CompactName() Name { return "t" }

// RenderTo writes the full header line to w.
func (hdr *To) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(fmt.Fprint(w, hdrName(hdr, opts), ": ", hdr.RenderValue()))
}

// Render returns the full header line as a string.
func (hdr *To) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderHdr(hdr, opts)
}

// RenderValue returns just the header value, without the field name.
func (hdr *To) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return NameAddr(*hdr).String()
}

// String returns the header value.
func (hdr *To) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter].
func (hdr *To) Format(f fmt.State, verb rune) {
	if formatHdr(f, verb, hdr, hdr.String()) {
		return
	}
	type hideMethods To
	type To hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), (*To)(hdr))
}

// Clone returns a deep copy of the header.
func (hdr *To) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := To(NameAddr(*hdr).Clone())
	return &hdr2
}

// Equal reports whether val represents the same header value.
func (hdr *To) Equal(val any) bool {
	other, done, eq := eqHdr(hdr, val)
	if done {
		return eq
	}
	return NameAddr(*hdr).Equal(NameAddr(*other))
}

// IsValid reports whether the header is well formed.
func (hdr *To) IsValid() bool { return hdr != nil && NameAddr(*hdr).IsValid() }

// Tag returns the tag parameter of the header.
func (hdr *To) Tag() (string, bool) {
	if hdr == nil {
		return "", false
	}
	return NameAddr(*hdr).Tag()
}
