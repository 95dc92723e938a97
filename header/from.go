package header

import (
	"fmt"
	"io"

	"braces.dev/errtrace"
)

// From names the initiator of the request.
type From NameAddr

// CanonicName returns the header's canonical field name.
func (*From) CanonicName() Name { return "From" }

// CompactName returns the header's compact field name.
func (*From) CompactName() Name { return "f" }

// RenderTo writes the full header line to w.
func (hdr *From) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(fmt.Fprint(w, hdrName(hdr, opts), ": ", hdr.RenderValue()))
}

// Render returns the full header line as a string.
func (hdr *From) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderHdr(hdr, opts)
}

// RenderValue returns just the header value, without the field name.
func (hdr *From) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return NameAddr(*hdr).String()
}

// String returns the header value.
func (hdr *From) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter].
func (hdr *From) Format(f fmt.State, verb rune) {
	if formatHdr(f, verb, hdr, hdr.String()) {
		return
	}
	type hideMethods From
	type From hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), (*From)(hdr))
}

// Clone returns a deep copy of the header.
func (hdr *From) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := From(NameAddr(*hdr).Clone())
	return &hdr2
}

// Equal reports whether val represents the same header value.
func (hdr *From) Equal(val any) bool {
	other, done, eq := eqHdr(hdr, val)
	if done {
		return eq
	}
	return NameAddr(*hdr).Equal(NameAddr(*other))
}

// IsValid reports whether the header is well formed.
func (hdr *From) IsValid() bool { return hdr != nil && NameAddr(*hdr).IsValid() }

// Tag returns the tag parameter of the header.
func (hdr *From) Tag() (string, bool) {
	if hdr == nil {
		return "", false
	}
	return NameAddr(*hdr).Tag()
}
