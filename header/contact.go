package header

import (
	"fmt"
	"io"
	"slices"

	"braces.dev/errtrace"
)

// ContactAddr is a single entry of the Contact header.
type ContactAddr = NameAddr

// Contact carries URIs at which a specific UA instance can be reached
// directly. An empty non-nil header renders as the wildcard "*".
type Contact []ContactAddr

// CanonicName returns the header's canonical field name.
func (Contact) CanonicName() Name { return "Contact" }

// CompactName returns the header's compact field name.
func (Contact) CompactName() Name { return "m" }

// RenderTo writes the full header line to w.
func (hdr Contact) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderHdrTo(w, hdrName(hdr, opts), hdr.renderValueTo))
}

func (hdr Contact) renderValueTo(w io.Writer) (num int, err error) {
	if len(hdr) == 0 {
		return errtrace.Wrap2(fmt.Fprint(w, "*"))
	}
	return errtrace.Wrap2(renderHdrEntries(w, hdr))
}

// Render returns the full header line as a string.
func (hdr Contact) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderHdr(hdr, opts)
}

// RenderValue returns just the header value, without the field name.
func (hdr Contact) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return renderValueStr(hdr.renderValueTo)
}

// String returns the header value.
func (hdr Contact) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter].
func (hdr Contact) Format(f fmt.State, verb rune) {
	if formatHdr(f, verb, hdr, hdr.String()) {
		return
	}
	type hideMethods Contact
	type Contact hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), Contact(hdr))
}

// Clone returns a deep copy of the header.
func (hdr Contact) Clone() Header { return cloneHdrEntries(hdr) }

// Equal reports whether val represents the same header value.
func (hdr Contact) Equal(val any) bool {
	other, ok := asHdr[Contact](val)
	return ok && slices.EqualFunc(hdr, other, func(addr1, addr2 ContactAddr) bool { return addr1.Equal(addr2) })
}

// IsValid reports whether the header is well formed.
func (hdr Contact) IsValid() bool {
	return hdr != nil && !slices.ContainsFunc(hdr, func(addr ContactAddr) bool { return !addr.IsValid() })
}
