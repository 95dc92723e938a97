package header

import (
	"fmt"
	"io"

	"braces.dev/errtrace"
)

// CSeq identifies and orders transactions within a dialog.
type CSeq struct {
	SeqNum uint
	Method RequestMethod
}

// CanonicName returns the header's canonical field name.
func (*CSeq) CanonicName() Name { return "CSeq" }

// CompactName returns the canonical name; CSeq has no compact form.
func (*CSeq) CompactName() Name { return "CSeq" }

// RenderTo writes the full header line to w.
func (hdr *CSeq) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderHdrTo(w, hdr.CanonicName(), hdr.renderValueTo))
}

func (hdr *CSeq) renderValueTo(w io.Writer) (num int, err error) {
	return errtrace.Wrap2(fmt.Fprint(w, hdr.SeqNum, " ", hdr.Method))
}

// Render returns the full header line as a string.
func (hdr *CSeq) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderHdr(hdr, opts)
}

// RenderValue returns just the header value, without the field name.
func (hdr *CSeq) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return renderValueStr(hdr.renderValueTo)
}

// String returns the header value.
func (hdr *CSeq) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter].
func (hdr *CSeq) Format(f fmt.State, verb rune) {
	if formatHdr(f, verb, hdr, hdr.String()) {
		return
	}
	type hideMethods CSeq
	type CSeq hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), (*CSeq)(hdr))
}

// Clone returns a deep copy of the header.
func (hdr *CSeq) Clone() Header { return cloneFlat(hdr) }

// Equal reports whether val represents the same header value.
func (hdr *CSeq) Equal(val any) bool {
	other, done, eq := eqHdr(hdr, val)
	if done {
		return eq
	}
	return hdr.SeqNum == other.SeqNum && hdr.Method.Equal(other.Method)
}

// IsValid reports whether the header is well formed.
func (hdr *CSeq) IsValid() bool { return hdr != nil && hdr.SeqNum > 0 && hdr.Method.IsValid() }
