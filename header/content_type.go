package header

import (
	"fmt"
	"io"

	"braces.dev/errtrace"
)

// ContentType declares the media type of the message body.
type ContentType MIMEType

func (*ContentType) CanonicName() Name { return "Content-Type" }

func (*ContentType) CompactName() Name { return "c" }

func (hdr *ContentType) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(fmt.Fprint(w, hdrName(hdr, opts), ": ", hdr.RenderValue()))
}

func (hdr *ContentType) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderHdr(hdr, opts)
}

// RenderValue returns just the header value, without the field name.
func (hdr *ContentType) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return MIMEType(*hdr).String()
}

func (hdr *ContentType) String() string { return hdr.RenderValue() }

func (hdr *ContentType) Format(f fmt.State, verb rune) {
	if formatHdr(f, verb, hdr, hdr.String()) {
		return
	}
	type hideMethods ContentType
	type ContentType hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), (*ContentType)(hdr))
}

func (hdr *ContentType) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := ContentType(MIMEType(*hdr).Clone())
	return &hdr2
}

func (hdr *ContentType) Equal(val any) bool {
	other, done, eq := eqHdr(hdr, val)
	if done {
		return eq
	}
	return MIMEType(*hdr).Equal(MIMEType(*other))
}

func (hdr *ContentType) IsValid() bool { return hdr != nil && MIMEType(*hdr).IsValid() }
