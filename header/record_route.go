package header

import (
	"fmt"
	"io"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/ioutil"
)

// RecordRoute is inserted by proxies to keep themselves on the path of
// future requests in the dialog.
type RecordRoute Route

// CanonicName returns the header's canonical field name.
func (RecordRoute) CanonicName() Name { return "Record-Route" }

// CompactName returns the canonical name; Record-Route has no compact form.
func (RecordRoute) CompactName() Name { return "Record-Route" }

// RenderTo writes the full header line to w.
func (hdr RecordRoute) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprint(hdr.CanonicName(), ": ")
	cw.Call(Route(hdr).renderValueTo)
	return errtrace.Wrap2(cw.Result())
}

// Render returns the full header line as a string.
func (hdr RecordRoute) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderHdr(hdr, opts)
}

// RenderValue returns just the header value, without the field name.
func (hdr RecordRoute) RenderValue() string { return Route(hdr).RenderValue() }

// String returns the header value.
func (hdr RecordRoute) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter].
func (hdr RecordRoute) Format(f fmt.State, verb rune) {
	if formatHdr(f, verb, hdr, hdr.String()) {
		return
	}
	type hideMethods RecordRoute
	type RecordRoute hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), RecordRoute(hdr))
}

// Clone returns a deep copy of the header.
func (hdr RecordRoute) Clone() Header {
	hdr2, ok := Route(hdr).Clone().(Route)
	if !ok {
		return nil
	}
	return RecordRoute(hdr2)
}

// Equal reports whether val represents the same header value.
func (hdr RecordRoute) Equal(val any) bool {
	other, ok := asHdr[RecordRoute](val)
	return ok && Route(hdr).Equal(Route(other))
}

// IsValid reports whether the header is well formed.
func (hdr RecordRoute) IsValid() bool { return Route(hdr).IsValid() }
