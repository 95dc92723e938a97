package header

import (
	"fmt"
	"io"
	"slices"

	"braces.dev/errtrace"
)

// RouteHop is a single entry in a route set.
type RouteHop = NameAddr

// Route forces a request through the listed set of proxies.
type Route []RouteHop

// CanonicName returns the header's canonical field name.
func (Route) CanonicName() Name { return "Route" }

// CompactName returns the canonical name; Route has no compact form.
func (Route) CompactName() Name { return "Route" }

// RenderTo writes the full header line to w.
func (hdr Route) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderHdrTo(w, hdr.CanonicName(), hdr.renderValueTo))
}

func (hdr Route) renderValueTo(w io.Writer) (num int, err error) {
	return errtrace.Wrap2(renderHdrEntries(w, hdr))
}

// Render returns the full header line as a string.
func (hdr Route) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderHdr(hdr, opts)
}

// RenderValue returns just the header value, without the field name.
func (hdr Route) RenderValue() string {
	return renderValueStr(hdr.renderValueTo)
}

// String returns the header value.
func (hdr Route) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter].
func (hdr Route) Format(f fmt.State, verb rune) {
	if formatHdr(f, verb, hdr, hdr.String()) {
		return
	}
	type hideMethods Route
	type Route hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), Route(hdr))
}

// Clone returns a deep copy of the header.
func (hdr Route) Clone() Header { return cloneHdrEntries(hdr) }

// Equal reports whether val represents the same header value.
func (hdr Route) Equal(val any) bool {
	other, ok := asHdr[Route](val)
	return ok && slices.EqualFunc(hdr, other, func(hop1, hop2 RouteHop) bool { return hop1.Equal(hop2) })
}

// IsValid reports whether the header is well formed.
func (hdr Route) IsValid() bool {
	return len(hdr) > 0 && !slices.ContainsFunc(hdr, func(hop RouteHop) bool { return !hop.IsValid() })
}
