package header

import (
	"fmt"
	"io"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/util"
)

// Any carries a header the package has no dedicated type for, as a raw
// name and value.
type Any struct {
	Name  string
	Value string
}

func (hdr *Any) CanonicName() Name { return CanonicName(hdr.Name) }

func (hdr *Any) CompactName() Name { return CanonicName(hdr.Name) }

func (hdr *Any) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(fmt.Fprint(w, hdr.CanonicName(), ": ", hdr.RenderValue()))
}

func (hdr *Any) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderHdr(hdr, opts)
}

// RenderValue returns just the header value, without the field name.
func (hdr *Any) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return hdr.Value
}

func (hdr *Any) String() string { return hdr.RenderValue() }

func (hdr *Any) Format(f fmt.State, verb rune) {
	if formatHdr(f, verb, hdr, hdr.String()) {
		return
	}
	type hideMethods Any
	type Any hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), (*Any)(hdr))
}

func (hdr *Any) Clone() Header { return cloneFlat(hdr) }

func (hdr *Any) Equal(val any) bool {
	other, done, eq := eqHdr(hdr, val)
	if done {
		return eq
	}
	return util.EqFold(hdr.Name, other.Name) && hdr.Value == other.Value
}

func (hdr *Any) IsValid() bool { return hdr != nil && util.IsToken(hdr.Name) }
