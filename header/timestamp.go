package header

import (
	"fmt"
	"io"
	"time"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/ioutil"
)

// Timestamp records when the client sent the request, and in responses
// the delay before the server answered.
type Timestamp struct {
	RequestTime   time.Time
	ResponseDelay time.Duration
}

func (*Timestamp) CanonicName() Name { return "Timestamp" }

func (*Timestamp) CompactName() Name { return "Timestamp" }

func (hdr *Timestamp) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderHdrTo(w, hdr.CanonicName(), hdr.renderValueTo))
}

func (hdr *Timestamp) renderValueTo(w io.Writer) (num int, err error) {
	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)

	if hdr.RequestTime.IsZero() {
		cw.Fprint("0")
	} else {
		cw.Fprintf("%.3f", float64(hdr.RequestTime.UnixNano())/1e9)
	}
	if hdr.ResponseDelay > 0 {
		cw.Fprintf(" %.3f", hdr.ResponseDelay.Seconds())
	}
	return errtrace.Wrap2(cw.Result())
}

func (hdr *Timestamp) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderHdr(hdr, opts)
}

func (hdr *Timestamp) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return renderValueStr(hdr.renderValueTo)
}

func (hdr *Timestamp) String() string { return hdr.RenderValue() }

func (hdr *Timestamp) Format(f fmt.State, verb rune) {
	if formatHdr(f, verb, hdr, hdr.String()) {
		return
	}
	type hideMethods Timestamp
	type Timestamp hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), (*Timestamp)(hdr))
}

func (hdr *Timestamp) Clone() Header { return cloneFlat(hdr) }

func (hdr *Timestamp) Equal(val any) bool {
	other, done, eq := eqHdr(hdr, val)
	if done {
		return eq
	}
	return hdr.RequestTime.Equal(other.RequestTime) && hdr.ResponseDelay == other.ResponseDelay
}

func (hdr *Timestamp) IsValid() bool {
	return hdr != nil && !hdr.RequestTime.IsZero() && hdr.ResponseDelay >= 0
}
