package header

import (
	"fmt"
	"io"
	"net/netip"
	"slices"
	"strconv"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/util"
)

// Via represents the Via header field, the chain of hops a request has
// taken and the path its responses travel back.
type Via []ViaHop

// CanonicName returns the header's canonical field name.
func (Via) CanonicName() Name { return "Via" }

// CompactName returns the header's compact field name.
func (Via) CompactName() Name { return "v" }

// RenderTo writes the full header line to w.
func (hdr Via) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderHdrTo(w, hdrName(hdr, opts), hdr.renderValueTo))
}

func (hdr Via) renderValueTo(w io.Writer) (num int, err error) {
	return errtrace.Wrap2(renderHdrEntries(w, hdr))
}

// Render returns the full header line as a string.
func (hdr Via) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}
	return renderHdr(hdr, opts)
}

// RenderValue returns just the header value, without the field name.
func (hdr Via) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return renderValueStr(hdr.renderValueTo)
}

// String returns the header value.
func (hdr Via) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter].
func (hdr Via) Format(f fmt.State, verb rune) {
	if formatHdr(f, verb, hdr, hdr.String()) {
		return
	}
	type hideMethods Via
	type Via hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), Via(hdr))
}

// Clone returns a deep copy of the header.
func (hdr Via) Clone() Header { return cloneHdrEntries(hdr) }

// Equal reports whether val represents the same header value.
func (hdr Via) Equal(val any) bool {
	other, ok := asHdr[Via](val)
	return ok && slices.EqualFunc(hdr, other, func(hop1, hop2 ViaHop) bool { return hop1.Equal(hop2) })
}

// IsValid reports whether the header is well formed.
func (hdr Via) IsValid() bool {
	return len(hdr) > 0 && !slices.ContainsFunc(hdr, func(hop ViaHop) bool { return !hop.IsValid() })
}

// Via parameters that must match for two hops to compare equal.
var viaSpecParams = map[string]bool{
	"maddr":    true,
	"ttl":      true,
	"received": true,
	"rport":    true,
	"branch":   true,
}

// ViaHop is one element of the Via chain.
type ViaHop struct {
	Proto     ProtoInfo
	Transport TransportProto
	Addr      Addr
	Params    Values
}

// String renders the hop in its wire form.
func (hop ViaHop) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	fmt.Fprint(sb, hop.Proto, "/", hop.Transport, " ", hop.Addr)
	renderHdrParams(sb, hop.Params, false) //nolint:errcheck
	return sb.String()
}

// Format implements [fmt.Formatter].
func (hop ViaHop) Format(f fmt.State, verb rune) {
	if formatValHdr(f, verb, hop.String()) {
		return
	}
	type hideMethods ViaHop
	type ViaHop hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), ViaHop(hop))
}

// Equal reports whether two hops match on the fields that identify a hop.
func (hop ViaHop) Equal(val any) bool {
	other, ok := asHdr[ViaHop](val)
	return ok &&
		hop.Proto.Equal(other.Proto) &&
		hop.Transport.Equal(other.Transport) &&
		hop.Addr.Equal(other.Addr) &&
		compareHdrParams(hop.Params, other.Params, viaSpecParams)
}

// IsValid reports whether the hop is complete enough to render.
func (hop ViaHop) IsValid() bool {
	return hop.Proto.IsValid() &&
		hop.Transport.IsValid() &&
		hop.Addr.IsValid() &&
		validateHdrParams(hop.Params)
}

// IsZero reports whether every field is empty.
func (hop ViaHop) IsZero() bool {
	return hop.Proto.IsZero() &&
		hop.Transport == "" &&
		hop.Addr.IsZero() &&
		len(hop.Params) == 0
}

// Clone deep-copies the hop, address and parameters included.
func (hop ViaHop) Clone() ViaHop {
	hop.Addr = hop.Addr.Clone()
	hop.Params = hop.Params.Clone()
	return hop
}

// MarshalText implements [encoding.TextMarshaler].
func (hop ViaHop) MarshalText() ([]byte, error) {
	return []byte(hop.String()), nil
}

// hopParam reads and converts a hop parameter, reporting false when it
// is absent or malformed.
func hopParam[T any](params Values, key string, parse func(string) (T, error)) (T, bool) {
	var zero T
	val, ok := params.Last(key)
	if !ok {
		return zero, false
	}
	v, err := parse(val)
	if err != nil {
		return zero, false
	}
	return v, true
}

// Branch returns the branch parameter of the hop.
func (hop ViaHop) Branch() (string, bool) {
	return hop.Params.Last("branch")
}

// Received returns the received parameter of the hop, RFC 3261
// Section 18.2.1.
func (hop ViaHop) Received() (netip.Addr, bool) {
	return hopParam(hop.Params, "received", netip.ParseAddr)
}

// RPort returns the rport parameter of the hop, RFC 3581.
func (hop ViaHop) RPort() (uint16, bool) {
	return hopParam(hop.Params, "rport", func(s string) (uint16, error) {
		v, err := strconv.ParseUint(s, 10, 16)
		return uint16(v), err
	})
}

// MAddr returns the maddr parameter of the hop.
func (hop ViaHop) MAddr() (string, bool) {
	return hop.Params.Last("maddr")
}

// TTL returns the ttl parameter of the hop.
func (hop ViaHop) TTL() (uint8, bool) {
	return hopParam(hop.Params, "ttl", func(s string) (uint8, error) {
		v, err := strconv.ParseUint(s, 10, 8)
		return uint8(v), err
	})
}
