package header

//go:generate go tool errtrace -w .

import (
	"fmt"
	"io"
	"net/textproto"
	"slices"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/ioutil"
	"github.com/zenvoice/sipcore/internal/types"
	"github.com/zenvoice/sipcore/internal/util"
)

// Addr represents a network address consisting of a host and optional port.
type Addr = types.Addr

// Host creates an Addr from a hostname without a port.
func Host(host string) Addr { return types.Host(host) }

// HostPort creates an Addr from a hostname and port.
func HostPort(host string, port uint16) Addr { return types.HostPort(host, port) }

// ParseAddr parses a network address from the given input s (string or []byte).
func ParseAddr[T ~string | ~[]byte](s T) (Addr, error) { return errtrace.Wrap2(types.ParseAddr(s)) }

// Values represents header parameters as a multi-value map.
type Values = types.Values

// ProtoInfo represents SIP protocol information (name and version).
type ProtoInfo = types.ProtoInfo

// TransportProto represents a transport protocol (UDP, TCP, TLS, WS).
type TransportProto = types.TransportProto

// RequestMethod represents a SIP request method (INVITE, ACK, BYE, etc.).
type RequestMethod = types.RequestMethod

// RenderOptions contains options for rendering headers and URIs.
type RenderOptions = types.RenderOptions

// Header represents a generic SIP header.
type Header interface {
	types.Renderer
	types.Cloneable[Header]
	types.ValidFlag
	types.Equalable
	CanonicName() Name
	CompactName() Name
	RenderValue() string
}

// Name represents a SIP header name.
type Name string

// ToCanonic converts the Name to its canonical form.
func (n Name) ToCanonic() Name { return CanonicName(n) }

// IsValid reports whether the Name is well formed.
func (n Name) IsValid() bool { return util.IsToken(n) }

// Equal reports whether val names the same header, compact and
// canonical forms included.
func (n Name) Equal(val any) bool {
	other, ok := asHdr[Name](val)
	return ok && CanonicName(n) == CanonicName(other)
}

// Compact and irregular names that textproto canonicalization cannot
// resolve on its own.
var hdrNames = map[string]Name{
	"c":                "Content-Type",
	"e":                "Content-Encoding",
	"f":                "From",
	"i":                "Call-ID",
	"k":                "Supported",
	"l":                "Content-Length",
	"m":                "Contact",
	"s":                "Subject",
	"t":                "To",
	"v":                "Via",
	"Call-Id":          "Call-ID",
	"Cseq":             "CSeq",
	"Mime-Version":     "MIME-Version",
	"Www-Authenticate": "WWW-Authenticate",
}

// CanonicName converts name to the canonical form.
// The canonicalization converts the first letter and any letter following a hyphen to upper case;
// the rest are converted to lowercase. For example, the canonical name for "accept-encoding" is "Accept-Encoding".
// Also, any compact name is converted to its full canonical form. For example, "c" converts to "Content-Type".
func CanonicName[T ~string](name T) Name {
	name = util.TrimSP(name)
	if n, ok := hdrNames[string(name)]; ok {
		return n
	}

	name = T(textproto.CanonicalMIMEHeaderKey(string(name)))
	if n, ok := hdrNames[string(name)]; ok {
		return n
	}
	return Name(name)
}

// hdrName picks the canonical or compact name per the render options.
func hdrName(hdr Header, opts *RenderOptions) Name {
	if opts != nil && opts.Compact {
		return hdr.CompactName()
	}
	return hdr.CanonicName()
}

// renderHdr renders a complete header line to a string.
func renderHdr(hdr Header, opts *RenderOptions) string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// renderHdrTo writes "name: value" with the value produced by render.
func renderHdrTo(w io.Writer, name Name, render func(io.Writer) (int, error)) (num int, err error) {
	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprint(name, ": ")
	cw.Call(render)
	return errtrace.Wrap2(cw.Result())
}

// renderValueStr captures the bare header value produced by render.
func renderValueStr(render func(io.Writer) (int, error)) string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	render(sb) //nolint:errcheck
	return sb.String()
}

// eqHdr settles the pointer cases of an Equal call: a foreign type,
// the same pointer, or one side nil. When those do not decide, done is
// false and the caller compares fields of hdr and other.
func eqHdr[T any](hdr *T, val any) (other *T, done, eq bool) {
	other, ok := asPtrHdr[T](val)
	switch {
	case !ok:
		return nil, true, false
	case hdr == other:
		return other, true, true
	case hdr == nil || other == nil:
		return other, true, false
	}
	return other, false, false
}

// formatHdr serves the %s and %q verbs shared by every header type,
// with val as the bare header value. It reports false when the verb
// needs the type's own default formatting.
func formatHdr(f fmt.State, verb rune, hdr Header, val string) bool {
	switch verb {
	case 's':
		if f.Flag('+') {
			hdr.RenderTo(f, nil) //nolint:errcheck
		} else {
			fmt.Fprint(f, val)
		}
	case 'q':
		if f.Flag('+') {
			fmt.Fprint(f, strconv.Quote(hdr.Render(nil)))
		} else {
			fmt.Fprint(f, strconv.Quote(val))
		}
	default:
		return false
	}
	return true
}

// cloneFlat copies a header with no reference fields.
func cloneFlat[T any, PT interface {
	*T
	Header
}](hdr PT) Header {
	if hdr == nil {
		return nil
	}
	c := *hdr
	return PT(&c)
}

// formatValHdr serves the common verbs of a value type's Format. It
// reports false when the verb needs the type's own default formatting.
func formatValHdr(f fmt.State, verb rune, val string) bool {
	switch verb {
	case 's':
		fmt.Fprint(f, val)
	case 'q':
		fmt.Fprint(f, strconv.Quote(val))
	default:
		if f.Flag('+') || f.Flag('#') {
			return false
		}
		fmt.Fprint(f, val)
	}
	return true
}

// asPtrHdr unwraps val to a pointer to the concrete header type T,
// taking the address of a bare value.
func asPtrHdr[T any](val any) (*T, bool) {
	switch v := val.(type) {
	case T:
		return &v, true
	case *T:
		return v, true
	}
	return nil, false
}

// asHdr unwraps val to the concrete header type T, following one
// pointer level.
func asHdr[T any](val any) (T, bool) {
	switch v := val.(type) {
	case T:
		return v, true
	case *T:
		if v != nil {
			return *v, true
		}
	}
	var zero T
	return zero, false
}

// renderHdrEntries writes the entries of a multi-value header
// comma-separated.
func renderHdrEntries[H ~[]E, E any](w io.Writer, hdr H) (num int, err error) {
	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	sep := ""
	for _, entry := range hdr {
		cw.Fprint(sep, entry)
		sep = ", "
	}
	return errtrace.Wrap2(cw.Result())
}

type hdrParam struct {
	key, val string
}

// renderHdrParams writes params sorted by name, each prefixed with a
// semicolon. With addQParam set a missing "q" is written with its
// default value, and "q" always sorts first (RFC 2616 Section 14.1).
func renderHdrParams(w io.Writer, params Values, addQParam bool) (num int, err error) {
	if len(params) == 0 {
		return 0, nil
	}

	var kvs []hdrParam //nolint:prealloc
	if addQParam && !params.Has("q") {
		kvs = append(kvs, hdrParam{"q", "1"})
	}
	for k := range params {
		v, _ := params.Last(k)
		kvs = append(kvs, hdrParam{util.LCase(k), v})
	}
	slices.SortFunc(kvs, func(a, b hdrParam) int {
		switch {
		case a.key == b.key:
			return strings.Compare(a.val, b.val)
		case a.key == "q":
			return -1
		case b.key == "q":
			return 1
		}
		return strings.Compare(a.key, b.key)
	})

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	for _, kv := range kvs {
		cw.Fprint(";", kv.key)
		if kv.val != "" {
			cw.Fprint("=", kv.val)
		}
	}
	return errtrace.Wrap2(cw.Result())
}

// paramsMatch compares a parameter present in both lists. Unquoted
// values compare case-insensitively.
func paramsMatch(params1, params2 Values, key string) bool {
	v1, _ := params1.Last(key)
	v2, _ := params2.Last(key)
	if !util.IsQuoted(v1) {
		v1 = util.LCase(v1)
	}
	if !util.IsQuoted(v2) {
		v2 = util.LCase(v2)
	}
	return v1 == v2
}

// compareHdrParams reports whether two parameter lists are equivalent.
// A parameter present in both lists must match. A parameter named in
// specParams must either appear in both lists or in neither. Other
// parameters present in only one list are ignored.
func compareHdrParams(params1, params2 Values, specParams map[string]bool) bool {
	switch {
	case len(params1) == 0 && len(params2) == 0:
		return true
	case len(params1) == 0:
		return !hasSpecHdrParam(params2, specParams)
	case len(params2) == 0:
		return !hasSpecHdrParam(params1, specParams)
	}

	seen := make(map[string]bool, len(params1))
	for k := range params1 {
		switch {
		case params2.Has(k):
			if !paramsMatch(params1, params2, k) {
				return false
			}
		case specParams[util.LCase(k)]:
			return false
		}
		seen[util.LCase(k)] = true
	}
	for k := range specParams {
		if !seen[k] && params2.Has(k) {
			return false
		}
	}
	return true
}

func hasSpecHdrParam(params Values, specParams map[string]bool) bool {
	for k := range specParams {
		if params.Has(k) {
			return true
		}
	}
	return false
}

// validateHdrParams reports whether every parameter has a token name
// and a token, host or quoted-string value.
func validateHdrParams(params Values) bool {
	for k := range params {
		if !util.IsToken(k) {
			return false
		}
		v, _ := params.Last(k)
		if v == "" {
			continue
		}
		if !util.IsToken(v) && !util.IsHost(v) && !util.IsQuoted(v) {
			return false
		}
	}
	return true
}

// cloneHdrEntries deep-copies a multi-value header.
func cloneHdrEntries[H ~[]E, E interface{ Clone() E }](hdr H) H {
	if hdr == nil {
		return nil
	}
	hdr2 := make(H, len(hdr))
	for i, entry := range hdr {
		hdr2[i] = entry.Clone()
	}
	return hdr2
}
