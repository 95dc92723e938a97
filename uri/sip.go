package uri

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/ioutil"
	"github.com/zenvoice/sipcore/internal/types"
	"github.com/zenvoice/sipcore/internal/util"
)

// SIP represents a SIP or SIPS URI.
type SIP struct {
	User    UserInfo // username and password
	Addr    Addr     // host and port
	Params  Values   // parameters
	Headers Values   // headers
	Secured bool
}

// Clone returns a deep copy of the SIP URI.
func (u *SIP) Clone() URI {
	if u == nil {
		return nil
	}
	out := &SIP{
		User:    u.User,
		Addr:    u.Addr.Clone(),
		Params:  u.Params.Clone(),
		Headers: u.Headers.Clone(),
		Secured: u.Secured,
	}
	return out
}

// Scheme returns the URI scheme.
func (u *SIP) Scheme() string {
	switch {
	case u == nil:
		return ""
	case u.Secured:
		return "sips"
	default:
		return "sip"
	}
}

// RenderTo writes the SIP URI to the provided writer.
func (u *SIP) RenderTo(w io.Writer, _ *RenderOptions) (int, error) {
	if u == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderCounted(w, func(cw *ioutil.CountingWriter) {
		if u.User.IsZero() {
			cw.Fprintf("%s:%s", u.Scheme(), u.Addr)
		} else {
			cw.Fprintf("%s:%s@%s", u.Scheme(), u.User, u.Addr)
		}
		cw.Call(u.renderParams).Call(u.renderHeaders)
	}))
}

// renderCounted runs fn against a pooled counting writer over w and reports
// the bytes written.
func renderCounted(w io.Writer, fn func(cw *ioutil.CountingWriter)) (int, error) {
	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	fn(cw)
	return errtrace.Wrap2(cw.Result())
}

// sortedValKeys returns the lowercased keys of vs in sorted order, so the
// rendered form is stable.
func sortedValKeys(vs Values) []string {
	keys := make([]string, 0, len(vs))
	for k := range vs {
		keys = append(keys, util.LCase(k))
	}
	slices.Sort(keys)
	return keys
}

func (u *SIP) renderParams(w io.Writer) (int, error) {
	if len(u.Params) == 0 {
		return 0, nil
	}
	return errtrace.Wrap2(renderCounted(w, func(cw *ioutil.CountingWriter) {
		for _, k := range sortedValKeys(u.Params) {
			if v, _ := u.Params.Last(k); v != "" {
				cw.Fprintf(";%s=%s", k, v)
			} else {
				cw.Fprintf(";%s", k)
			}
		}
	}))
}

func (u *SIP) renderHeaders(w io.Writer) (int, error) {
	if len(u.Headers) == 0 {
		return 0, nil
	}
	return errtrace.Wrap2(renderCounted(w, func(cw *ioutil.CountingWriter) {
		sep := "?"
		for _, k := range sortedValKeys(u.Headers) {
			for _, v := range u.Headers.Get(k) {
				cw.Fprintf("%s%s=%s", sep, k, v)
				sep = "&"
			}
		}
	}))
}

// Render returns the string representation of the SIP URI.
func (u *SIP) Render(opts *RenderOptions) string {
	if u == nil {
		return ""
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	u.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// String returns the string representation of the SIP URI.
func (u *SIP) String() string { return u.Render(nil) }

func (u *SIP) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		fmt.Fprint(f, u.String())
	case 'q':
		fmt.Fprintf(f, "%q", u.String())
	default:
		type hideMethods SIP
		type SIP hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*SIP)(u))
	}
}

// Equal compares this SIP URI with another per RFC 3261 section 19.1.4.
func (u *SIP) Equal(val any) bool {
	other, ok := val.(*SIP)
	if !ok {
		v, vok := val.(SIP)
		if !vok {
			return false
		}
		other = &v
	}

	switch {
	case u == other:
		return true
	case u == nil || other == nil:
		return false
	}

	return u.Secured == other.Secured &&
		u.User.Equal(other.User) &&
		u.Addr.Equal(other.Addr) &&
		u.compareParams(other.Params) &&
		u.compareHeaders(other.Headers)
}

// Parameters that must match across both URIs when present in either.
var sipURISpecParams = map[string]bool{
	"transport": true,
	"user":      true,
	"method":    true,
	"maddr":     true,
	"ttl":       true,
	"lr":        true,
}

func (u *SIP) compareParams(other Values) bool {
	for k := range u.Params {
		v2, ok := other.Last(k)
		if !ok {
			if sipURISpecParams[util.LCase(k)] {
				return false
			}
			continue
		}
		v1, _ := u.Params.Last(k)
		if !util.EqFold(v1, v2) {
			return false
		}
	}

	// A critical parameter present on only one side breaks equality too.
	for k := range sipURISpecParams {
		if other.Has(k) && !u.Params.Has(k) {
			return false
		}
	}
	return true
}

func (u *SIP) compareHeaders(hdrs Values) bool {
	if len(u.Headers) != len(hdrs) {
		return false
	}

	for k := range u.Headers {
		if !hdrs.Has(k) {
			return false
		}
		v1 := strings.Join(u.Headers.Get(k), ", ")
		v2 := strings.Join(hdrs.Get(k), ", ")
		if !util.EqFold(v1, v2) {
			return false
		}
	}
	return true
}

// IsValid checks whether the SIP URI has a valid host and user part.
func (u *SIP) IsValid() bool {
	return u != nil && u.Addr.IsValid() && (u.User.IsZero() || u.User.IsValid())
}

func (u *SIP) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *SIP) Transport() (TransportProto, bool) {
	tp, ok := u.Params.Last("transport")
	return TransportProto(tp), ok
}

func (u *SIP) Method() (RequestMethod, bool) {
	mtd, ok := u.Params.Last("method")
	return RequestMethod(mtd), ok
}

// LR reports whether the URI carries the loose-routing parameter.
func (u *SIP) LR() bool {
	return u.Params.Has("lr")
}

// UserInfo is the userinfo part of a SIP URI.
type UserInfo struct {
	usrname   string
	passwd    string
	hasPasswd bool
}

// User returns a UserInfo with the given username and no password.
func User(usrname string) UserInfo {
	return UserInfo{usrname: usrname}
}

// UserPassword returns a UserInfo with the given username and password.
func UserPassword(usrname, passwd string) UserInfo {
	return UserInfo{usrname: usrname, passwd: passwd, hasPasswd: true}
}

func (ui UserInfo) Username() string { return ui.usrname }

func (ui UserInfo) Password() (string, bool) { return ui.passwd, ui.hasPasswd }

func (ui UserInfo) String() string {
	if !ui.hasPasswd {
		return ui.usrname
	}
	return ui.usrname + ":" + ui.passwd
}

// Equal matches the username and password byte for byte, the userinfo part
// is case-sensitive.
func (ui UserInfo) Equal(val any) bool {
	other, ok := types.DerefArg[UserInfo](val)
	return ok && ui == other
}

func (ui UserInfo) IsValid() bool { return ui.usrname != "" }

func (ui UserInfo) IsZero() bool { return ui == UserInfo{} }
