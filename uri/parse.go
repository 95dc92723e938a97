package uri

import (
	"strings"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/errorutil"
	"github.com/zenvoice/sipcore/internal/types"
	"github.com/zenvoice/sipcore/internal/util"
)

// Parse parses a SIP or SIPS URI from the given input s (string or []byte).
//
// The general form is "sip:user:password@host:port;uri-parameters?headers".
// Angle brackets are not accepted here, they belong to the name-addr form
// handled by the header layer.
func Parse[T ~string | ~[]byte](s T) (URI, error) {
	str := util.TrimSP(string(s))
	scheme, rest, ok := strings.Cut(str, ":")
	if !ok {
		return nil, errtrace.Wrap(errorutil.Errorf("malformed URI %q: missing scheme", str))
	}

	u := &SIP{}
	switch util.LCase(scheme) {
	case "sip":
	case "sips":
		u.Secured = true
	default:
		return nil, errtrace.Wrap(errorutil.Errorf("unsupported URI scheme %q", scheme))
	}

	head := rest
	if i := strings.IndexByte(head, '?'); i >= 0 {
		u.Headers = parseURIValues(head[i+1:], '&')
		head = head[:i]
	}
	if i := strings.IndexByte(head, ';'); i >= 0 {
		u.Params = parseURIValues(head[i+1:], ';')
		head = head[:i]
	}
	if i := strings.LastIndexByte(head, '@'); i >= 0 {
		if usrname, passwd, found := strings.Cut(head[:i], ":"); found {
			u.User = UserPassword(usrname, passwd)
		} else {
			u.User = User(head[:i])
		}
		head = head[i+1:]
	}

	if head == "" {
		return nil, errtrace.Wrap(errorutil.Errorf("malformed URI %q: missing host", str))
	}
	addr, err := types.ParseAddr(head)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.Errorf("malformed URI %q: %w", str, err))
	}
	u.Addr = addr

	return u, nil
}

func parseURIValues(s string, sep byte) Values {
	if s == "" {
		return nil
	}

	vals := make(Values)
	for part := range strings.SplitSeq(s, string(sep)) {
		part = util.TrimSP(part)
		if part == "" {
			continue
		}
		if k, v, found := strings.Cut(part, "="); found {
			vals.Set(k, v)
		} else {
			vals.Set(part, "")
		}
	}
	return vals
}
