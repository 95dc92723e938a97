package header

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/errorutil"
	"github.com/zenvoice/sipcore/internal/grammar"
	"github.com/zenvoice/sipcore/internal/util"
	"github.com/zenvoice/sipcore/uri"
)

// ParserFunc parses a raw header value into a typed header.
type ParserFunc func(name Name, value string) (Header, error)

var (
	customParsersMu sync.RWMutex
	customParsers   = map[string]ParserFunc{}
)

// RegisterParser registers a custom parser for the header with the given name.
// The name is case-insensitive. The parser takes precedence over the built-in
// parsers, so it can also override parsing of the standard headers.
func RegisterParser(name string, fn ParserFunc) {
	customParsersMu.Lock()
	defer customParsersMu.Unlock()
	customParsers[util.LCase(string(CanonicName(name)))] = fn
}

// UnregisterParser removes a previously registered custom parser.
func UnregisterParser(name string) {
	customParsersMu.Lock()
	defer customParsersMu.Unlock()
	delete(customParsers, util.LCase(string(CanonicName(name))))
}

func customParser(name Name) (ParserFunc, bool) {
	customParsersMu.RLock()
	defer customParsersMu.RUnlock()
	fn, ok := customParsers[util.LCase(string(name))]
	return fn, ok
}

// Parse parses a single header value into a typed header.
// The name may be given in any case and in the compact form. Values of the
// headers without a registered or built-in parser are kept as [Any].
func Parse[T ~string](name T, value string) (Header, error) {
	canonic := CanonicName(name)
	val := util.TrimSP(value)

	if fn, ok := customParser(canonic); ok {
		return errtrace.Wrap2(fn(canonic, val))
	}

	switch canonic {
	case "Via":
		return errtrace.Wrap2(parseVia(val))
	case "From":
		return errtrace.Wrap2(parseFrom(val))
	case "To":
		return errtrace.Wrap2(parseTo(val))
	case "Contact":
		return errtrace.Wrap2(parseContact(val))
	case "Route":
		return errtrace.Wrap2(parseRoute(val))
	case "Record-Route":
		return errtrace.Wrap2(parseRecordRoute(val))
	case "Call-ID":
		return CallID(val), nil
	case "CSeq":
		return errtrace.Wrap2(parseCSeq(val))
	case "Max-Forwards":
		num, err := parseUintValue(canonic, val, strconv.IntSize)
		return MaxForwards(num), errtrace.Wrap(err)
	case "Content-Length":
		num, err := parseUintValue(canonic, val, strconv.IntSize)
		return ContentLength(num), errtrace.Wrap(err)
	case "Content-Type":
		return errtrace.Wrap2(parseContentType(val))
	case "Retry-After":
		return errtrace.Wrap2(parseRetryAfter(val))
	case "Timestamp":
		return errtrace.Wrap2(parseTimestamp(val))
	case "Server":
		return Server(val), nil
	case "User-Agent":
		return UserAgent(val), nil
	default:
		return &Any{Name: string(canonic), Value: val}, nil
	}
}

func newParseErr(name Name, value string, args ...any) error {
	err := errorutil.Errorf("malformed %q header value %q", name, value)
	if len(args) > 0 {
		err = errorutil.Errorf("%w: %v", err, args[0])
	}
	return errorutil.Errorf("%w: %w", grammar.ErrMalformedInput, err) //errtrace:skip
}

func parseVia(value string) (Via, error) {
	entries := splitUnquoted(value, ',')
	hdr := make(Via, 0, len(entries))
	for _, entry := range entries {
		hop, err := parseViaHop(util.TrimSP(entry))
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		hdr = append(hdr, hop)
	}
	return hdr, nil
}

func parseViaHop(entry string) (ViaHop, error) {
	var hop ViaHop

	sentProto, sentBy, ok := strings.Cut(entry, " ")
	if !ok {
		return hop, errtrace.Wrap(newParseErr("Via", entry, "missing sent-by"))
	}

	protoParts := strings.Split(util.TrimSP(sentProto), "/")
	if len(protoParts) != 3 {
		return hop, errtrace.Wrap(newParseErr("Via", entry, "malformed sent-protocol"))
	}
	hop.Proto = ProtoInfo{
		Name:    util.TrimSP(protoParts[0]),
		Version: util.TrimSP(protoParts[1]),
	}
	hop.Transport = TransportProto(util.UCase(util.TrimSP(protoParts[2])))

	addrStr, paramsStr, _ := strings.Cut(util.TrimSP(sentBy), ";")
	addr, err := ParseAddr(util.TrimSP(addrStr))
	if err != nil {
		return hop, errtrace.Wrap(newParseErr("Via", entry, err))
	}
	hop.Addr = addr
	hop.Params = parseHdrParams(paramsStr)
	return hop, nil
}

func parseFrom(value string) (*From, error) {
	addr, err := parseNameAddr("From", value)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return (*From)(&addr), nil
}

func parseTo(value string) (*To, error) {
	addr, err := parseNameAddr("To", value)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return (*To)(&addr), nil
}

func parseContact(value string) (Header, error) {
	// RFC 3261 Section 20.10, the Contact of an unregistering REGISTER.
	if value == "*" {
		return &Any{Name: "Contact", Value: "*"}, nil
	}

	entries := splitUnquoted(value, ',')
	hdr := make(Contact, 0, len(entries))
	for _, entry := range entries {
		addr, err := parseNameAddr("Contact", util.TrimSP(entry))
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		hdr = append(hdr, addr)
	}
	return hdr, nil
}

func parseRoute(value string) (Route, error) {
	hops, err := parseRouteHops("Route", value)
	return Route(hops), errtrace.Wrap(err)
}

func parseRecordRoute(value string) (RecordRoute, error) {
	hops, err := parseRouteHops("Record-Route", value)
	return RecordRoute(hops), errtrace.Wrap(err)
}

func parseRouteHops(name Name, value string) ([]RouteHop, error) {
	entries := splitUnquoted(value, ',')
	hops := make([]RouteHop, 0, len(entries))
	for _, entry := range entries {
		hop, err := parseNameAddr(name, util.TrimSP(entry))
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		hops = append(hops, hop)
	}
	return hops, nil
}

func parseNameAddr(name Name, value string) (NameAddr, error) {
	var addr NameAddr

	uriStr, paramsStr := value, ""
	if i := strings.IndexByte(value, '<'); i >= 0 {
		j := strings.IndexByte(value[i:], '>')
		if j < 0 {
			return addr, errtrace.Wrap(newParseErr(name, value, "unclosed angle bracket"))
		}
		addr.DisplayName = util.Unquote(util.TrimSP(value[:i]))
		uriStr = value[i+1 : i+j]
		paramsStr = strings.TrimPrefix(util.TrimSP(value[i+j+1:]), ";")
	} else {
		// addr-spec form, everything after the semicolon is header parameters
		uriStr, paramsStr, _ = strings.Cut(value, ";")
	}

	u, err := uri.Parse(util.TrimSP(uriStr))
	if err != nil {
		return addr, errtrace.Wrap(newParseErr(name, value, err))
	}
	addr.URI = u
	addr.Params = parseHdrParams(paramsStr)
	return addr, nil
}

func parseCSeq(value string) (*CSeq, error) {
	numStr, methodStr, ok := strings.Cut(value, " ")
	if !ok {
		return nil, errtrace.Wrap(newParseErr("CSeq", value, "missing method"))
	}
	num, err := strconv.ParseUint(util.TrimSP(numStr), 10, 32)
	if err != nil {
		return nil, errtrace.Wrap(newParseErr("CSeq", value, err))
	}
	method := util.TrimSP(methodStr)
	if !util.IsToken(method) {
		return nil, errtrace.Wrap(newParseErr("CSeq", value, "malformed method"))
	}
	return &CSeq{
		SeqNum: uint(num),
		Method: RequestMethod(util.UCase(method)),
	}, nil
}

func parseUintValue(name Name, value string, bitSize int) (uint, error) {
	num, err := strconv.ParseUint(value, 10, bitSize)
	if err != nil {
		return 0, errtrace.Wrap(newParseErr(name, value, err))
	}
	return uint(num), nil
}

func parseContentType(value string) (*ContentType, error) {
	mtStr, paramsStr, _ := strings.Cut(value, ";")
	typ, subtype, ok := strings.Cut(util.TrimSP(mtStr), "/")
	if !ok {
		return nil, errtrace.Wrap(newParseErr("Content-Type", value, "missing subtype"))
	}
	return &ContentType{
		Type:    util.TrimSP(typ),
		Subtype: util.TrimSP(subtype),
		Params:  parseHdrParams(paramsStr),
	}, nil
}

func parseRetryAfter(value string) (*RetryAfter, error) {
	head, paramsStr, _ := strings.Cut(value, ";")
	head = util.TrimSP(head)

	var comment string
	if i := strings.IndexByte(head, '('); i >= 0 {
		j := strings.LastIndexByte(head, ')')
		if j < i {
			return nil, errtrace.Wrap(newParseErr("Retry-After", value, "unclosed comment"))
		}
		comment = util.TrimSP(head[i+1 : j])
		head = util.TrimSP(head[:i])
	}

	secs, err := strconv.ParseUint(head, 10, 32)
	if err != nil {
		return nil, errtrace.Wrap(newParseErr("Retry-After", value, err))
	}
	return &RetryAfter{
		Delay:   time.Duration(secs) * time.Second,
		Comment: comment,
		Params:  parseHdrParams(paramsStr),
	}, nil
}

func parseTimestamp(value string) (*Timestamp, error) {
	timeStr, delayStr, _ := strings.Cut(value, " ")
	secs, err := strconv.ParseFloat(util.TrimSP(timeStr), 64)
	if err != nil {
		return nil, errtrace.Wrap(newParseErr("Timestamp", value, err))
	}

	hdr := &Timestamp{}
	if secs > 0 {
		hdr.RequestTime = time.Unix(0, int64(secs*1e9))
	}
	if delayStr = util.TrimSP(delayStr); delayStr != "" {
		delay, err := strconv.ParseFloat(delayStr, 64)
		if err != nil {
			return nil, errtrace.Wrap(newParseErr("Timestamp", value, err))
		}
		hdr.ResponseDelay = time.Duration(delay * float64(time.Second))
	}
	return hdr, nil
}

// parseHdrParams parses generic ";"-separated header parameters.
// Returns nil when the input holds no parameters.
func parseHdrParams(s string) Values {
	var params Values
	for _, kv := range splitUnquoted(s, ';') {
		kv = util.TrimSP(kv)
		if kv == "" {
			continue
		}
		if params == nil {
			params = make(Values)
		}
		k, v, _ := strings.Cut(kv, "=")
		params.Append(util.TrimSP(k), util.TrimSP(v))
	}
	return params
}

// splitUnquoted splits s by sep skipping separators inside quoted strings
// and angle brackets. An empty input yields no parts.
func splitUnquoted(s string, sep byte) []string {
	if util.TrimSP(s) == "" {
		return nil
	}

	var parts []string
	var quoted, escaped bool
	var depth, start int
	for i := 0; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\' && quoted:
			escaped = true
		case s[i] == '"':
			quoted = !quoted
		case quoted:
		case s[i] == '<':
			depth++
		case s[i] == '>' && depth > 0:
			depth--
		case s[i] == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
