package sip

import (
	"encoding/json"
	"io"
	"iter"
	"maps"
	"slices"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/header"
	"github.com/zenvoice/sipcore/internal/errorutil"
	"github.com/zenvoice/sipcore/internal/ioutil"
)

// Headers is a collection of SIP message headers keyed by the canonical header name.
type Headers map[HeaderName][]Header

// Append appends the header to the collection keeping any existing headers with the same name.
func (hdrs Headers) Append(h Header) Headers {
	if h == nil {
		return hdrs
	}
	name := h.CanonicName()
	hdrs[name] = append(hdrs[name], h)
	return hdrs
}

// Set replaces all headers with the same name by the given header.
func (hdrs Headers) Set(h Header) Headers {
	if h == nil {
		return hdrs
	}
	hdrs[h.CanonicName()] = []Header{h}
	return hdrs
}

// Get returns all headers with the given name.
func (hdrs Headers) Get(name HeaderName) []Header {
	return hdrs[name.ToCanonic()]
}

// First returns the first header with the given name.
func (hdrs Headers) First(name HeaderName) (Header, bool) {
	hs := hdrs[name.ToCanonic()]
	if len(hs) == 0 {
		return nil, false
	}
	return hs[0], true
}

// Has returns whether the collection contains at least one header with the given name.
func (hdrs Headers) Has(name HeaderName) bool {
	return len(hdrs[name.ToCanonic()]) > 0
}

// Del removes all headers with the given name.
func (hdrs Headers) Del(name HeaderName) Headers {
	delete(hdrs, name.ToCanonic())
	return hdrs
}

// Clone returns a deep copy of the collection.
func (hdrs Headers) Clone() Headers {
	if hdrs == nil {
		return nil
	}

	hdrs2 := make(Headers, len(hdrs))
	for name, hs := range hdrs {
		hs2 := make([]Header, len(hs))
		for i := range hs {
			hs2[i] = hs[i].Clone()
		}
		hdrs2[name] = hs2
	}
	return hdrs2
}

// CopyFrom copies headers with the given names from src into the collection.
// Copied headers are deep cloned.
func (hdrs Headers) CopyFrom(src Headers, name HeaderName, names ...HeaderName) Headers {
	for _, n := range append([]HeaderName{name}, names...) {
		n = n.ToCanonic()
		hs := src[n]
		if len(hs) == 0 {
			continue
		}
		hs2 := make([]Header, len(hs))
		for i := range hs {
			hs2[i] = hs[i].Clone()
		}
		hdrs[n] = hs2
	}
	return hdrs
}

// Via iterates over all Via hops of the message in order.
func (hdrs Headers) Via() iter.Seq[*header.ViaHop] {
	return func(yield func(*header.ViaHop) bool) {
		for _, h := range hdrs["Via"] {
			via, ok := h.(header.Via)
			if !ok {
				continue
			}
			for i := range via {
				if !yield(&via[i]) {
					return
				}
			}
		}
	}
}

// FirstVia returns the topmost Via hop of the message.
func (hdrs Headers) FirstVia() (*header.ViaHop, bool) {
	for _, h := range hdrs["Via"] {
		if via, ok := h.(header.Via); ok && len(via) > 0 {
			return &via[0], true
		}
	}
	return nil, false
}

// From returns the From header of the message.
func (hdrs Headers) From() (*header.From, bool) {
	return firstHdrAs[*header.From](hdrs, "From")
}

// To returns the To header of the message.
func (hdrs Headers) To() (*header.To, bool) {
	return firstHdrAs[*header.To](hdrs, "To")
}

// CallID returns the Call-ID header of the message.
func (hdrs Headers) CallID() (header.CallID, bool) {
	return firstHdrAs[header.CallID](hdrs, "Call-ID")
}

// CSeq returns the CSeq header of the message.
func (hdrs Headers) CSeq() (*header.CSeq, bool) {
	return firstHdrAs[*header.CSeq](hdrs, "CSeq")
}

// MaxForwards returns the Max-Forwards header of the message.
func (hdrs Headers) MaxForwards() (header.MaxForwards, bool) {
	return firstHdrAs[header.MaxForwards](hdrs, "Max-Forwards")
}

// ContentLength returns the Content-Length header of the message.
func (hdrs Headers) ContentLength() (header.ContentLength, bool) {
	return firstHdrAs[header.ContentLength](hdrs, "Content-Length")
}

// ContentType returns the Content-Type header of the message.
func (hdrs Headers) ContentType() (*header.ContentType, bool) {
	return firstHdrAs[*header.ContentType](hdrs, "Content-Type")
}

// Contact returns the first Contact header of the message.
func (hdrs Headers) Contact() (header.Contact, bool) {
	return firstHdrAs[header.Contact](hdrs, "Contact")
}

// Timestamp returns the Timestamp header of the message.
func (hdrs Headers) Timestamp() (*header.Timestamp, bool) {
	return firstHdrAs[*header.Timestamp](hdrs, "Timestamp")
}

// Routes iterates over all Route hops of the message in order.
func (hdrs Headers) Routes() iter.Seq[header.RouteHop] {
	return routeHops[header.Route](hdrs, "Route")
}

// RecordRoutes iterates over all Record-Route hops of the message in order.
func (hdrs Headers) RecordRoutes() iter.Seq[header.RouteHop] {
	return routeHops[header.RecordRoute](hdrs, "Record-Route")
}

func routeHops[H ~[]header.RouteHop](hdrs Headers, name HeaderName) iter.Seq[header.RouteHop] {
	return func(yield func(header.RouteHop) bool) {
		for _, h := range hdrs[name] {
			hops, ok := h.(H)
			if !ok {
				continue
			}
			for i := range hops {
				if !yield(hops[i]) {
					return
				}
			}
		}
	}
}

func firstHdrAs[T Header](hdrs Headers, name HeaderName) (T, bool) {
	var zero T
	hs := hdrs[name]
	if len(hs) == 0 {
		return zero, false
	}
	v, ok := hs[0].(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// Canonical header rendering order. Headers not listed here are rendered
// after the listed ones in alphabetical order, with Content-Length always last.
var hdrRenderOrder = map[HeaderName]int{
	"Via":          1,
	"Record-Route": 2,
	"Route":        3,
	"From":         4,
	"To":           5,
	"Call-ID":      6,
	"CSeq":         7,
	"Contact":      8,
	"Max-Forwards": 9,
	"Expires":      10,
}

const hdrRenderOrderLast = 1 << 30

func hdrOrder(name HeaderName) int {
	if name == "Content-Length" {
		return hdrRenderOrderLast
	}
	if n, ok := hdrRenderOrder[name]; ok {
		return n
	}
	return hdrRenderOrderLast - 1
}

func sortedHdrNames(hdrs Headers) []HeaderName {
	names := slices.Collect(maps.Keys(hdrs))
	slices.SortFunc(names, func(n1, n2 HeaderName) int {
		if o1, o2 := hdrOrder(n1), hdrOrder(n2); o1 != o2 {
			return o1 - o2
		}
		if n1 < n2 {
			return -1
		} else if n1 > n2 {
			return 1
		}
		return 0
	})
	return names
}

func renderHdrs(w io.Writer, hdrs Headers, opts *RenderOptions) (num int, err error) {
	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	for _, name := range sortedHdrNames(hdrs) {
		for _, h := range hdrs[name] {
			cw.Call(func(w io.Writer) (int, error) {
				return errtrace.Wrap2(h.RenderTo(w, opts))
			})
			cw.Fprint("\r\n")
		}
	}
	return errtrace.Wrap2(cw.Result())
}

func compareHdrs(hdrs1, hdrs2 Headers) bool {
	return maps.EqualFunc(hdrs1, hdrs2, equalHdrSlices)
}

func equalHdrSlices(hs1, hs2 []Header) bool {
	return slices.EqualFunc(hs1, hs2, func(h1, h2 Header) bool { return h1.Equal(h2) })
}

func validateHdrs(hdrs Headers) error {
	var errs []error
	for _, name := range sortedHdrNames(hdrs) {
		for _, h := range hdrs[name] {
			if !h.IsValid() {
				errs = append(errs, errorutil.Errorf("invalid %q header: %q", name, h.RenderValue()))
			}
		}
	}
	if len(errs) > 0 {
		return errtrace.Wrap(errorutil.Join(errs...))
	}
	return nil
}

// MarshalJSON implements [json.Marshaler].
// Headers are serialized as a map of canonical header names to rendered values.
func (hdrs Headers) MarshalJSON() ([]byte, error) {
	data := make(map[HeaderName][]string, len(hdrs))
	for name, hs := range hdrs {
		vals := make([]string, len(hs))
		for i := range hs {
			vals[i] = hs[i].RenderValue()
		}
		data[name] = vals
	}
	return errtrace.Wrap2(json.Marshal(data))
}

// UnmarshalJSON implements [json.Unmarshaler].
// Header values are parsed with the default header parsers, values of unknown
// headers are kept as [header.Any].
func (hdrs *Headers) UnmarshalJSON(data []byte) error {
	var raw map[HeaderName][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return errtrace.Wrap(err)
	}

	res := make(Headers, len(raw))
	for name, vals := range raw {
		for _, val := range vals {
			h, err := ParseHeader(name, val)
			if err != nil {
				return errtrace.Wrap(err)
			}
			res.Append(h)
		}
	}
	*hdrs = res
	return nil
}
