package sip

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/header"
	"github.com/zenvoice/sipcore/internal/errorutil"
	"github.com/zenvoice/sipcore/internal/ioutil"
	"github.com/zenvoice/sipcore/internal/types"
)

// RequestMethod is a SIP request method.
// See [types.RequestMethod].
type RequestMethod = types.RequestMethod

// Request method constants.
// See [types.RequestMethod].
const (
	RequestMethodAck       = types.RequestMethodAck
	RequestMethodBye       = types.RequestMethodBye
	RequestMethodCancel    = types.RequestMethodCancel
	RequestMethodInfo      = types.RequestMethodInfo
	RequestMethodInvite    = types.RequestMethodInvite
	RequestMethodMessage   = types.RequestMethodMessage
	RequestMethodNotify    = types.RequestMethodNotify
	RequestMethodOptions   = types.RequestMethodOptions
	RequestMethodPrack     = types.RequestMethodPrack
	RequestMethodPublish   = types.RequestMethodPublish
	RequestMethodRefer     = types.RequestMethodRefer
	RequestMethodRegister  = types.RequestMethodRegister
	RequestMethodSubscribe = types.RequestMethodSubscribe
	RequestMethodUpdate    = types.RequestMethodUpdate
)

// IsKnownRequestMethod reports whether the method is a known SIP request method.
func IsKnownRequestMethod(method RequestMethod) bool {
	return types.IsKnownRequestMethod(method)
}

// Request is a SIP request message.
type Request struct {
	Method  RequestMethod `json:"method"`
	URI     URI           `json:"uri"`
	Proto   ProtoInfo     `json:"proto"`
	Headers Headers       `json:"headers"`
	Body    []byte        `json:"body"`
}

// RenderTo writes the rendered request to w.
func (req *Request) RenderTo(w io.Writer, opts *RenderOptions) (int, error) {
	if req == nil {
		return 0, nil
	}
	return errtrace.Wrap2(renderMsg(w, req.Headers, req.Body, opts, req.renderStartLine))
}

func (req *Request) renderStartLine(w io.Writer, opts *RenderOptions) (int, error) {
	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprintf("%s ", req.Method)
	if req.URI != nil {
		cw.Call(func(w io.Writer) (int, error) {
			return errtrace.Wrap2(req.URI.RenderTo(w, opts))
		})
	}
	cw.Fprintf(" %s", req.Proto)
	return errtrace.Wrap2(cw.Result())
}

// Render returns the rendered request as a string.
func (req *Request) Render(opts *RenderOptions) string {
	if req == nil {
		return ""
	}
	return renderString(req.RenderTo, opts)
}

// String returns the request start line.
func (req *Request) String() string {
	if req == nil {
		return "<nil>"
	}
	return renderString(req.renderStartLine, nil)
}

// Format implements [fmt.Formatter].
func (req *Request) Format(f fmt.State, verb rune) {
	if formatMsg(f, verb, req) {
		return
	}

	type hideMethods Request
	type Request hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), (*Request)(req))
}

// LogValue implements [slog.LogValuer].
func (req *Request) LogValue() slog.Value {
	if req == nil {
		return slog.Value{}
	}

	attrs := make([]slog.Attr, 0, 7)
	attrs = append(attrs, slog.String("method", string(req.Method)), slog.Any("uri", req.URI))
	return slog.GroupValue(appendDialogAttrs(attrs, req.Headers)...)
}

// Clone returns a deep copy of the request.
func (req *Request) Clone() Message {
	if req == nil {
		return nil
	}

	return &Request{
		Method:  req.Method,
		URI:     types.Clone[URI](req.URI),
		Proto:   req.Proto,
		Headers: req.Headers.Clone(),
		Body:    slices.Clone(req.Body),
	}
}

// Equal reports whether val represents the same request.
func (req *Request) Equal(val any) bool {
	other, ok := asPtrArg[Request](val)
	switch {
	case !ok:
		return false
	case req == other:
		return true
	case req == nil || other == nil:
		return false
	}

	return req.Method.Equal(other.Method) &&
		req.Proto.Equal(other.Proto) &&
		types.IsEqual(req.URI, other.URI) &&
		compareHdrs(req.Headers, other.Headers) &&
		slices.Equal(req.Body, other.Body)
}

// IsValid reports whether the request is well formed.
func (req *Request) IsValid() bool {
	return req.Validate() == nil
}

// Headers every request must carry, RFC 3261 Section 8.1.1.
var reqMandatoryHdrs = []HeaderName{"Via", "From", "To", "Call-ID", "CSeq", "Max-Forwards"}

// Validate collects the reasons the request is malformed, nil when it is well formed.
func (req *Request) Validate() error {
	if req == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}

	var errs []error
	if !req.Method.IsValid() {
		errs = append(errs, errorutil.Errorf("invalid method %q", req.Method))
	}
	if !types.IsValid(req.URI) {
		errs = append(errs, errorutil.Errorf("invalid URI %q", req.URI))
	}
	errs = appendMsgErrs(errs, req.Proto, req.Headers, req.Body, reqMandatoryHdrs)

	if len(errs) > 0 {
		return errtrace.Wrap(NewInvalidMessageError(errorutil.Join(errs...)))
	}
	return nil
}

// UnmarshalJSON implements [json.Unmarshaler], parsing the URI from its
// rendered form.
func (req *Request) UnmarshalJSON(data []byte) error {
	var raw struct {
		Method  RequestMethod `json:"method"`
		URI     string        `json:"uri"`
		Proto   ProtoInfo     `json:"proto"`
		Headers Headers       `json:"headers"`
		Body    []byte        `json:"body"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errtrace.Wrap(err)
	}

	*req = Request{
		Method:  raw.Method,
		Proto:   raw.Proto,
		Headers: raw.Headers,
		Body:    raw.Body,
	}
	if raw.URI == "" {
		return nil
	}
	u, err := ParseURI(raw.URI)
	if err != nil {
		return errtrace.Wrap(fmt.Errorf("parse URI: %w", err))
	}
	req.URI = u
	return nil
}

// ResponseOptions customize a response built from a request with
// [Request.NewResponse].
type ResponseOptions struct {
	Reason   ResponseReason `json:"reason,omitempty"`
	Headers  Headers        `json:"headers,omitempty"`
	Body     []byte         `json:"body,omitempty"`
	LocalTag string         `json:"loc_tag,omitempty"`
}

// orEmpty returns o, or zero options when o is nil.
func (o *ResponseOptions) orEmpty() *ResponseOptions {
	if o == nil {
		return &ResponseOptions{}
	}
	return o
}

// Headers a response inherits from its request, RFC 3261 Section 8.2.6.2.
var resInheritedHdrs = []HeaderName{"Via", "From", "To", "Call-ID", "CSeq", "Timestamp"}

// NewResponse builds a response for the request, inheriting the headers
// RFC 3261 Section 8.2.6 prescribes. Responses other than 100 Trying get
// a To tag, either from the options or freshly generated.
func (req *Request) NewResponse(sts ResponseStatus, opts *ResponseOptions) (*Response, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if req.Method.Equal(RequestMethodAck) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	opts = opts.orEmpty()

	res := &Response{
		Status:  sts,
		Reason:  opts.Reason,
		Proto:   req.Proto,
		Headers: make(Headers, 6).CopyFrom(req.Headers, resInheritedHdrs[0], resInheritedHdrs[1:]...),
		Body:    opts.Body,
	}
	if sts != ResponseStatusTrying {
		tagLocalTo(res.Headers, opts.LocalTag)
	}
	for n, hs := range opts.Headers {
		if slices.Contains(resInheritedHdrs, n) {
			continue
		}
		for _, h := range hs {
			res.Headers.Append(h)
		}
	}
	return res, nil
}

// tagLocalTo adds a tag to the To header unless one is already present.
// An empty tag means generate a fresh one.
func tagLocalTo(hdrs Headers, tag string) {
	to, ok := hdrs.To()
	if !ok || to == nil {
		return
	}
	if to.Params == nil {
		to.Params = make(header.Values)
	}
	if to.Params.Has("tag") {
		return
	}
	if tag == "" {
		tag = GenerateTag(0)
	}
	to.Params.Set("tag", tag)
}
