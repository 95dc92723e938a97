package sip

import (
	"fmt"
	"io"
	"net/netip"

	"braces.dev/errtrace"
)

// InboundRequest is a request received from the transport layer,
// annotated with its arrival time and addressing.
type InboundRequest struct {
	inboundMessage[*Request]
}

func NewInboundRequest(req *Request, laddr, raddr netip.AddrPort) *InboundRequest {
	return &InboundRequest{newInboundEnvelope(req, laddr, raddr)}
}

// inner returns the wrapped request. It is nil-safe, so the nil *Request
// behaviors apply to a nil envelope too.
func (r *InboundRequest) inner() *Request {
	if r == nil {
		return nil
	}
	return r.msg
}

func (r *InboundRequest) Method() RequestMethod {
	if r == nil {
		return ""
	}
	return r.msg.Method
}

func (r *InboundRequest) URI() URI {
	if r == nil {
		return nil
	}
	return r.msg.URI.Clone()
}

var reqTimeDataKey = "sip.request_time"

// NewResponse builds an outbound response addressed back to the
// request's source, carrying the request arrival time in its metadata.
func (r *InboundRequest) NewResponse(sts ResponseStatus, opts *ResponseOptions) (*OutboundResponse, error) {
	if r == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	msg, err := r.msg.NewResponse(sts, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	res := NewOutboundResponse(msg)
	res.locAddr = r.locAddr
	res.rmtAddr = r.rmtAddr
	res.data.Set(reqTimeDataKey, r.msgTime)
	return res, nil
}

func (r *InboundRequest) RenderTo(w io.Writer, opts *RenderOptions) (int, error) {
	return errtrace.Wrap2(r.inner().RenderTo(w, opts))
}

func (r *InboundRequest) Render(opts *RenderOptions) string { return r.inner().Render(opts) }

func (r *InboundRequest) String() string { return r.inner().String() }

func (r *InboundRequest) Format(f fmt.State, verb rune) {
	if r == nil {
		io.WriteString(f, "<nil>") //nolint:errcheck
		return
	}
	r.msg.Format(f, verb)
}

func (r *InboundRequest) Clone() Message {
	if r == nil {
		return nil
	}
	return &InboundRequest{r.cloneEnvelope()}
}

func (r *InboundRequest) Equal(v any) bool {
	if r == nil {
		return v == nil
	}
	other, ok := v.(*InboundRequest)
	return ok && r.msg.Equal(other.msg)
}

func (r *InboundRequest) IsValid() bool { return r.inner().IsValid() }

func (r *InboundRequest) Validate() error { return errtrace.Wrap(r.inner().Validate()) }

// OutboundRequest is a request on its way to the transport layer.
// Unlike [InboundRequest] it is mutable, so every accessor goes through
// the envelope lock.
type OutboundRequest struct {
	outboundMessage[*Request]
}

func NewOutboundRequest(req *Request) *OutboundRequest {
	return &OutboundRequest{newOutboundEnvelope(req)}
}

func (r *OutboundRequest) Method() (method RequestMethod) {
	if r != nil {
		r.AccessMessage(func(m *Request) { method = m.Method })
	}
	return method
}

func (r *OutboundRequest) URI() (uri URI) {
	if r != nil {
		r.AccessMessage(func(m *Request) { uri = m.URI.Clone() })
	}
	return uri
}

func (r *OutboundRequest) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if r == nil {
		return 0, nil
	}
	r.AccessMessage(func(m *Request) { num, err = m.RenderTo(w, opts) })
	return num, errtrace.Wrap(err)
}

func (r *OutboundRequest) Render(opts *RenderOptions) (out string) {
	if r != nil {
		r.AccessMessage(func(m *Request) { out = m.Render(opts) })
	}
	return out
}

func (r *OutboundRequest) String() string {
	if r == nil {
		return "<nil>"
	}
	var out string
	r.AccessMessage(func(m *Request) { out = m.String() })
	return out
}

func (r *OutboundRequest) Format(f fmt.State, verb rune) {
	if r == nil {
		io.WriteString(f, "<nil>") //nolint:errcheck
		return
	}
	r.AccessMessage(func(m *Request) { m.Format(f, verb) })
}

func (r *OutboundRequest) Clone() Message {
	if r == nil {
		return nil
	}
	return &OutboundRequest{r.cloneEnvelope()}
}

func (r *OutboundRequest) Equal(v any) bool {
	if r == nil {
		return v == nil
	}
	other, ok := v.(*OutboundRequest)
	if !ok {
		return false
	}
	var eq bool
	r.AccessMessage(func(m *Request) { eq = m.Equal(other.msg) })
	return eq
}

func (r *OutboundRequest) IsValid() bool { return r != nil && r.Validate() == nil }

func (r *OutboundRequest) Validate() (err error) {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	r.AccessMessage(func(m *Request) { err = m.Validate() })
	return errtrace.Wrap(err)
}

// InboundResponse is a response received from the transport layer,
// annotated with its arrival time and addressing.
type InboundResponse struct {
	inboundMessage[*Response]
}

func NewInboundResponse(res *Response, laddr, raddr netip.AddrPort) *InboundResponse {
	return &InboundResponse{newInboundEnvelope(res, laddr, raddr)}
}

// inner returns the wrapped response. It is nil-safe, so the nil *Response
// behaviors apply to a nil envelope too.
func (r *InboundResponse) inner() *Response {
	if r == nil {
		return nil
	}
	return r.msg
}

func (r *InboundResponse) Status() ResponseStatus {
	if r == nil {
		return 0
	}
	return r.msg.Status
}

func (r *InboundResponse) Reason() ResponseReason {
	if r == nil {
		return ""
	}
	return r.msg.Reason
}

func (r *InboundResponse) RenderTo(w io.Writer, opts *RenderOptions) (int, error) {
	return errtrace.Wrap2(r.inner().RenderTo(w, opts))
}

func (r *InboundResponse) Render(opts *RenderOptions) string { return r.inner().Render(opts) }

func (r *InboundResponse) String() string { return r.inner().String() }

func (r *InboundResponse) Format(f fmt.State, verb rune) {
	if r == nil {
		io.WriteString(f, "<nil>") //nolint:errcheck
		return
	}
	r.msg.Format(f, verb)
}

func (r *InboundResponse) Clone() Message {
	if r == nil {
		return nil
	}
	return &InboundResponse{r.cloneEnvelope()}
}

func (r *InboundResponse) Equal(v any) bool {
	if r == nil {
		return v == nil
	}
	other, ok := v.(*InboundResponse)
	return ok && r.msg.Equal(other.msg)
}

func (r *InboundResponse) IsValid() bool { return r.inner().IsValid() }

func (r *InboundResponse) Validate() error { return errtrace.Wrap(r.inner().Validate()) }

// OutboundResponse is a response on its way to the transport layer,
// mutable until sent.
type OutboundResponse struct {
	outboundMessage[*Response]
}

func NewOutboundResponse(res *Response) *OutboundResponse {
	return &OutboundResponse{newOutboundEnvelope(res)}
}

func (r *OutboundResponse) Status() (sts ResponseStatus) {
	if r != nil {
		r.AccessMessage(func(m *Response) { sts = m.Status })
	}
	return sts
}

func (r *OutboundResponse) Reason() (reason ResponseReason) {
	if r != nil {
		r.AccessMessage(func(m *Response) { reason = m.Reason })
	}
	return reason
}

func (r *OutboundResponse) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if r == nil {
		return 0, nil
	}
	r.AccessMessage(func(m *Response) { num, err = m.RenderTo(w, opts) })
	return num, errtrace.Wrap(err)
}

func (r *OutboundResponse) Render(opts *RenderOptions) (out string) {
	if r != nil {
		r.AccessMessage(func(m *Response) { out = m.Render(opts) })
	}
	return out
}

func (r *OutboundResponse) String() string {
	if r == nil {
		return "<nil>"
	}
	var out string
	r.AccessMessage(func(m *Response) { out = m.String() })
	return out
}

func (r *OutboundResponse) Format(f fmt.State, verb rune) {
	if r == nil {
		io.WriteString(f, "<nil>") //nolint:errcheck
		return
	}
	r.AccessMessage(func(m *Response) { m.Format(f, verb) })
}

func (r *OutboundResponse) Clone() Message {
	if r == nil {
		return nil
	}
	return &OutboundResponse{r.cloneEnvelope()}
}

func (r *OutboundResponse) Equal(v any) bool {
	if r == nil {
		return v == nil
	}
	other, ok := v.(*OutboundResponse)
	if !ok {
		return false
	}
	var eq bool
	r.AccessMessage(func(m *Response) { eq = m.Equal(other.msg) })
	return eq
}

func (r *OutboundResponse) IsValid() bool { return r != nil && r.Validate() == nil }

func (r *OutboundResponse) Validate() (err error) {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	r.AccessMessage(func(m *Response) { err = m.Validate() })
	return errtrace.Wrap(err)
}
