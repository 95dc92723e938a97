package sip

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/errorutil"
	"github.com/zenvoice/sipcore/internal/ioutil"
	"github.com/zenvoice/sipcore/internal/types"
	"github.com/zenvoice/sipcore/internal/util"
)

// Message represents a SIP message, either a request or a response.
type Message interface {
	types.Renderer
	types.Equalable
	types.ValidFlag
	// Clone returns a deep copy of the message.
	Clone() Message
	// Validate validates the message and returns an error if invalid.
	Validate() error
	String() string
}

// GetMessageHeaders returns the headers of the message.
func GetMessageHeaders(msg Message) Headers {
	switch m := msg.(type) {
	case *Request:
		return m.Headers
	case *Response:
		return m.Headers
	case interface{ Headers() Headers }:
		return m.Headers()
	default:
		return nil
	}
}

// GetMessageBody returns the body of the message.
func GetMessageBody(msg Message) []byte {
	switch m := msg.(type) {
	case *Request:
		return m.Body
	case *Response:
		return m.Body
	case interface{ Body() []byte }:
		return m.Body()
	default:
		return nil
	}
}

// SetMessageHeaders replaces the headers of the message.
func SetMessageHeaders(msg Message, hdrs Headers) {
	switch m := msg.(type) {
	case *Request:
		m.Headers = hdrs
	case *Response:
		m.Headers = hdrs
	case interface{ SetHeaders(Headers) }:
		m.SetHeaders(hdrs)
	}
}

// SetMessageBody replaces the body of the message.
func SetMessageBody(msg Message, body []byte) {
	switch m := msg.(type) {
	case *Request:
		m.Body = body
	case *Response:
		m.Body = body
	case interface{ SetBody([]byte) }:
		m.SetBody(body)
	}
}

// renderMsg writes the start line, the headers, and the body in wire order,
// with CRLF after the start line and after the header block.
func renderMsg(
	w io.Writer,
	hdrs Headers,
	body []byte,
	opts *RenderOptions,
	startLine func(io.Writer, *RenderOptions) (int, error),
) (int, error) {
	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Call(func(w io.Writer) (int, error) {
		return errtrace.Wrap2(startLine(w, opts))
	})
	cw.WriteString("\r\n")
	cw.Call(func(w io.Writer) (int, error) {
		return errtrace.Wrap2(renderHdrs(w, hdrs, opts))
	})
	cw.WriteString("\r\n")
	cw.Write(body)
	return errtrace.Wrap2(cw.Result())
}

// renderString renders via fn into a pooled string builder, dropping the error.
func renderString(fn func(io.Writer, *RenderOptions) (int, error), opts *RenderOptions) string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	fn(sb, opts) //nolint:errcheck
	return sb.String()
}

// formatMsg serves the %s and %q verbs shared by all message types. The
// plain forms print the start line, the + flagged forms the whole message.
// It reports false for the verbs the caller must format itself.
func formatMsg(f fmt.State, verb rune, msg interface {
	RenderTo(io.Writer, *RenderOptions) (int, error)
	Render(*RenderOptions) string
	String() string
}) bool {
	switch verb {
	case 's':
		if f.Flag('+') {
			msg.RenderTo(f, nil) //nolint:errcheck
		} else {
			io.WriteString(f, msg.String()) //nolint:errcheck
		}
	case 'q':
		if f.Flag('+') {
			io.WriteString(f, strconv.Quote(msg.Render(nil))) //nolint:errcheck
		} else {
			io.WriteString(f, strconv.Quote(msg.String())) //nolint:errcheck
		}
	default:
		return false
	}
	return true
}

// appendDialogAttrs appends the dialog-identifying headers present in hdrs.
func appendDialogAttrs(attrs []slog.Attr, hdrs Headers) []slog.Attr {
	if hop, ok := util.IterFirst(hdrs.Via()); ok {
		attrs = append(attrs, slog.Any("Via", hop))
	}
	if from, ok := hdrs.From(); ok {
		attrs = append(attrs, slog.Any("From", from))
	}
	if to, ok := hdrs.To(); ok {
		attrs = append(attrs, slog.Any("To", to))
	}
	if callID, ok := hdrs.CallID(); ok {
		attrs = append(attrs, slog.Any("Call-ID", callID))
	}
	if cseq, ok := hdrs.CSeq(); ok {
		attrs = append(attrs, slog.Any("CSeq", cseq))
	}
	return attrs
}

// appendMsgErrs collects the validation failures shared by requests and
// responses: protocol, header well-formedness, mandatory headers, and the
// Content-Length against the actual body size.
func appendMsgErrs(errs []error, proto ProtoInfo, hdrs Headers, body []byte, mandatory []HeaderName) []error {
	if !proto.IsValid() {
		errs = append(errs, errorutil.Errorf("invalid protocol %q", proto))
	}
	if err := validateHdrs(hdrs); err != nil {
		errs = append(errs, err)
	}
	for _, n := range mandatory {
		if !hdrs.Has(n) {
			errs = append(errs, newMissHdrErr(n))
		}
	}
	if ct, ok := hdrs.ContentLength(); ok && int(ct) != len(body) {
		errs = append(errs, errorutil.Errorf("content length mismatch: got %d, want %d", int(ct), len(body)))
	}
	return errs
}

// MessageMetadata holds arbitrary key/value metadata attached to an inbound
// or outbound message while it travels through the layers.
type MessageMetadata struct {
	mu   sync.RWMutex
	data map[string]any
}

// Get returns the metadata value stored under the key.
func (md *MessageMetadata) Get(key string) (any, bool) {
	if md == nil {
		return nil, false
	}

	md.mu.RLock()
	defer md.mu.RUnlock()
	val, ok := md.data[key]
	return val, ok
}

// Set stores the value under the key.
func (md *MessageMetadata) Set(key string, val any) {
	md.mu.Lock()
	defer md.mu.Unlock()
	if md.data == nil {
		md.data = make(map[string]any)
	}
	md.data[key] = val
}

// Del removes the value stored under the key.
func (md *MessageMetadata) Del(key string) {
	md.mu.Lock()
	defer md.mu.Unlock()
	delete(md.data, key)
}

// Clone returns a copy of the metadata.
func (md *MessageMetadata) Clone() *MessageMetadata {
	md2 := new(MessageMetadata)
	if md == nil {
		return md2
	}

	md.mu.RLock()
	defer md.mu.RUnlock()
	if md.data != nil {
		md2.data = maps.Clone(md.data)
	}
	return md2
}

// inboundMessage is the base of received message envelopes.
// The underlying message is owned by the envelope and must not be mutated,
// so no locking is required.
type inboundMessage[T Message] struct {
	msg     T
	msgTime time.Time
	locAddr netip.AddrPort
	rmtAddr netip.AddrPort
	data    *MessageMetadata
}

// Message returns the underlying SIP message.
func (m *inboundMessage[T]) Message() T { return m.msg }

// Headers returns the headers of the underlying message.
func (m *inboundMessage[T]) Headers() Headers { return GetMessageHeaders(m.msg) }

// Body returns the body of the underlying message.
func (m *inboundMessage[T]) Body() []byte { return GetMessageBody(m.msg) }

// Metadata returns the metadata attached to the message.
func (m *inboundMessage[T]) Metadata() *MessageMetadata { return m.data }

// MessageTime returns the time when the message was received.
func (m *inboundMessage[T]) MessageTime() time.Time { return m.msgTime }

// LocalAddr returns the local network address the message was received on.
func (m *inboundMessage[T]) LocalAddr() netip.AddrPort { return m.locAddr }

// RemoteAddr returns the remote network address the message was received from.
func (m *inboundMessage[T]) RemoteAddr() netip.AddrPort { return m.rmtAddr }

// Transport returns the transport protocol from the topmost Via header.
func (m *inboundMessage[T]) Transport() TransportProto {
	if via, ok := GetMessageHeaders(m.msg).FirstVia(); ok {
		return via.Transport
	}
	return ""
}

// newInboundEnvelope stamps msg with the arrival time and addressing.
func newInboundEnvelope[T Message](msg T, laddr, raddr netip.AddrPort) inboundMessage[T] {
	return inboundMessage[T]{
		msg:     msg,
		msgTime: time.Now(),
		locAddr: laddr,
		rmtAddr: raddr,
		data:    new(MessageMetadata),
	}
}

// cloneEnvelope deep-copies the envelope, restamping the message time.
func (m *inboundMessage[T]) cloneEnvelope() inboundMessage[T] {
	return inboundMessage[T]{
		msg:     m.msg.Clone().(T), //nolint:forcetypeassert
		msgTime: time.Now(),
		locAddr: m.locAddr,
		rmtAddr: m.rmtAddr,
		data:    m.data.Clone(),
	}
}

// msgEnvelopeJSON is the serialized form of message envelopes.
// Metadata is runtime-only state and is not serialized.
type msgEnvelopeJSON[T Message] struct {
	Message     T              `json:"message"`
	MessageTime time.Time      `json:"message_time"`
	LocalAddr   netip.AddrPort `json:"local_addr"`
	RemoteAddr  netip.AddrPort `json:"remote_addr"`
}

// MarshalJSON implements [json.Marshaler].
func (m *inboundMessage[T]) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(msgEnvelopeJSON[T]{
		Message:     m.msg,
		MessageTime: m.msgTime,
		LocalAddr:   m.locAddr,
		RemoteAddr:  m.rmtAddr,
	}))
}

// UnmarshalJSON implements [json.Unmarshaler].
func (m *inboundMessage[T]) UnmarshalJSON(data []byte) error {
	var v msgEnvelopeJSON[T]
	if err := json.Unmarshal(data, &v); err != nil {
		return errtrace.Wrap(err)
	}
	m.msg = v.Message
	m.msgTime = v.MessageTime
	m.locAddr = v.LocalAddr
	m.rmtAddr = v.RemoteAddr
	if m.data == nil {
		m.data = new(MessageMetadata)
	}
	return nil
}

// message holds a locally created SIP message together with its network
// metadata guarded by a mutex, the message can be mutated until it is sent.
type message[T Message] struct {
	mu      sync.RWMutex
	msg     T
	msgTime time.Time
	locAddr netip.AddrPort
	rmtAddr netip.AddrPort
	data    *MessageMetadata
}

// outboundMessage is the base of message envelopes created locally.
// The underlying message can be safely accessed and updated via
// [outboundMessage.AccessMessage] and [outboundMessage.UpdateMessage].
type outboundMessage[T Message] struct {
	message[T]
}

// Message returns the underlying SIP message.
func (m *outboundMessage[T]) Message() T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.msg
}

// Headers returns the headers of the underlying message.
func (m *outboundMessage[T]) Headers() Headers {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return GetMessageHeaders(m.msg)
}

// Body returns the body of the underlying message.
func (m *outboundMessage[T]) Body() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return GetMessageBody(m.msg)
}

// Metadata returns the metadata attached to the message.
func (m *outboundMessage[T]) Metadata() *MessageMetadata { return m.data }

// MessageTime returns the time when the message was created.
func (m *outboundMessage[T]) MessageTime() time.Time { return m.msgTime }

// LocalAddr returns the local network address of the message.
func (m *outboundMessage[T]) LocalAddr() netip.AddrPort {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.locAddr
}

// RemoteAddr returns the remote network address of the message.
func (m *outboundMessage[T]) RemoteAddr() netip.AddrPort {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rmtAddr
}

// SetLocalAddr sets the local network address of the message.
func (m *outboundMessage[T]) SetLocalAddr(addr netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locAddr = addr
}

// SetRemoteAddr sets the remote network address of the message.
func (m *outboundMessage[T]) SetRemoteAddr(addr netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rmtAddr = addr
}

// Transport returns the transport protocol from the topmost Via header.
func (m *outboundMessage[T]) Transport() TransportProto {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if via, ok := GetMessageHeaders(m.msg).FirstVia(); ok {
		return via.Transport
	}
	return ""
}

// newOutboundEnvelope stamps msg with the creation time. The addressing is
// filled in later, when the transport target is resolved.
func newOutboundEnvelope[T Message](msg T) outboundMessage[T] {
	return outboundMessage[T]{message[T]{
		msg:     msg,
		msgTime: time.Now(),
		data:    new(MessageMetadata),
	}}
}

// cloneEnvelope deep-copies the envelope, restamping the message time.
func (m *outboundMessage[T]) cloneEnvelope() outboundMessage[T] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return outboundMessage[T]{message[T]{
		msg:     m.msg.Clone().(T), //nolint:forcetypeassert
		msgTime: time.Now(),
		locAddr: m.locAddr,
		rmtAddr: m.rmtAddr,
		data:    m.data.Clone(),
	}}
}

// AccessMessage calls fn with the underlying message under a read lock.
func (m *outboundMessage[T]) AccessMessage(fn func(msg T)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.msg)
}

// UpdateMessage calls fn with the underlying message under a write lock.
func (m *outboundMessage[T]) UpdateMessage(fn func(msg T)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.msg)
}

// MarshalJSON implements [json.Marshaler].
func (m *outboundMessage[T]) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return errtrace.Wrap2(json.Marshal(msgEnvelopeJSON[T]{
		Message:     m.msg,
		MessageTime: m.msgTime,
		LocalAddr:   m.locAddr,
		RemoteAddr:  m.rmtAddr,
	}))
}

// UnmarshalJSON implements [json.Unmarshaler].
func (m *outboundMessage[T]) UnmarshalJSON(data []byte) error {
	var v msgEnvelopeJSON[T]
	if err := json.Unmarshal(data, &v); err != nil {
		return errtrace.Wrap(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.msg = v.Message
	m.msgTime = v.MessageTime
	m.locAddr = v.LocalAddr
	m.rmtAddr = v.RemoteAddr
	if m.data == nil {
		m.data = new(MessageMetadata)
	}
	return nil
}

var (
	zeroAddrPort  netip.AddrPort
	zeroTime      time.Time
	zeroSlogValue slog.Value
)
