package sip

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/dns"
	"github.com/zenvoice/sipcore/header"
	"github.com/zenvoice/sipcore/internal/log"
	"github.com/zenvoice/sipcore/internal/types"
	"github.com/zenvoice/sipcore/internal/util"
)

// Transport configuration variables.
var (
	// MTU caps the size of a message sent over an unreliable transport.
	MTU uint = 1500
	// MaxMsgSize caps the read buffer of a streamed transport.
	MaxMsgSize uint = math.MaxUint16
)

// TransportProto is a transport protocol.
type TransportProto = types.TransportProto

// Transport protocols supported by the built-in socket transports.
const (
	TransportProtoUDP = types.TransportProtoUDP
	TransportProtoTCP = types.TransportProtoTCP
	TransportProtoTLS = types.TransportProtoTLS
)

// ClientTransport is the request-sending half of a transport.
type ClientTransport interface {
	// SendRequest delivers req to its remote address.
	SendRequest(ctx context.Context, req *OutboundRequest, opts *SendRequestOptions) error
	// OnResponse subscribes fn to inbound responses until cancel is called.
	OnResponse(fn TransportResponseHandler) (cancel func())
}

// SendRequestOptions control how a request is sent.
type SendRequestOptions struct {
	// Timeout caps the whole send, resolution included. The 1m default
	// applies when zero.
	Timeout time.Duration `json:"timeout,omitempty"`
	// RenderCompact switches the wire form to compact header names,
	// see [RenderOptions].
	RenderCompact bool `json:"render_compact,omitempty"`
}

func (o *SendRequestOptions) timeout() time.Duration {
	if o != nil && o.Timeout > 0 {
		return o.Timeout
	}
	return msgSendTimeout
}

func (o *SendRequestOptions) rendOpts() *RenderOptions {
	if o == nil {
		return nil
	}
	return &RenderOptions{Compact: o.RenderCompact}
}

// clonePtr shallow-copies the pointee, mapping nil to nil.
func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

type TransportResponseHandler = func(ctx context.Context, tp ClientTransport, res *InboundResponse)

const clnTranspCtxKey types.ContextKey = "client_transport"

// ClientTransportFromContext extracts the [ClientTransport] carried by ctx, if any.
func ClientTransportFromContext(ctx context.Context) (ClientTransport, bool) {
	tp, ok := ctx.Value(clnTranspCtxKey).(ClientTransport)
	return tp, ok
}

// ServerTransport is the response-sending half of a transport.
type ServerTransport interface {
	// SendResponse delivers res to an address picked per RFC 3261
	// Section 18.2.2. and RFC 3263 Section 5.
	SendResponse(ctx context.Context, res *OutboundResponse, opts *SendResponseOptions) error
	// OnRequest subscribes fn to inbound requests until cancel is called.
	OnRequest(fn TransportRequestHandler) (cancel func())
}

// SendResponseOptions control how a response is sent.
type SendResponseOptions struct {
	// Timeout caps the whole send, resolution included. The 1m default
	// applies when zero.
	Timeout time.Duration `json:"timeout,omitempty"`
	// RenderCompact switches the wire form to compact header names,
	// see [RenderOptions].
	RenderCompact bool `json:"render_compact,omitempty"`
}

func (o *SendResponseOptions) timeout() time.Duration {
	if o != nil && o.Timeout > 0 {
		return o.Timeout
	}
	return msgSendTimeout
}

func (o *SendResponseOptions) rendOpts() *RenderOptions {
	if o == nil {
		return nil
	}
	return &RenderOptions{Compact: o.RenderCompact}
}

type TransportRequestHandler = func(ctx context.Context, tp ServerTransport, req *InboundRequest)

const srvTranspCtxKey types.ContextKey = "server_transport"

// ServerTransportFromContext extracts the [ServerTransport] carried by ctx, if any.
func ServerTransportFromContext(ctx context.Context) (ServerTransport, bool) {
	tp, ok := ctx.Value(srvTranspCtxKey).(ServerTransport)
	return tp, ok
}

// Transport is a full bidirectional transport.
type Transport interface {
	ClientTransport
	ServerTransport
	// Serve runs the read loop, returning once the transport is closed.
	Serve() error
	// Close shuts the transport down.
	Close() error
}

// ConnDialer opens outbound connections for reliable transports.
type ConnDialer interface {
	// DialConn connects to raddr over the named network.
	DialConn(ctx context.Context, network string, raddr netip.AddrPort) (net.Conn, error)
}

// ConnDialerFunc adapts a function to the [ConnDialer] interface.
type ConnDialerFunc func(ctx context.Context, network string, raddr netip.AddrPort) (net.Conn, error)

func (f ConnDialerFunc) DialConn(ctx context.Context, network string, raddr netip.AddrPort) (net.Conn, error) {
	return errtrace.Wrap2(f(ctx, network, raddr))
}

// DNSResolver performs the lookups destination resolution needs.
type DNSResolver interface {
	// LookupIP resolves host to IP addresses on the given network.
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
	// LookupSRV fetches SRV records for the service and protocol.
	LookupSRV(ctx context.Context, service, proto, host string) ([]*dns.SRV, error)
	// LookupNAPTR fetches NAPTR records for host.
	LookupNAPTR(ctx context.Context, host string) ([]*dns.NAPTR, error)
}

// The Get*/Is* probes below interrogate optional traits of a transport
// without forcing every implementation to carry the full metadata surface.

func GetTransportProto(tp any) (TransportProto, bool) {
	v, ok := tp.(interface{ Proto() TransportProto })
	if !ok {
		return "", false
	}
	return v.Proto(), true
}

func GetTransportNetwork(tp any) (string, bool) {
	v, ok := tp.(interface{ Network() string })
	if !ok {
		return "", false
	}
	return v.Network(), true
}

func GetTransportLocalAddr(tp any) (netip.AddrPort, bool) {
	v, ok := tp.(interface{ LocalAddr() netip.AddrPort })
	if !ok {
		return zeroAddrPort, false
	}
	return v.LocalAddr(), true
}

func IsReliableTransport(tp any) bool {
	v, ok := tp.(interface{ Reliable() bool })
	return ok && v.Reliable()
}

func IsSecuredTransport(tp any) bool {
	v, ok := tp.(interface{ Secured() bool })
	return ok && v.Secured()
}

func IsStreamedTransport(tp any) bool {
	v, ok := tp.(interface{ Streamed() bool })
	return ok && v.Streamed()
}

func GetTransportDefaultPort(tp any) (uint16, bool) {
	v, ok := tp.(interface{ DefaultPort() uint16 })
	if !ok {
		return 0, false
	}
	return v.DefaultPort(), true
}

// transpLogValue builds the common transport log group.
func transpLogValue(tp any) slog.Value {
	proto, _ := GetTransportProto(tp)
	netw, _ := GetTransportNetwork(tp)
	laddr, _ := GetTransportLocalAddr(tp)

	return slog.GroupValue(
		slog.Any("proto", proto),
		slog.Any("network", netw),
		slog.Any("local_addr", laddr),
	)
}

// dispatchRequest fans req out to the registered request handlers. A request
// no handler consumed is rejected statelessly with 503.
func dispatchRequest(
	ctx context.Context,
	tp ServerTransport,
	cbs *types.CallbackManager[TransportRequestHandler],
	req *InboundRequest,
) {
	var handled bool
	cbs.Range(func(fn TransportRequestHandler) {
		handled = true
		fn(ctx, tp, req)
	})
	if handled {
		return
	}

	log.LoggerFromValues(ctx, tp).LogAttrs(ctx, slog.LevelWarn,
		"discarding inbound request due to missing request handlers",
		slog.Any("request", req),
	)
	respondStateless(ctx, tp, req, ResponseStatusServiceUnavailable)
}

// dispatchResponse fans res out to the registered response handlers.
func dispatchResponse(
	ctx context.Context,
	tp ClientTransport,
	cbs *types.CallbackManager[TransportResponseHandler],
	res *InboundResponse,
) {
	var handled bool
	cbs.Range(func(fn TransportResponseHandler) {
		handled = true
		fn(ctx, tp, res)
	})
	if handled {
		return
	}

	log.LoggerFromValues(ctx, tp).LogAttrs(ctx, slog.LevelWarn,
		"discarding inbound response due to missing response handlers",
		slog.Any("response", res),
	)
}

// TransportMetadata carries the static traits of a transport.
type TransportMetadata struct {
	Proto       TransportProto
	Network     string
	Reliable    bool
	Secured     bool
	Streamed    bool
	DefaultPort uint16
}

// ResponseAddrs yields the addresses a response should be sent to, following
// RFC 3261 Section 18.2.2. and RFC 3263 Section 5. The transport protocol of
// the topmost "Via" header field must match the sending transport.
func ResponseAddrs(
	ctx context.Context,
	via header.ViaHop,
	tpMeta TransportMetadata,
	dnsRslvr DNSResolver,
) iter.Seq2[TransportProto, netip.AddrPort] {
	return func(yield func(TransportProto, netip.AddrPort) bool) {
		if !via.IsValid() || !via.Transport.Equal(tpMeta.Proto) {
			return
		}

		hopPort := func() uint16 {
			if p, ok := via.Addr.Port(); ok {
				return p
			}
			return tpMeta.DefaultPort
		}
		emit := func(addr netip.Addr, port uint16) bool {
			addrPort := netip.AddrPortFrom(addr, port)
			return !addrPort.IsValid() || yield(via.Transport, addrPort)
		}
		emitHost := func(host string, port uint16) bool {
			ips, err := dnsRslvr.LookupIP(ctx, "ip", host)
			if err != nil {
				return true
			}
			for _, ip := range ips {
				if addr, ok := netip.AddrFromSlice(ip); ok {
					if !emit(addr.Unmap(), port) {
						return false
					}
				}
			}
			return true
		}

		// RFC 3261 Section 18.2.2, bullet 2.
		if maddr, ok := via.MAddr(); ok && !tpMeta.Reliable {
			// "maddr" may be a host name. No fallback to RFC 3263 Section 5
			// is defined for the "maddr" case, so stop here either way.
			emitHost(maddr, hopPort())
			return
		}

		// RFC 3261 Section 18.2.2, bullet 1 and 3.
		if addr, ok := via.Received(); ok {
			var port uint16
			if !tpMeta.Reliable {
				// RFC 3581 Section 4.
				port, _ = via.RPort()
			}
			if port == 0 {
				port = hopPort()
			}
			if !emit(addr, port) {
				return
			}
		}

		// RFC 3261 Section 18.2.2, bullet 4, i.e. fallback to RFC 3263 Section 5.
		if ip := via.Addr.IP(); ip != nil {
			if addr, ok := netip.AddrFromSlice(ip); ok {
				emit(addr.Unmap(), hopPort())
			}
			return
		}

		if port, ok := via.Addr.Port(); ok {
			emitHost(via.Addr.Host(), port)
			return
		}

		// RFC 3263 Section 5.
		serv := "sip"
		if tpMeta.Secured {
			serv = "sips"
		}
		srvs, err := dnsRslvr.LookupSRV(ctx, serv, tpMeta.Network, via.Addr.Host())
		if err != nil {
			return
		}
		slices.SortFunc(srvs, compareSRV)

		for _, srv := range srvs {
			if !emitHost(srv.Target, srv.Port) {
				return
			}
		}
	}
}

// compareSRV orders SRV records by ascending priority, then descending
// weight, then target.
func compareSRV(e1, e2 *dns.SRV) int {
	if c := cmp.Compare(e1.Priority, e2.Priority); c != 0 {
		return c
	}
	if c := cmp.Compare(e2.Weight, e1.Weight); c != 0 {
		return c
	}
	return strings.Compare(e1.Target, e2.Target)
}

func respondStateless(ctx context.Context, tp ServerTransport, req *InboundRequest, sts ResponseStatus) {
	logger := log.LoggerFromValues(ctx, tp)
	if tp == nil {
		logger.LogAttrs(ctx, slog.LevelError, "dropping inbound request, no transport attached",
			slog.Any("request", req),
		)
		return
	}
	if req.Method().Equal(RequestMethodAck) {
		logger.LogAttrs(ctx, slog.LevelDebug, "dropping unmatched inbound ACK", slog.Any("request", req))
		return
	}

	var hdrs Headers
	if sts == ResponseStatusServerInternalError || sts == ResponseStatusServiceUnavailable {
		hdrs = make(Headers).Append(&header.RetryAfter{Delay: time.Minute})
	}
	res, err := req.NewResponse(sts, &ResponseOptions{
		Headers:  hdrs,
		LocalTag: stableStatelessToTag(req),
	})
	if err != nil {
		logger.LogAttrs(ctx, slog.LevelError, "building response for inbound request failed",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		return
	}

	if err := tp.SendResponse(ctx, res, nil); err != nil {
		if errors.Is(err, ErrInvalidMessage) {
			logger.LogAttrs(ctx, slog.LevelDebug, "dropping inbound request, built response is invalid",
				slog.Any("request", req),
				slog.Any("response", res),
				slog.Any("error", err),
			)
			return
		}

		logger.LogAttrs(ctx, slog.LevelError, "responding to inbound request failed",
			slog.Any("request", req),
			slog.Any("response", res),
			slog.Any("error", err),
		)
	}
}

// stableStatelessToTag derives a To tag from the request fields that identify
// its transaction, so stateless retransmissions of the same request get the
// same tag.
func stableStatelessToTag(req *InboundRequest) string {
	if req == nil {
		return ""
	}
	hdrs := req.Headers()
	if hdrs == nil {
		return ""
	}

	var reqURI string
	if uri := req.URI(); uri != nil {
		reqURI = util.LCase(uri.Render(nil))
	}

	var topVia string
	if via, ok := hdrs.FirstVia(); ok && via != nil {
		topVia = util.LCase(via.String())
	}

	callID, _ := hdrs.CallID()

	var fromTag string
	if from, ok := hdrs.From(); ok && from != nil {
		fromTag, _ = from.Tag()
	}

	var cseqNum uint
	var cseqMethod RequestMethod
	if cseq, ok := hdrs.CSeq(); ok && cseq != nil {
		cseqNum = cseq.SeqNum
		cseqMethod = util.UCase(cseq.Method)
	}

	h := sha256.New()
	fmt.Fprintf(h, "uri=%s|via=%s|callid=%s|fromtag=%s|cseq=%d|cseqm=%s",
		reqURI, topVia, callID, fromTag, cseqNum, cseqMethod)
	return hex.EncodeToString(h.Sum(nil)[:8])
}
