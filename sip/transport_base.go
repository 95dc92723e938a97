package sip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/dns"
	"github.com/zenvoice/sipcore/header"
	"github.com/zenvoice/sipcore/internal/errorutil"
	"github.com/zenvoice/sipcore/internal/log"
	"github.com/zenvoice/sipcore/internal/types"
	"github.com/zenvoice/sipcore/internal/util"
)

// msgSendTimeout is the default timeout for sending a message.
const msgSendTimeout = time.Minute

// transpImpl is the wire-level part of a transport implemented by
// [UnreliableTransport] and [ReliableTransport].
type transpImpl interface {
	serve(ctx context.Context) error
	close(ctx context.Context) error
	writeTo(ctx context.Context, buf *bytes.Buffer, raddr netip.AddrPort, opts *transpWriteOpts) (netip.AddrPort, error)
}

type transpWriteOpts struct {
	// noDialConn restricts the write to already established connections.
	noDialConn bool
}

// deadlineWriter is the deadline surface shared by net.Conn and
// net.PacketConn.
type deadlineWriter interface {
	SetWriteDeadline(time.Time) error
}

// withWriteDeadline applies the context deadline, if any, to the writer
// for the duration of a single write.
func withWriteDeadline(ctx context.Context, w deadlineWriter, write func() error) error {
	if d, ok := ctx.Deadline(); ok {
		if err := w.SetWriteDeadline(d); err != nil {
			return errtrace.Wrap(err)
		}
		defer w.SetWriteDeadline(zeroTime)
	}
	return errtrace.Wrap(write())
}

// transpOpts is the resolved form of the public transport option
// structs, with every default applied.
type transpOpts struct {
	defaultPort uint16
	secured     bool
	streamed    bool
	parser      Parser
	sentBy      Addr
	connDialer  ConnDialer
	connIdleTTL time.Duration
	log         *slog.Logger
	dnsResolver DNSResolver
}

func (o *transpOpts) applyDefaults() {
	if o.defaultPort == 0 {
		o.defaultPort = 5060
	}
	if o.parser == nil {
		o.parser = DefaultParser()
	}
	if o.connDialer == nil {
		o.connDialer = DefaultConnDialer()
	}
	if o.connIdleTTL == 0 {
		o.connIdleTTL = defTimingCfg.TimeC()
	}
	if o.log == nil {
		o.log = log.Default()
	}
	if o.dnsResolver == nil {
		o.dnsResolver = dns.DefaultResolver()
	}
}

// baseTransp holds the wire-independent part of a transport: message
// rendering and parsing, Via stamping, callback dispatching and the
// transport lifecycle.
type baseTransp struct {
	impl     transpImpl
	meta     TransportMetadata
	laddr    netip.AddrPort
	sentBy   Addr
	dnsRslvr DNSResolver
	log      *slog.Logger

	// clnTp and srvTp hold the outermost transport value
	// passed to the callbacks and stored in the context.
	clnTp ClientTransport
	srvTp ServerTransport

	ctx    context.Context
	cancel context.CancelFunc

	onReqCbs types.CallbackManager[TransportRequestHandler]
	onResCbs types.CallbackManager[TransportResponseHandler]

	closing atomic.Bool
	closer  closeOnce
}

func newBaseTransp(
	impl transpImpl,
	meta TransportMetadata,
	laddr netip.AddrPort,
	opts transpOpts,
) *baseTransp {
	sentBy := opts.sentBy
	if sentBy.IsZero() {
		sentBy = HostPort(laddr.Addr().Unmap().String(), laddr.Port())
	}

	tp := &baseTransp{
		impl:     impl,
		meta:     meta,
		laddr:    laddr,
		sentBy:   sentBy,
		dnsRslvr: opts.dnsResolver,
	}
	tp.log = opts.log.With(
		slog.String("transport", string(meta.Proto)),
		slog.String("transport_local_addr", laddr.String()),
	)
	tp.ctx, tp.cancel = context.WithCancel(context.Background())

	tp.clnTp, tp.srvTp = tp, tp
	if t, ok := impl.(Transport); ok {
		tp.clnTp, tp.srvTp = t, t
	}
	return tp
}

func (tp *baseTransp) Proto() TransportProto { return tp.meta.Proto }

func (tp *baseTransp) Network() string { return tp.meta.Network }

func (tp *baseTransp) LocalAddr() netip.AddrPort { return tp.laddr }

func (tp *baseTransp) Reliable() bool { return tp.meta.Reliable }

func (tp *baseTransp) Secured() bool { return tp.meta.Secured }

func (tp *baseTransp) Streamed() bool { return tp.meta.Streamed }

func (tp *baseTransp) DefaultPort() uint16 { return tp.meta.DefaultPort }

func (tp *baseTransp) Log() *slog.Logger { return tp.log }

func (tp *baseTransp) String() string {
	return fmt.Sprintf("%s transport on %s", tp.meta.Proto, tp.laddr)
}

// Serve starts the transport read loop and blocks until the transport is closed.
func (tp *baseTransp) Serve() error {
	if tp.isClosing() {
		return errtrace.Wrap(ErrTransportClosed)
	}
	return errtrace.Wrap(tp.impl.serve(tp.ctx))
}

// Close closes the transport and releases the underlying sockets.
func (tp *baseTransp) Close() error {
	return errtrace.Wrap(tp.closer.do(func() error {
		tp.closing.Store(true)
		tp.cancel()
		return tp.impl.close(context.Background())
	}))
}

func (tp *baseTransp) isClosing() bool { return tp.closing.Load() }

// OnRequest registers a callback invoked for every received request.
func (tp *baseTransp) OnRequest(fn TransportRequestHandler) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	return tp.onReqCbs.Add(fn)
}

// OnResponse registers a callback invoked for every received response.
func (tp *baseTransp) OnResponse(fn TransportResponseHandler) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	return tp.onResCbs.Add(fn)
}

// SendRequest renders and sends the request to the request's remote address.
// The topmost Via header is stamped with the transport protocol and
// the "sent-by" address before sending.
func (tp *baseTransp) SendRequest(ctx context.Context, req *OutboundRequest, opts *SendRequestOptions) error {
	if req == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if tp.isClosing() {
		return errtrace.Wrap(ErrTransportClosed)
	}

	raddr := req.RemoteAddr()
	if !raddr.Addr().IsValid() {
		return errtrace.Wrap(NewInvalidArgumentError("invalid remote address"))
	}
	if raddr.Port() == 0 {
		raddr = netip.AddrPortFrom(raddr.Addr(), tp.meta.DefaultPort)
		req.SetRemoteAddr(raddr)
	}

	// RFC 3261 Section 18.1.1.
	req.UpdateMessage(func(msg *Request) {
		if tp.meta.Streamed || len(msg.Body) > 0 {
			msg.Headers.Set(header.ContentLength(len(msg.Body)))
		}
		if via, ok := msg.Headers.FirstVia(); ok {
			via.Proto = ProtoVer20()
			via.Transport = tp.meta.Proto
			via.Addr = tp.viaSentBy()
		}
	})
	if err := req.Validate(); err != nil {
		return errtrace.Wrap(err)
	}

	buf := borrowMsgBuf()
	defer releaseMsgBuf(buf)
	if _, err := req.RenderTo(buf, opts.rendOpts()); err != nil {
		return errtrace.Wrap(err)
	}
	if !tp.meta.Reliable && uint(buf.Len()) >= MTU {
		return errtrace.Wrap(ErrMessageTooLarge)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	laddr, err := tp.impl.writeTo(ctx, buf, raddr, nil)
	if err != nil {
		return errtrace.Wrap(err)
	}
	req.SetLocalAddr(laddr)

	tp.log.LogAttrs(ctx, slog.LevelDebug, "outbound request sent",
		slog.Any("request", req),
		slog.Any("remote_addr", raddr),
	)
	return nil
}

// SendResponse renders and sends the response to an address resolved from
// the topmost Via header with the steps defined in RFC 3261 Section 18.2.2
// and RFC 3263 Section 5.
func (tp *baseTransp) SendResponse(ctx context.Context, res *OutboundResponse, opts *SendResponseOptions) error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	if tp.isClosing() {
		return errtrace.Wrap(ErrTransportClosed)
	}
	var via header.ViaHop
	res.UpdateMessage(func(msg *Response) {
		if tp.meta.Streamed || len(msg.Body) > 0 {
			msg.Headers.Set(header.ContentLength(len(msg.Body)))
		}
		if v, ok := msg.Headers.FirstVia(); ok {
			via = v.Clone()
		}
	})
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(err)
	}
	if via.IsZero() {
		return errtrace.Wrap(NewInvalidMessageError(newMissHdrErr("Via")))
	}
	if via.Transport != tp.meta.Proto {
		return errtrace.Wrap(NewInvalidArgumentError(
			fmt.Sprintf("transport mismatch: got %q, want %q", via.Transport, tp.meta.Proto),
		))
	}

	buf := borrowMsgBuf()
	defer releaseMsgBuf(buf)
	if _, err := res.RenderTo(buf, opts.rendOpts()); err != nil {
		return errtrace.Wrap(err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	var sendErr error
	for _, raddr := range ResponseAddrs(ctx, via, tp.meta, tp.dnsRslvr) {
		// reuse an open connection when possible, dial only as a fallback
		laddr, err := tp.impl.writeTo(ctx, buf, raddr, &transpWriteOpts{noDialConn: true})
		if err != nil && errors.Is(err, errNoConn) {
			laddr, err = tp.impl.writeTo(ctx, buf, raddr, nil)
		}
		if err != nil {
			sendErr = err
			continue
		}

		res.SetLocalAddr(laddr)
		res.SetRemoteAddr(raddr)

		tp.log.LogAttrs(ctx, slog.LevelDebug, "outbound response sent",
			slog.Any("response", res),
			slog.Any("remote_addr", raddr),
		)
		return nil
	}
	if sendErr == nil {
		sendErr = ErrNoTarget
	}
	return errtrace.Wrap(sendErr)
}

// viaSentBy returns the Via "sent-by" address.
// A zero port in the configured sent-by address is replaced with the
// actual port the transport is bound to.
func (tp *baseTransp) viaSentBy() Addr {
	addr := tp.sentBy
	if port, ok := addr.Port(); ok && port == 0 {
		addr = HostPort(addr.Host(), tp.laddr.Port())
	}
	return addr
}

// inboundMsg is a message read from the wire together with its source address.
type inboundMsg struct {
	msg   Message
	raddr netip.AddrPort
}

// readMsgs drains the iterator dispatching each message to the registered
// callbacks. Parse failures are answered statelessly when possible and do
// not stop the loop. It returns nil when the iterator ends or the stream
// is closed by the peer, or the read error otherwise.
func (tp *baseTransp) readMsgs(ctx context.Context, msgs iter.Seq2[*inboundMsg, error]) error {
	for in, err := range msgs {
		if err != nil {
			if in == nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return errtrace.Wrap(err)
			}
			tp.handleParseErr(ctx, in, err)
			continue
		}
		if err := tp.handleMsg(ctx, in); err != nil && tp.meta.Reliable {
			// drop the poisoned stream, an unreliable socket keeps serving
			return errtrace.Wrap(err)
		}
	}
	return nil
}

const errHandlerPanic Error = "panic in the message handler"

func (tp *baseTransp) handleParseErr(ctx context.Context, in *inboundMsg, err error) {
	var perr *ParseError
	if !errors.As(err, &perr) || perr.Msg == nil {
		// trash or a keep-alive, skip silently
		tp.log.LogAttrs(ctx, slog.LevelDebug, "skip unparseable inbound data",
			slog.Any("remote_addr", in.raddr),
			slog.Any("error", err),
		)
		return
	}

	tp.log.LogAttrs(ctx, slog.LevelWarn, "failed to parse inbound message",
		slog.Any("remote_addr", in.raddr),
		slog.Any("error", err),
	)

	req, ok := perr.Msg.(*Request)
	if !ok {
		return
	}
	sts := ResponseStatusBadRequest
	if errors.Is(err, ErrEntityTooLarge) {
		sts = ResponseStatusRequestEntityTooLarge
	}
	tp.stampViaRecvParams(req, in.raddr)
	respondStateless(ctx, tp.srvTp, NewInboundRequest(req, tp.laddr, in.raddr), sts)
}

func (tp *baseTransp) handleMsg(ctx context.Context, in *inboundMsg) error {
	switch msg := in.msg.(type) {
	case *Request:
		tp.stampViaRecvParams(msg, in.raddr)
		req := NewInboundRequest(msg, tp.laddr, in.raddr)
		if !msg.IsValid() {
			tp.log.LogAttrs(ctx, slog.LevelWarn, "reject invalid inbound request",
				slog.Any("remote_addr", in.raddr),
				slog.Any("request", req),
			)
			respondStateless(ctx, tp.srvTp, req, ResponseStatusBadRequest)
			return nil
		}

		tp.log.LogAttrs(ctx, slog.LevelDebug, "inbound request received",
			slog.Any("remote_addr", in.raddr),
			slog.Any("request", req),
		)

		ctx := context.WithValue(ctx, srvTranspCtxKey, tp.srvTp)
		var panicked bool
		for fn := range tp.onReqCbs.All() {
			panicked = tp.callReqHandler(ctx, fn, req) || panicked
		}
		if panicked {
			return errtrace.Wrap(errHandlerPanic)
		}
	case *Response:
		// RFC 3261 Section 18.1.2.
		via, ok := msg.Headers.FirstVia()
		if !ok || !util.EqFold(via.Addr.Host(), tp.sentBy.Host()) {
			tp.log.LogAttrs(ctx, slog.LevelDebug,
				`discard inbound response due to Via "sent-by" mismatch`,
				slog.Any("remote_addr", in.raddr),
				slog.Any("response", msg),
			)
			return nil
		}
		if !msg.IsValid() {
			tp.log.LogAttrs(ctx, slog.LevelWarn, "discard invalid inbound response",
				slog.Any("remote_addr", in.raddr),
				slog.Any("response", msg),
			)
			return nil
		}

		res := NewInboundResponse(msg, tp.laddr, in.raddr)
		tp.log.LogAttrs(ctx, slog.LevelDebug, "inbound response received",
			slog.Any("remote_addr", in.raddr),
			slog.Any("response", res),
		)

		ctx := context.WithValue(ctx, clnTranspCtxKey, tp.clnTp)
		var panicked bool
		for fn := range tp.onResCbs.All() {
			panicked = tp.callResHandler(ctx, fn, res) || panicked
		}
		if panicked {
			return errtrace.Wrap(errHandlerPanic)
		}
	}
	return nil
}

func (tp *baseTransp) callReqHandler(ctx context.Context, fn TransportRequestHandler, req *InboundRequest) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			tp.log.LogAttrs(ctx, slog.LevelError, "panic in the request handler",
				slog.Any("request", req),
				slog.Any("error", r),
			)
			respondStateless(ctx, tp.srvTp, req, ResponseStatusServerInternalError)
		}
	}()
	fn(ctx, tp.srvTp, req)
	return false
}

func (tp *baseTransp) callResHandler(ctx context.Context, fn TransportResponseHandler, res *InboundResponse) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			tp.log.LogAttrs(ctx, slog.LevelError, "panic in the response handler",
				slog.Any("response", res),
				slog.Any("error", r),
			)
		}
	}()
	fn(ctx, tp.clnTp, res)
	return false
}

// stampViaRecvParams populates the "received" and "rport" parameters of the
// topmost Via header as defined in RFC 3261 Section 18.2.1 and RFC 3581 Section 4.
func (tp *baseTransp) stampViaRecvParams(req *Request, raddr netip.AddrPort) {
	via, ok := req.Headers.FirstVia()
	if !ok {
		return
	}

	srcIP := raddr.Addr().Unmap()
	if viaIP := via.Addr.IP(); viaIP == nil || !viaIP.Equal(net.IP(srcIP.AsSlice())) {
		if via.Params == nil {
			via.Params = make(header.Values)
		}
		via.Params.Set("received", srcIP.String())
	}
	if via.Params.Has("rport") {
		via.Params.Set("rport", strconv.FormatUint(uint64(raddr.Port()), 10))
	}
}

// streamMsgs parses messages from the stream connection.
// Read errors and errors breaking the stream framing end the iteration,
// the resyncable grammar errors do not.
func streamMsgs(conn net.Conn, prs Parser, readTimeout time.Duration) iter.Seq2[*inboundMsg, error] {
	return func(yield func(*inboundMsg, error) bool) {
		raddr, err := netip.ParseAddrPort(conn.RemoteAddr().String())
		if err != nil {
			yield(nil, errtrace.Wrap(errorutil.Errorf("parse remote address: %w", err)))
			return
		}

		rdr := &timedReadConn{Conn: conn, readTimeout: readTimeout}
		for {
			restart := false
			for msg, err := range prs.ParseStream(rdr) {
				if err != nil {
					var perr *ParseError
					if !errors.As(err, &perr) {
						if errorutil.IsTimeoutErr(err) || errorutil.IsTemporaryErr(err) {
							restart = true
							break
						}
						// read error or end of the stream
						yield(nil, errtrace.Wrap(err))
						return
					}
					if !yield(&inboundMsg{raddr: raddr}, err) {
						return
					}
					if !perr.Grammar() {
						// stream framing is lost
						return
					}
					continue
				}
				if !yield(&inboundMsg{msg: msg, raddr: raddr}, nil) {
					return
				}
			}
			if !restart {
				return
			}
		}
	}
}

// packetMsgs parses each read packet as a standalone message.
// Timeout and temporary read errors do not end the iteration.
func packetMsgs(conn net.PacketConn, prs Parser, readTimeout time.Duration) iter.Seq2[*inboundMsg, error] {
	return func(yield func(*inboundMsg, error) bool) {
		rdr := &timedReadPacketConn{PacketConn: conn, readTimeout: readTimeout}
		buf := make([]byte, MaxMsgSize)
		var tempDelay time.Duration
		for {
			num, addr, err := rdr.ReadFrom(buf)
			if err != nil {
				if errorutil.IsTimeoutErr(err) {
					continue
				}
				if errorutil.IsTemporaryErr(err) {
					if tempDelay == 0 {
						tempDelay = 5 * time.Millisecond
					} else {
						tempDelay *= 2
					}
					if v := time.Second; tempDelay > v {
						tempDelay = v
					}
					time.Sleep(tempDelay)
					continue
				}
				yield(nil, errtrace.Wrap(err))
				return
			}
			tempDelay = 0

			raddr, err := netip.ParseAddrPort(addr.String())
			if err != nil {
				yield(nil, errtrace.Wrap(errorutil.Errorf("parse remote address: %w", err)))
				return
			}

			msg, err := prs.ParsePacket(buf[:num])
			if err != nil {
				if !yield(&inboundMsg{raddr: raddr}, err) {
					return
				}
				continue
			}
			if !yield(&inboundMsg{msg: msg, raddr: raddr}, nil) {
				return
			}
		}
	}
}
