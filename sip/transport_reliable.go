package sip

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/errorutil"
)

// ReliableTransportOptions customize a reliable transport.
type ReliableTransportOptions struct {
	// DefaultPort is the well-known port of the transport protocol.
	// It completes remote addresses given without a port and DNS lookups
	// of the message destination. Default is 5060.
	DefaultPort uint16
	// Secured marks the transport as secured. Default is false.
	Secured bool
	// Streamed selects stream reads over packet reads.
	// Set to true for protocols like TCP, false for framed protocols like SCTP.
	// Default is false.
	Streamed bool
	// Parser parses inbound SIP messages. Nil means [DefaultParser].
	Parser Parser
	// SentBy is a "host[:port]" used to build the Via's "sent-by" field.
	// To force the transport append actual port used, build [Addr] with zero port.
	// If zero, the transport's local address is used.
	SentBy Addr
	// ConnIdleTTL closes a connection idle for the given duration. The idle
	// timer resets on every message sent or received. -1 disables the timer
	// so connections stay open until transport shutdown. Zero means the
	// value of defTimingCfg.TimeC(), 5m by default.
	ConnIdleTTL time.Duration
	// ConnDialer dials outbound connections. Nil means [DefaultConnDialer].
	ConnDialer ConnDialer
	// Log is the transport logger. Nil means [log.Default].
	Log *slog.Logger
	// DNSResolver resolves the message destination. Nil means [dns.DefaultResolver].
	DNSResolver DNSResolver
}

func (o *ReliableTransportOptions) resolved() transpOpts {
	var out transpOpts
	if o != nil {
		out = transpOpts{
			defaultPort: o.DefaultPort,
			secured:     o.Secured,
			streamed:    o.Streamed,
			parser:      o.Parser,
			sentBy:      o.SentBy,
			connDialer:  o.ConnDialer,
			connIdleTTL: o.ConnIdleTTL,
			log:         o.Log,
			dnsResolver: o.DNSResolver,
		}
	}
	out.applyDefaults()
	return out
}

// ReliableTransport is a [Transport] over a connection-oriented network
// protocol. It accepts inbound connections from its listener and dials
// outbound ones on demand.
type ReliableTransport struct {
	*baseTransp
	lsnr        net.Listener
	parser      Parser
	connDialer  ConnDialer
	connIdleTTL time.Duration
	connTracker
	connSrvWg sync.WaitGroup
}

// NewReliableTransport creates a new [ReliableTransport]. Transport protocol
// and listener are required, nil opts select the defaults.
func NewReliableTransport(
	proto TransportProto,
	ls net.Listener,
	opts *ReliableTransportOptions,
) (*ReliableTransport, error) {
	if !proto.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid protocol"))
	}
	if ls == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid listener"))
	}

	o := opts.resolved()
	tp := new(ReliableTransport)
	tp.baseTransp = newBaseTransp(
		tp,
		TransportMetadata{
			Proto:       proto,
			Network:     ls.Addr().Network(),
			Reliable:    true,
			Secured:     o.secured,
			Streamed:    o.streamed,
			DefaultPort: o.defaultPort,
		},
		netip.MustParseAddrPort(ls.Addr().String()),
		o,
	)
	tp.lsnr = newOnceCloseListener(newDebugListener(ls, tp.log))
	tp.parser = o.parser
	tp.connDialer = o.connDialer
	tp.connIdleTTL = o.connIdleTTL
	return tp, nil
}

func (tp *ReliableTransport) close(context.Context) error {
	err := tp.lsnr.Close()
	for c := range tp.allConns() {
		c.Close()
	}
	tp.connSrvWg.Wait()
	return errtrace.Wrap(err)
}

// connFor returns the connection to write to raddr over, dialing a new one
// unless the write options forbid it.
func (tp *ReliableTransport) connFor(ctx context.Context, raddr netip.AddrPort, opts *transpWriteOpts) (net.Conn, error) {
	if opts != nil && opts.noDialConn {
		conn, ok := tp.getConn(raddr)
		if !ok {
			return nil, errtrace.Wrap(errNoConn)
		}
		return conn, nil
	}

	return errtrace.Wrap2(tp.getOrDialConn(raddr, func(raddr netip.AddrPort) (net.Conn, error) {
		c, err := tp.connDialer.DialConn(ctx, tp.meta.Network, raddr)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return tp.initConn(c), nil
	}))
}

func (tp *ReliableTransport) writeTo(
	ctx context.Context,
	buf *bytes.Buffer,
	raddr netip.AddrPort,
	opts *transpWriteOpts,
) (netip.AddrPort, error) {
	conn, err := tp.connFor(ctx, raddr, opts)
	if err != nil {
		return zeroAddrPort, errtrace.Wrap(err)
	}

	err = withWriteDeadline(ctx, conn, func() error {
		_, err := conn.Write(buf.Bytes())
		return errtrace.Wrap(err)
	})
	if err != nil {
		return zeroAddrPort, errtrace.Wrap(err)
	}
	return netip.MustParseAddrPort(conn.LocalAddr().String()), nil
}

func (tp *ReliableTransport) serve(ctx context.Context) error {
	defer tp.lsnr.Close()

	tp.log.LogAttrs(ctx, slog.LevelDebug, "listener serve loop started", slog.Any("listener", tp.lsnr))
	defer tp.log.LogAttrs(ctx, slog.LevelDebug, "listener serve loop finished", slog.Any("listener", tp.lsnr))

	var backoff time.Duration
	for {
		conn, err := tp.lsnr.Accept()
		if err == nil {
			backoff = 0
			tp.trackConn(tp.initConn(conn))
			continue
		}
		if !errorutil.IsTemporaryErr(err) {
			return errtrace.Wrap(closedOr(ctx, err))
		}

		// Accept failures like EMFILE tend to clear up on their own,
		// so back off and retry instead of tearing the listener down.
		backoff = min(max(2*backoff, 5*time.Millisecond), time.Minute)

		tp.log.LogAttrs(ctx, slog.LevelDebug,
			"failed to accept connection due to the temporary error, continue serving after delay...",
			slog.Any("error", err),
			slog.Duration("delay", backoff),
		)

		tmr := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return errtrace.Wrap(ErrTransportClosed)
		case <-tmr.C:
		}
	}
}

// closedOr reports ErrTransportClosed once the context is canceled,
// masking the I/O error the shutdown provoked.
func closedOr(ctx context.Context, err error) error {
	select {
	case <-ctx.Done():
		return ErrTransportClosed
	default:
		return errtrace.Wrap(err)
	}
}

func (tp *ReliableTransport) initConn(conn net.Conn) net.Conn {
	conn = newIdleCloseConn(
		newOnceCloseConn(
			newDebugConn(conn, tp.log),
		),
		tp.connIdleTTL,
	)
	tp.connSrvWg.Go(func() {
		err := tp.serveConn(conn)
		if err != nil && !errors.Is(err, ErrTransportClosed) && !errors.Is(err, net.ErrClosed) {
			tp.log.LogAttrs(tp.ctx, slog.LevelWarn, "connection serve failed",
				slog.Any("connection", conn),
				slog.Any("error", err),
			)
		}
	})
	return conn
}

func (tp *ReliableTransport) serveConn(conn net.Conn) error {
	defer func() {
		tp.untrackConn(conn)
		conn.Close()
	}()

	tp.log.LogAttrs(tp.ctx, slog.LevelDebug, "connection serve loop started", slog.Any("connection", conn))
	defer tp.log.LogAttrs(tp.ctx, slog.LevelDebug, "connection serve loop finished", slog.Any("connection", conn))

	msgs := packetMsgs(&connAsPacket{conn}, tp.parser, time.Minute)
	if tp.meta.Streamed {
		msgs = streamMsgs(conn, tp.parser, time.Minute)
	}

	return errtrace.Wrap(closedOr(tp.ctx, tp.readMsgs(tp.ctx, msgs)))
}

// connTracker indexes live connections by remote address.
// The dial in getOrDialConn runs under the write lock, so concurrent
// writers to the same destination share a single connection.
type connTracker struct {
	mu    sync.RWMutex
	conns map[netip.AddrPort]net.Conn
}

func connRemote(c net.Conn) netip.AddrPort {
	return netip.MustParseAddrPort(c.RemoteAddr().String())
}

func (trk *connTracker) put(raddr netip.AddrPort, c net.Conn) {
	if trk.conns == nil {
		trk.conns = make(map[netip.AddrPort]net.Conn)
	}
	trk.conns[raddr] = c
}

func (trk *connTracker) trackConn(c net.Conn) {
	trk.mu.Lock()
	defer trk.mu.Unlock()

	trk.put(connRemote(c), c)
}

func (trk *connTracker) untrackConn(c net.Conn) {
	trk.mu.Lock()
	defer trk.mu.Unlock()

	delete(trk.conns, connRemote(c))
}

func (trk *connTracker) getConn(raddr netip.AddrPort) (net.Conn, bool) {
	trk.mu.RLock()
	defer trk.mu.RUnlock()

	c, ok := trk.conns[raddr]
	return c, ok
}

func (trk *connTracker) getOrDialConn(raddr netip.AddrPort, dialConn func(netip.AddrPort) (net.Conn, error)) (net.Conn, error) {
	trk.mu.Lock()
	defer trk.mu.Unlock()

	c, ok := trk.conns[raddr]
	if !ok {
		var err error
		if c, err = dialConn(raddr); err != nil {
			return nil, errtrace.Wrap(err)
		}
		trk.put(raddr, c)
	}
	return c, nil
}

func (trk *connTracker) allConns() iter.Seq[net.Conn] {
	return func(yield func(net.Conn) bool) {
		trk.mu.RLock()
		defer trk.mu.RUnlock()

		for _, c := range trk.conns {
			if !yield(c) {
				return
			}
		}
	}
}
