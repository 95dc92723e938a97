package sip

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"braces.dev/errtrace"
)

// UnreliableTransportOptions customize an unreliable transport.
type UnreliableTransportOptions struct {
	// DefaultPort is the well-known port of the transport protocol.
	// It completes remote addresses given without a port and DNS lookups
	// of the message destination. Default is 5060.
	DefaultPort uint16
	// Secured marks the transport as secured. Default is false.
	Secured bool
	// Parser parses inbound SIP messages. Nil means [DefaultParser].
	Parser Parser
	// SentBy is a "host[:port]" used to build the Via's "sent-by" field.
	// To force the transport append actual port used, build [Addr] with zero port.
	// If zero, the transport's local address is used.
	SentBy Addr
	// Logger is the transport logger. Nil means [log.Default].
	Logger *slog.Logger
	// DNSResolver resolves the message destination. Nil means [dns.DefaultResolver].
	DNSResolver DNSResolver
}

func (o *UnreliableTransportOptions) resolved() transpOpts {
	var out transpOpts
	if o != nil {
		out = transpOpts{
			defaultPort: o.DefaultPort,
			secured:     o.Secured,
			parser:      o.Parser,
			sentBy:      o.SentBy,
			log:         o.Logger,
			dnsResolver: o.DNSResolver,
		}
	}
	out.applyDefaults()
	return out
}

// UnreliableTransport is a [Transport] over a packet-oriented network
// protocol, reading and writing datagrams on a single packet connection.
type UnreliableTransport struct {
	*baseTransp
	conn   net.PacketConn
	parser Parser
}

// NewUnreliableTransport creates a new [UnreliableTransport]. Transport
// protocol and connection are required, nil opts select the defaults.
func NewUnreliableTransport(
	proto TransportProto,
	conn net.PacketConn,
	opts *UnreliableTransportOptions,
) (*UnreliableTransport, error) {
	if !proto.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid protocol"))
	}
	if conn == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid connection"))
	}

	o := opts.resolved()
	tp := new(UnreliableTransport)
	tp.baseTransp = newBaseTransp(
		tp,
		TransportMetadata{
			Proto:       proto,
			Network:     conn.LocalAddr().Network(),
			Secured:     o.secured,
			DefaultPort: o.defaultPort,
		},
		netip.MustParseAddrPort(conn.LocalAddr().String()),
		o,
	)
	tp.conn = newOnceClosePacketConn(newDebugPacketConn(conn, tp.log))
	tp.parser = o.parser
	return tp, nil
}

func (tp *UnreliableTransport) close(context.Context) error {
	return errtrace.Wrap(tp.conn.Close())
}

func (tp *UnreliableTransport) writeTo(
	ctx context.Context,
	buf *bytes.Buffer,
	raddr netip.AddrPort,
	_ *transpWriteOpts,
) (netip.AddrPort, error) {
	err := withWriteDeadline(ctx, tp.conn, func() error {
		_, err := tp.conn.WriteTo(buf.Bytes(), netAddrFrom(tp.meta.Network, raddr))
		return errtrace.Wrap(err)
	})
	if err != nil {
		return zeroAddrPort, errtrace.Wrap(err)
	}
	return tp.laddr, nil
}

func (tp *UnreliableTransport) serve(ctx context.Context) error {
	defer tp.conn.Close()

	tp.log.LogAttrs(ctx, slog.LevelDebug, "connection serve loop started", slog.Any("connection", tp.conn))
	defer tp.log.LogAttrs(ctx, slog.LevelDebug, "connection serve loop finished", slog.Any("connection", tp.conn))

	err := tp.readMsgs(ctx, packetMsgs(tp.conn, tp.parser, time.Minute))
	if tp.isClosing() {
		return errtrace.Wrap(ErrTransportClosed)
	}
	return errtrace.Wrap(err)
}
