package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/errorutil"
	"github.com/zenvoice/sipcore/internal/util"
)

// closeOnce latches the first Close result of a wrapped endpoint.
type closeOnce struct {
	once sync.Once
	err  error
}

func (o *closeOnce) do(close func() error) error {
	o.once.Do(func() { o.err = close() })
	return o.err
}

type onceCloseListener struct {
	net.Listener
	closer closeOnce
}

func newOnceCloseListener(ls net.Listener) *onceCloseListener {
	if ls, ok := ls.(*onceCloseListener); ok {
		return ls
	}
	return &onceCloseListener{Listener: ls}
}

func (ls *onceCloseListener) Close() error {
	return errtrace.Wrap(ls.closer.do(ls.Listener.Close))
}

type onceCloseConn struct {
	net.Conn
	closer closeOnce
}

func newOnceCloseConn(conn net.Conn) *onceCloseConn {
	if conn, ok := conn.(*onceCloseConn); ok {
		return conn
	}
	return &onceCloseConn{Conn: conn}
}

func (c *onceCloseConn) Close() error {
	return errtrace.Wrap(c.closer.do(c.Conn.Close))
}

type onceClosePacketConn struct {
	net.PacketConn
	closer closeOnce
}

func newOnceClosePacketConn(conn net.PacketConn) *onceClosePacketConn {
	if conn, ok := conn.(*onceClosePacketConn); ok {
		return conn
	}
	return &onceClosePacketConn{PacketConn: conn}
}

func (c *onceClosePacketConn) Close() error {
	return errtrace.Wrap(c.closer.do(c.PacketConn.Close))
}

// idleCloseConn closes the connection after ttl without traffic.
// Every successful read or write pushes the deadline out again.
type idleCloseConn struct {
	net.Conn
	ttl time.Duration
	tmr atomic.Pointer[time.Timer]
}

func newIdleCloseConn(conn net.Conn, ttl time.Duration) *idleCloseConn {
	if conn, ok := conn.(*idleCloseConn); ok {
		return conn
	}
	c := &idleCloseConn{Conn: conn, ttl: ttl}
	c.touch()
	return c
}

func (c *idleCloseConn) touch() {
	if c.ttl <= 0 {
		return
	}
	tmr := c.tmr.Load()
	if tmr == nil {
		c.tmr.Store(time.AfterFunc(c.ttl, func() { c.Close() }))
		return
	}
	if !tmr.Reset(c.ttl) {
		// already fired
		tmr.Stop()
	}
}

func (c *idleCloseConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err == nil {
		c.touch()
	}
	return n, errtrace.Wrap(err)
}

func (c *idleCloseConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err == nil {
		c.touch()
	}
	return n, errtrace.Wrap(err)
}

func (c *idleCloseConn) Close() error {
	if tmr := c.tmr.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	return errtrace.Wrap(c.Conn.Close())
}

// Debug wrappers trace endpoint traffic and lifecycle at debug level.

const logBufLimit = 1000

// logIO funnels the result of a read or write through the debug log,
// skipping the log entry on failure.
func logIO(log *slog.Logger, verb string, from, to any, b []byte, n int, err error) (int, error) {
	if err != nil {
		return n, errtrace.Wrap(err)
	}
	log.LogAttrs(context.Background(), slog.LevelDebug,
		fmt.Sprintf("connection %s buffer %s -> %s", verb, from, to),
		slog.Group("buffer",
			slog.Int("size", n),
			slog.String("data", util.Ellipsis(string(b[:n]), logBufLimit)),
		),
	)
	return n, nil
}

func logClose(log *slog.Logger, what string, err error) error {
	if err != nil {
		log.LogAttrs(context.Background(), slog.LevelDebug, what+" closed with error", slog.Any("error", err))
	} else {
		log.LogAttrs(context.Background(), slog.LevelDebug, what+" closed")
	}
	return errtrace.Wrap(err)
}

// logDeadline applies the deadline via set and records it on success.
func logDeadline(log *slog.Logger, what string, t time.Time, set func(time.Time) error) error {
	if err := set(t); err != nil {
		return errtrace.Wrap(err)
	}
	log.LogAttrs(context.Background(), slog.LevelDebug, "connection set "+what, slog.Time("deadline", t))
	return nil
}

type debugListener struct {
	net.Listener
	log *slog.Logger
}

func newDebugListener(ls net.Listener, log *slog.Logger) *debugListener {
	if ls, ok := ls.(*debugListener); ok {
		return ls
	}
	return &debugListener{Listener: ls, log: log.With("listener", ls)}
}

func (ls *debugListener) Accept() (net.Conn, error) {
	conn, err := ls.Listener.Accept()
	if err == nil {
		ls.log.LogAttrs(context.Background(), slog.LevelDebug, "connection accepted", slog.Any("connection", conn))
	}
	return conn, errtrace.Wrap(err)
}

func (ls *debugListener) Close() error {
	return errtrace.Wrap(logClose(ls.log, "listener", ls.Listener.Close()))
}

type debugConn struct {
	net.Conn
	log *slog.Logger
}

func newDebugConn(conn net.Conn, log *slog.Logger) *debugConn {
	if conn, ok := conn.(*debugConn); ok {
		return conn
	}
	return &debugConn{Conn: conn, log: log.With("connection", conn)}
}

func (c *debugConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	return errtrace.Wrap2(logIO(c.log, "read", c.RemoteAddr(), c.LocalAddr(), b, n, err))
}

func (c *debugConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	return errtrace.Wrap2(logIO(c.log, "wrote", c.LocalAddr(), c.RemoteAddr(), b, n, err))
}

func (c *debugConn) Close() error {
	return errtrace.Wrap(logClose(c.log, "connection", c.Conn.Close()))
}

func (c *debugConn) SetDeadline(t time.Time) error {
	return errtrace.Wrap(logDeadline(c.log, "deadline", t, c.Conn.SetDeadline))
}

func (c *debugConn) SetReadDeadline(t time.Time) error {
	return errtrace.Wrap(logDeadline(c.log, "read deadline", t, c.Conn.SetReadDeadline))
}

func (c *debugConn) SetWriteDeadline(t time.Time) error {
	return errtrace.Wrap(logDeadline(c.log, "write deadline", t, c.Conn.SetWriteDeadline))
}

type debugPacketConn struct {
	net.PacketConn
	log *slog.Logger
}

func newDebugPacketConn(conn net.PacketConn, log *slog.Logger) *debugPacketConn {
	if conn, ok := conn.(*debugPacketConn); ok {
		return conn
	}
	return &debugPacketConn{PacketConn: conn, log: log.With("connection", conn)}
}

func (c *debugPacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, addr, err := c.PacketConn.ReadFrom(b)
	n, err = logIO(c.log, "read", addr, c.LocalAddr(), b, n, err)
	return n, addr, errtrace.Wrap(err)
}

func (c *debugPacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	n, err := c.PacketConn.WriteTo(b, addr)
	return errtrace.Wrap2(logIO(c.log, "wrote", c.LocalAddr(), addr, b, n, err))
}

func (c *debugPacketConn) Close() error {
	return errtrace.Wrap(logClose(c.log, "connection", c.PacketConn.Close()))
}

func (c *debugPacketConn) SetDeadline(t time.Time) error {
	return errtrace.Wrap(logDeadline(c.log, "deadline", t, c.PacketConn.SetDeadline))
}

func (c *debugPacketConn) SetReadDeadline(t time.Time) error {
	return errtrace.Wrap(logDeadline(c.log, "read deadline", t, c.PacketConn.SetReadDeadline))
}

func (c *debugPacketConn) SetWriteDeadline(t time.Time) error {
	return errtrace.Wrap(logDeadline(c.log, "write deadline", t, c.PacketConn.SetWriteDeadline))
}

// connAsPacket adapts a stream connection to the packet interface so
// the framer can treat both uniformly.
type connAsPacket struct {
	net.Conn
}

func (c *connAsPacket) ReadFrom(b []byte) (int, net.Addr, error) {
	if conn, ok := c.Conn.(net.PacketConn); ok {
		return errtrace.Wrap3(conn.ReadFrom(b))
	}
	n, err := c.Conn.Read(b)
	return n, c.Conn.RemoteAddr(), errtrace.Wrap(err)
}

func (c *connAsPacket) WriteTo(b []byte, addr net.Addr) (int, error) {
	if conn, ok := c.Conn.(net.PacketConn); ok {
		return errtrace.Wrap2(conn.WriteTo(b, addr))
	}
	return errtrace.Wrap2(c.Conn.Write(b))
}

// armReadDeadline sets a read deadline d from now and returns the reset
// closure for the caller to defer. A non-positive d arms nothing.
func armReadDeadline(set func(time.Time) error, d time.Duration) (func(), error) {
	if d <= 0 {
		return func() {}, nil
	}
	if err := set(time.Now().Add(d)); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return func() { set(zeroTime) }, nil
}

// timedReadConn applies a fresh read deadline per Read call.
type timedReadConn struct {
	net.Conn
	readTimeout time.Duration
}

func (c *timedReadConn) Read(b []byte) (int, error) {
	reset, err := armReadDeadline(c.Conn.SetReadDeadline, c.readTimeout)
	if err != nil {
		return 0, errtrace.Wrap(err)
	}
	defer reset()
	return errtrace.Wrap2(c.Conn.Read(b))
}

type timedReadPacketConn struct {
	net.PacketConn
	readTimeout time.Duration
}

func (c *timedReadPacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	reset, err := armReadDeadline(c.PacketConn.SetReadDeadline, c.readTimeout)
	if err != nil {
		return 0, nil, errtrace.Wrap(err)
	}
	defer reset()
	return errtrace.Wrap3(c.PacketConn.ReadFrom(b))
}

func netAddrFrom(network string, addrPort netip.AddrPort) net.Addr {
	ip, zone := addrPort.Addr().AsSlice(), addrPort.Addr().Zone()
	switch strings.ToLower(network) {
	case "udp", "udp4", "udp6":
		return &net.UDPAddr{IP: ip, Port: int(addrPort.Port()), Zone: zone}
	case "tcp", "tcp4", "tcp6":
		return &net.TCPAddr{IP: ip, Port: int(addrPort.Port()), Zone: zone}
	case "ip", "ip4", "ip6":
		return &net.IPAddr{IP: ip, Zone: zone}
	case "unix", "unixgram", "unixpacket":
		panic(errorutil.Errorf("unexpected network %q", network))
	default:
		return &netAddr{network: network, addr: addrPort.String()}
	}
}

type netAddr struct {
	network string
	addr    string
}

func (a *netAddr) Network() string { return a.network }

func (a *netAddr) String() string { return a.addr }

// NetConnDialer dials with a plain [net.Dialer].
type NetConnDialer struct {
	net.Dialer
}

func (d *NetConnDialer) DialConn(ctx context.Context, network string, raddr netip.AddrPort) (net.Conn, error) {
	return errtrace.Wrap2(d.DialContext(ctx, network, raddr.String()))
}

var defConnDialer = &NetConnDialer{}

// DefaultConnDialer returns the shared [NetConnDialer].
func DefaultConnDialer() *NetConnDialer { return defConnDialer }
