package sip

import (
	"context"
	"crypto/tls"
	"net"
	"net/netip"

	"braces.dev/errtrace"
)

// NewTLSTransport creates a SIP transport over the given TLS listener.
// The TLS config is used to dial outbound connections,
// pass nil to dial with the default config.
func NewTLSTransport(ls net.Listener, cfg *tls.Config, opts *ReliableTransportOptions) (*ReliableTransport, error) {
	var o ReliableTransportOptions
	if opts != nil {
		o = *opts
	}
	o.Streamed = true
	o.Secured = true
	if o.ConnDialer == nil {
		o.ConnDialer = TLSConnDialer(cfg)
	}
	return errtrace.Wrap2(NewReliableTransport(TransportProtoTLS, ls, &o))
}

// ListenTLSTransport listens on the TCP address and creates a SIP transport
// over TLS on top of it.
func ListenTLSTransport(addr string, cfg *tls.Config, opts *ReliableTransportOptions) (*ReliableTransport, error) {
	ls, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(NewTLSTransport(ls, cfg, opts))
}

// TLSConnDialer returns a [ConnDialer] that dials TLS connections with the given config.
func TLSConnDialer(cfg *tls.Config) ConnDialer {
	d := &tls.Dialer{Config: cfg}
	return ConnDialerFunc(func(ctx context.Context, network string, raddr netip.AddrPort) (net.Conn, error) {
		return errtrace.Wrap2(d.DialContext(ctx, network, raddr.String()))
	})
}
