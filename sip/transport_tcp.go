package sip

import (
	"net"

	"braces.dev/errtrace"
)

// NewTCPTransport creates a SIP transport over the given TCP listener.
func NewTCPTransport(ls net.Listener, opts *ReliableTransportOptions) (*ReliableTransport, error) {
	var o ReliableTransportOptions
	if opts != nil {
		o = *opts
	}
	o.Streamed = true
	o.Secured = false
	return errtrace.Wrap2(NewReliableTransport(TransportProtoTCP, ls, &o))
}

// ListenTCPTransport listens on the TCP address and creates a SIP transport over it.
func ListenTCPTransport(addr string, opts *ReliableTransportOptions) (*ReliableTransport, error) {
	ls, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(NewTCPTransport(ls, opts))
}
