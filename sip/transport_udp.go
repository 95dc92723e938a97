package sip

import (
	"net"

	"braces.dev/errtrace"
)

// NewUDPTransport creates a SIP transport over the given UDP packet connection.
func NewUDPTransport(conn net.PacketConn, opts *UnreliableTransportOptions) (*UnreliableTransport, error) {
	return errtrace.Wrap2(NewUnreliableTransport(TransportProtoUDP, conn, opts))
}

// ListenUDPTransport listens on the UDP address and creates a SIP transport over it.
func ListenUDPTransport(addr string, opts *UnreliableTransportOptions) (*UnreliableTransport, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(NewUnreliableTransport(TransportProtoUDP, conn, opts))
}
