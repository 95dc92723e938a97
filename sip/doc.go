// Package sip implements the SIP message, transport and transaction
// layers of RFC 3261.
//
// Messages are parsed and rendered with [ParseMessage] and the
// [Request] and [Response] types, carried over the UDP, TCP and TLS
// transports of the [TransportLayer], and matched to the client and
// server transaction state machines of RFC 3261 Section 17 by the
// [TransactionLayer]. Server location follows RFC 3263 and symmetric
// response routing follows RFC 3581.
package sip
