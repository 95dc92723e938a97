// Package dialog implements the SIP dialog layer defined in RFC 3261 Section 12.
//
// A [Dialog] captures the call-level peer-to-peer relationship established by
// an INVITE transaction: the Call-ID, the local and remote tags, the remote
// target and the route set learned from Record-Route headers. The [Manager]
// owns the dialog table, matches inbound in-dialog requests to their dialogs
// and enforces the remote CSeq ordering rules.
package dialog
