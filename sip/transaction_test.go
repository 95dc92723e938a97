package sip_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/zenvoice/sipcore/header"
	"github.com/zenvoice/sipcore/sip"
	"github.com/zenvoice/sipcore/uri"
)

// newInviteReq builds the INVITE the transaction tests run against.
// An empty branch falls back to a fixed RFC 3261 branch token.
func newInviteReq(
	tb testing.TB,
	tp sip.TransportProto,
	branch string,
	rmtAddr netip.AddrPort,
) *sip.Request {
	tb.Helper()

	if branch == "" {
		branch = sip.MagicCookie + ".tx0"
	}

	hdrs := make(sip.Headers)
	hdrs.Set(header.Via{{
		Proto:     sip.ProtoVer20(),
		Transport: tp,
		Addr:      header.HostPort(rmtAddr.Addr().String(), rmtAddr.Port()),
		Params:    make(header.Values).Set("branch", branch),
	}})
	hdrs.Set(&header.From{
		URI:    &uri.SIP{User: uri.User("dave"), Addr: uri.Host("biloxi.example.com")},
		Params: make(header.Values).Set("tag", "7f3e92"),
	})
	hdrs.Set(&header.To{
		URI: &uri.SIP{User: uri.User("carol"), Addr: uri.Host("atlanta.example.com")},
	})
	hdrs.Set(header.CallID("91c2-7f3e@biloxi.example.com"))
	hdrs.Set(&header.CSeq{SeqNum: 1, Method: sip.RequestMethodInvite})
	hdrs.Set(header.MaxForwards(70))

	return &sip.Request{
		Proto:  sip.ProtoVer20(),
		Method: sip.RequestMethodInvite,
		URI: &uri.SIP{
			User: uri.User("carol"),
			Addr: uri.Host("atlanta.example.com"),
		},
		Headers: hdrs,
	}
}

// newOutReq wraps msg as an outbound request bound to the given addresses.
func newOutReq(tb testing.TB, msg *sip.Request, locAddr, rmtAddr netip.AddrPort) *sip.OutboundRequest {
	tb.Helper()

	req := sip.NewOutboundRequest(msg)
	req.SetLocalAddr(locAddr)
	req.SetRemoteAddr(rmtAddr)
	return req
}

func newInInviteReq(
	tb testing.TB,
	tp sip.TransportProto,
	branch string,
	locAddr, rmtAddr netip.AddrPort,
) *sip.InboundRequest {
	tb.Helper()
	return sip.NewInboundRequest(newInviteReq(tb, tp, branch, rmtAddr), locAddr, rmtAddr)
}

func newOutInviteReq(
	tb testing.TB,
	tp sip.TransportProto,
	branch string,
	locAddr, rmtAddr netip.AddrPort,
) *sip.OutboundRequest {
	tb.Helper()
	return newOutReq(tb, newInviteReq(tb, tp, branch, rmtAddr), locAddr, rmtAddr)
}

// newAckReq derives the ACK for a responded INVITE. An ACK for a 2xx forms
// its own transaction and gets a fresh branch.
func newAckReq(tb testing.TB, invite *sip.Request, res *sip.Response) *sip.Request {
	tb.Helper()

	ack := invite.Clone().(*sip.Request) //nolint:forcetypeassert
	ack.Method = sip.RequestMethodAck

	via, hasVia := ack.Headers.FirstVia()
	if hasVia && res.Status.IsSuccessful() {
		if branch, _ := via.Branch(); sip.IsRFC3261Branch(branch) {
			via.Params.Set("branch", branch+".ack")
		}
	}
	if cseq, ok := ack.Headers.CSeq(); ok {
		ack.Headers.Set(&header.CSeq{SeqNum: cseq.SeqNum, Method: sip.RequestMethodAck})
	}
	if to, ok := res.Headers.To(); ok {
		ack.Headers.Set(to.Clone())
	}
	return ack
}

func newInAckReq(tb testing.TB, invite *sip.InboundRequest, res *sip.OutboundResponse) *sip.InboundRequest {
	tb.Helper()

	return sip.NewInboundRequest(
		newAckReq(tb, invite.Message(), res.Message()),
		invite.RemoteAddr(),
		invite.LocalAddr(),
	)
}

// newNonInviteReq rewrites the INVITE fixture into an INFO request.
func newNonInviteReq(
	tb testing.TB,
	proto sip.TransportProto,
	branch string,
	rmtAddr netip.AddrPort,
) *sip.Request {
	tb.Helper()

	req := newInviteReq(tb, proto, branch, rmtAddr)
	req.Method = sip.RequestMethodInfo
	if cseq, ok := req.Headers.CSeq(); ok {
		req.Headers.Set(&header.CSeq{SeqNum: cseq.SeqNum, Method: sip.RequestMethodInfo})
	}
	return req
}

func newInNonInviteReq(
	tb testing.TB,
	tp sip.TransportProto,
	branch string,
	locAddr, rmtAddr netip.AddrPort,
) *sip.InboundRequest {
	tb.Helper()
	return sip.NewInboundRequest(newNonInviteReq(tb, tp, branch, rmtAddr), locAddr, rmtAddr)
}

func newOutNonInviteReq(
	tb testing.TB,
	tp sip.TransportProto,
	branch string,
	locAddr, rmtAddr netip.AddrPort,
) *sip.OutboundRequest {
	tb.Helper()
	return newOutReq(tb, newNonInviteReq(tb, tp, branch, rmtAddr), locAddr, rmtAddr)
}

func newInRes(tb testing.TB, req *sip.OutboundRequest, sts sip.ResponseStatus) *sip.InboundResponse {
	tb.Helper()

	msg, err := req.Message().NewResponse(sts, nil)
	if err != nil {
		tb.Fatalf("req.Message().NewResponse(%v, nil) error = %v, want nil", sts, err)
	}
	return sip.NewInboundResponse(msg, req.LocalAddr(), req.RemoteAddr())
}

// waitForTransactState polls the transaction until it reaches the wanted
// state or the timeout expires.
//
//nolint:unparam
func waitForTransactState(tb testing.TB, tx sip.Transaction, want sip.TransactionState, timeout time.Duration) {
	tb.Helper()

	stateOf := func() sip.TransactionState {
		return tx.(interface{ State() sip.TransactionState }).State() //nolint:forcetypeassert
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if stateOf() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	tb.Fatalf("transaction state did not reach %q, got %q", want, stateOf())
}
