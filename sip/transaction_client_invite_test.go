package sip_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/zenvoice/sipcore/sip"
)

func TestInviteClientTransaction_Success(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubClientTransport("UDP", "udp", local, false)
	req := newOutInviteReq(t, tp.Proto(), sip.MagicCookie+".client-success", local, remote)

	tx, err := sip.NewInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}

	call := tp.waitSendReq(t, 100*time.Millisecond)
	if call.req.Method() != sip.RequestMethodInvite {
		t.Fatalf("initial send method = %q, want %q", call.req.Method(), sip.RequestMethodInvite)
	}
	if call.req.RemoteAddr() != remote {
		t.Fatalf("initial send remote addr = %v, want %v", call.req.RemoteAddr(), remote)
	}
	if got, want := tx.State(), sip.TransactionStateCalling; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	ctx := t.Context()

	resCh := make(chan *sip.InboundResponse, 3)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.InboundResponse) {
		resCh <- res
	})

	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusRinging)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 180) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.ResponseStatusRinging)
	tp.drainSendReqs()

	// 2xx terminates the transaction at once, the dialog layer owns the ACK.
	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusOK)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 200) error = %v, want nil", err)
	}

	if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.ResponseStatusOK)

	select {
	case res := <-resCh:
		t.Fatalf("unexpected extra response delivery: %v", res.Status())
	default:
	}

	// No ACK on 2xx and no INVITE retransmissions after termination.
	tp.ensureNoSendReq(t, 3*t1)

	select {
	case <-tx.Context().Done():
	default:
		t.Fatal("transaction context not canceled after termination")
	}
}

func TestInviteClientTransaction_SuccessWithoutProvisional(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubClientTransport("TCP", "tcp", local, true)
	req := newOutInviteReq(t, tp.Proto(), sip.MagicCookie+".client-success-direct", local, remote)

	tx, err := sip.NewInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	tp.waitSendReq(t, 100*time.Millisecond)

	resCh := make(chan *sip.InboundResponse, 1)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.InboundResponse) {
		resCh <- res
	})

	if err := tx.RecvResponse(t.Context(), newInRes(t, req, sip.ResponseStatusOK)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 200) error = %v, want nil", err)
	}

	if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.ResponseStatusOK)
	tp.ensureNoSendReq(t, 3*t1)
}

func TestInviteClientTransaction_Rejected(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 8*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubClientTransport("UDP", "udp", local, false)
	req := newOutInviteReq(t, tp.Proto(), sip.MagicCookie+".client-rejected", local, remote)

	tx, err := sip.NewInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	tp.waitSendReq(t, 100*time.Millisecond)

	ctx := t.Context()

	resCh := make(chan *sip.InboundResponse, 2)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.InboundResponse) {
		resCh <- res
	})

	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusRinging)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 180) error = %v, want nil", err)
	}
	assertResponseStatus(t, resCh, sip.ResponseStatusRinging)
	tp.drainSendReqs()

	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusBusyHere)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 486) error = %v, want nil", err)
	}

	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.ResponseStatusBusyHere)

	ack := tp.waitSendReq(t, 100*time.Millisecond)
	if ack.req.Method() != sip.RequestMethodAck {
		t.Fatalf("send method after 486 = %q, want %q", ack.req.Method(), sip.RequestMethodAck)
	}

	// A retransmitted 486 is absorbed: the ACK is resent, the TU stays quiet.
	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusBusyHere)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 486 retransmit) error = %v, want nil", err)
	}

	ack = tp.waitSendReq(t, 100*time.Millisecond)
	if ack.req.Method() != sip.RequestMethodAck {
		t.Fatalf("send method after 486 retransmit = %q, want %q", ack.req.Method(), sip.RequestMethodAck)
	}
	select {
	case res := <-resCh:
		t.Fatalf("unexpected extra response delivery: %v", res.Status())
	default:
	}

	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeD()+100*time.Millisecond)
}

func TestInviteClientTransaction_RetransmitsUntilProvisional(t *testing.T) {
	t.Parallel()

	t1 := 25 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubClientTransport("UDP", "udp", local, false)
	req := newOutInviteReq(t, tp.Proto(), sip.MagicCookie+".client-retransmit", local, remote)

	tx, err := sip.NewInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}

	// Initial send plus at least one timer driven retransmission.
	first := tp.waitSendReq(t, 100*time.Millisecond)
	second := tp.waitSendReq(t, 4*t1)
	if first.req.Method() != sip.RequestMethodInvite || second.req.Method() != sip.RequestMethodInvite {
		t.Fatalf("retransmit methods = %q, %q, want both %q",
			first.req.Method(), second.req.Method(), sip.RequestMethodInvite)
	}

	if err := tx.RecvResponse(t.Context(), newInRes(t, req, sip.ResponseStatusRinging)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 180) error = %v, want nil", err)
	}
	tp.drainSendReqs()

	// Provisional stops the retransmission timer.
	tp.ensureNoSendReq(t, 4*t1)

	if err := tx.Terminate(t.Context()); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
}

func TestInviteClientTransaction_Timeout(t *testing.T) {
	t.Parallel()

	t1 := 5 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	// Reliable transport keeps timer A off so only timer B is in play.
	tp := newStubClientTransport("TCP", "tcp", local, true)
	req := newOutInviteReq(t, tp.Proto(), sip.MagicCookie+".client-timeout", local, remote)

	tx, err := sip.NewInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	tp.waitSendReq(t, 100*time.Millisecond)

	errCh := make(chan error, 1)
	tx.OnError(func(_ context.Context, _ sip.Transaction, err error) {
		errCh <- err
	})

	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeB()+time.Second)

	select {
	case err := <-errCh:
		if !errors.Is(err, sip.ErrTransactionTimedOut) {
			t.Fatalf("transaction error = %v, want %v", err, sip.ErrTransactionTimedOut)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected timeout error")
	}
}

func TestInviteClientTransaction_AckTransportError(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubClientTransport("TCP", "tcp", local, true)
	req := newOutInviteReq(t, tp.Proto(), sip.MagicCookie+".client-ack-err", local, remote)

	tx, err := sip.NewInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	tp.waitSendReq(t, 100*time.Millisecond)

	errCh := make(chan error, 1)
	tx.OnError(func(_ context.Context, _ sip.Transaction, err error) {
		errCh <- err
	})

	tp.setSendReqHook(func(call sendReqCall, _ int) error {
		if call.req.Method() == sip.RequestMethodAck {
			return errTransportStub
		}
		return nil
	})

	if err := tx.RecvResponse(t.Context(), newInRes(t, req, sip.ResponseStatusBusyHere)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 486) error = %v, want nil", err)
	}

	waitForTransactState(t, tx, sip.TransactionStateTerminated, time.Second)

	select {
	case err := <-errCh:
		if !errors.Is(err, sip.ErrTransactionTransport) {
			t.Fatalf("transaction error = %v, want %v", err, sip.ErrTransactionTransport)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected transport error")
	}
}

func TestInviteClientTransaction_RoundTripSnapshot(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, time.Minute, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	origTP := newStubClientTransport("UDP", "udp", local, false)
	req := newOutInviteReq(t, origTP.Proto(), sip.MagicCookie+".client-snapshot", local, remote)

	tx, err := sip.NewInviteClientTransaction(req, origTP, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	origTP.waitSendReq(t, 100*time.Millisecond)

	ctx := t.Context()

	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusBusyHere)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 486) error = %v, want nil", err)
	}
	origTP.waitSendReq(t, 100*time.Millisecond) // ACK

	snap := tx.Snapshot()
	if snap == nil || !snap.IsValid() {
		t.Fatalf("tx.Snapshot() = %+v, want valid snapshot", snap)
	}
	if err := tx.Terminate(ctx); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("json.Marshal(snap) error = %v, want nil", err)
	}
	var snapCopy sip.ClientTransactionSnapshot
	if err := json.Unmarshal(data, &snapCopy); err != nil {
		t.Fatalf("json.Unmarshal(data) error = %v, want nil", err)
	}

	restoredTP := newStubClientTransport("UDP", "udp", local, false)
	restored, err := sip.RestoreInviteClientTransaction(&snapCopy, restoredTP, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.RestoreInviteClientTransaction() error = %v, want nil", err)
	}
	defer restored.Terminate(ctx) //nolint:errcheck

	if got, want := restored.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("restored.State() = %q, want %q", got, want)
	}
	if !restored.Key().Equal(tx.Key()) {
		t.Fatalf("restored.Key() = %v, want %v", restored.Key(), tx.Key())
	}

	// Restored transaction keeps absorbing final response retransmissions.
	if err := restored.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusBusyHere)); err != nil {
		t.Fatalf("restored.RecvResponse(ctx, 486 retransmit) error = %v, want nil", err)
	}
	ack := restoredTP.waitSendReq(t, 100*time.Millisecond)
	if ack.req.Method() != sip.RequestMethodAck {
		t.Fatalf("restored send method = %q, want %q", ack.req.Method(), sip.RequestMethodAck)
	}
}

func TestInviteClientTransaction_Terminate(t *testing.T) {
	t.Parallel()

	newTransact := func(t *testing.T, branch string) (*sip.InviteClientTransaction, *stubTransport, *sip.OutboundRequest) {
		t.Helper()

		t1 := 50 * time.Millisecond
		timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

		remote := netip.MustParseAddrPort("55.55.55.55:5060")
		local := netip.MustParseAddrPort("11.11.11.11:5070")

		tp := newStubClientTransport("UDP", "udp", local, false)
		req := newOutInviteReq(t, tp.Proto(), sip.MagicCookie+branch, local, remote)

		tx, err := sip.NewInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
		if err != nil {
			t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
		}
		tp.waitSendReq(t, 100*time.Millisecond)
		return tx, tp, req
	}

	assertTerminated := func(t *testing.T, tx *sip.InviteClientTransaction, tp *stubTransport) {
		t.Helper()

		if err := tx.Terminate(t.Context()); err != nil {
			t.Fatalf("tx.Terminate() error = %v, want nil", err)
		}
		if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
			t.Fatalf("tx.State() = %q, want %q", got, want)
		}
		tp.drainSendReqs()
		tp.ensureNoSendReq(t, 120*time.Millisecond)
	}

	t.Run("from calling", func(t *testing.T) {
		t.Parallel()

		tx, tp, _ := newTransact(t, ".terminate-calling")
		assertTerminated(t, tx, tp)
	})

	t.Run("from proceeding", func(t *testing.T) {
		t.Parallel()

		tx, tp, req := newTransact(t, ".terminate-proceeding")
		if err := tx.RecvResponse(t.Context(), newInRes(t, req, sip.ResponseStatusRinging)); err != nil {
			t.Fatalf("tx.RecvResponse(ctx, 180) error = %v, want nil", err)
		}
		assertTerminated(t, tx, tp)
	})

	t.Run("from completed", func(t *testing.T) {
		t.Parallel()

		tx, tp, req := newTransact(t, ".terminate-completed")
		if err := tx.RecvResponse(t.Context(), newInRes(t, req, sip.ResponseStatusBusyHere)); err != nil {
			t.Fatalf("tx.RecvResponse(ctx, 486) error = %v, want nil", err)
		}
		assertTerminated(t, tx, tp)
	})

	t.Run("idempotent", func(t *testing.T) {
		t.Parallel()

		tx, tp, _ := newTransact(t, ".terminate-idempotent")
		assertTerminated(t, tx, tp)
		if err := tx.Terminate(t.Context()); err != nil {
			t.Fatalf("second tx.Terminate() error = %v, want nil", err)
		}
	})
}
