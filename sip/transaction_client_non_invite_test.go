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

func TestNonInviteClientTransaction_Lifecycle(t *testing.T) {
	t.Parallel()

	t1 := 25 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 4*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("22.22.22.22:5070")

	tp := newStubClientTransport("UDP", "udp", local, false)
	req := newOutNonInviteReq(t, tp.Proto(), sip.MagicCookie+".non-invite-lifecycle", local, remote)

	tx, err := sip.NewNonInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction() error = %v, want nil", err)
	}

	call := tp.waitSendReq(t, 100*time.Millisecond)
	if call.req.Method() != sip.RequestMethodInfo {
		t.Fatalf("initial send method = %q, want %q", call.req.Method(), sip.RequestMethodInfo)
	}
	if got, want := tx.State(), sip.TransactionStateTrying; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// Timer E drives request retransmissions while trying.
	retransmit := tp.waitSendReq(t, 4*t1)
	if retransmit.req.Method() != sip.RequestMethodInfo {
		t.Fatalf("retransmit method = %q, want %q", retransmit.req.Method(), sip.RequestMethodInfo)
	}

	ctx := t.Context()

	resCh := make(chan *sip.InboundResponse, 2)
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

	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusOK)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 200) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.ResponseStatusOK)

	// A retransmitted final is absorbed without another TU delivery.
	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusOK)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 200 retransmit) error = %v, want nil", err)
	}
	select {
	case res := <-resCh:
		t.Fatalf("unexpected extra response delivery: %v", res.Status())
	default:
	}

	// Timer K releases the transaction after T4.
	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeK()+time.Second)
	tp.drainSendReqs()
	tp.ensureNoSendReq(t, 2*t1)
}

func TestNonInviteClientTransaction_CompletedReliable(t *testing.T) {
	t.Parallel()

	t1 := 25 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("22.22.22.22:5070")

	tp := newStubClientTransport("TCP", "tcp", local, true)
	req := newOutNonInviteReq(t, tp.Proto(), sip.MagicCookie+".non-invite-reliable", local, remote)

	tx, err := sip.NewNonInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction() error = %v, want nil", err)
	}
	tp.waitSendReq(t, 100*time.Millisecond)

	// No retransmissions on a reliable transport.
	tp.ensureNoSendReq(t, 4*t1)

	if err := tx.RecvResponse(t.Context(), newInRes(t, req, sip.ResponseStatusOK)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 200) error = %v, want nil", err)
	}

	// Timer K is zero for reliable transports.
	waitForTransactState(t, tx, sip.TransactionStateTerminated, time.Second)
}

func TestNonInviteClientTransaction_Timeout(t *testing.T) {
	t.Parallel()

	t1 := 5 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("22.22.22.22:5070")

	tp := newStubClientTransport("TCP", "tcp", local, true)
	req := newOutNonInviteReq(t, tp.Proto(), sip.MagicCookie+".non-invite-timeout", local, remote)

	tx, err := sip.NewNonInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction() error = %v, want nil", err)
	}
	tp.waitSendReq(t, 100*time.Millisecond)

	errCh := make(chan error, 1)
	tx.OnError(func(_ context.Context, _ sip.Transaction, err error) {
		errCh <- err
	})

	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeF()+time.Second)

	select {
	case err := <-errCh:
		if !errors.Is(err, sip.ErrTransactionTimedOut) {
			t.Fatalf("transaction error = %v, want %v", err, sip.ErrTransactionTimedOut)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected timeout error")
	}
}

func TestNonInviteClientTransaction_RoundTripSnapshot(t *testing.T) {
	t.Parallel()

	t1 := 50 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("22.22.22.22:5070")

	origTP := newStubClientTransport("TCP", "tcp", local, true)
	req := newOutNonInviteReq(t, origTP.Proto(), sip.MagicCookie+".non-invite-snapshot", local, remote)

	tx, err := sip.NewNonInviteClientTransaction(req, origTP, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction() error = %v, want nil", err)
	}
	origTP.waitSendReq(t, 100*time.Millisecond)

	ctx := t.Context()

	if err := tx.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusRinging)); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 180) error = %v, want nil", err)
	}

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

	restoredTP := newStubClientTransport("TCP", "tcp", local, true)
	restored, err := sip.RestoreNonInviteClientTransaction(&snapCopy, restoredTP, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.RestoreNonInviteClientTransaction() error = %v, want nil", err)
	}
	defer restored.Terminate(ctx) //nolint:errcheck

	if got, want := restored.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("restored.State() = %q, want %q", got, want)
	}
	if !restored.Key().Equal(tx.Key()) {
		t.Fatalf("restored.Key() = %v, want %v", restored.Key(), tx.Key())
	}
	if restored.LastResponse() == nil {
		t.Fatal("restored.LastResponse() = nil, want the 180")
	}

	// Restored transaction still accepts the final response.
	if err := restored.RecvResponse(ctx, newInRes(t, req, sip.ResponseStatusOK)); err != nil {
		t.Fatalf("restored.RecvResponse(ctx, 200) error = %v, want nil", err)
	}
	waitForTransactState(t, restored, sip.TransactionStateTerminated, time.Second)
}

func TestNonInviteClientTransaction_Terminate(t *testing.T) {
	t.Parallel()

	newTransact := func(t *testing.T, branch string) (*sip.NonInviteClientTransaction, *stubTransport, *sip.OutboundRequest) {
		t.Helper()

		t1 := 50 * time.Millisecond
		timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

		remote := netip.MustParseAddrPort("55.55.55.55:5060")
		local := netip.MustParseAddrPort("22.22.22.22:5070")

		tp := newStubClientTransport("UDP", "udp", local, false)
		req := newOutNonInviteReq(t, tp.Proto(), sip.MagicCookie+branch, local, remote)

		tx, err := sip.NewNonInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
		if err != nil {
			t.Fatalf("sip.NewNonInviteClientTransaction() error = %v, want nil", err)
		}
		tp.waitSendReq(t, 100*time.Millisecond)
		return tx, tp, req
	}

	assertTerminated := func(t *testing.T, tx *sip.NonInviteClientTransaction, tp *stubTransport) {
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

	t.Run("from trying", func(t *testing.T) {
		t.Parallel()

		tx, tp, _ := newTransact(t, ".non-invite-terminate-trying")
		assertTerminated(t, tx, tp)
	})

	t.Run("from proceeding", func(t *testing.T) {
		t.Parallel()

		tx, tp, req := newTransact(t, ".non-invite-terminate-proceeding")
		if err := tx.RecvResponse(t.Context(), newInRes(t, req, sip.ResponseStatusRinging)); err != nil {
			t.Fatalf("tx.RecvResponse(ctx, 180) error = %v, want nil", err)
		}
		assertTerminated(t, tx, tp)
	})

	t.Run("from completed", func(t *testing.T) {
		t.Parallel()

		tx, tp, req := newTransact(t, ".non-invite-terminate-completed")
		if err := tx.RecvResponse(t.Context(), newInRes(t, req, sip.ResponseStatusNotFound)); err != nil {
			t.Fatalf("tx.RecvResponse(ctx, 404) error = %v, want nil", err)
		}
		assertTerminated(t, tx, tp)
	})

	t.Run("idempotent", func(t *testing.T) {
		t.Parallel()

		tx, tp, _ := newTransact(t, ".non-invite-terminate-idempotent")
		assertTerminated(t, tx, tp)
		if err := tx.Terminate(t.Context()); err != nil {
			t.Fatalf("second tx.Terminate() error = %v, want nil", err)
		}
	})
}
