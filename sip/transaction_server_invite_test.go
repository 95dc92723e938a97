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

func TestInviteServerTransaction_AutoTrying(t *testing.T) {
	t.Parallel()

	t1 := 50 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, 25*time.Millisecond)

	remote := netip.MustParseAddrPort("55.55.55.55:5070")
	local := netip.MustParseAddrPort("11.11.11.11:5060")

	tp := newStubServerTransport("UDP", "udp", local, false)
	req := newInInviteReq(t, tp.Proto(), sip.MagicCookie+".server-auto-100", local, remote)

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}
	defer tx.Terminate(t.Context()) //nolint:errcheck

	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// No TU response within the 1xx interval produces an automatic 100 Trying.
	call := tp.waitSendRes(t, 200*time.Millisecond)
	if got, want := call.res.Status(), sip.ResponseStatusTrying; got != want {
		t.Fatalf("auto response status = %v, want %v", got, want)
	}
}

func TestInviteServerTransaction_Success(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5070")
	local := netip.MustParseAddrPort("11.11.11.11:5060")

	tp := newStubServerTransport("UDP", "udp", local, false)
	req := newInInviteReq(t, tp.Proto(), sip.MagicCookie+".server-success", local, remote)

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}

	ctx := t.Context()

	if err := tx.Respond(ctx, sip.ResponseStatusRinging, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 180) error = %v, want nil", err)
	}
	call := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := call.res.Status(), sip.ResponseStatusRinging; got != want {
		t.Fatalf("response status = %v, want %v", got, want)
	}
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// 2xx goes out once and terminates the transaction at once, the
	// dialog layer owns the 2xx retransmissions and the matching ACK.
	if err := tx.Respond(ctx, sip.ResponseStatusOK, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 200) error = %v, want nil", err)
	}
	call = tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := call.res.Status(), sip.ResponseStatusOK; got != want {
		t.Fatalf("response status = %v, want %v", got, want)
	}

	if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	tp.ensureNoSendRes(t, 3*t1)

	select {
	case <-tx.Context().Done():
	default:
		t.Fatal("transaction context not canceled after termination")
	}
}

func TestInviteServerTransaction_RejectedConfirmed(t *testing.T) {
	t.Parallel()

	t1 := 25 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 4*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5070")
	local := netip.MustParseAddrPort("11.11.11.11:5060")

	tp := newStubServerTransport("UDP", "udp", local, false)
	req := newInInviteReq(t, tp.Proto(), sip.MagicCookie+".server-rejected", local, remote)

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}

	ctx := t.Context()

	if err := tx.Respond(ctx, sip.ResponseStatusBusyHere, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 486) error = %v, want nil", err)
	}
	call := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := call.res.Status(), sip.ResponseStatusBusyHere; got != want {
		t.Fatalf("response status = %v, want %v", got, want)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// On unreliable transport the 486 is retransmitted until the ACK arrives.
	retransmit := tp.waitSendRes(t, 4*t1)
	if got, want := retransmit.res.Status(), sip.ResponseStatusBusyHere; got != want {
		t.Fatalf("retransmitted response status = %v, want %v", got, want)
	}

	ack := newInAckReq(t, req, call.res)
	if err := tx.RecvRequest(ctx, ack); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, ACK) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateConfirmed; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	tp.drainSendRess()

	// ACK retransmissions are absorbed without resending the response.
	if err := tx.RecvRequest(ctx, newInAckReq(t, req, call.res)); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, ACK retransmit) error = %v, want nil", err)
	}
	tp.ensureNoSendRes(t, 2*t1)

	// Timer I releases the transaction after T4.
	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeI()+time.Second)
}

func TestInviteServerTransaction_RejectedReliable(t *testing.T) {
	t.Parallel()

	t1 := 25 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5070")
	local := netip.MustParseAddrPort("11.11.11.11:5060")

	tp := newStubServerTransport("TCP", "tcp", local, true)
	req := newInInviteReq(t, tp.Proto(), sip.MagicCookie+".server-rejected-rel", local, remote)

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}

	ctx := t.Context()

	if err := tx.Respond(ctx, sip.ResponseStatusBusyHere, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 486) error = %v, want nil", err)
	}
	call := tp.waitSendRes(t, 100*time.Millisecond)

	// No retransmissions on a reliable transport.
	tp.ensureNoSendRes(t, 4*t1)

	if err := tx.RecvRequest(ctx, newInAckReq(t, req, call.res)); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, ACK) error = %v, want nil", err)
	}

	// Timer I is zero for reliable transports.
	waitForTransactState(t, tx, sip.TransactionStateTerminated, time.Second)
}

func TestInviteServerTransaction_CompletedTimedOut(t *testing.T) {
	t.Parallel()

	t1 := 5 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5070")
	local := netip.MustParseAddrPort("11.11.11.11:5060")

	// Reliable transport keeps timer G off so only timer H is in play.
	tp := newStubServerTransport("TCP", "tcp", local, true)
	req := newInInviteReq(t, tp.Proto(), sip.MagicCookie+".server-timeout", local, remote)

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}

	errCh := make(chan error, 1)
	tx.OnError(func(_ context.Context, _ sip.Transaction, err error) {
		errCh <- err
	})

	if err := tx.Respond(t.Context(), sip.ResponseStatusBusyHere, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 486) error = %v, want nil", err)
	}
	tp.waitSendRes(t, 100*time.Millisecond)

	// No ACK ever arrives, timer H gives up on the transaction.
	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeH()+time.Second)

	select {
	case err := <-errCh:
		if !errors.Is(err, sip.ErrTransactionTimedOut) {
			t.Fatalf("transaction error = %v, want %v", err, sip.ErrTransactionTimedOut)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected timeout error")
	}
}

func TestInviteServerTransaction_RetransmitInviteResendsResponse(t *testing.T) {
	t.Parallel()

	t1 := 50 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5070")
	local := netip.MustParseAddrPort("11.11.11.11:5060")

	tp := newStubServerTransport("TCP", "tcp", local, true)
	req := newInInviteReq(t, tp.Proto(), sip.MagicCookie+".server-invite-retransmit", local, remote)

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}
	defer tx.Terminate(t.Context()) //nolint:errcheck

	ctx := t.Context()

	if err := tx.Respond(ctx, sip.ResponseStatusRinging, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 180) error = %v, want nil", err)
	}
	tp.waitSendRes(t, 100*time.Millisecond)

	// A retransmitted INVITE triggers a replay of the last provisional.
	if err := tx.RecvRequest(ctx, req); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, INVITE retransmit) error = %v, want nil", err)
	}
	call := tp.waitSendRes(t, 100*time.Millisecond)
	if got, want := call.res.Status(), sip.ResponseStatusRinging; got != want {
		t.Fatalf("replayed response status = %v, want %v", got, want)
	}
}

func TestInviteServerTransaction_ProceedingTranspErr(t *testing.T) {
	t.Parallel()

	t1 := 50 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5070")
	local := netip.MustParseAddrPort("11.11.11.11:5060")

	tp := newStubServerTransport("TCP", "tcp", local, true)
	req := newInInviteReq(t, tp.Proto(), sip.MagicCookie+".server-transp-err", local, remote)

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}
	defer tx.Terminate(t.Context()) //nolint:errcheck

	errCh := make(chan error, 1)
	tx.OnError(func(_ context.Context, _ sip.Transaction, err error) {
		errCh <- err
	})

	tp.setSendResHook(func(sendResCall, int) error {
		return errTransportStub
	})

	if err := tx.Respond(t.Context(), sip.ResponseStatusRinging, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 180) error = %v, want nil", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, sip.ErrTransactionTransport) {
			t.Fatalf("transaction error = %v, want %v", err, sip.ErrTransactionTransport)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected transport error")
	}

	// Send failures surface to the TU but do not tear down a proceeding transaction.
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
}

func TestInviteServerTransaction_RFC2543AckMatch(t *testing.T) {
	t.Parallel()

	t1 := 50 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5070")
	local := netip.MustParseAddrPort("11.11.11.11:5060")

	tp := newStubServerTransport("TCP", "tcp", local, true)
	// Branch without the magic cookie forces RFC 2543 matching rules.
	req := newInInviteReq(t, tp.Proto(), "old-client-branch", local, remote)

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}
	defer tx.Terminate(t.Context()) //nolint:errcheck

	ctx := t.Context()

	if err := tx.Respond(ctx, sip.ResponseStatusBusyHere, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 486) error = %v, want nil", err)
	}
	call := tp.waitSendRes(t, 100*time.Millisecond)

	// The old style ACK carries the To tag of the response, not of the request.
	ack := newInAckReq(t, req, call.res)
	if err := tx.RecvRequest(ctx, ack); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, RFC 2543 ACK) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateConfirmed; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
}

func TestInviteServerTransaction_RoundTripSnapshot(t *testing.T) {
	t.Parallel()

	t1 := 50 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5070")
	local := netip.MustParseAddrPort("11.11.11.11:5060")

	origTP := newStubServerTransport("TCP", "tcp", local, true)
	req := newInInviteReq(t, origTP.Proto(), sip.MagicCookie+".server-snapshot", local, remote)

	tx, err := sip.NewInviteServerTransaction(req, origTP, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}

	ctx := t.Context()

	if err := tx.Respond(ctx, sip.ResponseStatusBusyHere, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 486) error = %v, want nil", err)
	}
	origTP.waitSendRes(t, 100*time.Millisecond)

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
	var snapCopy sip.ServerTransactionSnapshot
	if err := json.Unmarshal(data, &snapCopy); err != nil {
		t.Fatalf("json.Unmarshal(data) error = %v, want nil", err)
	}

	restoredTP := newStubServerTransport("TCP", "tcp", local, true)
	restored, err := sip.RestoreInviteServerTransaction(&snapCopy, restoredTP, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.RestoreInviteServerTransaction() error = %v, want nil", err)
	}
	defer restored.Terminate(ctx) //nolint:errcheck

	if got, want := restored.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("restored.State() = %q, want %q", got, want)
	}
	if !restored.Key().Equal(tx.Key()) {
		t.Fatalf("restored.Key() = %v, want %v", restored.Key(), tx.Key())
	}

	// Restored transaction keeps replaying the final response on retransmits.
	if err := restored.RecvRequest(ctx, req); err != nil {
		t.Fatalf("restored.RecvRequest(ctx, INVITE retransmit) error = %v, want nil", err)
	}
	call := restoredTP.waitSendRes(t, 100*time.Millisecond)
	if got, want := call.res.Status(), sip.ResponseStatusBusyHere; got != want {
		t.Fatalf("restored response status = %v, want %v", got, want)
	}
}

func TestInviteServerTransaction_Terminate(t *testing.T) {
	t.Parallel()

	newTransact := func(t *testing.T, branch string) (*sip.InviteServerTransaction, *stubTransport, *sip.InboundRequest) {
		t.Helper()

		t1 := 50 * time.Millisecond
		timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)

		remote := netip.MustParseAddrPort("55.55.55.55:5070")
		local := netip.MustParseAddrPort("11.11.11.11:5060")

		tp := newStubServerTransport("UDP", "udp", local, false)
		req := newInInviteReq(t, tp.Proto(), sip.MagicCookie+branch, local, remote)

		tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
		if err != nil {
			t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
		}
		return tx, tp, req
	}

	assertTerminated := func(t *testing.T, tx *sip.InviteServerTransaction, tp *stubTransport) {
		t.Helper()

		if err := tx.Terminate(t.Context()); err != nil {
			t.Fatalf("tx.Terminate() error = %v, want nil", err)
		}
		if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
			t.Fatalf("tx.State() = %q, want %q", got, want)
		}
		tp.drainSendRess()
		tp.ensureNoSendRes(t, 120*time.Millisecond)
	}

	t.Run("from proceeding", func(t *testing.T) {
		t.Parallel()

		tx, tp, _ := newTransact(t, ".srv-terminate-proceeding")
		assertTerminated(t, tx, tp)
	})

	t.Run("from completed", func(t *testing.T) {
		t.Parallel()

		tx, tp, _ := newTransact(t, ".srv-terminate-completed")
		if err := tx.Respond(t.Context(), sip.ResponseStatusBusyHere, nil); err != nil {
			t.Fatalf("tx.Respond(ctx, 486) error = %v, want nil", err)
		}
		assertTerminated(t, tx, tp)
	})

	t.Run("from confirmed", func(t *testing.T) {
		t.Parallel()

		tx, tp, req := newTransact(t, ".srv-terminate-confirmed")
		if err := tx.Respond(t.Context(), sip.ResponseStatusBusyHere, nil); err != nil {
			t.Fatalf("tx.Respond(ctx, 486) error = %v, want nil", err)
		}
		call := tp.waitSendRes(t, 100*time.Millisecond)
		if err := tx.RecvRequest(t.Context(), newInAckReq(t, req, call.res)); err != nil {
			t.Fatalf("tx.RecvRequest(ctx, ACK) error = %v, want nil", err)
		}
		assertTerminated(t, tx, tp)
	})

	t.Run("idempotent", func(t *testing.T) {
		t.Parallel()

		tx, tp, _ := newTransact(t, ".srv-terminate-idempotent")
		assertTerminated(t, tx, tp)
		if err := tx.Terminate(t.Context()); err != nil {
			t.Fatalf("second tx.Terminate() error = %v, want nil", err)
		}
	})
}
