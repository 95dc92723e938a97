package sip_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/zenvoice/sipcore/sip"
)

func newTestTxLayer(tb testing.TB) (*sip.TransactionLayer, *stubTransport) {
	tb.Helper()

	tp := newStubTransport(sip.TransportProto("UDP"), 5060)
	txl, err := sip.NewTransactionLayer(tp, nil)
	if err != nil {
		tb.Fatalf("sip.NewTransactionLayer(tp, nil) error = %v, want nil", err)
	}
	return txl, tp
}

func TestTransactionLayer_Close(t *testing.T) {
	t.Parallel()

	raddr := netip.MustParseAddrPort("198.51.100.7:5060")

	t.Run("idempotent", func(t *testing.T) {
		t.Parallel()

		txl, _ := newTestTxLayer(t)
		ctx := t.Context()

		if err := txl.Close(ctx); err != nil {
			t.Fatalf("txl.Close(ctx) error = %v, want nil", err)
		}
		if err := txl.Close(ctx); err != nil {
			t.Fatalf("second txl.Close(ctx) error = %v, want nil", err)
		}
	})

	t.Run("with a context deadline", func(t *testing.T) {
		t.Parallel()

		txl, _ := newTestTxLayer(t)

		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		defer cancel()

		if err := txl.Close(ctx); err != nil {
			t.Fatalf("txl.Close(ctx) error = %v, want nil", err)
		}
	})

	t.Run("rejects a new client transaction", func(t *testing.T) {
		t.Parallel()

		txl, tp := newTestTxLayer(t)
		ctx := t.Context()

		if err := txl.Close(ctx); err != nil {
			t.Fatalf("txl.Close(ctx) error = %v, want nil", err)
		}

		req := newOutInviteReq(t, tp.Proto(), "", tp.LocalAddr(), raddr)
		if _, err := txl.NewClientTransaction(ctx, req, tp, nil); !errors.Is(err, sip.ErrTransactionLayerClosed) {
			t.Fatalf("txl.NewClientTransaction() error = %v, want %v", err, sip.ErrTransactionLayerClosed)
		}
	})

	t.Run("rejects a new server transaction", func(t *testing.T) {
		t.Parallel()

		txl, tp := newTestTxLayer(t)
		ctx := t.Context()

		if err := txl.Close(ctx); err != nil {
			t.Fatalf("txl.Close(ctx) error = %v, want nil", err)
		}

		req := newInInviteReq(t, tp.Proto(), "", tp.LocalAddr(), raddr)
		if _, err := txl.NewServerTransaction(ctx, req, tp, nil); !errors.Is(err, sip.ErrTransactionLayerClosed) {
			t.Fatalf("txl.NewServerTransaction() error = %v, want %v", err, sip.ErrTransactionLayerClosed)
		}
	})

	t.Run("terminates live transactions", func(t *testing.T) {
		t.Parallel()

		txl, tp := newTestTxLayer(t)
		ctx := t.Context()

		clnReq := newOutInviteReq(t, tp.Proto(), "", tp.LocalAddr(), raddr)
		clnTx, err := txl.NewClientTransaction(ctx, clnReq, tp, nil)
		if err != nil {
			t.Fatalf("txl.NewClientTransaction() error = %v, want nil", err)
		}

		// A distinct branch keeps the two transactions apart.
		srvReq := newInInviteReq(t, tp.Proto(), sip.MagicCookie+".tx1", tp.LocalAddr(), raddr)
		srvTx, err := txl.NewServerTransaction(ctx, srvReq, tp, nil)
		if err != nil {
			t.Fatalf("txl.NewServerTransaction() error = %v, want nil", err)
		}

		if err := txl.Close(ctx); err != nil {
			t.Fatalf("txl.Close(ctx) error = %v, want nil", err)
		}

		waitForTransactState(t, clnTx, sip.TransactionStateTerminated, 100*time.Millisecond)
		waitForTransactState(t, srvTx, sip.TransactionStateTerminated, 100*time.Millisecond)
	})
}

func TestTransactionLayer_Closed_DiscardsUnmatchedMessages(t *testing.T) {
	t.Parallel()

	raddr := netip.MustParseAddrPort("198.51.100.7:5060")

	t.Run("stray ACK", func(t *testing.T) {
		t.Parallel()

		txl, tp := newTestTxLayer(t)
		ctx := t.Context()

		if err := txl.Close(ctx); err != nil {
			t.Fatalf("txl.Close(ctx) error = %v, want nil", err)
		}

		invite := newInInviteReq(t, tp.Proto(), "", tp.LocalAddr(), raddr)
		res, err := invite.NewResponse(sip.ResponseStatusOK, nil)
		if err != nil {
			t.Fatalf("invite.NewResponse(200, nil) error = %v, want nil", err)
		}

		// No 503 for an ACK that matches nothing.
		tp.triggerRequest(ctx, newInAckReq(t, invite, res))

		if got := tp.responseCount(); got != 0 {
			t.Fatalf("tp.responseCount() = %d, want 0", got)
		}
	})

	t.Run("stray response", func(t *testing.T) {
		t.Parallel()

		txl, tp := newTestTxLayer(t)
		ctx := t.Context()

		if err := txl.Close(ctx); err != nil {
			t.Fatalf("txl.Close(ctx) error = %v, want nil", err)
		}

		req := newOutInviteReq(t, tp.Proto(), "", tp.LocalAddr(), raddr)
		tp.triggerResponse(ctx, newInRes(t, req, sip.ResponseStatusOK))

		if got := tp.responseCount(); got != 0 {
			t.Fatalf("tp.responseCount() = %d, want 0", got)
		}
	})
}
