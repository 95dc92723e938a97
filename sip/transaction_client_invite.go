package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/header"
)

// InviteClientTransaction is the INVITE client transaction of RFC 3261
// Section 17.1.1, with a 2xx final response terminating the transaction
// directly: 2xx handling belongs to the dialog layer, so neither an ACK
// is generated nor a wait state entered for it.
type InviteClientTransaction struct {
	*clientTransact

	tmrA txTimer // request retransmissions on unreliable transports
	tmrB txTimer // transaction timeout
	tmrD txTimer // absorbs 300-699 retransmissions

	ack atomic.Pointer[OutboundRequest]
}

func NewInviteClientTransaction(
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*InviteClientTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if err := checkTxMethod(req.Method(), true); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx, err := buildInviteClientTransaction(req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := tx.initFSM(TransactionStateCalling); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := tx.actCalling(tx.ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

func buildInviteClientTransaction(
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*InviteClientTransaction, error) {
	tx := new(InviteClientTransaction)
	tx.tmrA.name, tx.tmrB.name, tx.tmrD.name = "A", "B", "D"

	clnTx, err := newClientTransact(TransactionTypeClientInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	return tx, nil
}

const (
	txEvtTimerA = "timer_a"
	txEvtTimerB = "timer_b"
	txEvtTimerD = "timer_d"
)

func (tx *InviteClientTransaction) initFSM(start TransactionState) error {
	if err := tx.clientTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.Configure(TransactionStateCalling).
		InternalTransition(txEvtTimerA, tx.actSendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actPassResSendAck).
		InternalTransition(txEvtRecv300699, tx.actSendAck).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	// The 2xx is passed to the TU before the transaction context is
	// canceled, so the entry actions are ordered pass-then-terminate.
	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr)

	return nil
}

func (tx *InviteClientTransaction) actPassResSendAck(ctx context.Context, args ...any) error {
	tx.actPassRes(ctx, args...) //nolint:errcheck
	tx.actSendAck(ctx, args...) //nolint:errcheck
	return nil
}

// actSendAck answers a 300-699 final response with an ACK, built once
// and reused for retransmissions.
func (tx *InviteClientTransaction) actSendAck(ctx context.Context, _ ...any) error {
	ack := tx.ack.Load()
	if ack == nil {
		ack = tx.buildAck()
		tx.ack.Store(ack)
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "sending request", slog.Any("transaction", tx.impl), slog.Any("request", ack))

	tx.sendReq(ctx, ack) //nolint:errcheck
	return nil
}

// buildAck derives the ACK from the original INVITE per RFC 3261
// Section 17.1.1.3: the top Via survives alone, the CSeq number is kept
// with method ACK, and the To comes from the answered response.
func (tx *InviteClientTransaction) buildAck() *OutboundRequest {
	ack := tx.req.Clone().(*OutboundRequest) //nolint:forcetypeassert
	ack.msg.Method = RequestMethodAck

	hdrs := ack.msg.Headers
	if via, ok := hdrs.FirstVia(); ok {
		hdrs.Set(header.Via{*via})
	}
	if cseq, ok := hdrs.CSeq(); ok {
		cseq.Method = RequestMethodAck
	}
	if to, ok := tx.LastResponse().Headers().To(); ok {
		hdrs.Set(to)
	}
	hdrs.Set(header.MaxForwards(70))

	return ack
}

func (tx *InviteClientTransaction) actCalling(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction entered calling", slog.Any("transaction", tx))

	if err := tx.sendReq(ctx, tx.req); err != nil {
		return errtrace.Wrap(err)
	}

	if !IsReliableTransport(tx.tp) {
		tx.startTimer(ctx, &tx.tmrA, tx.timings.TimeA(), tx.onTimerA)
	}
	tx.startTimer(ctx, &tx.tmrB, tx.timings.TimeB(), tx.onTimerB)

	return nil
}

func (tx *InviteClientTransaction) onTimerA() {
	tx.retransTimerFired(&tx.tmrA, txEvtTimerA, 0, TransactionStateCalling)
}

func (tx *InviteClientTransaction) onTimerB() {
	tx.timerFired(&tx.tmrB, txEvtTimerB, TransactionStateCalling)
}

func (tx *InviteClientTransaction) onTimerD() {
	tx.timerFired(&tx.tmrD, txEvtTimerD, TransactionStateCompleted)
}

func (tx *InviteClientTransaction) actProceeding(ctx context.Context, args ...any) error {
	tx.clientTransact.actProceeding(ctx, args...) //nolint:errcheck

	tx.stopTimers(ctx, &tx.tmrA, &tx.tmrB)
	return nil
}

func (tx *InviteClientTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.clientTransact.actCompleted(ctx, args...) //nolint:errcheck

	tx.stopTimers(ctx, &tx.tmrA, &tx.tmrB)
	tx.startTimer(ctx, &tx.tmrD, tx.timings.TimeD(), tx.onTimerD)
	return nil
}

func (tx *InviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.clientTransact.actTerminated(ctx, args...) //nolint:errcheck

	tx.stopTimers(ctx, &tx.tmrA, &tx.tmrB, &tx.tmrD)
	return nil
}

func (tx *InviteClientTransaction) takeSnapshot() *ClientTransactionSnapshot {
	snap := tx.baseSnapshot()
	snap.TimerA = tx.tmrA.snapshot()
	snap.TimerB = tx.tmrB.snapshot()
	snap.TimerD = tx.tmrD.snapshot()
	return snap
}

func RestoreInviteClientTransaction(
	snap *ClientTransactionSnapshot,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*InviteClientTransaction, error) {
	if err := snap.check(TransactionTypeClientInvite); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx, err := buildInviteClientTransaction(snap.Request, tp, opts.restoredFrom(snap))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.primeRestored(snap)

	if err := tx.initFSM(snap.State); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx.tmrA.restore(snap.TimerA, tx.onTimerA)
	tx.tmrB.restore(snap.TimerB, tx.onTimerB)
	tx.tmrD.restore(snap.TimerD, tx.onTimerD)

	return tx, nil
}
