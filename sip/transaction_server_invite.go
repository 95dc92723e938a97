package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"braces.dev/errtrace"
)

// InviteServerTransaction is the INVITE server transaction of RFC 3261
// Section 17.2.1, with a 2xx final response terminating the transaction
// directly: 2xx retransmissions and the matching ACK are owned by the
// dialog layer, so no wait state is entered for them.
type InviteServerTransaction struct {
	*serverTransact

	tmr1xx txTimer // automatic 100 Trying
	tmrG   txTimer // 300-699 response retransmissions on unreliable transports
	tmrH   txTimer // wait for ACK
	tmrI   txTimer // absorbs ACK retransmissions
}

// NewInviteServerTransaction starts the state machine for an inbound
// INVITE. The request must be valid, the transport non-nil; nil options
// fall back to defaults, and a zero options key is derived from the
// request.
func NewInviteServerTransaction(
	req *InboundRequest,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (*InviteServerTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if err := checkTxMethod(req.Method(), true); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx, err := buildInviteServerTransaction(req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := tx.initFSM(TransactionStateProceeding); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := tx.actProceeding(tx.ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

func buildInviteServerTransaction(
	req *InboundRequest,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (*InviteServerTransaction, error) {
	tx := new(InviteServerTransaction)
	tx.tmr1xx.name = "1xx"
	tx.tmrG.name, tx.tmrH.name, tx.tmrI.name = "G", "H", "I"

	srvTx, err := newServerTransact(TransactionTypeServerInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx
	return tx, nil
}

const (
	txEvtRecvAck  = "recv_ack"
	txEvtTimer1xx = "timer_1xx"
	txEvtTimerG   = "timer_g"
	txEvtTimerH   = "timer_h"
	txEvtTimerI   = "timer_i"
)

func (tx *InviteServerTransaction) initFSM(start TransactionState) error {
	if err := tx.serverTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.SetTriggerParameters(txEvtRecvAck, reflect.TypeOf((*InboundRequest)(nil)))

	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtTimer1xx, tx.actSend100).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Permit(txEvtSend2xx, TransactionStateTerminated).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTimerG, tx.actResendRes).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntry(tx.actConfirmed).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		InternalTransition(txEvtRecvAck, tx.actNoop).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	// The 2xx goes out on the wire before the transaction context is
	// canceled, so the entry actions are ordered send-then-terminate.
	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerH, tx.actTimedOut)

	return nil
}

// actSend100 sends the automatic 100 Trying when the TU has not
// answered within the timer 1xx window.
func (tx *InviteServerTransaction) actSend100(ctx context.Context, _ ...any) error {
	res, err := tx.req.NewResponse(ResponseStatusTrying, nil)
	if err != nil {
		// Request is always valid, so this should never happen.
		panic(fmt.Errorf("create auto %q response: %w", ResponseStatusTrying, err))
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "sending response", slog.Any("transaction", tx), slog.Any("response", res))

	tx.sendRes(ctx, res, nil) //nolint:errcheck
	return nil
}

func (tx *InviteServerTransaction) actSendRes(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmr1xx)
	return errtrace.Wrap(tx.serverTransact.actSendRes(ctx, args...))
}

//nolint:unparam
func (tx *InviteServerTransaction) actProceeding(ctx context.Context, args ...any) error {
	tx.serverTransact.actProceeding(ctx, args...) //nolint:errcheck

	tx.startTimer(ctx, &tx.tmr1xx, tx.timings.Time100(), tx.onTimer1xx)
	return nil
}

func (tx *InviteServerTransaction) onTimer1xx() {
	tx.timerFired(&tx.tmr1xx, txEvtTimer1xx, TransactionStateProceeding)
}

func (tx *InviteServerTransaction) onTimerG() {
	tx.retransTimerFired(&tx.tmrG, txEvtTimerG, tx.timings.T2(), TransactionStateCompleted)
}

func (tx *InviteServerTransaction) onTimerH() {
	tx.timerFired(&tx.tmrH, txEvtTimerH, TransactionStateCompleted)
}

func (tx *InviteServerTransaction) onTimerI() {
	tx.timerFired(&tx.tmrI, txEvtTimerI, TransactionStateConfirmed)
}

func (tx *InviteServerTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.serverTransact.actCompleted(ctx, args...) //nolint:errcheck

	if !IsReliableTransport(tx.tp) {
		tx.startTimer(ctx, &tx.tmrG, tx.timings.TimeG(), tx.onTimerG)
	}
	tx.startTimer(ctx, &tx.tmrH, tx.timings.TimeH(), tx.onTimerH)
	return nil
}

func (tx *InviteServerTransaction) actConfirmed(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction entered confirmed", slog.Any("transaction", tx))

	tx.stopTimers(ctx, &tx.tmrH, &tx.tmrG)

	// Timer I is zero on reliable transports, so the transaction
	// terminates as soon as the ACK arrives.
	var timeI time.Duration
	if !IsReliableTransport(tx.tp) {
		timeI = tx.timings.TimeI()
	}
	tx.startTimer(ctx, &tx.tmrI, timeI, tx.onTimerI)
	return nil
}

func (tx *InviteServerTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.serverTransact.actTerminated(ctx, args...) //nolint:errcheck

	// timer G can be active after transition to here by timer H
	tx.stopTimers(ctx, &tx.tmrG, &tx.tmrH, &tx.tmrI, &tx.tmr1xx)
	return nil
}

// adjustKeys patches the To tags for RFC 2543 matching, where an ACK
// carries the To tag of the final response rather than of the request.
func (tx *InviteServerTransaction) adjustKeys(txKey, reqKey *ServerTransactionKey, req *InboundRequest) {
	if !IsRFC3261Branch(txKey.Branch) && req.Method().Equal(RequestMethodAck) {
		to, _ := req.Headers().To()
		reqKey.ToTag, _ = to.Tag()

		if res := tx.LastResponse(); res != nil {
			to, _ := res.Headers().To()
			txKey.ToTag, _ = to.Tag()
		}
	}
}

func (tx *InviteServerTransaction) recvReq(ctx context.Context, req *InboundRequest) error {
	if req.Method().Equal(RequestMethodAck) {
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvAck, req))
	}
	return errtrace.Wrap(tx.serverTransact.recvReq(ctx, req))
}

func (tx *InviteServerTransaction) takeSnapshot() *ServerTransactionSnapshot {
	snap := tx.baseSnapshot()
	snap.Timer1xx = tx.tmr1xx.snapshot()
	snap.TimerG = tx.tmrG.snapshot()
	snap.TimerH = tx.tmrH.snapshot()
	snap.TimerI = tx.tmrI.snapshot()
	return snap
}

// RestoreInviteServerTransaction rebuilds an INVITE server transaction
// from a snapshot: the FSM resumes in the recorded state, armed timers
// are re-armed with their remaining intervals, and expired ones stay
// expired. The options key is ignored in favor of the snapshot's.
func RestoreInviteServerTransaction(
	snap *ServerTransactionSnapshot,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (*InviteServerTransaction, error) {
	if err := snap.check(TransactionTypeServerInvite); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx, err := buildInviteServerTransaction(snap.Request, tp, opts.restoredFrom(snap))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.primeRestored(snap)

	if err := tx.initFSM(snap.State); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx.tmr1xx.restore(snap.Timer1xx, tx.onTimer1xx)
	tx.tmrG.restore(snap.TimerG, tx.onTimerG)
	tx.tmrH.restore(snap.TimerH, tx.onTimerH)
	tx.tmrI.restore(snap.TimerI, tx.onTimerI)

	return tx, nil
}
