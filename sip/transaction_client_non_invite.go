package sip

import (
	"context"
	"log/slog"
	"time"

	"braces.dev/errtrace"
)

// NonInviteClientTransaction is the non-INVITE client transaction of
// RFC 3261 Section 17.1.2.
type NonInviteClientTransaction struct {
	*clientTransact

	tmrE txTimer // request retransmissions on unreliable transports
	tmrF txTimer // transaction timeout
	tmrK txTimer // absorbs final response retransmissions
}

func NewNonInviteClientTransaction(
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*NonInviteClientTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if err := checkTxMethod(req.Method(), false); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx, err := buildNonInviteClientTransaction(req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := tx.initFSM(TransactionStateTrying); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := tx.actTrying(tx.ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

func buildNonInviteClientTransaction(
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*NonInviteClientTransaction, error) {
	tx := new(NonInviteClientTransaction)
	tx.tmrE.name, tx.tmrF.name, tx.tmrK.name = "E", "F", "K"

	clnTx, err := newClientTransact(TransactionTypeClientNonInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	return tx, nil
}

const (
	txEvtTimerE = "timer_e"
	txEvtTimerF = "timer_f"
	txEvtTimerK = "timer_k"
)

func (tx *NonInviteClientTransaction) initFSM(start TransactionState) error {
	if err := tx.clientTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtTimerE, tx.actSendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerE, tx.actSendReq).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr)

	return nil
}

func (tx *NonInviteClientTransaction) actTrying(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction entered trying", slog.Any("transaction", tx))

	if err := tx.sendReq(ctx, tx.req); err != nil {
		return errtrace.Wrap(err)
	}

	if !IsReliableTransport(tx.tp) {
		tx.startTimer(ctx, &tx.tmrE, tx.timings.TimeE(), tx.onTimerE)
	}
	tx.startTimer(ctx, &tx.tmrF, tx.timings.TimeF(), tx.onTimerF)

	return nil
}

func (tx *NonInviteClientTransaction) onTimerE() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer E fired", slog.Any("transaction", tx))

	if !tx.inState(TransactionStateTrying, TransactionStateProceeding) {
		tx.tmrE.clear()
		return
	}

	tx.fireEvt(txEvtTimerE)

	// Retransmission interval doubles up to T2 while trying,
	// then stays fixed at T2 once a provisional arrived.
	if tx.State() == TransactionStateTrying {
		tx.backoffTimer(&tx.tmrE, tx.timings.T2())
	} else {
		tx.rearmTimer(&tx.tmrE, tx.timings.T2())
	}
}

func (tx *NonInviteClientTransaction) onTimerF() {
	tx.timerFired(&tx.tmrF, txEvtTimerF, TransactionStateTrying, TransactionStateProceeding)
}

func (tx *NonInviteClientTransaction) onTimerK() {
	tx.timerFired(&tx.tmrK, txEvtTimerK, TransactionStateCompleted)
}

func (tx *NonInviteClientTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.clientTransact.actCompleted(ctx, args...) //nolint:errcheck

	tx.stopTimers(ctx, &tx.tmrE, &tx.tmrF)

	// Timer K is zero on reliable transports, so the transaction
	// terminates as soon as the final response is delivered.
	var timeK time.Duration
	if !IsReliableTransport(tx.tp) {
		timeK = tx.timings.TimeK()
	}
	tx.startTimer(ctx, &tx.tmrK, timeK, tx.onTimerK)
	return nil
}

func (tx *NonInviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.clientTransact.actTerminated(ctx, args...) //nolint:errcheck

	tx.stopTimers(ctx, &tx.tmrE, &tx.tmrF, &tx.tmrK)
	return nil
}

func (tx *NonInviteClientTransaction) takeSnapshot() *ClientTransactionSnapshot {
	snap := tx.baseSnapshot()
	snap.TimerE = tx.tmrE.snapshot()
	snap.TimerF = tx.tmrF.snapshot()
	snap.TimerK = tx.tmrK.snapshot()
	return snap
}

func RestoreNonInviteClientTransaction(
	snap *ClientTransactionSnapshot,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*NonInviteClientTransaction, error) {
	if err := snap.check(TransactionTypeClientNonInvite); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx, err := buildNonInviteClientTransaction(snap.Request, tp, opts.restoredFrom(snap))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.primeRestored(snap)

	if err := tx.initFSM(snap.State); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx.tmrE.restore(snap.TimerE, tx.onTimerE)
	tx.tmrF.restore(snap.TimerF, tx.onTimerF)
	tx.tmrK.restore(snap.TimerK, tx.onTimerK)

	return tx, nil
}
