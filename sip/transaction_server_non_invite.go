package sip

import (
	"context"
	"log/slog"
	"time"

	"braces.dev/errtrace"
)

// NonInviteServerTransaction is the non-INVITE server transaction of
// RFC 3261 Section 17.2.2.
type NonInviteServerTransaction struct {
	*serverTransact

	tmrJ txTimer // absorbs request retransmissions after the final response
}

// NewNonInviteServerTransaction starts the state machine for an inbound
// request with any method except INVITE or ACK. The request must be
// valid, the transport non-nil; nil options fall back to defaults, and
// a zero options key is derived from the request.
func NewNonInviteServerTransaction(
	req *InboundRequest,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (*NonInviteServerTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if err := checkTxMethod(req.Method(), false); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx, err := buildNonInviteServerTransaction(req, tp, opts)
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

func buildNonInviteServerTransaction(
	req *InboundRequest,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (*NonInviteServerTransaction, error) {
	tx := new(NonInviteServerTransaction)
	tx.tmrJ.name = "J"

	srvTx, err := newServerTransact(TransactionTypeServerNonInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx
	return tx, nil
}

const txEvtTimerJ = "timer_j"

func (tx *NonInviteServerTransaction) initFSM(start TransactionState) error {
	if err := tx.serverTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend2xx, tx.actNoop).
		InternalTransition(txEvtSend300699, tx.actNoop).
		Permit(txEvtTimerJ, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr)

	return nil
}

//nolint:unparam
func (tx *NonInviteServerTransaction) actTrying(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction entered trying", slog.Any("transaction", tx))

	return nil
}

func (tx *NonInviteServerTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.serverTransact.actCompleted(ctx, args...) //nolint:errcheck

	// Timer J is zero on reliable transports, so the transaction
	// terminates as soon as the final response is delivered.
	var timeJ time.Duration
	if !IsReliableTransport(tx.tp) {
		timeJ = tx.timings.TimeJ()
	}
	tx.startTimer(ctx, &tx.tmrJ, timeJ, tx.onTimerJ)
	return nil
}

func (tx *NonInviteServerTransaction) onTimerJ() {
	tx.timerFired(&tx.tmrJ, txEvtTimerJ, TransactionStateCompleted)
}

func (tx *NonInviteServerTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.serverTransact.actTerminated(ctx, args...) //nolint:errcheck

	tx.stopTimer(ctx, &tx.tmrJ)
	return nil
}

func (tx *NonInviteServerTransaction) takeSnapshot() *ServerTransactionSnapshot {
	snap := tx.baseSnapshot()
	snap.TimerJ = tx.tmrJ.snapshot()
	return snap
}

// RestoreNonInviteServerTransaction rebuilds a non-INVITE server
// transaction from a snapshot: the FSM resumes in the recorded state
// and timer J is re-armed with its remaining interval unless it already
// expired. The options key is ignored in favor of the snapshot's.
func RestoreNonInviteServerTransaction(
	snap *ServerTransactionSnapshot,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (*NonInviteServerTransaction, error) {
	if err := snap.check(TransactionTypeServerNonInvite); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx, err := buildNonInviteServerTransaction(snap.Request, tp, opts.restoredFrom(snap))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.primeRestored(snap)

	if err := tx.initFSM(snap.State); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx.tmrJ.restore(snap.TimerJ, tx.onTimerJ)

	return tx, nil
}
