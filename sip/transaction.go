package sip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strconv"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/zenvoice/sipcore/internal/timeutil"
	"github.com/zenvoice/sipcore/internal/types"
	"github.com/zenvoice/sipcore/internal/util"
)

// Transaction represents a SIP transaction.
// It is implemented by both client and server transactions.
type Transaction interface {
	// Context returns the transaction context.
	// The context is canceled when the transaction is terminated.
	Context() context.Context
	// Type returns the transaction type.
	Type() TransactionType
	// Terminate terminates the transaction.
	// The transaction FSM transits to the terminated state and all transaction timers are stopped.
	Terminate(ctx context.Context) error
	// OnStateChanged registers a callback to be called on each transaction state change.
	OnStateChanged(fn TransactionStateHandler) (cancel func())
	// OnError registers a callback to be called on each transaction error.
	OnError(fn TransactionErrorHandler) (cancel func())
}

type (
	// TransactionStateHandler is called on each transaction state change.
	TransactionStateHandler = func(ctx context.Context, tx Transaction, from, to TransactionState)
	// TransactionErrorHandler is called on each transaction error.
	TransactionErrorHandler = func(ctx context.Context, tx Transaction, err error)
)

// TransactionType represents the type of a SIP transaction.
type TransactionType string

// Transaction types.
const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

// TransactionState represents the state of a SIP transaction FSM.
type TransactionState string

// Transaction states.
const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

const transactCtxKey types.ContextKey = "transaction"

// TransactionFromContext returns the transaction from the context, if any.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	if tx, ok := ServerTransactionFromContext(ctx); ok {
		return tx, true
	}
	if tx, ok := ClientTransactionFromContext(ctx); ok {
		return tx, true
	}
	tx, ok := ctx.Value(transactCtxKey).(Transaction)
	return tx, ok
}

const (
	txEvtTerminate = "terminate"
	txEvtTranspErr = "transport_error"
)

// transactImpl is the private side of a concrete transaction implementation.
type transactImpl interface {
	Transaction
	initFSM(start TransactionState) error
}

// baseTransact holds the machinery shared by all transaction types:
// the FSM, the transaction context and the state/error callbacks.
type baseTransact struct {
	ctx    context.Context
	cancel context.CancelFunc
	typ    TransactionType
	impl   transactImpl
	fsm    *stateless.StateMachine
	log    *slog.Logger

	onState     types.CallbackManager[TransactionStateHandler]
	onErr       types.CallbackManager[TransactionErrorHandler]
	pendingErrs types.Deque[error]
}

func newBaseTransact(ctx context.Context, typ TransactionType, impl transactImpl, log *slog.Logger) *baseTransact {
	tx := &baseTransact{
		typ:  typ,
		impl: impl,
		log:  log,
	}
	tx.ctx, tx.cancel = context.WithCancel(ctx)
	return tx
}

func (tx *baseTransact) initFSM(start TransactionState) error {
	tx.fsm = stateless.NewStateMachineWithMode(start, stateless.FiringImmediate)
	tx.fsm.SetTriggerParameters(txEvtTranspErr, reflect.TypeOf((*error)(nil)).Elem())
	tx.fsm.OnTransitioned(func(ctx context.Context, tr stateless.Transition) {
		from, _ := tr.Source.(TransactionState)
		to, _ := tr.Destination.(TransactionState)
		if from == to {
			return
		}

		tx.log.LogAttrs(ctx, slog.LevelDebug,
			"transaction state changed",
			slog.Any("transaction", tx.impl),
			slog.Any("from", from),
			slog.Any("to", to),
		)

		tx.onState.Range(func(fn TransactionStateHandler) {
			fn(tx.ctx, tx.impl, from, to)
		})
	})
	return nil
}

// Context returns the transaction context.
func (tx *baseTransact) Context() context.Context {
	if tx == nil {
		return context.Background()
	}
	return tx.ctx
}

// Type returns the transaction type.
func (tx *baseTransact) Type() TransactionType {
	if tx == nil {
		return ""
	}
	return tx.typ
}

// State returns the current transaction state.
func (tx *baseTransact) State() TransactionState {
	if tx == nil || tx.fsm == nil {
		return ""
	}
	st, _ := tx.fsm.MustState().(TransactionState)
	return st
}

// Terminate terminates the transaction.
func (tx *baseTransact) Terminate(ctx context.Context) error {
	if tx.State() == TransactionStateTerminated {
		return nil
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTerminate))
}

// OnStateChanged registers a callback to be called on each transaction state change.
//
// The callback will be called with the transaction's context, see [Transaction.Context].
// The callback can be canceled by calling the returned cancel function.
// Multiple callbacks can be registered.
func (tx *baseTransact) OnStateChanged(fn TransactionStateHandler) (cancel func()) {
	return tx.onState.Add(fn)
}

// OnError registers a callback to be called on each transaction error.
//
// Errors raised before any callback was registered are retained and delivered
// to the first registered callback.
//
// The callback will be called with the transaction's context, see [Transaction.Context].
// The callback can be canceled by calling the returned cancel function.
// Multiple callbacks can be registered.
func (tx *baseTransact) OnError(fn TransactionErrorHandler) (cancel func()) {
	cancel = tx.onErr.Add(fn)
	tx.deliverPendingErrs()
	return cancel
}

func (tx *baseTransact) raiseErr(ctx context.Context, err error) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction error", slog.Any("transaction", tx.impl), slog.Any("error", err))

	tx.pendingErrs.Append(err)
	if tx.onErr.Len() > 0 {
		tx.deliverPendingErrs()
	}
}

func (tx *baseTransact) deliverPendingErrs() {
	errs := tx.pendingErrs.Drain()
	if len(errs) == 0 {
		return
	}

	tx.onErr.Range(func(fn TransactionErrorHandler) {
		for _, err := range errs {
			fn(tx.ctx, tx.impl, err)
		}
	})
}

//nolint:unparam
func (tx *baseTransact) actNoop(context.Context, ...any) error { return nil }

//nolint:unparam
func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx.impl))

	tx.cancel()
	return nil
}

//nolint:unparam
func (tx *baseTransact) actTimedOut(ctx context.Context, _ ...any) error {
	tx.raiseErr(ctx, errtrace.Wrap(ErrTransactionTimedOut))
	return nil
}

//nolint:unparam
func (tx *baseTransact) actTranspErr(ctx context.Context, args ...any) error {
	err, ok := args[0].(error)
	if !ok {
		panic(fmt.Errorf("unexpected %q argument type %T", txEvtTranspErr, args[0]))
	}
	tx.raiseErr(ctx, fmt.Errorf("%w: %w", ErrTransactionTransport, err))
	return nil
}

// fireTranspErr reports a transport failure into the FSM and returns the
// failure. Every state accepts the transport error event, so an FSM refusal
// here is a programming error.
func (tx *baseTransact) fireTranspErr(ctx context.Context, err error) error {
	if ferr := tx.fsm.FireCtx(ctx, txEvtTranspErr, errtrace.Wrap(err)); ferr != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", txEvtTranspErr, tx.State(), ferr))
	}
	return errtrace.Wrap(err)
}

// statusEvt picks the FSM event for a status class.
func statusEvt(sts ResponseStatus, provisional, success, failure string) string {
	switch {
	case sts.IsProvisional():
		return provisional
	case sts.IsSuccessful():
		return success
	default:
		return failure
	}
}

// checkTransactArgs validates the message and the transport a new
// transaction is built from.
func checkTransactArgs(msg Message, tp any) error {
	if err := msg.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if tp == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	return nil
}

// txKeyHdrs validates msg and returns its headers for key derivation.
func txKeyHdrs(msg Message) (Headers, error) {
	if msg == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid message"))
	}
	if err := msg.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	return GetMessageHeaders(msg), nil
}

// sizeKeyFields sums the length-prefixed encoded size of the fields.
func sizeKeyFields(fields ...string) (n int) {
	for _, f := range fields {
		n += util.SizePrefixedString(f)
	}
	return n
}

// appendKeyFields appends the fields in length-prefixed form.
func appendKeyFields(buf []byte, fields ...string) []byte {
	for _, f := range fields {
		buf = util.AppendPrefixedString(buf, f)
	}
	return buf
}

// consumeKeyFields decodes length-prefixed fields into dsts in order and
// returns the remaining bytes.
func consumeKeyFields(data []byte, dsts ...*string) ([]byte, error) {
	var err error
	for _, dst := range dsts {
		if *dst, data, err = util.ConsumePrefixedString(data); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}
	return data, nil
}

// asPtrArg unwraps val to *T, following one pointer level.
func asPtrArg[T any](val any) (*T, bool) {
	switch v := val.(type) {
	case T:
		return &v, true
	case *T:
		return v, true
	}
	return nil, false
}

func asArg[T any](val any) (T, bool) {
	switch v := val.(type) {
	case T:
		return v, true
	case *T:
		if v != nil {
			return *v, true
		}
	}
	var zero T
	return zero, false
}

// formatTxKey serves the %s and %q verbs for transaction keys, which
// print as str, the hex form of their binary encoding. It reports
// false when the verb needs the key type's own default formatting.
func formatTxKey(f fmt.State, verb rune, str string) bool {
	switch verb {
	case 's':
		io.WriteString(f, str) //nolint:errcheck
	case 'q':
		io.WriteString(f, strconv.Quote(str)) //nolint:errcheck
	default:
		if f.Flag('+') || f.Flag('#') {
			return false
		}
		io.WriteString(f, str) //nolint:errcheck
	}
	return true
}

// txTimer is a single named transaction timer slot.
// The zero value is an empty slot.
type txTimer struct {
	name string
	tmr  atomic.Pointer[timeutil.SerializableTimer]
}

// clear drops the armed timer without stopping it.
// Expiry callbacks use it to release a fired timer.
func (t *txTimer) clear() { t.tmr.Store(nil) }

func (t *txTimer) snapshot() *timeutil.TimerSnapshot {
	return t.tmr.Load().Snapshot()
}

// restore re-arms the slot from a snapshot.
// A nil snapshot leaves the slot empty.
func (t *txTimer) restore(snap *timeutil.TimerSnapshot, fn func()) {
	if snap == nil {
		return
	}
	tmr := timeutil.RestoreTimer(snap)
	tmr.SetCallback(fn)
	t.tmr.Store(tmr)
}

// startTimer arms the slot with a fresh timer firing fn after d.
// A previously armed timer is dropped without being stopped.
func (tx *baseTransact) startTimer(ctx context.Context, t *txTimer, d time.Duration, fn func()) {
	tmr := timeutil.AfterFunc(d, fn)
	t.tmr.Store(tmr)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer "+t.name+" started",
		slog.Any("transaction", tx.impl),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)
}

// stopTimer disarms the slot. An empty or already fired slot is a no-op.
func (tx *baseTransact) stopTimer(ctx context.Context, t *txTimer) {
	if tmr := t.tmr.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug,
			"timer "+t.name+" stopped",
			slog.Any("transaction", tx.impl),
		)
	}
}

// rearmTimer re-arms the slot's timer with a fixed interval.
func (tx *baseTransact) rearmTimer(t *txTimer, d time.Duration) {
	tmr := t.tmr.Load()
	if tmr == nil {
		return
	}
	tmr.Reset(d)

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug,
		"timer "+t.name+" restarted",
		slog.Any("transaction", tx.impl),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)
}

// backoffTimer doubles the armed timer's interval and re-arms it,
// clamping at limit when limit is non-zero.
func (tx *baseTransact) backoffTimer(t *txTimer, limit time.Duration) {
	tmr := t.tmr.Load()
	if tmr == nil {
		return
	}

	d := 2 * tmr.Duration()
	if limit > 0 && d > limit {
		d = limit
	}
	tmr.Reset(d)

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug,
		"timer "+t.name+" restarted",
		slog.Any("transaction", tx.impl),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)
}

// stopTimers disarms every given slot.
func (tx *baseTransact) stopTimers(ctx context.Context, tmrs ...*txTimer) {
	for _, tmr := range tmrs {
		tx.stopTimer(ctx, tmr)
	}
}

func (tx *baseTransact) inState(states ...TransactionState) bool {
	cur := tx.State()
	for _, st := range states {
		if cur == st {
			return true
		}
	}
	return false
}

// fireEvt feeds an internally generated event into the FSM. Timer and
// terminate events are wired for every state they can fire in, so a
// refusal is a programming error.
func (tx *baseTransact) fireEvt(evt string) {
	if err := tx.fsm.FireCtx(tx.ctx, evt); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", evt, tx.State(), err))
	}
}

// timerFired runs the expiry path shared by the one-shot timers: the
// slot is released, and the event fires only while the transaction is
// still in one of the given states.
func (tx *baseTransact) timerFired(tmr *txTimer, evt string, states ...TransactionState) {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer "+tmr.name+" expired", slog.Any("transaction", tx.impl))

	tmr.clear()

	if tx.inState(states...) {
		tx.fireEvt(evt)
	}
}

// retransTimerFired runs the expiry path shared by the retransmission
// timers. The slot stays armed with a doubled interval, clamped at
// limit, for as long as the transaction remains in one of the given
// states.
func (tx *baseTransact) retransTimerFired(tmr *txTimer, evt string, limit time.Duration, states ...TransactionState) {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer "+tmr.name+" expired", slog.Any("transaction", tx.impl))

	if !tx.inState(states...) {
		tmr.clear()
		return
	}

	tx.fireEvt(evt)
	tx.backoffTimer(tmr, limit)
}

// checkTxMethod rejects methods that cannot open a transaction of the
// given kind. ACK never starts a transaction of its own.
func checkTxMethod(mtd RequestMethod, invite bool) error {
	if mtd.Equal(RequestMethodAck) || mtd.Equal(RequestMethodInvite) != invite {
		return errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	return nil
}
