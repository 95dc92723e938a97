package sip

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/log"
	"github.com/zenvoice/sipcore/internal/timeutil"
	"github.com/zenvoice/sipcore/internal/types"
	"github.com/zenvoice/sipcore/internal/util"
)

// ClientTransaction is the UAC side of a SIP transaction.
type ClientTransaction interface {
	Transaction
	// MatchResponse reports whether the response belongs to this transaction.
	MatchResponse(res *InboundResponse) error
	// RecvResponse feeds an inbound response from the transport layer
	// into the transaction FSM.
	RecvResponse(ctx context.Context, res *InboundResponse) error
	// OnResponse registers a callback invoked for every response the
	// transaction passes up.
	OnResponse(fn TransactionResponseHandler) (cancel func())
}

// TransactionResponseHandler is called for each response a client
// transaction passes up.
type TransactionResponseHandler = func(ctx context.Context, tx ClientTransaction, res *InboundResponse)

type ClientTransactionStore = TransactionStore[ClientTransactionKey, ClientTransaction]

func NewMemoryClientTransactionStore() ClientTransactionStore {
	return NewMemoryTransactionStore[ClientTransactionKey, ClientTransaction]()
}

type ClientTransactionFactory interface {
	NewClientTransaction(
		ctx context.Context,
		req *OutboundRequest,
		tp ClientTransport,
		opts *ClientTransactionOptions,
	) (ClientTransaction, error)
}

// StdClientTransactionFactory builds an INVITE or a non-INVITE client
// transaction depending on the request method.
type StdClientTransactionFactory struct{}

var defClnTxFactory = &StdClientTransactionFactory{}

func DefaultClientTransactionFactory() *StdClientTransactionFactory { return defClnTxFactory }

func (*StdClientTransactionFactory) NewClientTransaction(
	_ context.Context,
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (ClientTransaction, error) {
	if req.Method().Equal(RequestMethodInvite) {
		return errtrace.Wrap2(NewInviteClientTransaction(req, tp, opts))
	}
	return errtrace.Wrap2(NewNonInviteClientTransaction(req, tp, opts))
}

const clnTransactCtxKey types.ContextKey = "client_transaction"

// ClientTransactionFromContext returns the client transaction stored
// in ctx, if any.
func ClientTransactionFromContext(ctx context.Context) (ClientTransaction, bool) {
	tx, ok := ctx.Value(clnTransactCtxKey).(ClientTransaction)
	return tx, ok
}

// ClientTransactionOptions tunes a new client transaction.
type ClientTransactionOptions struct {
	// Key overrides the transaction key. When zero the key is derived
	// from the request. A custom key must still match the responses to
	// the request that created the transaction.
	Key ClientTransactionKey
	// Timings overrides the transaction timing configuration.
	// The zero value selects the RFC 3261 defaults.
	Timings TimingConfig
	// SendOptions are passed to the transport on every send.
	SendOptions *SendRequestOptions
	// Log is the transaction logger, [log.Default] when nil.
	Log *slog.Logger
}

// normalized resolves nil options and the logger default.
func (o *ClientTransactionOptions) normalized() ClientTransactionOptions {
	out := ClientTransactionOptions{Timings: defTimingCfg}
	if o != nil {
		out = *o
	}
	if out.Log == nil {
		out.Log = log.Default()
	}
	return out
}

// restoredFrom derives the options for a transaction rebuilt from a
// snapshot: the key, send options and timings recorded in the snapshot
// override whatever the caller passed.
func (o *ClientTransactionOptions) restoredFrom(snap *ClientTransactionSnapshot) *ClientTransactionOptions {
	var out ClientTransactionOptions
	if o != nil {
		out = *o
	}
	out.Key = snap.Key
	out.SendOptions = clonePtr(snap.SendOptions)
	out.Timings = snap.Timings
	return &out
}

// clientTransact carries the state shared by the INVITE and non-INVITE
// client transaction FSMs.
type clientTransact struct {
	*baseTransact
	key      ClientTransactionKey
	tp       ClientTransport
	timings  TimingConfig
	req      *OutboundRequest
	sendOpts *SendRequestOptions
	lastRes  atomic.Pointer[InboundResponse]

	onRes       types.CallbackManager[TransactionResponseHandler]
	pendingRess types.Deque[*InboundResponse]
}

func newClientTransact(
	typ TransactionType,
	impl clientTransactImpl,
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*clientTransact, error) {
	if err := checkTransactArgs(req, tp); err != nil {
		return nil, errtrace.Wrap(err)
	}

	o := opts.normalized()
	if !o.Key.IsValid() {
		if err := o.Key.FillFromMessage(req); err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
	}

	tx := &clientTransact{
		key:      o.Key,
		tp:       tp,
		req:      req,
		sendOpts: o.SendOptions,
		timings:  o.Timings,
	}
	ctx := context.WithValue(context.Background(), clnTransactCtxKey, impl)
	tx.baseTransact = newBaseTransact(ctx, typ, impl, o.Log)
	return tx, nil
}

type clientTransactImpl interface {
	transactImpl
	takeSnapshot() *ClientTransactionSnapshot
}

func (tx *clientTransact) clnTxImpl() clientTransactImpl {
	return tx.impl.(clientTransactImpl) //nolint:forcetypeassert
}

// LogValue implements [slog.LogValuer].
func (tx *clientTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.Any("type", tx.typ),
		slog.Any("state", tx.State()),
	)
}

// Key returns the transaction key.
func (tx *clientTransact) Key() ClientTransactionKey {
	if tx == nil {
		return zeroClnTxKey
	}
	return tx.key
}

// Request returns the request that created the transaction.
func (tx *clientTransact) Request() *OutboundRequest {
	if tx == nil {
		return nil
	}
	return tx.req
}

// LastResponse returns the most recent response the transaction has
// received, or nil before the first one.
func (tx *clientTransact) LastResponse() *InboundResponse {
	if tx == nil {
		return nil
	}
	return tx.lastRes.Load()
}

// MatchResponse reports whether the response belongs to this
// transaction, per the matching rules of RFC 3261 Section 17.1.3.
func (tx *clientTransact) MatchResponse(res *InboundResponse) error {
	var resKey ClientTransactionKey
	if err := resKey.FillFromMessage(res); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !tx.key.Equal(resKey) {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}
	return nil
}

// RecvResponse feeds an inbound response into the transaction FSM.
func (tx *clientTransact) RecvResponse(ctx context.Context, res *InboundResponse) error {
	if err := tx.MatchResponse(res); err != nil {
		return errtrace.Wrap(err)
	}

	evt := statusEvt(res.Status(), txEvtRecv1xx, txEvtRecv2xx, txEvtRecv300699)
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, evt, res))
}

func (tx *clientTransact) sendReq(ctx context.Context, req *OutboundRequest) error {
	if err := tx.tp.SendRequest(ctx, req, tx.sendOpts); err != nil {
		return errtrace.Wrap(tx.fireTranspErr(ctx, fmt.Errorf("send %q request: %w", req.Method(), err)))
	}
	return nil
}

const (
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
)

func (tx *clientTransact) initFSM(start TransactionState) error {
	if err := tx.baseTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	resType := reflect.TypeOf((*InboundResponse)(nil))
	for _, evt := range []string{txEvtRecv1xx, txEvtRecv2xx, txEvtRecv300699} {
		tx.fsm.SetTriggerParameters(evt, resType)
	}
	return nil
}

func (tx *clientTransact) actSendReq(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "sending request", slog.Any("transaction", tx.impl), slog.Any("request", tx.req))

	tx.sendReq(ctx, tx.req) //nolint:errcheck
	return nil
}

func (tx *clientTransact) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*InboundResponse) //nolint:forcetypeassert
	tx.lastRes.Store(res)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "passing response up", slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.pendingRess.Append(res)
	if tx.onRes.Len() > 0 {
		tx.deliverPendingRess()
	}
	return nil
}

func (tx *clientTransact) deliverPendingRess() {
	resps := tx.pendingRess.Drain()
	if len(resps) == 0 {
		return
	}

	tx.onRes.Range(func(fn TransactionResponseHandler) {
		for _, res := range resps {
			fn(tx.ctx, tx.impl.(ClientTransaction), res)
		}
	})
}

func (tx *clientTransact) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction entered proceeding", slog.Any("transaction", tx))

	return nil
}

//nolint:unparam
func (tx *clientTransact) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction entered completed", slog.Any("transaction", tx))

	return nil
}

// OnResponse registers a callback invoked for every response the
// transaction passes up. Responses received before the first callback
// was registered are retained and delivered to it.
//
// The callback runs on the transaction's context, see
// [Transaction.Context]; the transaction itself can be recovered from
// that context with [TransactionFromContext]. The returned cancel
// function unregisters the callback. Multiple callbacks may be
// registered.
func (tx *clientTransact) OnResponse(fn TransactionResponseHandler) (cancel func()) {
	cancel = tx.onRes.Add(fn)
	tx.deliverPendingRess()
	return cancel
}

// Snapshot captures the transaction state for serialization, with
// everything needed to restore the transaction after a restart.
func (tx *clientTransact) Snapshot() *ClientTransactionSnapshot {
	if tx == nil {
		return nil
	}
	return tx.clnTxImpl().takeSnapshot()
}

// baseSnapshot fills the snapshot fields common to both client
// transaction kinds. The caller adds its own timer slots.
func (tx *clientTransact) baseSnapshot() *ClientTransactionSnapshot {
	return &ClientTransactionSnapshot{
		Time:         time.Now(),
		Type:         tx.typ,
		State:        tx.State(),
		Key:          tx.key,
		Request:      tx.req,
		LastResponse: tx.LastResponse(),
		SendOptions:  clonePtr(tx.sendOpts),
		Timings:      tx.timings,
	}
}

// check guards the restore entry points against snapshots that are
// incomplete or were taken from another transaction kind.
func (snap *ClientTransactionSnapshot) check(want TransactionType) error {
	if !snap.IsValid() || snap.Type != want {
		return errtrace.Wrap(NewInvalidArgumentError("invalid snapshot"))
	}
	return nil
}

// primeRestored reloads the message state a snapshot carries beyond
// the constructor arguments.
func (tx *clientTransact) primeRestored(snap *ClientTransactionSnapshot) {
	if snap.LastResponse != nil {
		tx.lastRes.Store(snap.LastResponse)
	}
}

// MarshalJSON implements [json.Marshaler].
func (tx *clientTransact) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(tx.Snapshot()))
}

// ClientTransactionSnapshot is the serializable state of a client
// transaction: the identity and messages plus the state of every armed
// timer, so a restored transaction resumes where the snapshot left off.
type ClientTransactionSnapshot struct {
	Time         time.Time            `json:"time"`
	Type         TransactionType      `json:"type"`
	State        TransactionState     `json:"state"`
	Key          ClientTransactionKey `json:"key"`
	Request      *OutboundRequest     `json:"request"`
	SendOptions  *SendRequestOptions  `json:"send_options,omitempty"`
	LastResponse *InboundResponse     `json:"last_response,omitempty"`
	Timings      TimingConfig         `json:"timing_config,omitzero"`

	// INVITE client timers.
	TimerA *timeutil.TimerSnapshot `json:"timer_a,omitempty"` // request retransmits, unreliable transports
	TimerB *timeutil.TimerSnapshot `json:"timer_b,omitempty"` // overall transaction timeout
	TimerD *timeutil.TimerSnapshot `json:"timer_d,omitempty"` // final response absorb window, unreliable transports

	// Non-INVITE client timers.
	TimerE *timeutil.TimerSnapshot `json:"timer_e,omitempty"` // request retransmits, unreliable transports
	TimerF *timeutil.TimerSnapshot `json:"timer_f,omitempty"` // overall transaction timeout
	TimerK *timeutil.TimerSnapshot `json:"timer_k,omitempty"` // final response absorb window, unreliable transports
}

func (snap *ClientTransactionSnapshot) IsValid() bool {
	if snap == nil || snap.Type == "" || snap.State == "" {
		return false
	}
	if snap.LastResponse != nil && !snap.LastResponse.IsValid() {
		return false
	}
	return snap.Key.IsValid() && snap.Request.IsValid()
}

// ClientTransactionKey matches responses to the request that created
// the transaction.
//
//nolint:recvcheck
type ClientTransactionKey struct {
	// Branch parameter of the topmost Via header field.
	Branch string `json:"branch"`
	// Method of the request that created the transaction.
	Method string `json:"method"`
}

var zeroClnTxKey ClientTransactionKey

// FillFromMessage populates the key fields from the given message.
func (k *ClientTransactionKey) FillFromMessage(msg Message) error {
	hdrs, err := txKeyHdrs(msg)
	if err != nil {
		return errtrace.Wrap(err)
	}

	via, _ := hdrs.FirstVia()
	cseq, _ := hdrs.CSeq()

	k.Branch, _ = via.Branch()
	k.Method = util.UCase(string(cseq.Method))
	return nil
}

// Equal reports whether val is the same key.
func (k ClientTransactionKey) Equal(val any) bool {
	other, ok := asArg[ClientTransactionKey](val)
	return ok && k.Branch == other.Branch && util.EqFold(k.Method, other.Method)
}

// IsValid reports whether both key fields are populated.
func (k ClientTransactionKey) IsValid() bool {
	return k.Branch != "" && k.Method != ""
}

// IsZero reports whether the key is empty.
func (k ClientTransactionKey) IsZero() bool {
	return k == zeroClnTxKey
}

// LogValue implements [slog.LogValuer].
func (k ClientTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("branch", k.Branch),
		slog.Any("method", k.Method),
	)
}

// MarshalBinary encodes the key as length-prefixed strings. The method is
// upper-cased first, so two keys that match encode to the same bytes.
func (k ClientTransactionKey) MarshalBinary() ([]byte, error) {
	fields := []string{k.Branch, util.UCase(k.Method)}
	return appendKeyFields(make([]byte, 0, sizeKeyFields(fields...)), fields...), nil
}

// UnmarshalBinary decodes a key produced by
// [ClientTransactionKey.MarshalBinary].
func (k *ClientTransactionKey) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return errtrace.Wrap(NewInvalidArgumentError("invalid data"))
	}

	var key ClientTransactionKey
	rest, err := consumeKeyFields(data, &key.Branch, &key.Method)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if len(rest) != 0 {
		return errtrace.Wrap(NewInvalidArgumentError("unexpected trailing data"))
	}

	*k = key
	return nil
}

// String returns the hex form of the key's binary encoding.
func (k ClientTransactionKey) String() string {
	data, _ := k.MarshalBinary()
	return hex.EncodeToString(data)
}

func (k ClientTransactionKey) Format(f fmt.State, verb rune) {
	if formatTxKey(f, verb, k.String()) {
		return
	}
	type hideMethods ClientTransactionKey
	type ClientTransactionKey hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), ClientTransactionKey(k))
}

// GetClientTransactionKey extracts the key from any client transaction
// that exposes one.
func GetClientTransactionKey(tx ClientTransaction) (ClientTransactionKey, bool) {
	if v, ok := tx.(interface{ Key() ClientTransactionKey }); ok {
		return v.Key(), true
	}
	return zeroClnTxKey, false
}
