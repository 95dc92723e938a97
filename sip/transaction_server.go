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

// ServerTransaction is the UAS side of a SIP transaction.
type ServerTransaction interface {
	Transaction
	// MatchRequest reports via its error whether req belongs to this transaction.
	MatchRequest(req *InboundRequest) error
	// RecvRequest feeds an inbound request from the transport layer into the
	// transaction FSM.
	RecvRequest(ctx context.Context, req *InboundRequest) error
	// Respond builds a response with the given status and sends it through the
	// transaction.
	Respond(ctx context.Context, sts ResponseStatus, opts *RespondOptions) error
}

// TransactionRequestHandler consumes requests delivered by a server transaction.
type TransactionRequestHandler = func(ctx context.Context, tx ServerTransaction, req *InboundRequest)

// RespondOptions bundles the response construction and send options
// accepted by [ServerTransaction.Respond].
type RespondOptions struct {
	ResponseOptions *ResponseOptions
	SendOptions     *SendResponseOptions
}

// orEmpty returns o, or zero options when o is nil.
func (o *RespondOptions) orEmpty() *RespondOptions {
	if o == nil {
		return &RespondOptions{}
	}
	return o
}

type ServerTransactionStore = TransactionStore[ServerTransactionKey, ServerTransaction]

func NewMemoryServerTransactionStore() ServerTransactionStore {
	return NewMemoryTransactionStore[ServerTransactionKey, ServerTransaction]()
}

// ServerTransactionFactory builds server transactions for inbound requests.
type ServerTransactionFactory interface {
	NewServerTransaction(
		ctx context.Context,
		req *InboundRequest,
		tp ServerTransport,
		opts *ServerTransactionOptions,
	) (ServerTransaction, error)
}

// StdServerTransactionFactory picks the INVITE or non-INVITE transaction
// by the request method.
type StdServerTransactionFactory struct{}

var defSrvTxFactory = &StdServerTransactionFactory{}

func DefaultServerTransactionFactory() *StdServerTransactionFactory { return defSrvTxFactory }

func (*StdServerTransactionFactory) NewServerTransaction(
	_ context.Context,
	req *InboundRequest,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (ServerTransaction, error) {
	if req.Method().Equal(RequestMethodInvite) {
		return errtrace.Wrap2(NewInviteServerTransaction(req, tp, opts))
	}
	return errtrace.Wrap2(NewNonInviteServerTransaction(req, tp, opts))
}

const srvTransactCtxKey types.ContextKey = "server_transaction"

// ServerTransactionFromContext extracts the server transaction carried by ctx,
// if any.
func ServerTransactionFromContext(ctx context.Context) (ServerTransaction, bool) {
	tx, ok := ctx.Value(srvTransactCtxKey).(ServerTransaction)
	return tx, ok
}

// ServerTransactionOptions customize server transaction construction.
type ServerTransactionOptions struct {
	// Key overrides the transaction key. When zero the key is derived from the
	// initial request. A non-zero key must still match that request.
	Key ServerTransactionKey
	// Timings overrides the SIP timer configuration. Zero means defaults.
	Timings TimingConfig
	// Log is the transaction logger. Nil means [log.Default].
	Log *slog.Logger
}

// normalized resolves nil options and the logger default.
func (o *ServerTransactionOptions) normalized() ServerTransactionOptions {
	var out ServerTransactionOptions
	if o != nil {
		out = *o
	}
	if out.Log == nil {
		out.Log = log.Default()
	}
	return out
}

// restoredFrom derives the options for a transaction rebuilt from a
// snapshot: the key and timings recorded in the snapshot override
// whatever the caller passed.
func (o *ServerTransactionOptions) restoredFrom(snap *ServerTransactionSnapshot) *ServerTransactionOptions {
	var out ServerTransactionOptions
	if o != nil {
		out = *o
	}
	out.Key = snap.Key
	out.Timings = snap.Timings
	return &out
}

type serverTransact struct {
	*baseTransact
	key      ServerTransactionKey
	tp       ServerTransport
	timings  TimingConfig
	req      *InboundRequest
	lastRes  atomic.Pointer[OutboundResponse]
	sendOpts atomic.Pointer[SendResponseOptions]
}

func newServerTransact(
	typ TransactionType,
	impl serverTransactImpl,
	req *InboundRequest,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (*serverTransact, error) {
	if err := checkTransactArgs(req, tp); err != nil {
		return nil, errtrace.Wrap(err)
	}

	o := opts.normalized()
	if !o.Key.IsValid() {
		if err := o.Key.FillFromMessage(req); err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
	}

	tx := &serverTransact{
		key:     o.Key,
		tp:      tp,
		timings: o.Timings,
		req:     req,
	}
	ctx := context.WithValue(context.Background(), srvTransactCtxKey, impl)
	tx.baseTransact = newBaseTransact(ctx, typ, impl, o.Log)
	return tx, nil
}

type serverTransactImpl interface {
	transactImpl
	takeSnapshot() *ServerTransactionSnapshot
}

func (tx *serverTransact) srvTxImpl() serverTransactImpl {
	return tx.impl.(serverTransactImpl) //nolint:forcetypeassert
}

// LogValue implements [slog.LogValuer].
func (tx *serverTransact) LogValue() slog.Value {
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
func (tx *serverTransact) Key() ServerTransactionKey {
	if tx == nil {
		return zeroSrvTxKey
	}
	return tx.key
}

// Request returns the request that created the transaction.
func (tx *serverTransact) Request() *InboundRequest {
	if tx == nil {
		return nil
	}
	return tx.req
}

// LastResponse returns the most recent response sent through the transaction.
func (tx *serverTransact) LastResponse() *OutboundResponse {
	if tx == nil {
		return nil
	}
	return tx.lastRes.Load()
}

// MatchRequest reports via its error whether req belongs to this transaction,
// following the rules of RFC 3261 section 17.2.3.
func (tx *serverTransact) MatchRequest(req *InboundRequest) error {
	var reqKey ServerTransactionKey
	if err := reqKey.FillFromMessage(req); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	type keyAdjuster interface {
		adjustKeys(txKey, reqKey *ServerTransactionKey, req *InboundRequest)
	}

	txKey := tx.key
	if v, ok := tx.impl.(keyAdjuster); ok {
		v.adjustKeys(&txKey, &reqKey, req)
	}
	if !txKey.Equal(reqKey) {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}
	return nil
}

// RecvRequest feeds an inbound request from the transport layer into the
// transaction FSM.
func (tx *serverTransact) RecvRequest(ctx context.Context, req *InboundRequest) error {
	if err := tx.MatchRequest(req); err != nil {
		return errtrace.Wrap(err)
	}

	type reqReceiver interface {
		recvReq(ctx context.Context, req *InboundRequest) error
	}
	if v, ok := tx.impl.(reqReceiver); ok {
		return errtrace.Wrap(v.recvReq(ctx, req))
	}
	return errtrace.Wrap(tx.recvReq(ctx, req))
}

func (tx *serverTransact) recvReq(ctx context.Context, req *InboundRequest) error {
	if !tx.req.Method().Equal(req.Method()) {
		return errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvReq, req))
}

// Respond builds a response with the given status and fires it into the
// transaction FSM, which hands it to the transport layer.
func (tx *serverTransact) Respond(ctx context.Context, sts ResponseStatus, opts *RespondOptions) error {
	opts = opts.orEmpty()
	res, err := tx.req.NewResponse(sts, opts.ResponseOptions)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if err := res.msg.Validate(); err != nil {
		return errtrace.Wrap(err)
	}

	evt := statusEvt(res.msg.Status, txEvtSend1xx, txEvtSend2xx, txEvtSend300699)
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, evt, res, opts.SendOptions))
}

func (tx *serverTransact) sendRes(ctx context.Context, res *OutboundResponse, opts *SendResponseOptions) error {
	if err := tx.tp.SendResponse(ctx, res, opts); err != nil {
		return errtrace.Wrap(tx.fireTranspErr(ctx, fmt.Errorf("send %q response: %w", res.Status(), err)))
	}
	return nil
}

const (
	txEvtRecvReq    = "recv_req"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
)

func (tx *serverTransact) initFSM(start TransactionState) error {
	if err := tx.baseTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.SetTriggerParameters(txEvtRecvReq, reflect.TypeOf((*InboundRequest)(nil)))
	for _, evt := range []string{txEvtSend1xx, txEvtSend2xx, txEvtSend300699} {
		tx.fsm.SetTriggerParameters(evt,
			reflect.TypeOf((*OutboundResponse)(nil)),
			reflect.TypeOf((*SendResponseOptions)(nil)),
		)
	}
	return nil
}

// pushRes logs and sends the response, swallowing the send error, which the
// FSM already saw through the transport error event.
func (tx *serverTransact) pushRes(ctx context.Context, what string, res *OutboundResponse, opts *SendResponseOptions) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, what, slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.sendRes(ctx, res, opts) //nolint:errcheck
}

func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*OutboundResponse)     //nolint:forcetypeassert
	opts := args[1].(*SendResponseOptions) //nolint:forcetypeassert
	defer func() {
		tx.lastRes.Store(res)
		tx.sendOpts.Store(clonePtr(opts))
	}()

	tx.pushRes(ctx, "sending response", res, opts)
	return nil
}

func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	res := tx.LastResponse()
	if res == nil {
		return nil
	}

	tx.pushRes(ctx, "re-send response", res, tx.sendOpts.Load())
	return nil
}

func (tx *serverTransact) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction entered proceeding", slog.Any("transaction", tx.impl))

	return nil
}

//nolint:unparam
func (tx *serverTransact) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction entered completed", slog.Any("transaction", tx.impl))

	return nil
}

// Snapshot captures the serializable transaction state, sufficient to restore
// the transaction after a restart.
func (tx *serverTransact) Snapshot() *ServerTransactionSnapshot {
	if tx == nil {
		return nil
	}
	return tx.srvTxImpl().takeSnapshot()
}

// baseSnapshot fills the snapshot fields common to both server
// transaction kinds. The caller adds its own timer slots.
func (tx *serverTransact) baseSnapshot() *ServerTransactionSnapshot {
	return &ServerTransactionSnapshot{
		Time:         time.Now(),
		Type:         tx.typ,
		State:        tx.State(),
		Key:          tx.key,
		Request:      tx.req,
		LastResponse: tx.LastResponse(),
		SendOptions:  clonePtr(tx.sendOpts.Load()),
		Timings:      tx.timings,
	}
}

// check guards the restore entry points against snapshots that are
// incomplete or were taken from another transaction kind.
func (snap *ServerTransactionSnapshot) check(want TransactionType) error {
	if !snap.IsValid() || snap.Type != want {
		return errtrace.Wrap(NewInvalidArgumentError("invalid snapshot"))
	}
	return nil
}

// primeRestored reloads the message state a snapshot carries beyond
// the constructor arguments.
func (tx *serverTransact) primeRestored(snap *ServerTransactionSnapshot) {
	if snap.LastResponse != nil {
		tx.lastRes.Store(snap.LastResponse)
	}
	if snap.SendOptions != nil {
		tx.sendOpts.Store(clonePtr(snap.SendOptions))
	}
}

// MarshalJSON implements [json.Marshaler].
func (tx *serverTransact) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(tx.Snapshot()))
}

// ServerTransactionSnapshot is the serializable state of a server
// transaction: the identity and messages plus the state of every armed
// timer, so a restored transaction resumes where the snapshot left off.
type ServerTransactionSnapshot struct {
	Time         time.Time            `json:"time"`
	Type         TransactionType      `json:"type"`
	State        TransactionState     `json:"state"`
	Key          ServerTransactionKey `json:"key"`
	Request      *InboundRequest      `json:"request"`
	LastResponse *OutboundResponse    `json:"last_response,omitempty"`
	SendOptions  *SendResponseOptions `json:"send_options,omitempty"`
	Timings      TimingConfig         `json:"timing_config,omitzero"`

	// INVITE server timers.
	Timer1xx *timeutil.TimerSnapshot `json:"timer_1xx,omitempty"` // initial 100 Trying delay
	TimerG   *timeutil.TimerSnapshot `json:"timer_g,omitempty"`   // final response retransmits, unreliable transports
	TimerH   *timeutil.TimerSnapshot `json:"timer_h,omitempty"`   // ACK wait timeout
	TimerI   *timeutil.TimerSnapshot `json:"timer_i,omitempty"`   // post-ACK absorb window, unreliable transports

	// Non-INVITE server timers.
	TimerJ *timeutil.TimerSnapshot `json:"timer_j,omitempty"` // retransmit absorb window after the final response
}

func (snap *ServerTransactionSnapshot) IsValid() bool {
	if snap == nil || snap.Type == "" || snap.State == "" {
		return false
	}
	if snap.LastResponse != nil && !snap.LastResponse.IsValid() {
		return false
	}
	return snap.Key.IsValid() && snap.Request.IsValid()
}

// ServerTransactionKey identifies a server transaction for request matching
// per RFC 3261 section 17.2.3.
//
// For RFC 3261 requests the key is Branch, SentBy and Method. For RFC 2543
// requests it falls back to Method, URI, FromTag, ToTag, CallID, CSeqNum
// and Via.
//
//nolint:recvcheck
type ServerTransactionKey struct {
	// RFC 3261 form: the topmost Via branch and sent-by, with Method shared
	// between both forms.
	Branch string `json:"branch,omitempty"`
	SentBy string `json:"sent_by,omitempty"`
	Method string `json:"method,omitempty"`

	// RFC 2543 fallback form, derived from the request line, the From/To
	// tags, the Call-ID, the CSeq number, and the topmost Via.
	URI     string `json:"uri,omitempty"`
	FromTag string `json:"from_tag,omitempty"`
	ToTag   string `json:"to_tag,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	CSeqNum uint   `json:"cseq_num,omitempty"`
	Via     string `json:"via,omitempty"`
}

var zeroSrvTxKey ServerTransactionKey

// FillFromMessage derives the key from msg. An RFC 3261 branch on the topmost
// Via selects the RFC 3261 key form, anything else falls back to RFC 2543.
func (k *ServerTransactionKey) FillFromMessage(msg Message) error {
	hdrs, err := txKeyHdrs(msg)
	if err != nil {
		return errtrace.Wrap(err)
	}

	via, _ := hdrs.FirstVia()
	if branch, _ := via.Branch(); IsRFC3261Branch(branch) {
		cseq, _ := hdrs.CSeq()
		k.Branch = branch
		k.SentBy = util.LCase(via.Addr.String())
		k.Method = normalizedKeyMethod(cseq.Method)
		return nil
	}

	// The RFC 2543 fallback needs the request line, so only requests match.
	if req, ok := msg.(*Request); ok {
		return errtrace.Wrap(k.fillFromRequestRFC2543(req.Method, req.URI, hdrs))
	}
	if m, ok := msg.(interface {
		Method() RequestMethod
		URI() URI
	}); ok {
		return errtrace.Wrap(k.fillFromRequestRFC2543(m.Method(), m.URI(), hdrs))
	}
	return errtrace.Wrap(NewInvalidArgumentError("unexpected message type %T", msg))
}

// normalizedKeyMethod folds the method case and maps ACK onto INVITE, whose
// transaction an ACK matches.
func normalizedKeyMethod(m RequestMethod) string {
	if m.Equal(RequestMethodAck) {
		return string(RequestMethodInvite)
	}
	return util.UCase(string(m))
}

func (k *ServerTransactionKey) fillFromRequestRFC2543(rmtd RequestMethod, ruri URI, hdrs Headers) error {
	from, _ := hdrs.From()
	if k.FromTag, _ = from.Tag(); k.FromTag == "" {
		return errtrace.Wrap(NewInvalidArgumentError("missing From tag"))
	}
	to, _ := hdrs.To()
	if k.ToTag, _ = to.Tag(); k.ToTag == "" && !rmtd.Equal(RequestMethodInvite) {
		return errtrace.Wrap(NewInvalidArgumentError("missing To tag"))
	}

	via, _ := hdrs.FirstVia()
	callID, _ := hdrs.CallID()
	cseq, _ := hdrs.CSeq()
	k.Via = util.LCase(via.String())
	k.URI = util.LCase(ruri.Render(nil))
	k.CallID = string(callID)
	k.Method = normalizedKeyMethod(cseq.Method)
	k.CSeqNum = cseq.SeqNum

	if cseq.Method.Equal(RequestMethodAck) {
		// The ACK matches the INVITE transaction, keyed before any To tag
		// was assigned.
		k.ToTag = ""
	}
	return nil
}

// Equal reports whether val is a key matching the same transaction.
func (k ServerTransactionKey) Equal(val any) bool {
	other, ok := asArg[ServerTransactionKey](val)
	if !ok {
		return false
	}

	if IsRFC3261Branch(k.Branch) {
		return k.Branch == other.Branch &&
			util.EqFold(k.SentBy, other.SentBy) &&
			util.EqFold(k.Method, other.Method)
	}

	return util.EqFold(k.Method, other.Method) &&
		util.EqFold(k.URI, other.URI) &&
		k.FromTag == other.FromTag &&
		k.ToTag == other.ToTag &&
		k.CallID == other.CallID &&
		k.CSeqNum == other.CSeqNum &&
		util.EqFold(k.Via, other.Via)
}

// IsValid reports whether the key carries a complete RFC 3261 or RFC 2543
// field set.
func (k ServerTransactionKey) IsValid() bool {
	if IsRFC3261Branch(k.Branch) {
		return k.SentBy != "" && k.Method != ""
	}

	return k.Method != "" &&
		k.URI != "" &&
		k.FromTag != "" &&
		(util.EqFold(k.Method, RequestMethodInvite) || k.ToTag != "") &&
		k.CallID != "" &&
		k.CSeqNum > 0 &&
		k.Via != ""
}

func (k ServerTransactionKey) IsZero() bool {
	return k == zeroSrvTxKey
}

// LogValue implements [slog.LogValuer].
func (k ServerTransactionKey) LogValue() slog.Value {
	if IsRFC3261Branch(k.Branch) {
		return slog.GroupValue(
			slog.Any("branch", k.Branch),
			slog.Any("sent-by", k.SentBy),
			slog.Any("method", k.Method),
		)
	}
	return slog.GroupValue(
		slog.Any("method", k.Method),
		slog.Any("uri", k.URI),
		slog.Any("from-tag", k.FromTag),
		slog.Any("to-tag", k.ToTag),
		slog.Any("call-id", k.CallID),
		slog.Any("cseq-num", k.CSeqNum),
		slog.Any("via", k.Via),
	)
}

const (
	srvTxKeyHashRFC3261 byte = 1
	srvTxKeyHashRFC2543 byte = 2
)

// MarshalBinary returns a canonical binary form of the key, usable as a
// stable hash. Case-insensitive fields are case-folded, so two keys that
// match produce the same bytes, and the canonical form round-trips through
// [ServerTransactionKey.UnmarshalBinary].
func (k ServerTransactionKey) MarshalBinary() ([]byte, error) {
	if IsRFC3261Branch(k.Branch) {
		fields := []string{k.Branch, util.LCase(k.SentBy), util.UCase(k.Method)}
		buf := make([]byte, 0, 1+sizeKeyFields(fields...))
		buf = append(buf, srvTxKeyHashRFC3261)
		return appendKeyFields(buf, fields...), nil
	}

	head := []string{util.UCase(k.Method), util.LCase(k.URI), k.FromTag, k.ToTag, k.CallID}
	via := util.LCase(k.Via)
	buf := make([]byte, 0, 1+
		sizeKeyFields(head...)+
		util.SizeUVarInt(uint64(k.CSeqNum))+
		util.SizePrefixedString(via))
	buf = append(buf, srvTxKeyHashRFC2543)
	buf = appendKeyFields(buf, head...)
	buf = util.AppendUVarInt(buf, uint64(k.CSeqNum))
	return util.AppendPrefixedString(buf, via), nil
}

// UnmarshalBinary restores the key from [ServerTransactionKey.MarshalBinary] output.
func (k *ServerTransactionKey) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return errtrace.Wrap(NewInvalidArgumentError("invalid data"))
	}

	var (
		key  ServerTransactionKey
		rest = data[1:]
		err  error
	)

	switch data[0] {
	case srvTxKeyHashRFC3261:
		if rest, err = consumeKeyFields(rest, &key.Branch, &key.SentBy, &key.Method); err != nil {
			return errtrace.Wrap(err)
		}
	case srvTxKeyHashRFC2543:
		if rest, err = consumeKeyFields(rest, &key.Method, &key.URI, &key.FromTag, &key.ToTag, &key.CallID); err != nil {
			return errtrace.Wrap(err)
		}
		var cseq uint64
		if cseq, rest, err = util.ConsumeUVarInt(rest); err != nil {
			return errtrace.Wrap(err)
		}
		key.CSeqNum = uint(cseq)
		if rest, err = consumeKeyFields(rest, &key.Via); err != nil {
			return errtrace.Wrap(err)
		}
	default:
		return errtrace.Wrap(NewInvalidArgumentError("unknown key format"))
	}

	if len(rest) != 0 {
		return errtrace.Wrap(NewInvalidArgumentError("unexpected trailing data"))
	}

	*k = key
	return nil
}

// String returns the hex form of the canonical binary key.
func (k ServerTransactionKey) String() string {
	data, _ := k.MarshalBinary()
	return hex.EncodeToString(data)
}

// Format implements [fmt.Formatter].
func (k ServerTransactionKey) Format(f fmt.State, verb rune) {
	if formatTxKey(f, verb, k.String()) {
		return
	}

	type hideMethods ServerTransactionKey
	type ServerTransactionKey hideMethods
	fmt.Fprintf(f, fmt.FormatString(f, verb), ServerTransactionKey(k))
}

// GetServerTransactionKey extracts the key from tx when it exposes one.
func GetServerTransactionKey(tx ServerTransaction) (ServerTransactionKey, bool) {
	if v, ok := tx.(interface{ Key() ServerTransactionKey }); ok {
		return v.Key(), true
	}
	return zeroSrvTxKey, false
}
