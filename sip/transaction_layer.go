package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/errorutil"
	"github.com/zenvoice/sipcore/internal/log"
	"github.com/zenvoice/sipcore/internal/types"
)

// TransactionLayerOptions are the options for a [TransactionLayer].
type TransactionLayerOptions struct {
	// ServerTransactionFactory is the server transaction factory.
	// If nil, a [DefaultServerTransactionFactory] is used.
	ServerTransactionFactory ServerTransactionFactory
	// ServerTransactionStore is the server transaction store.
	// If nil, a [NewMemoryServerTransactionStore] is used.
	ServerTransactionStore ServerTransactionStore
	// ClientTransactionFactory is the client transaction factory.
	// If nil, a [DefaultClientTransactionFactory] is used.
	ClientTransactionFactory ClientTransactionFactory
	// ClientTransactionStore is the client transaction store.
	// If nil, a [NewMemoryClientTransactionStore] is used.
	ClientTransactionStore ClientTransactionStore
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

// normalized copies the options, substituting defaults for every unset field.
func (o *TransactionLayerOptions) normalized() TransactionLayerOptions {
	var out TransactionLayerOptions
	if o != nil {
		out = *o
	}
	if out.ServerTransactionFactory == nil {
		out.ServerTransactionFactory = DefaultServerTransactionFactory()
	}
	if out.ServerTransactionStore == nil {
		out.ServerTransactionStore = NewMemoryServerTransactionStore()
	}
	if out.ClientTransactionFactory == nil {
		out.ClientTransactionFactory = DefaultClientTransactionFactory()
	}
	if out.ClientTransactionStore == nil {
		out.ClientTransactionStore = NewMemoryClientTransactionStore()
	}
	if out.Log == nil {
		out.Log = log.Default()
	}
	return out
}

// TransactionLayer is responsible for matching incoming messages to corresponding transactions.
//
// Transaction layer catches all inbound messages from the transport and works as a wrapper around it.
// The UA or proxy core should subscribe to the transaction layer events to receive inbound requests.
// Inbound messages that match the existing transactions are passed to the transaction for processing.
// Non-matched inbound requests get a freshly created server transaction and are passed to the core,
// non-matched inbound responses are silently discarded.
type TransactionLayer struct {
	tp Transport
	cancOnReq,
	cancOnRes func()
	srvTxsStore ServerTransactionStore
	srvTxFctr   ServerTransactionFactory
	clnTxsStore ClientTransactionStore
	clnTxFctr   ClientTransactionFactory
	log         *slog.Logger

	srvTxsStarted,
	srvTxsFinished,
	clnTxsStarted,
	clnTxsFinished atomic.Uint64

	closing atomic.Bool
	closed  atomic.Bool
	closer  closeOnce

	onReq types.CallbackManager[TransactionRequestHandler]
}

// NewTransactionLayer creates a new [TransactionLayer].
// Transport is required argument and expected to be non-nil.
// Options are optional, if nil, default values are used (see [TransactionLayerOptions]).
func NewTransactionLayer(tp Transport, opts *TransactionLayerOptions) (*TransactionLayer, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}

	o := opts.normalized()
	txl := &TransactionLayer{
		tp:          tp,
		srvTxsStore: o.ServerTransactionStore,
		srvTxFctr:   o.ServerTransactionFactory,
		clnTxsStore: o.ClientTransactionStore,
		clnTxFctr:   o.ClientTransactionFactory,
		log:         o.Log,
	}
	txl.cancOnReq = tp.OnRequest(txl.recvReq)
	txl.cancOnRes = tp.OnResponse(txl.recvRes)
	return txl, nil
}

// discardReq logs the reason an inbound request is dropped and answers it
// statelessly with the given status.
func (txl *TransactionLayer) discardReq(
	ctx context.Context,
	tp ServerTransport,
	req *InboundRequest,
	reason string,
	err error,
	sts ResponseStatus,
) {
	txl.log.LogAttrs(ctx, slog.LevelWarn, reason,
		slog.Any("request", req),
		slog.Any("error", err),
	)
	respondStateless(ctx, tp, req, sts)
}

func (txl *TransactionLayer) recvReq(ctx context.Context, tp ServerTransport, req *InboundRequest) {
	if tp == nil {
		if stp, ok := ServerTransportFromContext(ctx); ok {
			tp = stp
		} else {
			tp = txl.tp
		}
	}

	var txKey ServerTransactionKey
	if err := txKey.FillFromMessage(req); err != nil {
		txl.discardReq(ctx, tp, req,
			"discarding inbound request due to transaction key error", err,
			ResponseStatusBadRequest)
		return
	}

	tx, err := txl.srvTxsStore.Load(ctx, txKey)
	switch {
	case errors.Is(err, ErrTransactionTerminated):
		// late retransmission of a finished transaction, absorb
		txl.log.LogAttrs(ctx, slog.LevelDebug,
			"absorbing inbound request retransmission of a terminated transaction",
			slog.Any("request", req),
		)
		return
	case errors.Is(err, ErrTransactionNotFound):
		txl.passReq(ctx, tp, req)
		return
	case err != nil:
		txl.discardReq(ctx, tp, req,
			"discarding inbound request due to transaction load error", err,
			ResponseStatusServerInternalError)
		return
	}

	err = tx.RecvRequest(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, ErrTransactionNotMatched):
		txl.log.LogAttrs(ctx, slog.LevelDebug,
			"discarding inbound request due to transaction mismatch",
			slog.Any("request", req),
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
		sts := ResponseStatusCallTransactionDoesNotExist
		if txl.closing.Load() {
			sts = ResponseStatusServiceUnavailable
		}
		respondStateless(ctx, tp, req, sts)
	default:
		txl.log.LogAttrs(ctx, slog.LevelWarn,
			"discarding inbound request due to transaction receive error",
			slog.Any("request", req),
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
		respondStateless(ctx, tp, req, ResponseStatusServerInternalError)
	}
}

// passReq hands a request that matched no transaction over to the core.
// Non-ACK requests get a new server transaction first, a stray ACK is
// delivered as is.
func (txl *TransactionLayer) passReq(ctx context.Context, tp ServerTransport, req *InboundRequest) {
	if txl.closing.Load() {
		respondStateless(ctx, tp, req, ResponseStatusServiceUnavailable)
		return
	}
	if txl.onReq.Len() == 0 {
		txl.log.LogAttrs(ctx, slog.LevelWarn,
			"discarding inbound request due to missing transaction layer request handlers",
			slog.Any("request", req),
		)
		if !req.Method().Equal(RequestMethodAck) {
			respondStateless(ctx, tp, req, ResponseStatusServiceUnavailable)
		}
		return
	}

	var tx ServerTransaction
	if !req.Method().Equal(RequestMethodAck) {
		var err error
		tx, err = txl.NewServerTransaction(ctx, req, tp, nil)
		if err != nil {
			txl.discardReq(ctx, tp, req,
				"discarding inbound request due to transaction setup error", err,
				ResponseStatusServerInternalError)
			return
		}
	}

	txl.onReq.Range(func(fn TransactionRequestHandler) {
		fn(ctx, tx, req)
	})
}

func (txl *TransactionLayer) recvRes(ctx context.Context, _ ClientTransport, res *InboundResponse) {
	discard := func(level slog.Level, reason string, err error) {
		txl.log.LogAttrs(ctx, level, reason,
			slog.Any("response", res),
			slog.Any("error", err),
		)
	}

	var txKey ClientTransactionKey
	if err := txKey.FillFromMessage(res); err != nil {
		discard(slog.LevelWarn, "dropping inbound response, transaction key error", err)
		return
	}

	tx, err := txl.clnTxsStore.Load(ctx, txKey)
	switch {
	case errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrTransactionTerminated):
		discard(slog.LevelDebug, "dropping inbound response, no matching transaction", err)
		return
	case err != nil:
		discard(slog.LevelWarn, "dropping inbound response, transaction load error", err)
		return
	}

	if err := tx.RecvResponse(ctx, res); err != nil {
		discard(slog.LevelWarn, "dropping inbound response, transaction receive error", err)
	}
}

func (txl *TransactionLayer) Close(ctx context.Context) error {
	txl.closing.Store(true)
	return errtrace.Wrap(txl.closer.do(func() error { return txl.close(ctx) }))
}

func (txl *TransactionLayer) close(ctx context.Context) error {
	if txl.closed.Load() {
		return nil
	}

	errs := terminateTransacts(ctx, txl.clnTxsStore, "client")
	errs = append(errs, terminateTransacts(ctx, txl.srvTxsStore, "server")...)

	if txl.cancOnReq != nil {
		txl.cancOnReq()
	}
	if txl.cancOnRes != nil {
		txl.cancOnRes()
	}

	txl.closed.Store(true)

	if len(errs) == 0 {
		return nil
	}
	return errtrace.Wrap(errorutil.JoinPrefix("failed to close transaction layer:", errs...))
}

// terminateTransacts terminates every transaction the store still holds.
func terminateTransacts[K comparable, T Transaction](
	ctx context.Context,
	store TransactionStore[K, T],
	kind string,
) []error {
	txs, err := store.All(ctx)
	if err != nil {
		return []error{fmt.Errorf("load %s transactions: %w", kind, err)}
	}

	var errs []error
	for key, tx := range txs {
		if err := tx.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("terminate %s transaction %v: %w", kind, key, err))
		}
	}
	return errs
}

// OnRequest registers a callback to be called when a request not matched
// to any transaction is received.
// The callback receives the server transaction created for the request,
// or nil for a stray ACK.
func (txl *TransactionLayer) OnRequest(fn TransactionRequestHandler) (cancel func()) {
	return txl.onReq.Add(fn)
}

// trackTransact stores a freshly built transaction and unregisters it from
// the store once it terminates.
func trackTransact[K comparable, T Transaction](
	ctx context.Context,
	txl *TransactionLayer,
	store TransactionStore[K, T],
	key K,
	tx T,
	started, finished *atomic.Uint64,
) error {
	if err := store.Store(ctx, key, tx); err != nil {
		tx.Terminate(ctx) //nolint:errcheck
		return errtrace.Wrap(err)
	}
	started.Add(1)

	tx.OnStateChanged(func(ctx context.Context, tx Transaction, _, to TransactionState) {
		if to != TransactionStateTerminated {
			return
		}
		finished.Add(1)
		if err := store.Delete(ctx, key); err != nil && !errors.Is(err, ErrTransactionNotFound) {
			txl.log.LogAttrs(ctx, slog.LevelError, "failed to delete terminated transaction from store",
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
		}
	})
	return nil
}

func (txl *TransactionLayer) NewClientTransaction(
	ctx context.Context,
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (ClientTransaction, error) {
	if txl.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionLayerClosed)
	}
	tx, err := txl.clnTxFctr.NewClientTransaction(ctx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	key, _ := GetClientTransactionKey(tx)
	if err := trackTransact(ctx, txl, txl.clnTxsStore, key, tx, &txl.clnTxsStarted, &txl.clnTxsFinished); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

func (txl *TransactionLayer) NewServerTransaction(
	ctx context.Context,
	req *InboundRequest,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (ServerTransaction, error) {
	if txl.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionLayerClosed)
	}
	tx, err := txl.srvTxFctr.NewServerTransaction(ctx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	key, _ := GetServerTransactionKey(tx)
	if err := trackTransact(ctx, txl, txl.srvTxsStore, key, tx, &txl.srvTxsStarted, &txl.srvTxsFinished); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

// StatsTypeTransactionLayer is the transaction layer statistics type.
const StatsTypeTransactionLayer StatsType = "transaction_layer"

// TransactionLayerStats provides statistic values about the transaction layer.
type TransactionLayerStats struct {
	// StatsID is a statistic StatsID.
	StatsID StatsID `json:"stats_id" yaml:"stats_id"`
	// StatsType is a statistic type.
	StatsType StatsType `json:"stats_type" yaml:"stats_type"`
	// StatsTime is a statistic timestamp.
	StatsTime time.Time `json:"stats_time" yaml:"stats_time"`

	// ClientTransactionsStarted is a number of started client transactions.
	ClientTransactionsStarted uint64 `json:"client_transactions_started" yaml:"client_transactions_started"`
	// ClientTransactionsFinished is a number of terminated client transactions.
	ClientTransactionsFinished uint64 `json:"client_transactions_finished" yaml:"client_transactions_finished"`
	// ServerTransactionsStarted is a number of started server transactions.
	ServerTransactionsStarted uint64 `json:"server_transactions_started" yaml:"server_transactions_started"`
	// ServerTransactionsFinished is a number of terminated server transactions.
	ServerTransactionsFinished uint64 `json:"server_transactions_finished" yaml:"server_transactions_finished"`
}

const txLayerStatsID StatsID = "transaction_layer"

// CollectStats returns a statistics report.
// Call it periodically to collect statistics.
func (txl *TransactionLayer) CollectStats(ctx context.Context, rcdr StatsRecorder) error {
	return errtrace.Wrap(rcdr.RecordStats(ctx, txLayerStatsID, TransactionLayerStats{
		StatsID:                    txLayerStatsID,
		StatsType:                  StatsTypeTransactionLayer,
		StatsTime:                  time.Now(),
		ClientTransactionsStarted:  txl.clnTxsStarted.Load(),
		ClientTransactionsFinished: txl.clnTxsFinished.Load(),
		ServerTransactionsStarted:  txl.srvTxsStarted.Load(),
		ServerTransactionsFinished: txl.srvTxsFinished.Load(),
	}))
}
