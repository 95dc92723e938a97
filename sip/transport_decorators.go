package sip

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/header"
	"github.com/zenvoice/sipcore/internal/types"
)

// decoTransp carries the pieces every transport decorator shares: the
// wrapped transport and the callback registrations undone on Close.
type decoTransp struct {
	transp  Transport
	cancels []func()
}

func (dtp *decoTransp) Serve() error { return errtrace.Wrap(dtp.transp.Serve()) }

func (dtp *decoTransp) Close() error {
	for _, cancel := range dtp.cancels {
		cancel()
	}
	return errtrace.Wrap(dtp.transp.Close())
}

func (dtp *decoTransp) LogValue() slog.Value {
	if dtp == nil || dtp.transp == nil {
		return slog.Value{}
	}
	return transpLogValue(dtp.transp)
}

// redecorateServer rewraps the server transports carried by ctx and tp with
// deco, skipping values that already are of the decorator type D.
func redecorateServer[D any](
	ctx context.Context,
	tp ServerTransport,
	deco func(ServerTransport) ServerTransport,
) (context.Context, ServerTransport) {
	if ctxTp, ok := ServerTransportFromContext(ctx); ok {
		if _, ok := ctxTp.(D); !ok {
			ctx = context.WithValue(ctx, srvTranspCtxKey, deco(ctxTp))
		}
	}
	if _, ok := tp.(D); !ok {
		tp = deco(tp)
	}
	return ctx, tp
}

// redecorateClient is the client-side counterpart of [redecorateServer].
func redecorateClient[D any](
	ctx context.Context,
	tp ClientTransport,
	deco func(ClientTransport) ClientTransport,
) (context.Context, ClientTransport) {
	if ctxTp, ok := ClientTransportFromContext(ctx); ok {
		if _, ok := ctxTp.(D); !ok {
			ctx = context.WithValue(ctx, clnTranspCtxKey, deco(ctxTp))
		}
	}
	if _, ok := tp.(D); !ok {
		tp = deco(tp)
	}
	return ctx, tp
}

// StatsTypeTransport is the transport statistics type.
const StatsTypeTransport StatsType = "transport"

// TransportStats is the statistics report of a single transport.
type TransportStats struct {
	StatsID   StatsID   `json:"stats_id" yaml:"stats_id"`
	StatsType StatsType `json:"stats_type" yaml:"stats_type"`
	StatsTime time.Time `json:"stats_time" yaml:"stats_time"`

	Proto             TransportProto `json:"proto" yaml:"proto"`
	RequestsReceived  uint64         `json:"requests_received" yaml:"requests_received"`
	RequestsSent      uint64         `json:"requests_sent" yaml:"requests_sent"`
	ResponsesReceived uint64         `json:"responses_received" yaml:"responses_received"`
	ResponsesSent     uint64         `json:"responses_sent" yaml:"responses_sent"`
	AvgRTT            time.Duration  `json:"avg_rtt" yaml:"avg_rtt"`
	NumRTT            uint64         `json:"num_rtt" yaml:"num_rtt"`
}

type statsTransp struct {
	*statsClientTransp
	*statsServerTransp
	decoTransp
	statsID StatsID
}

type statsServerTransp struct {
	ServerTransport
	*statsServerValues
	onReq types.CallbackManager[TransportRequestHandler]
}

type statsServerValues struct {
	inReqs,
	outRess atomic.Uint64
}

type statsClientTransp struct {
	ClientTransport
	*statsClientValues
	onRes types.CallbackManager[TransportResponseHandler]
}

type statsClientValues struct {
	outReqs,
	inRess,
	avgRTT,
	rttNum atomic.Uint64
}

// NewStatsTransport decorates a transport with statistics reporting.
// See [TransportStats] for details which statistics are reported.
func NewStatsTransport(tp Transport) Transport {
	switch tp := tp.(type) {
	case nil:
		return nil
	case *statsTransp:
		return tp
	}

	stp := &statsTransp{
		statsClientTransp: &statsClientTransp{
			ClientTransport:   tp,
			statsClientValues: &statsClientValues{},
		},
		statsServerTransp: &statsServerTransp{
			ServerTransport:   tp,
			statsServerValues: &statsServerValues{},
		},
		decoTransp: decoTransp{transp: tp},
		statsID:    transpStatsID(tp),
	}
	stp.cancels = []func(){
		tp.OnRequest(stp.recvReq),
		tp.OnResponse(stp.recvRes),
	}
	return stp
}

func transpStatsID(tp Transport) StatsID {
	if v, ok := tp.(interface{ StatsID() StatsID }); ok {
		return v.StatsID()
	}

	// TODO: generate a random ID when proto or laddr come up empty.
	proto, _ := GetTransportProto(tp)
	laddr, _ := GetTransportLocalAddr(tp)
	return StatsID(string(proto) + ":" + laddr.String())
}

func (stp *statsServerTransp) recvReq(ctx context.Context, tp ServerTransport, req *InboundRequest) {
	stp.inReqs.Add(1)

	ctx, tp = redecorateServer[*statsServerTransp](ctx, tp, func(tp ServerTransport) ServerTransport {
		return &statsServerTransp{
			ServerTransport:   tp,
			statsServerValues: stp.statsServerValues,
		}
	})

	dispatchRequest(ctx, tp, &stp.onReq, req)
}

func (stp *statsClientTransp) recvRes(ctx context.Context, tp ClientTransport, res *InboundResponse) {
	stp.inRess.Add(1)

	ctx, tp = redecorateClient[*statsClientTransp](ctx, tp, func(tp ClientTransport) ClientTransport {
		return &statsClientTransp{
			ClientTransport:   tp,
			statsClientValues: stp.statsClientValues,
		}
	})

	if hdr, ok := res.Headers().Timestamp(); ok && !hdr.RequestTime.IsZero() {
		stp.recordRTT(hdr, res.MessageTime())
	}

	dispatchResponse(ctx, tp, &stp.onRes, res)
}

// recordRTT folds one round-trip sample into the running average.
// Samples where the response time precedes the request time plus the
// reported delay are clock skew and get dropped.
func (vals *statsClientValues) recordRTT(hdr *header.Timestamp, resTime time.Time) {
	if resTime.After(hdr.RequestTime.Add(hdr.ResponseDelay)) {
		return
	}
	n := vals.rttNum.Add(1)
	rtt := uint64(resTime.Sub(hdr.RequestTime) - hdr.ResponseDelay)
	vals.avgRTT.Store((vals.avgRTT.Load()*(n-1) + rtt) / n)
}

// SendRequest stamps the request with a Timestamp header and counts it.
func (stp *statsClientTransp) SendRequest(ctx context.Context, req *OutboundRequest, opts *SendRequestOptions) error {
	req.UpdateMessage(func(msg *Request) {
		msg.Headers.Set(&header.Timestamp{RequestTime: time.Now()})
	})

	err := stp.ClientTransport.SendRequest(ctx, req, opts)
	if err == nil {
		stp.outReqs.Add(1)
	}
	return errtrace.Wrap(err)
}

// SendResponse fills the Timestamp response delay and counts the response.
func (stp *statsServerTransp) SendResponse(ctx context.Context, res *OutboundResponse, opts *SendResponseOptions) error {
	res.UpdateMessage(func(msg *Response) {
		hdr, ok := msg.Headers.Timestamp()
		if !ok {
			return
		}
		if reqTS, ok := requestTime(res.Metadata()); ok {
			hdr.ResponseDelay = time.Since(reqTS)
		}
	})

	err := stp.ServerTransport.SendResponse(ctx, res, opts)
	if err == nil {
		stp.outRess.Add(1)
	}
	return errtrace.Wrap(err)
}

// requestTime pulls the inbound request timestamp the envelope recorded
// when the response was built.
func requestTime(data *MessageMetadata) (time.Time, bool) {
	val, ok := data.Get(reqTimeDataKey)
	if !ok {
		return time.Time{}, false
	}
	ts, ok := val.(time.Time)
	return ts, ok && !ts.IsZero()
}

func (stp *statsServerTransp) OnRequest(fn TransportRequestHandler) (cancel func()) {
	return stp.onReq.Add(fn)
}

func (stp *statsClientTransp) OnResponse(fn TransportResponseHandler) (cancel func()) {
	return stp.onRes.Add(fn)
}

// StatsID returns a statistics ID.
func (stp *statsTransp) StatsID() StatsID { return stp.statsID }

// CollectStats records the current statistics report.
// Call it periodically to collect statistics.
func (stp *statsTransp) CollectStats(ctx context.Context, rcdr StatsRecorder) error {
	proto, _ := GetTransportProto(stp.transp)
	return errtrace.Wrap(rcdr.RecordStats(ctx, stp.statsID, TransportStats{
		StatsID:           stp.statsID,
		StatsType:         StatsTypeTransport,
		StatsTime:         time.Now(),
		Proto:             proto,
		RequestsReceived:  stp.inReqs.Load(),
		RequestsSent:      stp.outReqs.Load(),
		ResponsesReceived: stp.inRess.Load(),
		ResponsesSent:     stp.outRess.Load(),
		AvgRTT:            time.Duration(stp.avgRTT.Load()),
		NumRTT:            stp.rttNum.Load(),
	}))
}

type logMsgTransp struct {
	logMsgServerTransp
	logMsgClientTransp
	decoTransp
}

type logMsgServerTransp struct {
	ServerTransport
	log   *slog.Logger
	lvl   slog.Level
	onReq types.CallbackManager[TransportRequestHandler]
}

type logMsgClientTransp struct {
	ClientTransport
	log   *slog.Logger
	lvl   slog.Level
	onRes types.CallbackManager[TransportResponseHandler]
}

// NewLogMessageTransport decorates a transport with message logging.
func NewLogMessageTransport(tp Transport, logger *slog.Logger, lvl slog.Level) Transport {
	switch tp := tp.(type) {
	case nil:
		return nil
	case *logMsgTransp:
		return tp
	}

	logger = logger.With("transport", tp)
	ltp := &logMsgTransp{
		logMsgServerTransp: logMsgServerTransp{
			ServerTransport: tp,
			log:             logger,
			lvl:             lvl,
		},
		logMsgClientTransp: logMsgClientTransp{
			ClientTransport: tp,
			log:             logger,
			lvl:             lvl,
		},
		decoTransp: decoTransp{transp: tp},
	}
	ltp.cancels = []func(){
		tp.OnRequest(ltp.recvReq),
		tp.OnResponse(ltp.recvRes),
	}
	return ltp
}

func (ltp *logMsgServerTransp) recvReq(ctx context.Context, tp ServerTransport, req *InboundRequest) {
	ltp.log.LogAttrs(ctx, ltp.lvl, "request received", slog.Any("request", req))

	ctx, tp = redecorateServer[*logMsgServerTransp](ctx, tp, func(tp ServerTransport) ServerTransport {
		return &logMsgServerTransp{
			ServerTransport: tp,
			log:             ltp.log,
			lvl:             ltp.lvl,
		}
	})

	dispatchRequest(ctx, tp, &ltp.onReq, req)
}

func (ltp *logMsgClientTransp) recvRes(ctx context.Context, tp ClientTransport, res *InboundResponse) {
	ltp.log.LogAttrs(ctx, ltp.lvl, "response received", slog.Any("response", res))

	ctx, tp = redecorateClient[*logMsgClientTransp](ctx, tp, func(tp ClientTransport) ClientTransport {
		return &logMsgClientTransp{
			ClientTransport: tp,
			log:             ltp.log,
			lvl:             ltp.lvl,
		}
	})

	dispatchResponse(ctx, tp, &ltp.onRes, res)
}

func (ltp *logMsgClientTransp) SendRequest(ctx context.Context, req *OutboundRequest, opts *SendRequestOptions) error {
	err := ltp.ClientTransport.SendRequest(ctx, req, opts)
	if err == nil {
		ltp.log.LogAttrs(ctx, ltp.lvl, "request sent", slog.Any("request", req))
	}
	return errtrace.Wrap(err)
}

func (ltp *logMsgServerTransp) SendResponse(ctx context.Context, res *OutboundResponse, opts *SendResponseOptions) error {
	err := ltp.ServerTransport.SendResponse(ctx, res, opts)
	if err == nil {
		ltp.log.LogAttrs(ctx, ltp.lvl, "response sent", slog.Any("response", res))
	}
	return errtrace.Wrap(err)
}

func (ltp *logMsgServerTransp) OnRequest(fn TransportRequestHandler) (cancel func()) {
	return ltp.onReq.Add(fn)
}

func (ltp *logMsgClientTransp) OnResponse(fn TransportResponseHandler) (cancel func()) {
	return ltp.onRes.Add(fn)
}
