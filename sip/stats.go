package sip

import (
	"context"

	"braces.dev/errtrace"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsID identifies a statistics source.
type StatsID string

// StatsType is a statistics report type.
type StatsType string

// StatsRecorder receives statistic reports from stats sources.
// Sources expose a CollectStats method that builds a report and hands it
// to the recorder, see [NewStatsTransport] and [TransactionLayer.CollectStats].
type StatsRecorder interface {
	RecordStats(ctx context.Context, id StatsID, stats any) error
}

// StatsRecorderFunc is a [StatsRecorder] implementation based on a function.
type StatsRecorderFunc func(ctx context.Context, id StatsID, stats any) error

func (f StatsRecorderFunc) RecordStats(ctx context.Context, id StatsID, stats any) error {
	return errtrace.Wrap(f(ctx, id, stats))
}

// NoopStatsRecorder returns a [StatsRecorder] that discards all reports.
func NoopStatsRecorder() StatsRecorder {
	return StatsRecorderFunc(func(context.Context, StatsID, any) error { return nil })
}

// PrometheusStatsRecorder is a [StatsRecorder] that exposes reports
// as prometheus metrics.
type PrometheusStatsRecorder struct {
	tpReqsReceived *prometheus.GaugeVec
	tpReqsSent     *prometheus.GaugeVec
	tpRessReceived *prometheus.GaugeVec
	tpRessSent     *prometheus.GaugeVec
	tpAvgRTT       *prometheus.GaugeVec

	txsStarted  *prometheus.GaugeVec
	txsFinished *prometheus.GaugeVec
}

// NewPrometheusStatsRecorder creates a [PrometheusStatsRecorder] and registers
// its collectors on the given registerer.
func NewPrometheusStatsRecorder(reg prometheus.Registerer) (*PrometheusStatsRecorder, error) {
	rcdr := &PrometheusStatsRecorder{
		tpReqsReceived: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "transport",
			Name:      "requests_received_total",
			Help:      "Number of SIP requests received by the transport.",
		}, []string{"stats_id", "proto"}),
		tpReqsSent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "transport",
			Name:      "requests_sent_total",
			Help:      "Number of SIP requests sent by the transport.",
		}, []string{"stats_id", "proto"}),
		tpRessReceived: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "transport",
			Name:      "responses_received_total",
			Help:      "Number of SIP responses received by the transport.",
		}, []string{"stats_id", "proto"}),
		tpRessSent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "transport",
			Name:      "responses_sent_total",
			Help:      "Number of SIP responses sent by the transport.",
		}, []string{"stats_id", "proto"}),
		tpAvgRTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "transport",
			Name:      "rtt_avg_seconds",
			Help:      "Average SIP request round-trip time.",
		}, []string{"stats_id", "proto"}),
		txsStarted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "started_total",
			Help:      "Number of started SIP transactions.",
		}, []string{"stats_id", "kind"}),
		txsFinished: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "finished_total",
			Help:      "Number of terminated SIP transactions.",
		}, []string{"stats_id", "kind"}),
	}

	for _, c := range []prometheus.Collector{
		rcdr.tpReqsReceived, rcdr.tpReqsSent, rcdr.tpRessReceived, rcdr.tpRessSent, rcdr.tpAvgRTT,
		rcdr.txsStarted, rcdr.txsFinished,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}
	return rcdr, nil
}

func (rcdr *PrometheusStatsRecorder) RecordStats(_ context.Context, id StatsID, stats any) error {
	switch st := stats.(type) {
	case TransportStats:
		lbls := prometheus.Labels{"stats_id": string(id), "proto": string(st.Proto)}
		rcdr.tpReqsReceived.With(lbls).Set(float64(st.RequestsReceived))
		rcdr.tpReqsSent.With(lbls).Set(float64(st.RequestsSent))
		rcdr.tpRessReceived.With(lbls).Set(float64(st.ResponsesReceived))
		rcdr.tpRessSent.With(lbls).Set(float64(st.ResponsesSent))
		rcdr.tpAvgRTT.With(lbls).Set(st.AvgRTT.Seconds())
	case TransactionLayerStats:
		rcdr.txsStarted.With(prometheus.Labels{"stats_id": string(id), "kind": "client"}).
			Set(float64(st.ClientTransactionsStarted))
		rcdr.txsFinished.With(prometheus.Labels{"stats_id": string(id), "kind": "client"}).
			Set(float64(st.ClientTransactionsFinished))
		rcdr.txsStarted.With(prometheus.Labels{"stats_id": string(id), "kind": "server"}).
			Set(float64(st.ServerTransactionsStarted))
		rcdr.txsFinished.With(prometheus.Labels{"stats_id": string(id), "kind": "server"}).
			Set(float64(st.ServerTransactionsFinished))
	default:
		return errtrace.Wrap(NewInvalidArgumentError("unknown stats report"))
	}
	return nil
}
