package dialog

import (
	"context"

	"braces.dev/errtrace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zenvoice/sipcore/sip"
)

// ManagerStats is a [Manager] statistics report.
type ManagerStats struct {
	DialogsActive     int    `json:"dialogs_active"`
	DialogsCreated    uint64 `json:"dialogs_created"`
	DialogsConfirmed  uint64 `json:"dialogs_confirmed"`
	DialogsTerminated uint64 `json:"dialogs_terminated"`
	EventsDropped     uint64 `json:"events_dropped"`
}

// StatsID returns the manager stats source identifier.
func (m *Manager) StatsID() sip.StatsID { return "dialog_manager" }

// CollectStats builds a [ManagerStats] report and hands it to the recorder.
func (m *Manager) CollectStats(ctx context.Context, rcdr sip.StatsRecorder) error {
	return errtrace.Wrap(rcdr.RecordStats(ctx, m.StatsID(), ManagerStats{
		DialogsActive:     m.Size(),
		DialogsCreated:    m.numCreated.Load(),
		DialogsConfirmed:  m.numConfirmed.Load(),
		DialogsTerminated: m.numTerminated.Load(),
		EventsDropped:     m.numDropped.Load(),
	}))
}

// PrometheusStatsRecorder is a [sip.StatsRecorder] that exposes dialog
// reports as prometheus metrics.
type PrometheusStatsRecorder struct {
	active     *prometheus.GaugeVec
	created    *prometheus.GaugeVec
	confirmed  *prometheus.GaugeVec
	terminated *prometheus.GaugeVec
	dropped    *prometheus.GaugeVec
}

// NewPrometheusStatsRecorder creates a [PrometheusStatsRecorder] and registers
// its collectors on the given registerer.
func NewPrometheusStatsRecorder(reg prometheus.Registerer) (*PrometheusStatsRecorder, error) {
	rcdr := &PrometheusStatsRecorder{
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "dialog",
			Name:      "active",
			Help:      "Number of live SIP dialogs.",
		}, []string{"stats_id"}),
		created: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "dialog",
			Name:      "created_total",
			Help:      "Number of created SIP dialogs.",
		}, []string{"stats_id"}),
		confirmed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "dialog",
			Name:      "confirmed_total",
			Help:      "Number of confirmed SIP dialogs.",
		}, []string{"stats_id"}),
		terminated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "dialog",
			Name:      "terminated_total",
			Help:      "Number of terminated SIP dialogs.",
		}, []string{"stats_id"}),
		dropped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "dialog",
			Name:      "events_dropped_total",
			Help:      "Number of dialog events dropped due to slow subscribers.",
		}, []string{"stats_id"}),
	}

	for _, c := range []prometheus.Collector{
		rcdr.active, rcdr.created, rcdr.confirmed, rcdr.terminated, rcdr.dropped,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}
	return rcdr, nil
}

func (rcdr *PrometheusStatsRecorder) RecordStats(_ context.Context, id sip.StatsID, stats any) error {
	st, ok := stats.(ManagerStats)
	if !ok {
		return errtrace.Wrap(sip.NewInvalidArgumentError("unknown stats report"))
	}
	lbls := prometheus.Labels{"stats_id": string(id)}
	rcdr.active.With(lbls).Set(float64(st.DialogsActive))
	rcdr.created.With(lbls).Set(float64(st.DialogsCreated))
	rcdr.confirmed.With(lbls).Set(float64(st.DialogsConfirmed))
	rcdr.terminated.With(lbls).Set(float64(st.DialogsTerminated))
	rcdr.dropped.With(lbls).Set(float64(st.EventsDropped))
	return nil
}
