// Package pemimetrics exposes the counters PEMI's engine, connections, and
// congestion controller already maintain as Prometheus instruments. It is
// purely an observer: nothing here changes forwarding, loss-detection, or
// pacing behavior.
package pemimetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds every metric PEMI publishes. A nil *Recorder is safe to
// call methods on — they no-op — so injecting metrics is always optional.
type Recorder struct {
	PacketsTotal      prometheus.Counter
	RetransTotal      prometheus.Counter
	DetectedLossTotal prometheus.Counter

	Cwnd              prometheus.Gauge
	Overspeed         prometheus.Gauge
	ActiveConnections prometheus.Gauge
}

// New registers PEMI's metrics against reg. Pass prometheus.NewRegistry()
// for an isolated registry (tests, multiple instances in one process) or
// prometheus.DefaultRegisterer for the process-wide default.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		PacketsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pemi_packets_total",
			Help: "Total number of UDP packets processed by the ingress engine",
		}),
		RetransTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pemi_retrans_total",
			Help: "Total number of packets PEMI retransmitted on behalf of an endpoint",
		}),
		DetectedLossTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pemi_detected_loss_total",
			Help: "Total number of packets flowlet matching classified as lost",
		}),
		Cwnd: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pemi_cwnd",
			Help: "Most recent Copa congestion window, summed across connections",
		}),
		Overspeed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pemi_overspeed",
			Help: "Number of connections currently flagged as overspeeding",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pemi_active_connections",
			Help: "Number of connections currently tracked in the connection table",
		}),
	}
}

func (r *Recorder) IncPackets() {
	if r == nil {
		return
	}
	r.PacketsTotal.Inc()
}

func (r *Recorder) IncRetrans() {
	if r == nil {
		return
	}
	r.RetransTotal.Inc()
}

func (r *Recorder) AddDetectedLoss(n int) {
	if r == nil || n == 0 {
		return
	}
	r.DetectedLossTotal.Add(float64(n))
}

func (r *Recorder) SetCwnd(v float64) {
	if r == nil {
		return
	}
	r.Cwnd.Set(v)
}

func (r *Recorder) SetOverspeed(v float64) {
	if r == nil {
		return
	}
	r.Overspeed.Set(v)
}

func (r *Recorder) SetActiveConnections(v float64) {
	if r == nil {
		return
	}
	r.ActiveConnections.Set(v)
}
