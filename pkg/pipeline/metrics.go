package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the pipeline health instrumentation. Counters are
// registered on the provided registerer so tests can use private
// registries.
type Metrics struct {
	Cycles                prometheus.Counter
	DroppedCycles         *prometheus.CounterVec
	InvalidChannels       prometheus.Counter
	ConsistencyViolations prometheus.Counter
	ResultsDropped        prometheus.Counter
	CycleDuration         prometheus.Histogram
}

// Drop reasons for the dropped-cycle counter.
const (
	DropTimeout  = "timeout"
	DropFault    = "fault"
	DropTopology = "topology"
)

// NewMetrics creates and registers the pipeline metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isoflux_cycles_total",
			Help: "Completed sampling cycles published downstream.",
		}),
		DroppedCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "isoflux_dropped_cycles_total",
			Help: "Cycles dropped before publication, by reason.",
		}, []string{"reason"}),
		InvalidChannels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isoflux_invalid_channels_total",
			Help: "Per-cycle channel conversions outside the calibration range.",
		}),
		ConsistencyViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isoflux_consistency_violations_total",
			Help: "Cycles where a series joint disagreed beyond tolerance.",
		}),
		ResultsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isoflux_results_dropped_total",
			Help: "Published results discarded because the consumer fell behind.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "isoflux_cycle_duration_seconds",
			Help:    "Wall time spent processing one cycle.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
	}

	reg.MustRegister(
		m.Cycles,
		m.DroppedCycles,
		m.InvalidChannels,
		m.ConsistencyViolations,
		m.ResultsDropped,
		m.CycleDuration,
	)

	return m
}
