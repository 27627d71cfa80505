package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/talgya/angiogenesis/internal/agents"
)

// Metrics exports simulation progress on its own prometheus registry so
// several simulations can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	segments     prometheus.Gauge
	tips         prometheus.Gauge
	cells        prometheus.Gauge
	fieldMass    prometheus.Gauge
	events       *prometheus.CounterVec
	steps        prometheus.Counter
	stepDuration prometheus.Histogram
}

// NewMetrics creates and registers the simulation collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		segments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "angio_segments",
			Help: "Vessel segments in the tree.",
		}),
		tips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "angio_tips",
			Help: "Terminal vessel segments.",
		}),
		cells: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "angio_cells",
			Help: "Tumour cells.",
		}),
		fieldMass: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "angio_field_mass",
			Help: "Summed growth factor concentration.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "angio_events_total",
			Help: "Behavior outcomes by event.",
		}, []string{"event"}),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "angio_steps_total",
			Help: "Completed simulation steps.",
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "angio_step_duration_seconds",
			Help:    "Wall time per simulation step.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	m.Registry.MustRegister(m.segments, m.tips, m.cells, m.fieldMass, m.events, m.steps, m.stepDuration)
	return m
}

func (m *Metrics) observe(st SimStats, t agents.Tally, d time.Duration) {
	m.segments.Set(float64(st.Segments))
	m.tips.Set(float64(st.Tips))
	m.cells.Set(float64(st.Cells))
	m.fieldMass.Set(st.FieldMass)

	m.events.WithLabelValues("elongation").Add(float64(t.Elongations))
	m.events.WithLabelValues("branch").Add(float64(t.Branches))
	m.events.WithLabelValues("bifurcation").Add(float64(t.Bifurcations))
	m.events.WithLabelValues("secretion").Add(float64(t.Secretions))
	m.events.WithLabelValues("division").Add(float64(t.Divisions))

	m.steps.Inc()
	m.stepDuration.Observe(d.Seconds())
}
