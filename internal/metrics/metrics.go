// Package metrics exports resolution, load and override signals to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/ucshadow/internal/core"
)

// Outcome labels. Kept low-cardinality: one per typed failure.
const (
	OutcomeOK         = "ok"
	OutcomeValidation = "validation"
	OutcomeOverlap    = "overlap"
	OutcomeNotFound   = "not_found"
	OutcomeRejected   = "rejected"
	OutcomeAudit      = "audit_failure"
	OutcomeError      = "error"
)

// Metrics implements core.Observer on a Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	resolves     *prometheus.CounterVec
	loads        *prometheus.CounterVec
	loadRows     *prometheus.GaugeVec
	loadDuration *prometheus.HistogramVec
	mutations    *prometheus.CounterVec
}

var _ core.Observer = (*Metrics)(nil)

// New registers the shadow metrics on a fresh registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newMetrics(reg)
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ucshadow_resolutions_total",
			Help: "Point-in-time resolutions by entity type and winning source.",
		}, []string{"entity_type", "provenance"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ucshadow_snapshot_loads_total",
			Help: "Snapshot loads by entity type and outcome.",
		}, []string{"entity_type", "outcome"}),
		loadRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ucshadow_snapshot_rows",
			Help: "Rows in the active snapshot of each entity type.",
		}, []string{"entity_type"}),
		loadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ucshadow_snapshot_load_duration_seconds",
			Help:    "Time to validate and index a snapshot.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"entity_type"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ucshadow_override_mutations_total",
			Help: "Override creates, updates and deletes by outcome.",
		}, []string{"entity_type", "action", "outcome"}),
	}

	reg.MustRegister(m.resolves, m.loads, m.loadRows, m.loadDuration, m.mutations)
	return m
}

// ObserveResolve counts one resolution.
func (m *Metrics) ObserveResolve(entityType string, provenance core.Provenance) {
	m.resolves.WithLabelValues(entityType, string(provenance)).Inc()
}

// ObserveLoad records a snapshot load attempt.
func (m *Metrics) ObserveLoad(entityType string, rows int, duration time.Duration, err error) {
	m.loads.WithLabelValues(entityType, Classify(err)).Inc()
	m.loadDuration.WithLabelValues(entityType).Observe(duration.Seconds())
	if err == nil {
		m.loadRows.WithLabelValues(entityType).Set(float64(rows))
	}
}

// ObserveOverrideMutation counts one override mutation attempt.
func (m *Metrics) ObserveOverrideMutation(entityType string, action core.AuditAction, err error) {
	m.mutations.WithLabelValues(entityType, string(action), Classify(err)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Classify maps an error to an outcome label.
func Classify(err error) string {
	if err == nil {
		return OutcomeOK
	}

	var (
		verr     *core.ValidationError
		overlap  *core.OverlapError
		notFound *core.NotFoundError
	)
	switch {
	case errors.As(err, &overlap):
		return OutcomeOverlap
	case errors.As(err, &notFound):
		return OutcomeNotFound
	case errors.As(err, &verr):
		return OutcomeValidation
	case errors.Is(err, core.ErrMissingActor), errors.Is(err, core.ErrOverridesDisabled):
		return OutcomeRejected
	case core.MapError(err).Code == "AUD001":
		return OutcomeAudit
	default:
		return OutcomeError
	}
}
