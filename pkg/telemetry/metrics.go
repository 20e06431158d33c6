// Package telemetry exposes the engine's Prometheus metrics.
//
// Metrics implements rollup.Observer, so a cascade built with
// rollup.WithObserver(m) counts its own cycles and writes. The ingest
// writer and the scheduler report through ObserveIngest and ObserveRetry.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/tinyrollup/pkg/aggregate"
	"github.com/nicktill/tinyrollup/pkg/ingest"
	"github.com/nicktill/tinyrollup/pkg/rollup"
	"github.com/nicktill/tinyrollup/pkg/sensor"
)

const namespace = "rollup"

// Metrics holds every collector on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	cycles     *prometheus.CounterVec
	checkpoint prometheus.Gauge
	groups     *prometheus.CounterVec
	written    *prometheus.CounterVec
	discarded  prometheus.Counter
	retries    prometheus.Counter
	ingested   *prometheus.CounterVec
	latest     *prometheus.GaugeVec
}

// New registers the collectors. Go runtime and process collectors are
// included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Rollup cycles by outcome.",
		}, []string{"outcome"}),
		checkpoint: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_timestamp_seconds",
			Help:      "End of the last window rolled up.",
		}),
		groups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_groups_total",
			Help:      "Sensor groups fetched, by what happened to them.",
		}, []string{"result"}),
		written: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Aggregate rows written per tier.",
		}, []string{"tier"}),
		discarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_discarded_total",
			Help:      "Records not merged because they fell past a tier's retention.",
		}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_retries_total",
			Help:      "Failed cycle attempts that were retried.",
		}),
		ingested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Raw messages handled by the writer, by result.",
		}, []string{"result"}),
		latest: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_average",
			Help:      "Last hi-res average of each scalar sensor.",
		}, []string{"sensor", "kind"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RecordWritten implements rollup.Observer.
func (m *Metrics) RecordWritten(tier rollup.Tier, rec *aggregate.Record) {
	m.written.WithLabelValues(tier.Name).Inc()
	if tier.Weighted || rec.Avg.Type() != sensor.ScalarType {
		return
	}
	if avg, ok := rec.Avg.Float(); ok {
		m.latest.WithLabelValues(rec.Identity.String(), rec.Identity.Kind()).Set(avg)
	}
}

// CycleFinished implements rollup.Observer.
func (m *Metrics) CycleFinished(res *rollup.CycleResult, err error) {
	if err != nil {
		m.cycles.WithLabelValues("error").Inc()
		return
	}
	m.cycles.WithLabelValues(res.Outcome.String()).Inc()
	m.checkpoint.Set(float64(res.Cursor.Unix()))

	aggregated := max(res.Groups-res.Excluded-res.Skipped, 0)
	m.groups.WithLabelValues("aggregated").Add(float64(aggregated))
	m.groups.WithLabelValues("excluded").Add(float64(res.Excluded))
	m.groups.WithLabelValues("skipped").Add(float64(res.Skipped))
	m.discarded.Add(float64(res.Discarded))
}

// ObserveRetry counts a retried cycle. It has the scheduler.RetryFunc
// signature.
func (m *Metrics) ObserveRetry(time.Time, int, error) {
	m.retries.Inc()
}

// ObserveIngest counts a handled message. It has the signature of the
// ingest writer's result hook.
func (m *Metrics) ObserveIngest(_ string, res ingest.Result, err error) {
	if err != nil {
		m.ingested.WithLabelValues("failed").Inc()
		return
	}
	m.ingested.WithLabelValues(res.String()).Inc()
}
