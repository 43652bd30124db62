// Package metrics owns the prometheus collectors for the pipeline. Each
// Collector has its own registry so processes and tests never share state.
// All methods are safe on a nil *Collector.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "payrail"

const (
	ReasonPermanent   = "permanent"
	ReasonMaxAttempts = "max_attempts"
)

type Collector struct {
	registry *prometheus.Registry

	rowsProcessed    *prometheus.CounterVec
	rowsRetried      *prometheus.CounterVec
	rowsDeadLettered *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
	loopErrors       *prometheus.CounterVec
	backlog          *prometheus.GaugeVec
	deadLetters      prometheus.Gauge
	payouts          *prometheus.CounterVec
	webhooksIngested *prometheus.CounterVec
	alertsFired      *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		rowsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "rows_processed_total",
			Help: "Rows whose handler succeeded and were marked processed.",
		}, []string{"queue", "type"}),
		rowsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "rows_retried_total",
			Help: "Rows left for a later cycle after exhausting in-process retries.",
		}, []string{"queue"}),
		rowsDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "rows_dead_lettered_total",
			Help: "Rows moved to the dead-letter table.",
		}, []string{"queue", "reason"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "queue", Name: "handler_duration_seconds",
			Help:    "Time spent dispatching one row, retries included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		loopErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "loop_errors_total",
			Help: "Poll cycles that failed before dispatching.",
		}, []string{"queue"}),
		backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "backlog_rows",
			Help: "Unprocessed rows per queue.",
		}, []string{"queue"}),
		deadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dead_letter_rows",
			Help: "Rows currently in the dead-letter table.",
		}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "payouts", Name: "transitions_total",
			Help: "Payout status transitions by method.",
		}, []string{"method", "status"}),
		webhooksIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "webhooks", Name: "ingested_total",
			Help: "Provider webhook deliveries received.",
		}, []string{"provider", "duplicate"}),
		alertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "alerts_fired_total",
			Help: "Alert rules that fired.",
		}, []string{"rule", "severity"}),
	}

	c.registry.MustRegister(
		c.rowsProcessed, c.rowsRetried, c.rowsDeadLettered, c.handlerDuration,
		c.loopErrors, c.backlog, c.deadLetters, c.payouts, c.webhooksIngested, c.alertsFired,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves this collector's registry in the exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) RowProcessed(queue, eventType string) {
	if c == nil {
		return
	}
	c.rowsProcessed.WithLabelValues(queue, eventType).Inc()
}

func (c *Collector) RowRetried(queue string) {
	if c == nil {
		return
	}
	c.rowsRetried.WithLabelValues(queue).Inc()
}

func (c *Collector) RowDeadLettered(queue, reason string) {
	if c == nil {
		return
	}
	c.rowsDeadLettered.WithLabelValues(queue, reason).Inc()
}

func (c *Collector) ObserveHandler(queue string, d time.Duration) {
	if c == nil {
		return
	}
	c.handlerDuration.WithLabelValues(queue).Observe(d.Seconds())
}

func (c *Collector) LoopError(queue string) {
	if c == nil {
		return
	}
	c.loopErrors.WithLabelValues(queue).Inc()
}

func (c *Collector) SetBacklog(queue string, rows int) {
	if c == nil {
		return
	}
	c.backlog.WithLabelValues(queue).Set(float64(rows))
}

func (c *Collector) SetDeadLetters(rows int) {
	if c == nil {
		return
	}
	c.deadLetters.Set(float64(rows))
}

func (c *Collector) PayoutTransition(method, status string) {
	if c == nil {
		return
	}
	c.payouts.WithLabelValues(method, status).Inc()
}

func (c *Collector) WebhookIngested(provider string, duplicate bool) {
	if c == nil {
		return
	}
	dup := "false"
	if duplicate {
		dup = "true"
	}
	c.webhooksIngested.WithLabelValues(provider, dup).Inc()
}

func (c *Collector) AlertFired(rule, severity string) {
	if c == nil {
		return
	}
	c.alertsFired.WithLabelValues(rule, severity).Inc()
}

// Snapshot flattens the registry. Each family is reported under its name as
// the sum over all series, and each series under name{label="value",...}.
// Histograms contribute name_count and name_sum.
func (c *Collector) Snapshot() (map[string]float64, error) {
	out := map[string]float64{}
	if c == nil {
		return out, nil
	}

	families, err := c.registry.Gather()
	if err != nil {
		return nil, err
	}

	for _, mf := range families {
		name := mf.GetName()
		for _, m := range mf.GetMetric() {
			labels := seriesLabels(m)
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				add(out, name, labels, m.GetCounter().GetValue())
			case dto.MetricType_GAUGE:
				add(out, name, labels, m.GetGauge().GetValue())
			case dto.MetricType_HISTOGRAM:
				add(out, name+"_count", labels, float64(m.GetHistogram().GetSampleCount()))
				add(out, name+"_sum", labels, m.GetHistogram().GetSampleSum())
			}
		}
	}
	return out, nil
}

func add(out map[string]float64, name, labels string, v float64) {
	out[name] += v
	if labels != "" {
		out[name+labels] = v
	}
}

func seriesLabels(m *dto.Metric) string {
	pairs := m.GetLabel()
	if len(pairs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(pairs))
	for _, lp := range pairs {
		parts = append(parts, lp.GetName()+`="`+lp.GetValue()+`"`)
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}
