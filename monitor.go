package payrail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/payrail/model"
)

var errMetricNotFound = errors.New("metric not found in snapshot")

type metricSample struct {
	at     time.Time
	values map[string]float64
}

// Monitor evaluates alert rules against the metrics collector on a fixed
// interval. Each rule is evaluated independently.
type Monitor struct {
	payrail  *Payrail
	rules    []model.AlertRule
	interval time.Duration

	mu      sync.Mutex
	history []metricSample

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (p *Payrail) NewMonitor() *Monitor {
	return &Monitor{
		payrail:  p,
		rules:    p.config.Monitor.Rules,
		interval: time.Duration(p.config.Monitor.IntervalSec) * time.Second,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start ticks until Stop is called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	logrus.WithField("rules", len(m.rules)).Info("monitor started")
	for {
		select {
		case <-m.stop:
			logrus.Info("monitor stopped")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// refreshGauges copies queue depths from the store into the collector.
func (m *Monitor) refreshGauges(ctx context.Context) {
	p := m.payrail
	for _, kind := range []model.QueueKind{model.QueueOutbox, model.QueueWebhook} {
		n, err := p.datasource.CountPending(ctx, kind)
		if err != nil {
			logrus.WithFields(logrus.Fields{"queue": kind, "error": err.Error()}).Warn("failed to count pending rows")
			continue
		}
		p.metrics.SetBacklog(string(kind), int(n))
	}
	n, err := p.datasource.CountDeadLetters(ctx)
	if err != nil {
		logrus.WithField("error", err.Error()).Warn("failed to count dead letters")
		return
	}
	p.metrics.SetDeadLetters(int(n))
}

// RunOnce runs a single evaluation and returns the alerts that fired.
func (m *Monitor) RunOnce(ctx context.Context) []model.Alert {
	p := m.payrail
	now := p.now()
	m.refreshGauges(ctx)

	snapshot, err := p.metrics.Snapshot()
	if err != nil {
		logrus.WithField("error", err.Error()).Error("failed to snapshot metrics")
		return nil
	}

	var fired []model.Alert
	for _, rule := range m.rules {
		if !rule.Enabled {
			continue
		}
		alert, ok := m.evaluateRule(rule, snapshot, now)
		if !ok {
			continue
		}
		p.metrics.AlertFired(rule.Name, string(rule.Severity))
		logrus.WithFields(logrus.Fields{
			"rule":      rule.Name,
			"severity":  rule.Severity,
			"value":     alert.CurrentValue,
			"threshold": rule.Threshold,
		}).Warn("alert fired")
		p.notifier.Notify(ctx, alert, rule.Channels)
		fired = append(fired, alert)
	}

	m.record(now, snapshot)
	return fired
}

// evaluateRule never panics; a broken rule is logged and reported as not firing.
func (m *Monitor) evaluateRule(rule model.AlertRule, snapshot map[string]float64, now time.Time) (alert model.Alert, fired bool) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{"rule": rule.Name, "panic": fmt.Sprint(r)}).Error("alert rule evaluation panicked")
			fired = false
		}
	}()

	value, err := m.Value(rule, snapshot, now)
	if err != nil {
		logrus.WithFields(logrus.Fields{"rule": rule.Name, "metric": rule.Metric, "error": err.Error()}).Warn("skipping alert rule")
		return model.Alert{}, false
	}
	if !rule.Fires(value) {
		return model.Alert{}, false
	}
	return model.Alert{
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		Severity:     rule.Severity,
		Description:  rule.Description,
		Metric:       rule.Metric,
		CurrentValue: value,
		Threshold:    rule.Threshold,
		Condition:    rule.Condition,
		Window:       rule.Window,
		Timestamp:    now,
	}, true
}

// Value resolves the rule's metric. Counters (names ending in _total) are
// read as their increase over the rule's window, using the newest sample
// taken at or before the window start, or the oldest sample otherwise.
func (m *Monitor) Value(rule model.AlertRule, snapshot map[string]float64, now time.Time) (float64, error) {
	current, ok := snapshot[rule.Metric]
	if !ok {
		return 0, fmt.Errorf("%w: %s", errMetricNotFound, rule.Metric)
	}

	base := rule.Metric
	if i := strings.IndexByte(base, '{'); i >= 0 {
		base = base[:i]
	}
	window := rule.WindowDuration()
	if !strings.HasSuffix(base, "_total") || window <= 0 {
		return current, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := now.Add(-window)
	var baseline *metricSample
	for i := range m.history {
		s := &m.history[i]
		if s.at.After(start) {
			if baseline == nil {
				baseline = s
			}
			break
		}
		baseline = s
	}
	if baseline == nil {
		return current, nil
	}
	return current - baseline.values[rule.Metric], nil
}

func (m *Monitor) maxWindow() time.Duration {
	var longest time.Duration
	for _, r := range m.rules {
		if w := r.WindowDuration(); w > longest {
			longest = w
		}
	}
	return longest
}

// record appends a sample and drops the ones no window can reach any more.
func (m *Monitor) record(now time.Time, snapshot map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, metricSample{at: now, values: snapshot})

	cutoff := now.Add(-m.maxWindow())
	keep := 0
	for i := range m.history {
		// Keep the newest sample at or before the cutoff as the baseline.
		if i+1 < len(m.history) && !m.history[i+1].at.After(cutoff) {
			continue
		}
		m.history[keep] = m.history[i]
		keep++
	}
	m.history = m.history[:keep]
}
