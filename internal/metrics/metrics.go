// Package metrics exposes Prometheus instrumentation and a health endpoint.
// All recording methods are safe on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every collector of the monitor.
type Metrics struct {
	registry *prometheus.Registry

	Decisions        *prometheus.CounterVec // labels: timeframe, decision
	RSIValues        *prometheus.HistogramVec
	AlertsDelivered  *prometheus.CounterVec // labels: kind
	NotifierResults  *prometheus.CounterVec // labels: kind, notifier, result
	LiveCandles      *prometheus.CounterVec // labels: timeframe, result
	StreamReconnects prometheus.Counter
	RepollFetches    *prometheus.CounterVec // labels: timeframe, result
	MonitoredKeys    prometheus.Gauge
	PendingAlerts    prometheus.Gauge
	TrackerOutcomes  *prometheus.CounterVec // labels: status
}

// New builds the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overbought_decisions_total",
			Help: "Trigger engine decisions by timeframe and outcome",
		}, []string{"timeframe", "decision"}),
		RSIValues: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "overbought_rsi_value",
			Help:    "Distribution of computed RSI values",
			Buckets: prometheus.LinearBuckets(10, 10, 9),
		}, []string{"timeframe"}),
		AlertsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overbought_alerts_delivered_total",
			Help: "Alerts confirmed delivered by at least one notifier",
		}, []string{"kind"}),
		NotifierResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overbought_notifier_results_total",
			Help: "Per-notifier delivery attempts",
		}, []string{"kind", "notifier", "result"}),
		LiveCandles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overbought_live_candles_total",
			Help: "Streamed candles by ingest result",
		}, []string{"timeframe", "result"}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overbought_stream_reconnects_total",
			Help: "WebSocket reconnection attempts",
		}),
		RepollFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overbought_repoll_fetches_total",
			Help: "Periodic candle re-polls by result",
		}, []string{"timeframe", "result"}),
		MonitoredKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overbought_monitored_keys",
			Help: "Registered (symbol, timeframe) pairs",
		}),
		PendingAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overbought_pending_alerts",
			Help: "Alerts still being tracked",
		}),
		TrackerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overbought_tracker_outcomes_total",
			Help: "Alert status transitions observed by the tracking loop",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Decisions,
		m.RSIValues,
		m.AlertsDelivered,
		m.NotifierResults,
		m.LiveCandles,
		m.StreamReconnects,
		m.RepollFetches,
		m.MonitoredKeys,
		m.PendingAlerts,
		m.TrackerOutcomes,
	)
	return m
}

// Registry returns the registry backing /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveDecision(timeframe, decision string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(timeframe, decision).Inc()
}

func (m *Metrics) ObserveRSI(timeframe string, value float64) {
	if m == nil {
		return
	}
	m.RSIValues.WithLabelValues(timeframe).Observe(value)
}

func (m *Metrics) AlertDelivered(kind string) {
	if m == nil {
		return
	}
	m.AlertsDelivered.WithLabelValues(kind).Inc()
}

func (m *Metrics) NotifierResult(kind, notifier string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.NotifierResults.WithLabelValues(kind, notifier, result).Inc()
}

func (m *Metrics) LiveCandle(timeframe, result string) {
	if m == nil {
		return
	}
	m.LiveCandles.WithLabelValues(timeframe, result).Inc()
}

func (m *Metrics) StreamReconnect() {
	if m == nil {
		return
	}
	m.StreamReconnects.Inc()
}

func (m *Metrics) RepollFetch(timeframe string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "empty"
	}
	m.RepollFetches.WithLabelValues(timeframe, result).Inc()
}

func (m *Metrics) SetMonitoredKeys(n int) {
	if m == nil {
		return
	}
	m.MonitoredKeys.Set(float64(n))
}

func (m *Metrics) SetPendingAlerts(n int) {
	if m == nil {
		return
	}
	m.PendingAlerts.Set(float64(n))
}

func (m *Metrics) TrackerOutcome(status string) {
	if m == nil {
		return
	}
	m.TrackerOutcomes.WithLabelValues(status).Inc()
}
