package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// Collector records pipeline metrics. All methods are safe on a nil
// receiver so services can be built without metrics in tests.
type Collector struct {
	logger      *logrus.Logger
	serviceName string

	fusionDecisions *prometheus.CounterVec
	regimeChanges   *prometheus.CounterVec
	fills           *prometheus.CounterVec
	closes          *prometheus.CounterVec
	scanDuration    *prometheus.HistogramVec
	balance         prometheus.Gauge
	openPositions   prometheus.Gauge
	maxDrawdown     prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// NewMetricsCollector registers the pipeline collectors on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetricsCollector(reg prometheus.Registerer, logger *logrus.Logger, serviceName string) *Collector {
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"service": serviceName}

	return &Collector{
		logger:      logger,
		serviceName: serviceName,
		fusionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "paper_fusion_decisions_total",
			Help:        "Fusion scorer decisions by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		regimeChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "paper_regime_changes_total",
			Help:        "Accepted regime changes by source and target regime",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		fills: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "paper_fills_total",
			Help:        "Simulated entry fills by direction",
			ConstLabels: constLabels,
		}, []string{"direction"}),
		closes: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "paper_closes_total",
			Help:        "Full and partial closes by exit reason",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		scanDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "paper_scan_duration_seconds",
			Help:        "Per-symbol analysis duration in seconds",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"outcome"}),
		balance: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "paper_available_balance",
			Help:        "Available paper balance in quote currency",
			ConstLabels: constLabels,
		}),
		openPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "paper_open_positions",
			Help:        "Number of open paper positions",
			ConstLabels: constLabels,
		}),
		maxDrawdown: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "paper_max_drawdown",
			Help:        "Maximum peak-to-current equity drawdown as a fraction",
			ConstLabels: constLabels,
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "paper_http_requests_total",
			Help:        "HTTP requests by method, route and status code",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "paper_http_request_duration_seconds",
			Help:        "HTTP request latency in seconds",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// RecordFusionDecision counts an accepted or rejected candidate.
func (c *Collector) RecordFusionDecision(accepted bool) {
	if c == nil {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	c.fusionDecisions.WithLabelValues(result).Inc()
}

// RecordRegimeChange counts an accepted regime transition.
func (c *Collector) RecordRegimeChange(from, to string) {
	if c == nil {
		return
	}
	c.regimeChanges.WithLabelValues(from, to).Inc()
	c.logger.WithFields(logrus.Fields{
		"component": "metrics",
		"from":      from,
		"to":        to,
	}).Debug("Recorded regime change")
}

// RecordFill counts a simulated entry.
func (c *Collector) RecordFill(direction string) {
	if c == nil {
		return
	}
	c.fills.WithLabelValues(direction).Inc()
}

// RecordClose counts a full or partial close.
func (c *Collector) RecordClose(reason string) {
	if c == nil {
		return
	}
	c.closes.WithLabelValues(reason).Inc()
}

// ObserveScan records how long one symbol analysis took.
func (c *Collector) ObserveScan(outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.scanDuration.WithLabelValues(outcome).Observe(seconds)
}

// SetPortfolio updates the ledger gauges.
func (c *Collector) SetPortfolio(balance float64, openPositions int, maxDrawdown float64) {
	if c == nil {
		return
	}
	c.balance.Set(balance)
	c.openPositions.Set(float64(openPositions))
	c.maxDrawdown.Set(maxDrawdown)
}

// ObserveHTTPRequest records one served request. route is the matched
// pattern, not the raw path, to keep label cardinality bounded.
func (c *Collector) ObserveHTTPRequest(method, route string, status int, seconds float64) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(seconds)
}
