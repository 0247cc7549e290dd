package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CacheStatsFunc returns a cache's cumulative counters keyed by operation.
type CacheStatsFunc func() map[string]int64

// cacheStatsCollector reads the counters at scrape time, so the caches keep
// owning their own bookkeeping.
type cacheStatsCollector struct {
	desc   *prometheus.Desc
	caches map[string]CacheStatsFunc
}

// RegisterCacheStats exposes each cache's counters as
// paper_cache_operations_total{cache,op}.
func RegisterCacheStats(reg prometheus.Registerer, serviceName string, caches map[string]CacheStatsFunc) error {
	return reg.Register(&cacheStatsCollector{
		desc: prometheus.NewDesc(
			"paper_cache_operations_total",
			"Cache operations by cache and operation",
			[]string{"cache", "op"},
			prometheus.Labels{"service": serviceName},
		),
		caches: caches,
	})
}

func (c *cacheStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *cacheStatsCollector) Collect(ch chan<- prometheus.Metric) {
	for name, stats := range c.caches {
		for op, value := range stats() {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(value), name, op)
		}
	}
}
