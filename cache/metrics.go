package cache

import "github.com/prometheus/client_golang/prometheus"

type collector struct {
	store     *Store
	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
	bytes     *prometheus.Desc
	entries   *prometheus.Desc
	hitRate   *prometheus.Desc
}

// NewCollector exposes the store counters as Prometheus metrics under
// namespace (e.g. "freshness_cache_hits_total").
func NewCollector(namespace string, store *Store) prometheus.Collector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "cache", n) }
	return &collector{
		store:     store,
		hits:      prometheus.NewDesc(name("hits_total"), "Cache lookups that returned a live entry.", nil, nil),
		misses:    prometheus.NewDesc(name("misses_total"), "Cache lookups that found no live entry.", nil, nil),
		evictions: prometheus.NewDesc(name("evictions_total"), "Entries removed by eviction passes.", nil, nil),
		bytes:     prometheus.NewDesc(name("bytes"), "Approximate size of all stored entries.", nil, nil),
		entries:   prometheus.NewDesc(name("entries"), "Number of stored entries.", nil, nil),
		hitRate:   prometheus.NewDesc(name("hit_ratio"), "hits / (hits + misses).", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.bytes
	ch <- c.entries
	ch <- c.hitRate
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	st := c.store.Stats()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(st.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(st.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(st.Evictions))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(st.TotalBytes))
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(st.Entries))
	ch <- prometheus.MustNewConstMetric(c.hitRate, prometheus.GaugeValue, st.HitRate)
}
