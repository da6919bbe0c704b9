package crosstab

import "github.com/prometheus/client_golang/prometheus"

type collector struct {
	sync      *Sync
	sent      *prometheus.Desc
	received  *prometheus.Desc
	echoes    *prometheus.Desc
	conflicts *prometheus.Desc
	tracked   *prometheus.Desc
}

// NewCollector exposes sync traffic and conflict counts as Prometheus metrics.
func NewCollector(namespace string, s *Sync) prometheus.Collector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "sync", n) }
	return &collector{
		sync:      s,
		sent:      prometheus.NewDesc(name("sent_total"), "Messages sent to other tabs.", nil, nil),
		received:  prometheus.NewDesc(name("received_total"), "Messages received from other tabs.", nil, nil),
		echoes:    prometheus.NewDesc(name("echoes_total"), "Own messages delivered back and ignored.", nil, nil),
		conflicts: prometheus.NewDesc(name("conflicts_total"), "Conflicting updates by resolution strategy.", []string{"strategy"}, nil),
		tracked:   prometheus.NewDesc(name("tracked_keys"), "Keys with a recorded change time.", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sent
	ch <- c.received
	ch <- c.echoes
	ch <- c.conflicts
	ch <- c.tracked
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	st := c.sync.Stats()
	ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(st.Sent))
	ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(st.Received))
	ch <- prometheus.MustNewConstMetric(c.echoes, prometheus.CounterValue, float64(st.Echoes))
	for _, strategy := range []Strategy{ClientWins, ServerWins, MergeWins} {
		ch <- prometheus.MustNewConstMetric(c.conflicts, prometheus.CounterValue, float64(st.Conflicts[strategy]), string(strategy))
	}
	ch <- prometheus.MustNewConstMetric(c.tracked, prometheus.GaugeValue, float64(st.Tracked))
}
