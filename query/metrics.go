package query

import "github.com/prometheus/client_golang/prometheus"

type collector struct {
	scheduler *Scheduler
	retries   *prometheus.Desc
	failures  *prometheus.Desc
	state     *prometheus.Desc
	trips     *prometheus.Desc
}

// NewCollector exposes the producer guard of s as Prometheus metrics under
// namespace. Breaker metrics carry a resource label and only appear once a
// breaker has been used.
func NewCollector(namespace string, s *Scheduler) prometheus.Collector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "query", n) }
	return &collector{
		scheduler: s,
		retries:   prometheus.NewDesc(name("retries_total"), "Producer calls repeated after a failure.", nil, nil),
		failures:  prometheus.NewDesc(name("failures_total"), "Queries that failed after retries.", nil, nil),
		state:     prometheus.NewDesc(name("breaker_state"), "Circuit breaker state: 0 closed, 1 half-open, 2 open.", []string{"resource"}, nil),
		trips:     prometheus.NewDesc(name("breaker_trips_total"), "Times the circuit breaker opened.", []string{"resource"}, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.retries
	ch <- c.failures
	ch <- c.state
	ch <- c.trips
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	st := c.scheduler.Stats()
	ch <- prometheus.MustNewConstMetric(c.retries, prometheus.CounterValue, float64(st.Retries))
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(st.Failures))
	for resource, b := range st.Breakers {
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(b.State), resource)
		ch <- prometheus.MustNewConstMetric(c.trips, prometheus.CounterValue, float64(b.Trips), resource)
	}
}
