package redisruntime

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "redisrt"

// Collector exports a runtime's Stats as Prometheus metrics. Values are
// read on every scrape.
type Collector struct {
	rt *Runtime

	poolConnections *prometheus.Desc
	cacheOps        *prometheus.Desc
	pubsubMessages  *prometheus.Desc
	pubsubErrors    *prometheus.Desc
	channelMessages *prometheus.Desc
	slaves          *prometheus.Desc
}

// NewCollector returns a collector for rt. New registers one automatically
// when WithRegisterer is used.
func NewCollector(rt *Runtime) *Collector {
	return &Collector{
		rt: rt,
		poolConnections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "connections"),
			"Connections in the pool by state",
			[]string{"state"},
			nil),
		cacheOps: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "operations_total"),
			"Cache operations by key prefix and outcome",
			[]string{"prefix", "result"},
			nil),
		pubsubMessages: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pubsub", "messages_total"),
			"Messages published with at least one receiver, and messages dispatched to handlers",
			[]string{"direction"},
			nil),
		pubsubErrors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pubsub", "errors_total"),
			"Rejected, failed or dropped messages",
			nil,
			nil),
		channelMessages: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pubsub", "channel_messages_total"),
			"Messages received per channel",
			[]string{"channel"},
			nil),
		slaves: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "replication", "slaves"),
			"Slaves in the managed topology",
			nil,
			nil),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.poolConnections
	ch <- c.cacheOps
	ch <- c.pubsubMessages
	ch <- c.pubsubErrors
	ch <- c.channelMessages
	ch <- c.slaves
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.rt.Stats()

	gauge := func(desc *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(v), labels...)
	}
	counter := func(desc *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.poolConnections, s.Pool.Available, "available")
	gauge(c.poolConnections, s.Pool.Busy, "busy")
	gauge(c.poolConnections, s.Pool.Pending, "pending")

	for prefix, cs := range s.Cache {
		counter(c.cacheOps, cs.Hits, prefix, "hit")
		counter(c.cacheOps, cs.Misses, prefix, "miss")
		counter(c.cacheOps, cs.Sets, prefix, "set")
		counter(c.cacheOps, cs.Deletes, prefix, "delete")
		counter(c.cacheOps, cs.Errors, prefix, "error")
	}

	if s.PubSub != nil {
		counter(c.pubsubMessages, s.PubSub.Published, "published")
		counter(c.pubsubMessages, s.PubSub.Received, "received")
		counter(c.pubsubErrors, s.PubSub.Errors)
		for channel, n := range s.PubSub.Channels {
			counter(c.channelMessages, n, channel)
		}
	}

	if s.Topology != nil {
		gauge(c.slaves, len(s.Topology.Slaves))
	}
}
