// Package metrics exports service client health as Prometheus metrics
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/briangreenhill/intelbot/internal/services"
)

const namespace = "intelbot"

// HealthSource is satisfied by *services.Client
type HealthSource interface {
	HealthStatus() services.Health
}

// Collector implements prometheus.Collector over a HealthSource. Values are
// read at scrape time so nothing is double counted.
type Collector struct {
	src HealthSource

	cacheHits      *prometheus.Desc
	cacheMisses    *prometheus.Desc
	cacheStaleHits *prometheus.Desc
	cacheEvictions *prometheus.Desc
	cacheEntries   *prometheus.Desc
	cacheCapacity  *prometheus.Desc

	circuitState    *prometheus.Desc
	circuitFailures *prometheus.Desc
	circuitOpen     *prometheus.Desc

	dedupTotal    *prometheus.Desc
	dedupShared   *prometheus.Desc
	dedupInFlight *prometheus.Desc
}

// NewCollector creates a Collector for src
func NewCollector(src HealthSource) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		src: src,

		cacheHits:      desc("cache", "hits_total", "Fresh cache hits."),
		cacheMisses:    desc("cache", "misses_total", "Cache misses, including expired entries."),
		cacheStaleHits: desc("cache", "stale_hits_total", "Hits on entries past their TTL but inside the stale window."),
		cacheEvictions: desc("cache", "evictions_total", "Entries evicted to stay under capacity."),
		cacheEntries:   desc("cache", "entries", "Entries currently cached."),
		cacheCapacity:  desc("cache", "capacity", "Maximum number of cached entries."),

		circuitState:    desc("circuit", "state", "Breaker state: 0 closed, 1 open, 2 half-open.", "service"),
		circuitFailures: desc("circuit", "failures", "Consecutive failures recorded by the breaker.", "service"),
		circuitOpen:     desc("circuit", "open", "Number of services whose breaker is open."),

		dedupTotal:    desc("dedup", "requests_total", "Requests that started a new flight."),
		dedupShared:   desc("dedup", "deduplicated_total", "Requests that joined an in-flight request."),
		dedupInFlight: desc("dedup", "in_flight", "Requests currently in flight."),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.cacheHits, c.cacheMisses, c.cacheStaleHits, c.cacheEvictions, c.cacheEntries, c.cacheCapacity,
		c.circuitState, c.circuitFailures, c.circuitOpen,
		c.dedupTotal, c.dedupShared, c.dedupInFlight,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	h := c.src.HealthStatus()

	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.cacheHits, h.Cache.Hits)
	counter(c.cacheMisses, h.Cache.Misses)
	counter(c.cacheStaleHits, h.Cache.StaleHits)
	counter(c.cacheEvictions, h.Cache.Evictions)
	gauge(c.cacheEntries, float64(h.Cache.Size))
	gauge(c.cacheCapacity, float64(h.Cache.MaxSize))

	for id, st := range h.Breakers {
		gauge(c.circuitState, float64(st.State), id)
		gauge(c.circuitFailures, float64(st.FailureCount), id)
	}
	gauge(c.circuitOpen, float64(len(h.OpenCircuits)))

	counter(c.dedupTotal, h.Deduplicator.Total)
	counter(c.dedupShared, h.Deduplicator.Deduplicated)
	gauge(c.dedupInFlight, float64(h.Deduplicator.InFlight))
}
