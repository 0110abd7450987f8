package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/slyt3/strategist/internal/journal"
	"github.com/slyt3/strategist/internal/pool"
)

// JournalSource is the part of the journal worker the collector reads.
type JournalSource interface {
	Stats() (processed, dropped uint64)
	BlockedSubmits() uint64
	QueueDepth() (int, int)
	LatencyMetrics() journal.LatencySnapshot
	IsHealthy() bool
}

// JournalCollector reads worker and pool counters at scrape time.
type JournalCollector struct {
	src JournalSource

	processed  *prometheus.Desc
	dropped    *prometheus.Desc
	blocked    *prometheus.Desc
	depth      *prometheus.Desc
	capacity   *prometheus.Desc
	healthy    *prometheus.Desc
	latency    *prometheus.Desc
	poolGets   *prometheus.Desc
	poolMisses *prometheus.Desc
}

var _ prometheus.Collector = (*JournalCollector)(nil)

// NewJournalCollector returns a collector over src. Register it once.
func NewJournalCollector(src JournalSource) *JournalCollector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, subsystemJournal, n) }
	return &JournalCollector{
		src:        src,
		processed:  prometheus.NewDesc(name("entries_processed_total"), "entries sealed and stored", nil, nil),
		dropped:    prometheus.NewDesc(name("entries_dropped_total"), "entries dropped by backpressure or shutdown", nil, nil),
		blocked:    prometheus.NewDesc(name("blocked_submits_total"), "waits performed by submits in block mode", nil, nil),
		depth:      prometheus.NewDesc(name("queue_depth"), "entries waiting to be sealed", nil, nil),
		capacity:   prometheus.NewDesc(name("queue_capacity"), "journal queue capacity", nil, nil),
		healthy:    prometheus.NewDesc(name("healthy"), "1 while every entry has been stored", nil, nil),
		latency:    prometheus.NewDesc(name("entry_latency_seconds"), "seal and store latency per entry", nil, nil),
		poolGets:   prometheus.NewDesc(name("pool_gets_total"), "entries taken from the pool", nil, nil),
		poolMisses: prometheus.NewDesc(name("pool_misses_total"), "pool gets that allocated", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *JournalCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.processed, c.dropped, c.blocked, c.depth, c.capacity, c.healthy, c.latency, c.poolGets, c.poolMisses} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *JournalCollector) Collect(ch chan<- prometheus.Metric) {
	processed, dropped := c.src.Stats()
	depth, capacity := c.src.QueueDepth()
	healthy := 0.0
	if c.src.IsHealthy() {
		healthy = 1
	}
	pm := pool.GetMetrics()

	ch <- prometheus.MustNewConstMetric(c.processed, prometheus.CounterValue, float64(processed))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(dropped))
	ch <- prometheus.MustNewConstMetric(c.blocked, prometheus.CounterValue, float64(c.src.BlockedSubmits()))
	ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(depth))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(capacity))
	ch <- prometheus.MustNewConstMetric(c.healthy, prometheus.GaugeValue, healthy)
	ch <- prometheus.MustNewConstMetric(c.poolGets, prometheus.CounterValue, float64(pm.EntryGets))
	ch <- prometheus.MustNewConstMetric(c.poolMisses, prometheus.CounterValue, float64(pm.EntryMisses))

	snap := c.src.LatencyMetrics()
	buckets := make(map[float64]uint64, len(snap.BoundsNs))
	var cumulative uint64
	for i, upper := range snap.BoundsNs {
		cumulative += snap.Counts[i]
		if upper == ^uint64(0) {
			continue
		}
		buckets[float64(upper)/float64(time.Second)] = cumulative
	}
	ch <- prometheus.MustNewConstHistogram(c.latency, snap.Count, float64(snap.SumNs)/float64(time.Second), buckets)
}
