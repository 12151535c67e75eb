package metrics

import (
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Operation names used as the "op" label of the latency histogram.
const (
	OpSet     = "set"
	OpGet     = "get"
	OpRemove  = "remove"
	OpCompact = "compact"
)

// Metrics collects engine statistics and exposes them in Prometheus format.
// All methods are safe on a nil *Metrics, so the engine can record
// unconditionally.
type Metrics struct {
	// Counters
	sets               atomic.Uint64
	gets               atomic.Uint64
	getMisses          atomic.Uint64
	removes            atomic.Uint64
	bytesWritten       atomic.Uint64
	errorsTotal        atomic.Uint64
	rollovers          atomic.Uint64
	compactions        atomic.Uint64
	compactionFailures atomic.Uint64
	reclaimedBytes     atomic.Uint64

	// Gauges
	segments  atomic.Int64
	diskBytes atomic.Int64
	liveKeys  atomic.Int64

	latency   *prometheus.HistogramVec
	registry  *prometheus.Registry
	startTime time.Time
}

// NewMetrics creates a collector with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	m.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kvs_operation_duration_seconds",
		Help:    "Latency of engine operations",
		Buckets: prometheus.ExponentialBuckets(10e-6, 4, 10), // 10µs .. ~2.6s
	}, []string{"op"})

	counter := func(name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return float64(v.Load())
		})
	}
	gauge := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(v.Load())
		})
	}

	m.registry.MustRegister(
		m.latency,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "kvs_uptime_seconds",
			Help: "Time since the store was opened",
		}, func() float64 { return time.Since(m.startTime).Seconds() }),
		counter("kvs_sets_total", "Total set operations", &m.sets),
		counter("kvs_gets_total", "Total get operations", &m.gets),
		counter("kvs_get_misses_total", "Get operations for absent keys", &m.getMisses),
		counter("kvs_removes_total", "Total remove operations", &m.removes),
		counter("kvs_bytes_written_total", "Record bytes appended to segments", &m.bytesWritten),
		counter("kvs_errors_total", "Operations that returned an error", &m.errorsTotal),
		counter("kvs_segment_rollovers_total", "Writable segment rollovers", &m.rollovers),
		counter("kvs_compactions_total", "Completed compactions", &m.compactions),
		counter("kvs_compaction_failures_total", "Failed compactions", &m.compactionFailures),
		counter("kvs_compaction_reclaimed_bytes_total", "Bytes reclaimed by compaction", &m.reclaimedBytes),
		gauge("kvs_segments", "Live segments", &m.segments),
		gauge("kvs_disk_bytes", "Bytes in live segments", &m.diskBytes),
		gauge("kvs_live_keys", "Keys in the index", &m.liveKeys),
	)
	return m
}

// RecordSet records a successful set that appended n record bytes.
func (m *Metrics) RecordSet(n int64, latency time.Duration) {
	if m == nil {
		return
	}
	m.sets.Add(1)
	m.bytesWritten.Add(uint64(n))
	m.latency.WithLabelValues(OpSet).Observe(latency.Seconds())
}

// RecordGet records a get; hit is false for absent keys.
func (m *Metrics) RecordGet(hit bool, latency time.Duration) {
	if m == nil {
		return
	}
	m.gets.Add(1)
	if !hit {
		m.getMisses.Add(1)
	}
	m.latency.WithLabelValues(OpGet).Observe(latency.Seconds())
}

// RecordRemove records a successful remove that appended n record bytes.
func (m *Metrics) RecordRemove(n int64, latency time.Duration) {
	if m == nil {
		return
	}
	m.removes.Add(1)
	m.bytesWritten.Add(uint64(n))
	m.latency.WithLabelValues(OpRemove).Observe(latency.Seconds())
}

// RecordError records an operation that failed.
func (m *Metrics) RecordError() {
	if m == nil {
		return
	}
	m.errorsTotal.Add(1)
}

// RecordRollover records a segment rollover.
func (m *Metrics) RecordRollover() {
	if m == nil {
		return
	}
	m.rollovers.Add(1)
}

// RecordCompaction records a completed compaction.
func (m *Metrics) RecordCompaction(reclaimed int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.compactions.Add(1)
	if reclaimed > 0 {
		m.reclaimedBytes.Add(uint64(reclaimed))
	}
	m.latency.WithLabelValues(OpCompact).Observe(duration.Seconds())
}

// RecordCompactionFailure records a compaction that was abandoned.
func (m *Metrics) RecordCompactionFailure() {
	if m == nil {
		return
	}
	m.compactionFailures.Add(1)
}

// SetSegments sets the live segment count.
func (m *Metrics) SetSegments(n int) {
	if m == nil {
		return
	}
	m.segments.Store(int64(n))
}

// SetDiskBytes sets the size of all live segments.
func (m *Metrics) SetDiskBytes(n int64) {
	if m == nil {
		return
	}
	m.diskBytes.Store(n)
}

// SetLiveKeys sets the number of indexed keys.
func (m *Metrics) SetLiveKeys(n int) {
	if m == nil {
		return
	}
	m.liveKeys.Store(int64(n))
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteText writes every metric in the Prometheus text format.
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot holds point-in-time metric values.
type Snapshot struct {
	Sets               uint64
	Gets               uint64
	GetMisses          uint64
	Removes            uint64
	BytesWritten       uint64
	ErrorsTotal        uint64
	Rollovers          uint64
	Compactions        uint64
	CompactionFailures uint64
	ReclaimedBytes     uint64
	Segments           int64
	DiskBytes          int64
	LiveKeys           int64
	UptimeSeconds      float64
}

// Snapshot returns a snapshot of current metrics.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Sets:               m.sets.Load(),
		Gets:               m.gets.Load(),
		GetMisses:          m.getMisses.Load(),
		Removes:            m.removes.Load(),
		BytesWritten:       m.bytesWritten.Load(),
		ErrorsTotal:        m.errorsTotal.Load(),
		Rollovers:          m.rollovers.Load(),
		Compactions:        m.compactions.Load(),
		CompactionFailures: m.compactionFailures.Load(),
		ReclaimedBytes:     m.reclaimedBytes.Load(),
		Segments:           m.segments.Load(),
		DiskBytes:          m.diskBytes.Load(),
		LiveKeys:           m.liveKeys.Load(),
		UptimeSeconds:      time.Since(m.startTime).Seconds(),
	}
}
