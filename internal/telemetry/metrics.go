package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskcache/internal/models"
)

var (
	TasksSubmitted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskcache_tasks_submitted_total", Help: "Tasks accepted by the queue"})
	CacheShortCircuits = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskcache_tasks_cache_short_circuit_total", Help: "Tasks completed from the result cache without running work"})
	AttemptFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskcache_task_attempt_failures_total", Help: "Work attempts that returned an error"})
	TasksRetried       = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskcache_tasks_retried_total", Help: "Tasks re-queued after a failed attempt"})
	TasksCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskcache_tasks_completed_total", Help: "Tasks that reached completed"})
	TasksFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskcache_tasks_failed_total", Help: "Tasks that exhausted their attempts"})
	TasksCancelled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskcache_tasks_cancelled_total", Help: "Queued tasks cancelled before running"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskcache_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	HistoryDropped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskcache_history_records_dropped_total", Help: "Task history records dropped because the recorder fell behind"})
)

// SnapshotSource is anything that can report a queue snapshot cheaply.
type SnapshotSource interface {
	Snapshot() models.MetricsSnapshot
}

// Handler exposes /metrics for one queue. Event counters are process-wide;
// gauges are read from src on every scrape.
func Handler(src SnapshotSource) http.Handler {
	return promhttp.HandlerFor(NewRegistry(src), promhttp.HandlerOpts{})
}

// NewRegistry builds a registry holding the event counters, Go runtime
// collectors, and, when src is non-nil, the snapshot gauges.
func NewRegistry(src SnapshotSource) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		TasksSubmitted,
		CacheShortCircuits,
		AttemptFailures,
		TasksRetried,
		TasksCompleted,
		TasksFailed,
		TasksCancelled,
		RateLimitRejects,
		HistoryDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if src != nil {
		reg.MustRegister(newSnapshotCollector(src))
	}
	return reg
}

var (
	queueDepthDesc     = prometheus.NewDesc("taskcache_queue_depth", "Tasks waiting in the queue", nil, nil)
	inFlightDesc       = prometheus.NewDesc("taskcache_tasks_inflight", "Tasks currently processing", nil, nil)
	successRateDesc    = prometheus.NewDesc("taskcache_success_rate", "completed / (completed + failed)", nil, nil)
	cacheEntriesDesc   = prometheus.NewDesc("taskcache_cache_entries", "Entries in the result cache", nil, nil)
	cacheHitRateDesc   = prometheus.NewDesc("taskcache_cache_hit_rate", "hits / (hits + misses)", nil, nil)
	cacheSizeBytesDesc = prometheus.NewDesc("taskcache_cache_size_bytes", "Estimated result cache storage", nil, nil)
)

// snapshotCollector takes one snapshot per scrape so the gauges agree with each other.
type snapshotCollector struct {
	src SnapshotSource
}

func newSnapshotCollector(src SnapshotSource) *snapshotCollector {
	return &snapshotCollector{src: src}
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueDepthDesc
	ch <- inFlightDesc
	ch <- successRateDesc
	ch <- cacheEntriesDesc
	ch <- cacheHitRateDesc
	ch <- cacheSizeBytesDesc
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Snapshot()
	ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(s.QueuedTasks))
	ch <- prometheus.MustNewConstMetric(inFlightDesc, prometheus.GaugeValue, float64(s.ProcessingTasks))
	ch <- prometheus.MustNewConstMetric(successRateDesc, prometheus.GaugeValue, s.Stats.SuccessRate)
	ch <- prometheus.MustNewConstMetric(cacheEntriesDesc, prometheus.GaugeValue, float64(s.Cache.TotalEntriesCached))
	ch <- prometheus.MustNewConstMetric(cacheHitRateDesc, prometheus.GaugeValue, s.Cache.CacheHitRate)
	ch <- prometheus.MustNewConstMetric(cacheSizeBytesDesc, prometheus.GaugeValue, float64(s.Cache.StorageSizeEstimate))
}
