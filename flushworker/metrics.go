package flushworker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	flushes       *prometheus.CounterVec
	dataRecords   prometheus.Counter
	cleanRequests prometheus.Counter
	readback      prometheus.Histogram

	queueSize      *prometheus.GaugeVec
	maxAddOffset   *prometheus.GaugeVec
	maxCleanOffset *prometheus.GaugeVec
}

// A nil registerer leaves the collectors unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		flushes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "replicamap_flush_attempts_total",
			Help: "Flush attempts by result",
		}, []string{"result"}), // result: ok/skipped/aborted/failed
		dataRecords: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "replicamap_flush_data_records_total",
			Help: "Records written to the data channel by flushes",
		}),
		cleanRequests: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "replicamap_flush_clean_requests_total",
			Help: "Flush notifications applied to the local flush queues",
		}),
		readback: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "replicamap_flush_readback_seconds",
			Help:    "Time spent reading back committed data records",
			Buckets: prometheus.DefBuckets,
		}),
		queueSize: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "replicamap_flush_queue_size",
			Help: "Updates retained in the flush queue per partition",
		}, []string{"partition"}),
		maxAddOffset: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "replicamap_flush_queue_max_add_offset",
			Help: "Highest ops offset added to the flush queue per partition",
		}, []string{"partition"}),
		maxCleanOffset: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "replicamap_flush_queue_max_clean_offset",
			Help: "Ops offset up to which the flush queue is cleaned per partition",
		}, []string{"partition"}),
	}
}
