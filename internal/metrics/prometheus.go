package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "context_engine_jobs_processed_total",
			Help: "Ingestion jobs finished, by job type and result",
		},
		[]string{"job_type", "result"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "context_engine_job_duration_seconds",
			Help:    "Wall time of one ingestion job",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"job_type"},
	)

	JobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "context_engine_jobs_queued",
			Help: "Jobs waiting in the queue at the last poll",
		},
	)

	ChunksIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "context_engine_chunks_indexed_total",
			Help: "Chunks written to project collections",
		},
	)

	WorkerLinesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "context_engine_worker_lines_skipped_total",
			Help: "Worker output lines ignored, by reason",
		},
		[]string{"reason"},
	)

	EmbeddingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "context_engine_embedding_duration_seconds",
			Help:    "Embedding provider call duration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"provider"},
	)

	QueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "context_engine_query_duration_seconds",
			Help:    "Retrieval query duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "context_engine_query_total",
			Help: "Retrieval queries, by outcome",
		},
		[]string{"status"},
	)

	QueryResults = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "context_engine_query_results_count",
			Help:    "Number of chunks returned per query",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "context_engine_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "context_engine_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	NotificationsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "context_engine_notifications_sent_total",
			Help: "Status events delivered to listeners",
		},
	)

	NotificationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "context_engine_notifications_dropped_total",
			Help: "Status events dropped because a listener was not keeping up",
		},
	)

	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "context_engine_notification_subscribers",
			Help: "Currently connected notification listeners",
		},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			JobsProcessed,
			JobDuration,
			JobsQueued,
			ChunksIndexed,
			WorkerLinesSkipped,
			EmbeddingDuration,
			QueryDuration,
			QueryTotal,
			QueryResults,
			CacheHits,
			CacheMisses,
			NotificationsSent,
			NotificationsDropped,
			Subscribers,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
