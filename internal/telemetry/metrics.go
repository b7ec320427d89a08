package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DatasetsCreated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_datasets_created_total", Help: "Datasets registered by the producer"})
	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_enqueued_total", Help: "Ingest jobs accepted by the queue"})
	EnqueueFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_enqueue_failures_total", Help: "Datasets left uploaded because the job could not be enqueued"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_failed_total", Help: "Jobs that failed and will retry"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_dead_letter_total", Help: "Jobs moved to DLQ"})
	RowsInserted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_rows_inserted_total", Help: "Event rows bulk-inserted"})
	JobDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_job_duration_seconds",
		Help:    "Wall time of one ingest attempt",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_events_published_total", Help: "Dataset events published to the bus"}, []string{"event"})
	PublishFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_event_publish_failures_total", Help: "Dataset events that could not be published"})
	EventsDropped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "realtime_events_dropped_total", Help: "Events dropped for slow stream clients"})
	StreamClients   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "realtime_stream_clients", Help: "Connected SSE and WebSocket clients"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_queue_depth", Help: "Ready ingest jobs"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_inflight", Help: "Ingest jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DatasetsCreated,
			JobsEnqueued,
			EnqueueFailures,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			RowsInserted,
			JobDuration,
			EventsPublished,
			PublishFailures,
			EventsDropped,
			StreamClients,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
