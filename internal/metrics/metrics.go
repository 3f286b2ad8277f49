package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BitmapLookupOutcome captures how a bitmap cache request was satisfied.
type BitmapLookupOutcome string

const (
	// BitmapLookupHit indicates the decoded bitmap was already cached.
	BitmapLookupHit BitmapLookupOutcome = "hit"
	// BitmapLookupMiss indicates the request ran the loader.
	BitmapLookupMiss BitmapLookupOutcome = "miss"
	// BitmapLookupShared indicates the request joined an in-flight decode.
	BitmapLookupShared BitmapLookupOutcome = "shared"
	// BitmapLookupError indicates the decode failed.
	BitmapLookupError BitmapLookupOutcome = "error"
)

// JobOutcome captures the result of a scheduled job.
type JobOutcome string

const (
	// JobSucceeded indicates the job returned without error.
	JobSucceeded JobOutcome = "success"
	// JobFailed indicates the job returned an error.
	JobFailed JobOutcome = "failure"
)

// Recorder publishes Prometheus metrics for the rendering core.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	bitmapLookups   *prometheus.CounterVec
	bitmapEvictions prometheus.Counter
	bitmapBytes     prometheus.Gauge
	bitmapEntries   prometheus.Gauge

	queueRunning *prometheus.GaugeVec
	queueWaiting *prometheus.GaugeVec
	tasks        *prometheus.CounterVec
	taskLatency  *prometheus.HistogramVec

	thumbnails       *prometheus.CounterVec
	thumbnailLatency *prometheus.HistogramVec

	transcodes       *prometheus.CounterVec
	transcodeLatency prometheus.Histogram
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	bitmapLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slideforge",
		Subsystem: "bitmap_cache",
		Name:      "lookups_total",
		Help:      "Bitmap cache requests by outcome.",
	}, []string{"result"})

	bitmapEvictions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slideforge",
		Subsystem: "bitmap_cache",
		Name:      "evictions_total",
		Help:      "Decoded bitmaps evicted to honor the byte budget.",
	})

	bitmapBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "slideforge",
		Subsystem: "bitmap_cache",
		Name:      "bytes",
		Help:      "Estimated pixel bytes held by the bitmap cache.",
	})

	bitmapEntries := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "slideforge",
		Subsystem: "bitmap_cache",
		Name:      "entries",
		Help:      "Decoded bitmaps held by the bitmap cache.",
	})

	queueRunning := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "slideforge",
		Subsystem: "queue",
		Name:      "running",
		Help:      "Tasks currently holding a concurrency slot.",
	}, []string{"queue"})

	queueWaiting := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "slideforge",
		Subsystem: "queue",
		Name:      "waiting",
		Help:      "Tasks waiting for a concurrency slot.",
	}, []string{"queue", "priority"})

	tasks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slideforge",
		Subsystem: "queue",
		Name:      "tasks_total",
		Help:      "Tasks completed by the scheduler.",
	}, []string{"queue", "priority", "outcome"})

	taskLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "slideforge",
		Subsystem: "queue",
		Name:      "task_duration_seconds",
		Help:      "Execution time of scheduled tasks, excluding queue wait.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"queue", "priority"})

	thumbnails := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slideforge",
		Subsystem: "thumbnail",
		Name:      "jobs_total",
		Help:      "Thumbnail jobs by priority and outcome.",
	}, []string{"priority", "outcome"})

	thumbnailLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "slideforge",
		Subsystem: "thumbnail",
		Name:      "job_duration_seconds",
		Help:      "Render and encode latency for thumbnail jobs.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"priority"})

	transcodes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slideforge",
		Subsystem: "transcoder",
		Name:      "requests_total",
		Help:      "Transcoder round-trips by outcome.",
	}, []string{"outcome"})

	transcodeLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "slideforge",
		Subsystem: "transcoder",
		Name:      "request_duration_seconds",
		Help:      "Latency of transcoder round-trips.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	})

	reg.MustRegister(
		bitmapLookups, bitmapEvictions, bitmapBytes, bitmapEntries,
		queueRunning, queueWaiting, tasks, taskLatency,
		thumbnails, thumbnailLatency,
		transcodes, transcodeLatency,
	)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		bitmapLookups:    bitmapLookups,
		bitmapEvictions:  bitmapEvictions,
		bitmapBytes:      bitmapBytes,
		bitmapEntries:    bitmapEntries,
		queueRunning:     queueRunning,
		queueWaiting:     queueWaiting,
		tasks:            tasks,
		taskLatency:      taskLatency,
		thumbnails:       thumbnails,
		thumbnailLatency: thumbnailLatency,
		transcodes:       transcodes,
		transcodeLatency: transcodeLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveBitmapLookup records how a bitmap cache request was served.
func (r *Recorder) ObserveBitmapLookup(result BitmapLookupOutcome) {
	if r == nil {
		return
	}
	label := string(result)
	if label == "" {
		label = string(BitmapLookupMiss)
	}
	r.bitmapLookups.WithLabelValues(label).Inc()
}

// ObserveBitmapEvictions adds count evictions.
func (r *Recorder) ObserveBitmapEvictions(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.bitmapEvictions.Add(float64(count))
}

// SetBitmapUsage publishes the cache occupancy after an insertion or eviction pass.
func (r *Recorder) SetBitmapUsage(entries int, bytes int64) {
	if r == nil {
		return
	}
	r.bitmapEntries.Set(float64(entries))
	r.bitmapBytes.Set(float64(bytes))
}

// SetQueueDepth publishes running and waiting counts for a named scheduler.
func (r *Recorder) SetQueueDepth(queue string, running, waitingHigh, waitingLow int) {
	if r == nil {
		return
	}
	name := normalizeLabel(queue)
	r.queueRunning.WithLabelValues(name).Set(float64(running))
	r.queueWaiting.WithLabelValues(name, "high").Set(float64(waitingHigh))
	r.queueWaiting.WithLabelValues(name, "low").Set(float64(waitingLow))
}

// ObserveTask records a completed scheduler task.
func (r *Recorder) ObserveTask(queue, priority string, outcome JobOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	name := normalizeLabel(queue)
	prio := normalizeLabel(priority)
	r.tasks.WithLabelValues(name, prio, normalizeLabel(string(outcome))).Inc()
	r.taskLatency.WithLabelValues(name, prio).Observe(duration.Seconds())
}

// ObserveThumbnail records a finished thumbnail job.
func (r *Recorder) ObserveThumbnail(priority string, outcome JobOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	prio := normalizeLabel(priority)
	r.thumbnails.WithLabelValues(prio, normalizeLabel(string(outcome))).Inc()
	r.thumbnailLatency.WithLabelValues(prio).Observe(duration.Seconds())
}

// ObserveTranscode records a transcoder round-trip.
func (r *Recorder) ObserveTranscode(outcome JobOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	r.transcodes.WithLabelValues(normalizeLabel(string(outcome))).Inc()
	r.transcodeLatency.Observe(duration.Seconds())
}

// Outcome maps an error onto a JobOutcome label.
func Outcome(err error) JobOutcome {
	if err != nil {
		return JobFailed
	}
	return JobSucceeded
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
