package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/codemug/certgate/pkg/jobs"
	"github.com/codemug/certgate/pkg/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports admission, execution, delivery and retention counters. It
// doubles as a queue.Observer.
type Metrics struct {
	registry *prometheus.Registry

	submissions      *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	finished         *prometheus.CounterVec
	duration         prometheus.Histogram
	deliveries       *prometheus.CounterVec
	retentionDeleted prometheus.Counter
	graceDeleted     prometheus.Counter

	mu      sync.Mutex
	started map[string]time.Time
}

func New(stats func() queue.Stats, dirs func() (int, error)) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certgate_jobs_submitted_total",
			Help: "Admitted jobs by whether they started immediately or were queued",
		}, []string{"mode"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certgate_admission_rejections_total",
			Help: "Requests rejected before a job was created",
		}, []string{"reason"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certgate_jobs_finished_total",
			Help: "Jobs by final status",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "certgate_job_duration_seconds",
			Help:    "Wall-clock run time of the generator script",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certgate_deliveries_total",
			Help: "Download attempts by result",
		}, []string{"result"}),
		retentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "certgate_retention_deleted_total",
			Help: "Job directories removed by the retention sweep",
		}),
		graceDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "certgate_grace_deleted_total",
			Help: "Job directories removed after their post-delivery grace delay",
		}),
		started: make(map[string]time.Time),
	}

	m.registry.MustRegister(
		m.submissions,
		m.rejections,
		m.finished,
		m.duration,
		m.deliveries,
		m.retentionDeleted,
		m.graceDeleted,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "certgate_slots_occupied",
			Help: "Jobs currently holding a concurrency slot",
		}, func() float64 { return float64(stats().Running) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "certgate_queue_length",
			Help: "Jobs waiting for a slot",
		}, func() float64 { return float64(stats().Queued) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "certgate_job_directories",
			Help: "Job directories currently on disk",
		}, func() float64 {
			count, err := dirs()
			if err != nil {
				return -1
			}
			return float64(count)
		}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Submitted(id string, queued bool) {
	mode := "immediate"
	if queued {
		mode = "queued"
	}
	m.submissions.WithLabelValues(mode).Inc()
}

func (m *Metrics) Started(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started[id] = time.Now()
}

func (m *Metrics) Finished(id string, files []jobs.Artifact, err error) {
	m.mu.Lock()
	start, ok := m.started[id]
	delete(m.started, id)
	m.mu.Unlock()
	if ok {
		m.duration.Observe(time.Since(start).Seconds())
	}

	switch {
	case err == nil:
		m.finished.WithLabelValues("completed").Inc()
	case errors.Is(err, jobs.ErrQueueTimeout):
		m.finished.WithLabelValues("timed_out").Inc()
	default:
		m.finished.WithLabelValues("failed").Inc()
	}
}

// Rejected counts an admission rejection. reason is a short label such as
// "rate_limited" or "busy".
func (m *Metrics) Rejected(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) Delivered(result string) {
	m.deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) RetentionSwept(deleted int) {
	m.retentionDeleted.Add(float64(deleted))
}

func (m *Metrics) GraceCleanup(id string, removed bool) {
	if removed {
		m.graceDeleted.Inc()
	}
}
