package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentflow/internal/domain"
)

// Recorder owns a registry so several dispatchers (or tests) never collide
// on the default one.
type Recorder struct {
	reg *prometheus.Registry

	submitted     *prometheus.CounterVec
	finished      *prometheus.CounterVec
	defaultRouted prometheus.Counter
	loopErrors    prometheus.Counter
	retries       prometheus.Counter
	archiveErrors prometheus.Counter
	queueLength   *prometheus.GaugeVec
	active        prometheus.Gauge
	duration      *prometheus.HistogramVec
}

func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentflow_tasks_submitted_total",
			Help: "Work items accepted by the dispatcher",
		}, []string{"handler"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentflow_tasks_finished_total",
			Help: "Work items that reached a terminal state",
		}, []string{"handler", "status"}),
		defaultRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentflow_tasks_default_routed_total",
			Help: "Work items routed to the fallback handler because nothing matched",
		}),
		loopErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentflow_dispatch_loop_errors_total",
			Help: "Dispatch steps that failed and triggered backoff",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentflow_tasks_retried_total",
			Help: "Failed attempts that were requeued",
		}),
		archiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentflow_archive_errors_total",
			Help: "Evicted records that could not be archived",
		}),
		queueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentflow_queue_length",
			Help: "Pending work items",
		}, []string{"state"}), // ready, delayed
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentflow_active_tasks",
			Help: "Work items currently executing",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentflow_task_duration_seconds",
			Help:    "Handler execution time",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"handler"}),
	}
	r.reg.MustRegister(r.submitted, r.finished, r.defaultRouted, r.loopErrors,
		r.retries, r.archiveErrors, r.queueLength, r.active, r.duration)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// All methods tolerate a nil receiver so the dispatcher can run without metrics.

func (r *Recorder) Submitted(h domain.HandlerID, defaulted bool) {
	if r == nil {
		return
	}
	r.submitted.WithLabelValues(string(h)).Inc()
	if defaulted {
		r.defaultRouted.Inc()
	}
}

// Finished counts a terminal item. Cancelled items stay out of the duration
// histogram, matching the dispatcher's average.
func (r *Recorder) Finished(h domain.HandlerID, st domain.Status, d time.Duration) {
	if r == nil {
		return
	}
	r.finished.WithLabelValues(string(h), string(st)).Inc()
	if st != domain.StatusCancelled {
		r.duration.WithLabelValues(string(h)).Observe(d.Seconds())
	}
}

func (r *Recorder) LoopError() {
	if r != nil {
		r.loopErrors.Inc()
	}
}

func (r *Recorder) Retried() {
	if r != nil {
		r.retries.Inc()
	}
}

func (r *Recorder) ArchiveError() {
	if r != nil {
		r.archiveErrors.Inc()
	}
}

func (r *Recorder) Queue(q domain.QueueStatus) {
	if r == nil {
		return
	}
	r.queueLength.WithLabelValues("ready").Set(float64(q.Ready))
	r.queueLength.WithLabelValues("delayed").Set(float64(q.Delayed))
	r.active.Set(float64(q.Active))
}
