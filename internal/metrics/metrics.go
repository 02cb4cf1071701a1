// Package metrics provides Prometheus instrumentation of a worker pool.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "manticore"
	subsystem = "pool"
)

// Results of a finished job.
const (
	ResultOK        = "ok"
	ResultTaskError = "task_error"
	ResultFailed    = "failed"
)

// Pool holds the metrics of one pool. Every pool gets an unique pool label,
// so more pools can share a registerer.
type Pool struct {
	workers   prometheus.Gauge
	queued    prometheus.Gauge
	spawns    prometheus.Counter
	retries   prometheus.Counter
	jobs      *prometheus.CounterVec
	duration  prometheus.Histogram
	queueWait prometheus.Histogram
}

// NewPool creates pool metrics and registers them to reg. A nil reg keeps
// them unregistered.
func NewPool(reg prometheus.Registerer) (*Pool, error) {
	labels := prometheus.Labels{"pool": uuid.NewString()}
	p := &Pool{
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "workers",
			Help:        "Number of live worker processes",
			ConstLabels: labels,
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "queued_jobs",
			Help:        "Number of jobs waiting for a worker",
			ConstLabels: labels,
		}),
		spawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "spawns_total",
			Help:        "Total number of spawned worker processes",
			ConstLabels: labels,
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "retries_total",
			Help:        "Total number of jobs queued again after an abort",
			ConstLabels: labels,
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "jobs_total",
			Help:        "Total number of finished jobs by result",
			ConstLabels: labels,
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "job_duration_seconds",
			Help:        "Time a task ran in a worker",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "queue_wait_seconds",
			Help:        "Time a job waited in the queue before its assignment",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		return p, nil
	}

	var errs []error
	for _, c := range p.collectors() {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pool) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		p.workers,
		p.queued,
		p.spawns,
		p.retries,
		p.jobs,
		p.duration,
		p.queueWait,
	}
}

func (p *Pool) Workers(n int) {
	p.workers.Set(float64(n))
}

func (p *Pool) Queued(n int) {
	p.queued.Set(float64(n))
}

func (p *Pool) Spawned() {
	p.spawns.Inc()
}

func (p *Pool) Retried() {
	p.retries.Inc()
}

// Assigned observes the queue wait of a job queued at queuedAt.
func (p *Pool) Assigned(queuedAt time.Time) {
	if queuedAt.IsZero() {
		return
	}
	p.queueWait.Observe(time.Since(queuedAt).Seconds())
}

// Done counts a finished job. A zero d is not observed.
func (p *Pool) Done(result string, d time.Duration) {
	p.jobs.WithLabelValues(result).Inc()
	if d > 0 {
		p.duration.Observe(d.Seconds())
	}
}

// Serve exposes the metrics of g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler(g))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return serve(ctx, ln, mux)
}

func handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
