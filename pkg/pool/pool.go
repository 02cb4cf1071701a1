// Package pool runs named tasks in a pool of worker processes.
//
// Jobs are queued by Run and dispatched to the least loaded worker. The pool
// spawns workers on demand up to Config.Concurrent, every worker runs at most
// Config.Paralel jobs at a time. Workers without work are killed after
// Config.IdleTimeout.
//
// A job whose worker dies, or which the worker aborts, is queued again at the
// tail until Config.Attempts is exhausted. Errors returned by a task are
// final.
//
// Worker processes are started with three extra pipes. The file descriptor 3
// carries messages from the pool, 4 messages to the pool and 5 the readiness
// signal. The handshake probe is written to stdin. The worker side is
// implemented by package worker.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/CZERTAINLY/manticore/internal/log"
	"github.com/CZERTAINLY/manticore/internal/metrics"
	"github.com/CZERTAINLY/manticore/internal/protocol/codec"
	"github.com/CZERTAINLY/manticore/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Pool struct {
	cfg     Config
	codec   codec.Codec
	log     *slog.Logger
	metrics *metrics.Pool
	tracer  trace.Tracer
	// spawn starts a new runner, replaced by tests
	spawnFunc func() (runner, error)

	mx        sync.Mutex
	queue     []*job
	workers   []runner
	scheduled bool
	closed    bool

	wg sync.WaitGroup
}

// New validates the configuration and returns a pool. No worker is started
// before the first job arrives.
func New(cfg Config) (*Pool, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	c, err := codec.Get(cfg.Codec)
	if err != nil {
		return nil, err
	}
	m, err := metrics.NewPool(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	logger := cfg.Log
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:     cfg,
		codec:   c,
		log:     logger,
		metrics: m,
		tracer:  tracing.Tracer("github.com/CZERTAINLY/manticore/pkg/pool"),
	}
	p.spawnFunc = p.spawn
	return p, nil
}

// Run queues a job and returns its future. The ctx is used for tracing and
// logging only, a job can't be canceled.
func (p *Pool) Run(ctx context.Context, task string, params any) *Future {
	raw, err := p.codec.Marshal(params)
	j := newJob(ctx, task, raw)
	ctx = log.ContextAttrs(ctx, slog.String("job", j.id), slog.String("task", task))
	j.ctx, j.span = p.tracer.Start(ctx, "manticore.job",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("manticore.job", j.id),
			attribute.String("manticore.task", task),
		))
	if err != nil {
		j.settle(Value{}, fmt.Errorf("encoding params of %s: %w", j.id, err))
		return j.future
	}

	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		j.settle(Value{}, ErrClosed)
		return j.future
	}
	p.queue = append(p.queue, j)
	p.metrics.Queued(len(p.queue))
	p.status(Status{Event: EventAdd, Job: j.id, Task: task})
	p.schedule()
	return j.future
}

// Curried returns Run bound to a task.
func (p *Pool) Curried(task string) func(ctx context.Context, params any) *Future {
	return func(ctx context.Context, params any) *Future {
		return p.Run(ctx, task, params)
	}
}

func (p *Pool) Stats() Stats {
	p.mx.Lock()
	defer p.mx.Unlock()
	s := Stats{
		Workers: len(p.workers),
		Queued:  len(p.queue),
	}
	for _, w := range p.workers {
		s.Active += w.active()
	}
	return s
}

// Close rejects queued jobs, kills all workers and waits until their
// goroutines end or ctx is done. Jobs in flight fail with ErrClosed.
func (p *Pool) Close(ctx context.Context) error {
	p.mx.Lock()
	if p.closed {
		p.mx.Unlock()
		return nil
	}
	p.closed = true
	queue := p.queue
	p.queue = nil
	workers := slices.Clone(p.workers)
	p.metrics.Queued(0)
	p.mx.Unlock()

	for _, j := range queue {
		j.settle(Value{}, ErrClosed)
	}
	for _, w := range workers {
		w.kill(ErrClosed)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// schedule plans a dispatch pass, triggers coming before it runs are merged.
// caller must hold p.mx
func (p *Pool) schedule() {
	if p.scheduled || p.closed {
		return
	}
	p.scheduled = true
	p.wg.Go(p.dispatch)
}

func (p *Pool) dispatch() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.scheduled = false

	for len(p.queue) > 0 && !p.closed {
		w := p.leastLoaded()
		if w == nil && len(p.workers) < p.cfg.Concurrent {
			var err error
			w, err = p.spawnFunc()
			if err != nil {
				j := p.queue[0]
				p.queue = p.queue[1:]
				p.log.WarnContext(j.ctx, "spawning worker failed", "attempt", j.attempts, "error", err)
				p.retry(j, err)
				continue
			}
			p.workers = append(p.workers, w)
			p.metrics.Workers(len(p.workers))
		}
		if w == nil {
			break
		}

		j := p.queue[0]
		if err := w.assign(j); err != nil {
			// down, its event is on the way
			p.removeWorker(w)
			continue
		}
		p.queue = p.queue[1:]
		p.metrics.Assigned(j.queued)
		p.status(Status{Event: EventAssign, Worker: w.ID(), Job: j.id, Task: j.task})
		if j.span != nil {
			j.span.AddEvent("assign", trace.WithAttributes(
				attribute.String("manticore.worker", w.ID()),
				attribute.Int("manticore.attempt", j.attempts),
			))
		}
	}
	p.metrics.Queued(len(p.queue))
}

// leastLoaded returns a worker with the fewest active jobs below Paralel.
// caller must hold p.mx
func (p *Pool) leastLoaded() runner {
	var best runner
	bestActive := p.cfg.Paralel
	for _, w := range p.workers {
		if n := w.active(); n < bestActive {
			best, bestActive = w, n
		}
	}
	return best
}

// caller must hold p.mx
func (p *Pool) removeWorker(r runner) bool {
	idx := slices.Index(p.workers, r)
	if idx < 0 {
		return false
	}
	p.workers = slices.Delete(p.workers, idx, idx+1)
	p.metrics.Workers(len(p.workers))
	return true
}

// retry queues an aborted job again or fails it for good.
// caller must hold p.mx
func (p *Pool) retry(j *job, cause error) {
	switch {
	case p.closed:
		if !errors.Is(cause, ErrClosed) {
			cause = fmt.Errorf("%w: %w", ErrClosed, cause)
		}
		j.settle(Value{}, cause)
		p.metrics.Done(metrics.ResultFailed, 0)
	case j.attempts < p.cfg.Attempts:
		j.attempts++
		p.queue = append(p.queue, j)
		p.metrics.Retried()
		p.status(Status{Event: EventRetry, Job: j.id, Task: j.task, Err: cause})
		p.schedule()
	default:
		err := fmt.Errorf("job %s failed after %d attempts: %w: %w", j.id, j.attempts, ErrAttemptsExceeded, cause)
		j.settle(Value{}, err)
		p.metrics.Done(metrics.ResultFailed, 0)
		p.status(Status{Event: EventFailed, Job: j.id, Task: j.task, Err: err})
	}
}

func (p *Pool) jobDone(r runner, j *job, v Value, err error) {
	j.settle(v, err)

	result := metrics.ResultOK
	var te *TaskError
	switch {
	case errors.As(err, &te):
		result = metrics.ResultTaskError
	case err != nil:
		result = metrics.ResultFailed
	}
	p.metrics.Done(result, v.Duration)
	p.status(Status{Event: EventDone, Worker: r.ID(), Job: j.id, Task: j.task, Err: err})

	p.mx.Lock()
	defer p.mx.Unlock()
	p.schedule()
}

func (p *Pool) jobAbort(_ runner, j *job, cause error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.retry(j, cause)
	p.schedule()
}

func (p *Pool) workerDown(r runner, cause error) {
	p.status(Status{Event: EventDown, Worker: r.ID(), Err: cause})
	p.mx.Lock()
	defer p.mx.Unlock()
	p.removeWorker(r)
	p.schedule()
}

func (p *Pool) status(s Status) {
	if p.cfg.Log != nil {
		p.cfg.Log.Debug(s.String(), "event", s.Event, "worker", s.Worker, "job", s.Job)
	}
	if p.cfg.Emit && p.cfg.OnStatus != nil {
		p.cfg.OnStatus(s)
	}
}
