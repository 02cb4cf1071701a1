package pool

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/CZERTAINLY/manticore/internal/bump"
	"github.com/CZERTAINLY/manticore/internal/mux"
	"github.com/CZERTAINLY/manticore/internal/protocol"
	"github.com/CZERTAINLY/manticore/internal/protocol/codec"
)

// runner is a worker as seen by the scheduler.
type runner interface {
	ID() string
	active() int
	// assign hands a job over, a killed runner returns ErrWorkerDown
	assign(j *job) error
	kill(cause error)
}

// observer receives events of a runner. A runner never holds its own lock
// while calling an observer.
type observer interface {
	jobDone(r runner, j *job, v Value, err error)
	jobAbort(r runner, j *job, cause error)
	workerDown(r runner, cause error)
	status(Status)
}

type workerState int

const (
	stateSpawning workerState = iota
	stateReady
	stateKilled
)

// worker supervises one worker process.
type worker struct {
	id    string
	obs   observer
	log   *slog.Logger
	codec codec.Codec
	wg    *sync.WaitGroup
	cmd   *exec.Cmd
	pipes *pipes

	session *mux.Session
	enc     codec.Encoder
	dec     codec.Decoder

	mx    sync.Mutex
	state workerState
	// assigned jobs without a result
	jobs map[string]*job
	// jobs assigned before the worker became ready
	unsent []*job
	// jobs for the writer
	outbox []*job
	wake   chan struct{}
	done   chan struct{}
	idle   *bump.Timer
	// return streams announced by the worker, but not opened yet
	pending map[string]*Stream
	// streams opened before their announcement arrived
	orphans     map[string]*mux.Stream
	openStreams int
}

func newWorker(p *Pool, cmd *exec.Cmd, pp *pipes) *worker {
	w := &worker{
		id:      "worker." + strconv.Itoa(cmd.Process.Pid),
		obs:     p,
		log:     p.log,
		codec:   p.codec,
		wg:      &p.wg,
		cmd:     cmd,
		pipes:   pp,
		jobs:    make(map[string]*job),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		pending: make(map[string]*Stream),
		orphans: make(map[string]*mux.Stream),
	}

	var in io.Reader = pp.out
	var out io.Writer = pp.in
	if p.cfg.Streams {
		w.session = mux.NewSession(pp.out, pp.in, w.onStreamOpen)
		in, out = w.session.Control(), w.session.Control()
	}
	w.enc = w.codec.NewEncoder(out)
	w.dec = w.codec.NewDecoder(in)

	if p.cfg.IdleTimeout > 0 {
		w.idle = bump.New(p.cfg.IdleTimeout, w.onIdle)
	}
	return w
}

func (w *worker) ID() string {
	return w.id
}

func (w *worker) goTransport() {
	if w.session != nil {
		w.wg.Go(func() {
			err := w.session.Run(context.Background())
			if err != nil {
				w.kill(fmt.Errorf("%s transport: %w", w.id, err))
			}
		})
	}
	w.wg.Go(w.readLoop)
	w.wg.Go(w.writeLoop)
}

func (w *worker) active() int {
	w.mx.Lock()
	defer w.mx.Unlock()
	return len(w.jobs)
}

func (w *worker) assign(j *job) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.state == stateKilled {
		return ErrWorkerDown
	}
	w.jobs[j.id] = j
	if w.state == stateReady {
		w.outbox = append(w.outbox, j)
		w.notify()
	} else {
		w.unsent = append(w.unsent, j)
	}
	w.bumpIdle()
	return nil
}

func (w *worker) onReady() {
	w.mx.Lock()
	if w.state != stateSpawning {
		w.mx.Unlock()
		return
	}
	w.state = stateReady
	w.outbox = append(w.outbox, w.unsent...)
	w.unsent = nil
	w.notify()
	w.bumpIdle()
	w.mx.Unlock()

	w.obs.status(Status{Event: EventReady, Worker: w.id})
}

// caller must hold w.mx
func (w *worker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// caller must hold w.mx
func (w *worker) bumpIdle() {
	if w.idle != nil {
		w.idle.Bump()
	}
}

func (w *worker) writeLoop() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}
		for {
			w.mx.Lock()
			if w.state == stateKilled {
				w.mx.Unlock()
				return
			}
			batch := w.outbox
			w.outbox = nil
			w.mx.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, j := range batch {
				msg := protocol.StartMessage{
					ID:     j.id,
					Type:   protocol.TypeTaskRun,
					Task:   j.task,
					Params: j.params,
				}
				if err := w.enc.Encode(msg); err != nil {
					w.kill(fmt.Errorf("sending %s to %s: %w", j.id, w.id, err))
					return
				}
			}
		}
	}
}

func (w *worker) readLoop() {
	for msg, err := range codec.Messages[protocol.ResultMessage](w.dec) {
		if err != nil {
			w.kill(fmt.Errorf("reading from %s: %w", w.id, err))
			return
		}
		w.onResult(msg)
	}
	w.kill(fmt.Errorf("%s closed its output: %w", w.id, ErrWorkerDown))
}

func (w *worker) onResult(msg protocol.ResultMessage) {
	w.mx.Lock()
	j, ok := w.jobs[msg.ID]
	if !ok {
		w.mx.Unlock()
		w.log.Debug("result of unknown job: dropping", "worker", w.id, "job", msg.ID, "type", msg.Type)
		return
	}
	delete(w.jobs, msg.ID)
	w.bumpIdle()

	if msg.Type == protocol.TypeTaskAbort {
		w.mx.Unlock()
		cause := ErrTaskAborted
		if msg.Error != nil {
			cause = fmt.Errorf("%w: %w", ErrTaskAborted, msg.Error)
		}
		w.obs.jobAbort(w, j, cause)
		return
	}

	value := Value{
		codec:    w.codec,
		Worker:   w.id,
		Duration: time.Duration(msg.Duration * float64(time.Millisecond)),
	}
	if msg.Worker != "" {
		value.Worker = msg.Worker
	}
	var err error
	switch {
	case msg.Error != nil:
		err = msg.Error
	case msg.Type == protocol.TypeError:
		err = &TaskError{Name: "Error", Message: "worker reported an error"}
	case msg.Type != protocol.TypeTaskResult:
		err = fmt.Errorf("unexpected message type %q", msg.Type)
	case msg.Stream != "":
		value.stream = w.announceStream(msg.Stream, msg.ObjectMode)
	default:
		value.raw = msg.Result
	}
	w.mx.Unlock()

	w.obs.jobDone(w, j, value, err)
}

// caller must hold w.mx
func (w *worker) announceStream(id string, objectMode bool) *Stream {
	st := newStream(id, objectMode, w.codec, w.onStreamClose)
	w.openStreams++
	if ms, ok := w.orphans[id]; ok {
		delete(w.orphans, id)
		st.bind(ms)
	} else {
		w.pending[id] = st
	}
	return st
}

func (w *worker) onStreamOpen(ms *mux.Stream) {
	if !protocol.IsReturnStream(ms.ID()) {
		w.log.Debug("unexpected stream: destroying", "worker", w.id, "stream", ms.ID())
		_ = ms.Destroy(fmt.Errorf("%w: %s", ErrUnknownStream, ms.ID()))
		return
	}
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.state == stateKilled {
		return
	}
	if st, ok := w.pending[ms.ID()]; ok {
		delete(w.pending, ms.ID())
		st.bind(ms)
		return
	}
	w.orphans[ms.ID()] = ms
}

func (w *worker) onStreamClose() {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.openStreams > 0 {
		w.openStreams--
	}
	w.bumpIdle()
}

func (w *worker) onIdle() {
	w.mx.Lock()
	if w.state == stateKilled {
		w.mx.Unlock()
		return
	}
	if len(w.jobs) > 0 || w.openStreams > 0 {
		w.bumpIdle()
		w.mx.Unlock()
		return
	}
	w.mx.Unlock()
	w.obs.status(Status{Event: EventIdle, Worker: w.id})
	w.kill(fmt.Errorf("%s: %w", w.id, ErrIdle))
}

// kill terminates the worker process. Every job without a result is aborted
// exactly once, after the pool learns the worker is down.
func (w *worker) kill(cause error) {
	w.mx.Lock()
	if w.state == stateKilled {
		w.mx.Unlock()
		return
	}
	w.state = stateKilled
	jobs := make([]*job, 0, len(w.jobs))
	for _, j := range w.jobs {
		jobs = append(jobs, j)
	}
	slices.SortFunc(jobs, func(a, b *job) int { return cmp.Compare(a.seq, b.seq) })
	clear(w.jobs)
	w.unsent, w.outbox = nil, nil
	pending := w.pending
	w.pending = nil
	clear(w.orphans)
	if w.idle != nil {
		w.idle.Clear()
	}
	close(w.done)
	w.mx.Unlock()

	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	if w.session != nil {
		w.session.Close()
	}
	_ = w.pipes.in.Close()
	_ = w.pipes.out.Close()
	for _, st := range pending {
		st.fail(fmt.Errorf("%w: %w", ErrWorkerDown, cause))
	}

	if !errors.Is(cause, ErrIdle) {
		w.log.Debug("worker killed", "worker", w.id, "jobs", len(jobs), "cause", cause)
	}
	w.obs.workerDown(w, cause)
	for _, j := range jobs {
		w.obs.jobAbort(w, j, cause)
	}
}
