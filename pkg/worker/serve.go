// Package worker is the runtime of a worker process. A worker binary creates
// a Registry of its tasks and calls Serve, the pool takes care of the rest.
//
//	func main() {
//		reg := worker.NewRegistry()
//		reg.MustRegister("sum", func(ctx context.Context, p worker.Params) (any, error) {
//			var nums []int
//			if err := p.Decode(&nums); err != nil {
//				return nil, err
//			}
//			...
//		})
//		if err := worker.Serve(context.Background(), reg); err != nil {
//			os.Exit(1)
//		}
//	}
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/manticore/internal/handshake"
	"github.com/CZERTAINLY/manticore/internal/mux"
	"github.com/CZERTAINLY/manticore/internal/protocol"
	"github.com/CZERTAINLY/manticore/internal/protocol/codec"
	"golang.org/x/sync/errgroup"
)

// file descriptors passed by the pool
const (
	fdIn    = 3
	fdOut   = 4
	fdReady = 5
)

// Pipes are the endpoints connecting a worker with its pool.
type Pipes struct {
	Probe io.Reader // handshake probe, stdin
	In    io.Reader // messages from the pool
	Out   io.Writer // messages to the pool
	Ready io.Writer // readiness signal, closed after use
}

// Serve runs the worker on the pipes inherited from the pool. It returns nil
// once the pool closes the transport.
func Serve(ctx context.Context, reg *Registry) error {
	return ServePipes(ctx, reg, Pipes{
		Probe: os.Stdin,
		In:    os.NewFile(fdIn, "manticore-in"),
		Out:   os.NewFile(fdOut, "manticore-out"),
		Ready: os.NewFile(fdReady, "manticore-ready"),
	})
}

type server struct {
	reg     *Registry
	codec   codec.Codec
	worker  string
	session *mux.Session

	encMx sync.Mutex
	enc   codec.Encoder

	mx     sync.Mutex
	active map[string]struct{}

	streamSeq atomic.Uint64
}

// ServePipes runs the worker on explicit pipes.
func ServePipes(ctx context.Context, reg *Registry, p Pipes) error {
	probe, err := handshake.ReadProbe(p.Probe)
	if err != nil {
		return fmt.Errorf("waiting for probe: %w", err)
	}
	c, err := codec.Get(probe.Codec)
	if err != nil {
		return err
	}

	s := &server{
		reg:    reg,
		codec:  c,
		worker: fmt.Sprintf("worker.%d", os.Getpid()),
		active: make(map[string]struct{}),
	}

	var in io.Reader = p.In
	var out io.Writer = p.Out
	var g errgroup.Group
	if probe.Streams {
		s.session = mux.NewSession(p.In, p.Out, nil)
		g.Go(func() error {
			return s.session.Run(context.Background())
		})
		in, out = s.session.Control(), s.session.Control()
	}
	s.enc = c.NewEncoder(out)

	var once sync.Once
	shutdown := func(cause error) {
		once.Do(func() {
			if cause != nil {
				s.abortAll(cause)
			}
			closeAll(p.In)
		})
	}

	err = handshake.WriteReady(p.Ready, handshake.Ready{Token: probe.Token, Worker: s.worker})
	closeAll(p.Ready)
	if err != nil {
		shutdown(nil)
		_ = g.Wait()
		return fmt.Errorf("signaling readiness: %w", err)
	}
	slog.DebugContext(ctx, "worker ready", "worker", s.worker, "codec", c.Name(), "streams", probe.Streams)

	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.Go(func() error {
		err := s.readLoop(tctx, in)
		shutdown(err)
		return err
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// an inherited pipe can't be interrupted, readers are left behind
		shutdown(ctx.Err())
		return ctx.Err()
	}
}

func (s *server) readLoop(ctx context.Context, in io.Reader) error {
	for msg, err := range codec.Messages[protocol.StartMessage](s.codec.NewDecoder(in)) {
		if errors.Is(err, mux.ErrSessionClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading messages: %w", err)
		}
		if msg.Type != protocol.TypeTaskRun {
			slog.WarnContext(ctx, "unexpected message: ignoring", "type", msg.Type, "id", msg.ID)
			continue
		}
		s.start(ctx, msg)
	}
	return nil
}

func (s *server) start(ctx context.Context, msg protocol.StartMessage) {
	t, ok := s.reg.lookup(msg.Task)
	if !ok {
		s.send(ctx, protocol.ResultMessage{
			ID:     msg.ID,
			Type:   protocol.TypeError,
			Worker: s.worker,
			Error: &protocol.TaskError{
				Name:    nameError,
				Message: fmt.Sprintf("task %q is not registered", msg.Task),
			},
		})
		return
	}

	s.mx.Lock()
	s.active[msg.ID] = struct{}{}
	s.mx.Unlock()

	go s.run(ctx, msg, t)
}

func (s *server) run(ctx context.Context, msg protocol.StartMessage, t task) {
	started := time.Now()
	var once sync.Once
	var settle func(any, error)
	settle = func(v any, err error) {
		if th, ok := v.(Thenable); ok && err == nil {
			th.Then(
				func(v any) { settle(v, nil) },
				func(err error) { settle(nil, err) },
			)
			return
		}
		once.Do(func() { s.finish(ctx, msg, started, v, err) })
	}
	defer func() {
		if r := recover(); r != nil {
			settle(nil, newPanicError(r))
		}
	}()
	t(ctx, Params{raw: msg.Params, codec: s.codec}, settle)
}

func (s *server) finish(ctx context.Context, msg protocol.StartMessage, started time.Time, v any, err error) {
	s.mx.Lock()
	_, ok := s.active[msg.ID]
	delete(s.active, msg.ID)
	s.mx.Unlock()
	if !ok {
		// already aborted
		return
	}

	res := protocol.ResultMessage{
		ID:     msg.ID,
		Type:   protocol.TypeTaskResult,
		Worker: s.worker,
	}
	st, isStream := v.(*Stream)
	switch {
	case err != nil:
		res.Error = taskError(err)
	case isStream && s.session == nil:
		res.Error = &protocol.TaskError{Name: nameConfiguration, Message: msgStreamsDisabled}
		st.cancel(errors.New(msgStreamsDisabled))
	case isStream:
		res.Stream = protocol.ReturnStreamID(s.streamSeq.Add(1) - 1)
		res.ObjectMode = st.objectMode
	default:
		raw, err := s.codec.Marshal(v)
		if err != nil {
			res.Error = &protocol.TaskError{Name: nameError, Message: msgUnserializableValue + ": " + err.Error()}
		} else {
			res.Result = raw
		}
	}
	res.Duration = float64(time.Since(started)) / float64(time.Millisecond)
	s.send(ctx, res)

	if res.Stream == "" {
		return
	}
	ms, err := s.session.Open(res.Stream)
	if err != nil {
		slog.WarnContext(ctx, "opening return stream", "stream", res.Stream, "error", err)
		st.cancel(err)
		return
	}
	go s.pump(ctx, st, ms)
}

// pump forwards a task stream to its multiplexed counterpart.
func (s *server) pump(ctx context.Context, st *Stream, ms *mux.Stream) {
	var enc codec.Encoder
	if st.objectMode {
		enc = s.codec.NewEncoder(ms)
	}
	for {
		items, done, err := st.next()
		if done {
			if err != nil {
				_ = ms.Destroy(err)
			} else {
				_ = ms.Close()
			}
			return
		}
		for _, item := range items {
			var werr error
			if enc != nil {
				werr = enc.Encode(item)
			} else {
				_, werr = ms.Write(item.([]byte))
			}
			if werr != nil {
				slog.DebugContext(ctx, "return stream closed by the pool", "stream", ms.ID(), "error", werr)
				st.cancel(werr)
				return
			}
		}
	}
}

func (s *server) send(ctx context.Context, res protocol.ResultMessage) {
	s.encMx.Lock()
	defer s.encMx.Unlock()
	if err := s.enc.Encode(res); err != nil {
		slog.WarnContext(ctx, "sending result failed", "id", res.ID, "type", res.Type, "error", err)
	}
}

// abortAll reports every running job as aborted, the pool will retry them.
func (s *server) abortAll(cause error) {
	s.mx.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	clear(s.active)
	s.mx.Unlock()

	ctx := context.Background()
	for _, id := range ids {
		s.send(ctx, protocol.ResultMessage{
			ID:     id,
			Type:   protocol.TypeTaskAbort,
			Worker: s.worker,
			Error:  &protocol.TaskError{Name: nameError, Message: cause.Error()},
		})
	}
}

func closeAll(xs ...any) {
	for _, x := range xs {
		if c, ok := x.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
