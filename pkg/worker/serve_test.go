package worker_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/manticore/internal/handshake"
	"github.com/CZERTAINLY/manticore/internal/mux"
	"github.com/CZERTAINLY/manticore/internal/protocol"
	"github.com/CZERTAINLY/manticore/internal/protocol/codec"
	"github.com/CZERTAINLY/manticore/pkg/worker"
	"github.com/stretchr/testify/require"
)

type later struct {
	v   any
	err error
}

func (l later) Then(onValue func(any), onError func(error)) {
	go func() {
		time.Sleep(time.Millisecond)
		if l.err != nil {
			onError(l.err)
			return
		}
		onValue(l.v)
	}()
}

func sum(p worker.Params) (int, error) {
	var nums []int
	if err := p.Decode(&nums); err != nil {
		return 0, err
	}
	var ret int
	for _, n := range nums {
		ret += n
	}
	return ret, nil
}

func registry(t *testing.T, release <-chan struct{}) *worker.Registry {
	t.Helper()
	reg := worker.NewRegistry()
	err := reg.RegisterTasks(map[string]any{
		"sum": func(_ context.Context, p worker.Params) (any, error) {
			return sum(p)
		},
		"sumCallback": func(_ context.Context, p worker.Params, done func(any, error)) {
			go func() { done(sum(p)) }()
		},
		"sumThen": func(_ context.Context, p worker.Params) (any, error) {
			n, err := sum(p)
			return later{v: n, err: err}, nil
		},
		"fail": func(context.Context, worker.Params) (any, error) {
			return nil, errors.New("boom")
		},
		"failThen": func(context.Context, worker.Params) (any, error) {
			return later{err: errors.New("later boom")}, nil
		},
		"assert": func(context.Context, worker.Params) (any, error) {
			return nil, &worker.AssertionError{Actual: 1, Expected: 2}
		},
		"named": func(context.Context, worker.Params) (any, error) {
			return nil, worker.NewError("TimeoutError", "E_TIMEOUT", "too slow")
		},
		"panic": func(context.Context, worker.Params) (any, error) {
			panic("oops")
		},
		"alphabet": func(context.Context, worker.Params) (any, error) {
			s := worker.ReturnStream(false)
			go func() {
				for c := 'a'; c <= 'z'; c++ {
					_, _ = s.Write([]byte{byte(c)})
				}
				_ = s.Close()
			}()
			return s, nil
		},
		"counter": func(_ context.Context, p worker.Params) (any, error) {
			var n int
			if err := p.Decode(&n); err != nil {
				return nil, err
			}
			s := worker.ReturnStream(true)
			for i := range n {
				_ = s.Send(map[string]int{"num": i})
			}
			_ = s.Close()
			return s, nil
		},
		"block": func(context.Context, worker.Params) (any, error) {
			<-release
			return nil, nil
		},
	})
	require.NoError(t, err)
	return reg
}

type harness struct {
	codec   codec.Codec
	enc     codec.Encoder
	results chan protocol.ResultMessage
	streams chan *mux.Stream
	served  chan error
	ready   *bytes.Buffer
	inW     *io.PipeWriter
}

func start(t *testing.T, ctx context.Context, codecName string, streams bool) *harness {
	t.Helper()
	c, err := codec.Get(codecName)
	require.NoError(t, err)

	var probe bytes.Buffer
	require.NoError(t, handshake.WriteProbe(&probe, handshake.Probe{Token: "t0k3n", Streams: streams, Codec: codecName}))

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := &harness{
		codec:   c,
		results: make(chan protocol.ResultMessage, 16),
		streams: make(chan *mux.Stream, 16),
		served:  make(chan error, 1),
		ready:   &bytes.Buffer{},
		inW:     inW,
	}

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		h.served <- worker.ServePipes(ctx, registry(t, release), worker.Pipes{
			Probe: &probe,
			In:    inR,
			Out:   outW,
			Ready: h.ready,
		})
	})

	var in io.Reader = outR
	var out io.Writer = inW
	if streams {
		session := mux.NewSession(outR, inW, func(s *mux.Stream) { h.streams <- s })
		wg.Go(func() { _ = session.Run(t.Context()) })
		in, out = session.Control(), session.Control()
	}
	h.enc = c.NewEncoder(out)
	wg.Go(func() {
		for msg, err := range codec.Messages[protocol.ResultMessage](c.NewDecoder(in)) {
			if err != nil {
				return
			}
			h.results <- msg
		}
	})

	t.Cleanup(func() {
		close(release)
		_ = inW.Close()
		_ = outR.Close()
		_ = outW.Close()
		wg.Wait()
	})
	return h
}

func (h *harness) run(t *testing.T, id, task string, params any) protocol.ResultMessage {
	t.Helper()
	raw, err := h.codec.Marshal(params)
	require.NoError(t, err)
	require.NoError(t, h.enc.Encode(protocol.StartMessage{ID: id, Type: protocol.TypeTaskRun, Task: task, Params: raw}))
	select {
	case res := <-h.results:
		require.Equal(t, id, res.ID)
		return res
	case <-time.After(5 * time.Second):
		t.Fatalf("no result for %s", id)
	}
	return protocol.ResultMessage{}
}

func TestServeResults(t *testing.T) {
	t.Parallel()

	for _, codecName := range []string{"cbor", "json"} {
		t.Run(codecName, func(t *testing.T) {
			t.Parallel()
			h := start(t, t.Context(), codecName, false)

			for _, task := range []string{"sum", "sumCallback", "sumThen"} {
				res := h.run(t, "job."+task, task, []int{1, 2, 3})
				require.Equal(t, protocol.TypeTaskResult, res.Type)
				require.Nil(t, res.Error)
				require.Regexp(t, `^worker\.\d+$`, res.Worker)
				require.GreaterOrEqual(t, res.Duration, 0.0)
				var n int
				require.NoError(t, h.codec.Unmarshal(res.Result, &n))
				require.Equal(t, 6, n, task)
			}
		})
	}
}

func TestServeErrors(t *testing.T) {
	t.Parallel()
	h := start(t, t.Context(), "cbor", false)

	var testCases = []struct {
		scenario string
		given    string
		then     func(t *testing.T, res protocol.ResultMessage)
	}{
		{"error", "fail", func(t *testing.T, res protocol.ResultMessage) {
			require.Equal(t, protocol.TypeTaskResult, res.Type)
			require.Equal(t, "Error", res.Error.Name)
			require.Equal(t, "boom", res.Error.Message)
		}},
		{"rejected thenable", "failThen", func(t *testing.T, res protocol.ResultMessage) {
			require.Equal(t, "later boom", res.Error.Message)
		}},
		{"assertion", "assert", func(t *testing.T, res protocol.ResultMessage) {
			require.Equal(t, "AssertionError", res.Error.Name)
			require.EqualValues(t, 1, res.Error.Actual)
			require.EqualValues(t, 2, res.Error.Expected)
		}},
		{"named", "named", func(t *testing.T, res protocol.ResultMessage) {
			require.Equal(t, "TimeoutError", res.Error.Name)
			require.Equal(t, "E_TIMEOUT", res.Error.Code)
			require.Equal(t, "too slow", res.Error.Message)
		}},
		{"panic", "panic", func(t *testing.T, res protocol.ResultMessage) {
			require.Equal(t, "PanicError", res.Error.Name)
			require.Contains(t, res.Error.Message, "oops")
			require.NotEmpty(t, res.Error.Stack)
		}},
		{"unknown task", "nope", func(t *testing.T, res protocol.ResultMessage) {
			require.Equal(t, protocol.TypeError, res.Type)
			require.Contains(t, res.Error.Message, `"nope"`)
		}},
		{"streams disabled", "alphabet", func(t *testing.T, res protocol.ResultMessage) {
			require.Equal(t, "ConfigurationError", res.Error.Name)
			require.Regexp(t, `^enable`, res.Error.Message)
			require.Empty(t, res.Stream)
		}},
	}

	// a single harness, so cases run sequentially
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			res := h.run(t, "job."+tt.given, tt.given, nil)
			require.NotNil(t, res.Error)
			tt.then(t, res)
		})
	}
}

func TestServeStreams(t *testing.T) {
	t.Parallel()

	for _, codecName := range []string{"cbor", "json"} {
		t.Run(codecName, func(t *testing.T) {
			t.Parallel()
			h := start(t, t.Context(), codecName, true)

			res := h.run(t, "job.1", "alphabet", nil)
			require.Nil(t, res.Error)
			require.Equal(t, "cr0", res.Stream)
			require.False(t, res.ObjectMode)
			st := <-h.streams
			require.Equal(t, res.Stream, st.ID())
			b, err := io.ReadAll(st)
			require.NoError(t, err)
			require.Equal(t, "abcdefghijklmnopqrstuvwxyz", string(b))

			res = h.run(t, "job.2", "counter", 5)
			require.Equal(t, "cr1", res.Stream)
			require.True(t, res.ObjectMode)
			st = <-h.streams
			var got []int
			for item, err := range codec.Messages[map[string]int](h.codec.NewDecoder(st)) {
				require.NoError(t, err)
				got = append(got, item["num"])
			}
			require.Equal(t, []int{0, 1, 2, 3, 4}, got)

			res = h.run(t, "job.3", "sum", []int{40, 2})
			require.Empty(t, res.Stream)
		})
	}
}

func TestServeAbortOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	h := start(t, ctx, "json", false)

	raw, err := h.codec.Marshal(nil)
	require.NoError(t, err)
	require.NoError(t, h.enc.Encode(protocol.StartMessage{ID: "job.9", Type: protocol.TypeTaskRun, Task: "block", Params: raw}))
	// the start message is consumed once the result of sum arrives
	_ = h.run(t, "job.10", "sum", []int{1})

	cancel()
	select {
	case res := <-h.results:
		require.Equal(t, "job.9", res.ID)
		require.Equal(t, protocol.TypeTaskAbort, res.Type)
		require.Contains(t, res.Error.Message, context.Canceled.Error())
	case <-time.After(5 * time.Second):
		t.Fatal("no abort received")
	}
	require.ErrorIs(t, <-h.served, context.Canceled)
}

func TestServeEndOfTransport(t *testing.T) {
	t.Parallel()
	h := start(t, t.Context(), "cbor", true)
	_ = h.run(t, "job.1", "sum", []int{1})

	require.NoError(t, h.inW.Close())
	require.NoError(t, <-h.served)

	ready, err := handshake.ReadReady(h.ready, "t0k3n")
	require.NoError(t, err)
	require.Regexp(t, `^worker\.\d+$`, ready.Worker)
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := worker.NewRegistry()
	noop := func(context.Context, worker.Params) (any, error) { return nil, nil }

	require.NoError(t, reg.Register("a", noop))
	require.ErrorIs(t, reg.Register("a", noop), worker.ErrDuplicateTask)
	require.ErrorIs(t, reg.RegisterTasks(map[string]any{"b": noop, "a": noop}), worker.ErrDuplicateTask)
	require.Error(t, reg.RegisterTasks(map[string]any{"c": 42}))
	require.Equal(t, []string{"a", "b"}, reg.Names())
	require.Panics(t, func() { reg.MustRegister("a", noop) })

	cb := func(_ context.Context, _ worker.Params, done func(any, error)) { done(nil, nil) }
	require.NotPanics(t, func() { reg.MustRegisterCallback("cb", cb) })
	require.Panics(t, func() { reg.MustRegisterCallback("cb", cb) })
	require.Equal(t, []string{"a", "b", "cb"}, reg.Names())
}
