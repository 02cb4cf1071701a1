package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/manticore/internal/mux"
	"github.com/CZERTAINLY/manticore/internal/protocol"
	"github.com/stretchr/testify/require"
)

// recorder is an observer keeping events of a worker in order.
type recorder struct {
	mx     sync.Mutex
	events []string
	values map[string]Value
}

func (r *recorder) jobDone(_ runner, j *job, v Value, _ error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.events = append(r.events, "done "+j.id)
	if r.values == nil {
		r.values = make(map[string]Value)
	}
	r.values[j.id] = v
}

func (r *recorder) jobAbort(_ runner, j *job, _ error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.events = append(r.events, "abort "+j.id)
}

func (r *recorder) workerDown(runner, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.events = append(r.events, "down")
}

func (r *recorder) status(Status) {}

func (r *recorder) list() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) value(id string) Value {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.values[id]
}

// startWorker supervises a short lived process. The test plays the worker
// side on the child ends of the pipes: child[0] reads what the pool sends,
// child[1] writes to the pool.
func startWorker(t *testing.T, streams bool) (*worker, *recorder, *lockedBuffer) {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	p, err := New(Config{Worker: Command{Path: exe}, Streams: streams, IdleTimeout: -1})
	require.NoError(t, err)
	var logs lockedBuffer
	p.log = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	pp, err := newPipes()
	require.NoError(t, err)
	cmd := exec.Command(exe, "-test.run=^$")
	require.NoError(t, cmd.Start())

	w := newWorker(p, cmd, pp)
	rec := &recorder{}
	w.obs = rec
	w.goTransport()
	t.Cleanup(func() {
		w.kill(ErrClosed)
		p.wg.Wait()
		pp.closeChild()
		_ = cmd.Wait()
	})
	return w, rec, &logs
}

func TestWorker_ResultsAndKill(t *testing.T) {
	t.Parallel()
	w, rec, logs := startWorker(t, false)
	dec := w.codec.NewDecoder(w.pipes.child[0])
	enc := w.codec.NewEncoder(w.pipes.child[1])

	first := newJob(t.Context(), "a", nil)
	second := newJob(t.Context(), "b", nil)
	require.NoError(t, w.assign(first))
	require.NoError(t, w.assign(second))
	require.Equal(t, 2, w.active())

	// jobs assigned while spawning are sent in order once ready
	w.onReady()
	var started []string
	for range 2 {
		var msg protocol.StartMessage
		require.NoError(t, dec.Decode(&msg))
		require.Equal(t, protocol.TypeTaskRun, msg.Type)
		started = append(started, msg.ID)
	}
	require.Equal(t, []string{first.id, second.id}, started)

	raw, err := w.codec.Marshal(42)
	require.NoError(t, err)
	res := protocol.ResultMessage{ID: first.id, Type: protocol.TypeTaskResult, Result: raw}
	require.NoError(t, enc.Encode(res))
	require.NoError(t, enc.Encode(res))
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "result of unknown job")
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, 1, w.active())

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() { w.kill(ErrWorkerDown) })
	}
	wg.Wait()

	// the pool end is closed, the result is lost
	late := protocol.ResultMessage{ID: second.id, Type: protocol.TypeTaskResult, Result: raw}
	_ = enc.Encode(late)

	require.Equal(t, []string{"done " + first.id, "down", "abort " + second.id}, rec.list())
	var n int
	require.NoError(t, rec.value(first.id).Decode(&n))
	require.Equal(t, 42, n)
	require.Zero(t, w.active())
	require.ErrorIs(t, w.assign(newJob(t.Context(), "c", nil)), ErrWorkerDown)
}

func TestWorker_ReturnStreams(t *testing.T) {
	t.Parallel()
	w, rec, _ := startWorker(t, true)

	child := mux.NewSession(w.pipes.child[0], w.pipes.child[1], nil)
	var wg sync.WaitGroup
	wg.Go(func() { _ = child.Run(context.Background()) })
	enc := w.codec.NewEncoder(child.Control())
	dec := w.codec.NewDecoder(child.Control())

	orphan := newJob(t.Context(), "bytes", nil)
	pending := newJob(t.Context(), "objects", nil)
	require.NoError(t, w.assign(orphan))
	require.NoError(t, w.assign(pending))
	w.onReady()
	for range 2 {
		var msg protocol.StartMessage
		require.NoError(t, dec.Decode(&msg))
	}

	// opened before the result announcing it
	ms, err := child.Open(protocol.ReturnStreamID(0))
	require.NoError(t, err)
	_, err = ms.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, ms.Close())
	require.NoError(t, enc.Encode(protocol.ResultMessage{
		ID:     orphan.id,
		Type:   protocol.TypeTaskResult,
		Stream: protocol.ReturnStreamID(0),
	}))

	// announced before it is opened
	require.NoError(t, enc.Encode(protocol.ResultMessage{
		ID:         pending.id,
		Type:       protocol.TypeTaskResult,
		Stream:     protocol.ReturnStreamID(1),
		ObjectMode: true,
	}))
	require.Eventually(t, func() bool { return len(rec.list()) == 2 }, 5*time.Second, time.Millisecond)

	ms, err = child.Open(protocol.ReturnStreamID(1))
	require.NoError(t, err)
	values := w.codec.NewEncoder(ms)
	require.NoError(t, values.Encode(1))
	require.NoError(t, values.Encode(2))
	require.NoError(t, ms.Close())

	st := rec.value(orphan.id).Stream()
	require.NotNil(t, st)
	require.False(t, st.ObjectMode())
	b, err := io.ReadAll(st)
	require.NoError(t, err)
	require.Equal(t, "abc", string(b))
	require.NoError(t, st.Close())

	st = rec.value(pending.id).Stream()
	require.NotNil(t, st)
	require.True(t, st.ObjectMode())
	var got []int
	for {
		var n int
		err := st.Next(&n)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, n)
	}
	require.Equal(t, []int{1, 2}, got)
	require.NoError(t, st.Close())

	// only return streams may be opened by a worker
	bad, err := child.Open("zz")
	require.NoError(t, err)
	_, err = bad.Read(make([]byte, 1))
	require.ErrorIs(t, err, mux.ErrDestroyed)

	w.kill(ErrClosed)
	wg.Wait()
}
