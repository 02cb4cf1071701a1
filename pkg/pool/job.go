package pool

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/manticore/internal/protocol/codec"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var jobSeq atomic.Uint64

type job struct {
	seq    uint64
	id     string
	task   string
	params []byte
	ctx    context.Context
	span   trace.Span
	queued time.Time
	future *Future

	// guarded by Pool.mx
	attempts int
}

func newJob(ctx context.Context, task string, params []byte) *job {
	seq := jobSeq.Add(1)
	return &job{
		seq:      seq,
		id:       "job." + strconv.FormatUint(seq, 10),
		task:     task,
		params:   params,
		ctx:      ctx,
		queued:   time.Now(),
		attempts: 1,
		future:   newFuture(),
	}
}

// settle resolves the future of a job and ends its span. It reports false if
// the job was settled before.
func (j *job) settle(v Value, err error) bool {
	if !j.future.resolve(v, err) {
		return false
	}
	if j.span != nil {
		if err != nil {
			j.span.RecordError(err)
			j.span.SetStatus(codes.Error, err.Error())
		}
		j.span.End()
	}
	return true
}

// Future is the eventual result of a job. It is resolved exactly once.
type Future struct {
	once  sync.Once
	done  chan struct{}
	value Value
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(v Value, err error) bool {
	ok := false
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
		ok = true
	})
	return ok
}

// Done is closed once the job settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await waits for the job. A canceled ctx stops the waiting, not the job.
func (f *Future) Await(ctx context.Context) (Value, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return Value{}, ctx.Err()
	}
}

// Await waits for the job and decodes its value.
func Await[T any](ctx context.Context, f *Future) (T, error) {
	var ret T
	v, err := f.Await(ctx)
	if err != nil {
		return ret, err
	}
	err = v.Decode(&ret)
	return ret, err
}

// Value is a successful result of a job.
type Value struct {
	raw    []byte
	codec  codec.Codec
	stream *Stream

	// Worker which ran the job.
	Worker string
	// Duration of the task measured by the worker.
	Duration time.Duration
}

// Decode unmarshals the value into dst. Results returned as a stream can't
// be decoded, use Stream instead.
func (v Value) Decode(dst any) error {
	if v.stream != nil {
		return ErrStreamResult
	}
	if len(v.raw) == 0 || v.codec == nil {
		return nil
	}
	return v.codec.Unmarshal(v.raw, dst)
}

// Raw returns the value as encoded by the worker.
func (v Value) Raw() []byte {
	return v.raw
}

// Stream returns the stream returned by a task or nil.
func (v Value) Stream() *Stream {
	return v.stream
}
