// Package tasks contains the tasks served by the manticore binary itself.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/CZERTAINLY/manticore/pkg/worker"
)

// Register adds the built-in tasks to reg.
func Register(reg *worker.Registry) error {
	return reg.RegisterTasks(map[string]any{
		"sum":      Sum,
		"echo":     Echo,
		"sleep":    Sleep,
		"pid":      PID,
		"fail":     Fail,
		"alphabet": Alphabet,
		"counter":  Counter,
		"timer":    Timer,
	})
}

// Sum adds numbers.
func Sum(_ context.Context, p worker.Params) (any, error) {
	var nums []float64
	if err := p.Decode(&nums); err != nil {
		return nil, fmt.Errorf("sum: %w", err)
	}
	var ret float64
	for _, n := range nums {
		ret += n
	}
	return ret, nil
}

// Echo returns its params.
func Echo(_ context.Context, p worker.Params) (any, error) {
	var v any
	if err := p.Decode(&v); err != nil {
		return nil, fmt.Errorf("echo: %w", err)
	}
	return v, nil
}

type SleepParams struct {
	MS int `json:"ms" cbor:"ms"`
}

// Sleep waits for the given number of milliseconds and returns the pid of
// the worker.
func Sleep(ctx context.Context, p worker.Params) (any, error) {
	var params SleepParams
	if err := p.Decode(&params); err != nil {
		return nil, fmt.Errorf("sleep: %w", err)
	}
	t := time.NewTimer(time.Duration(params.MS) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return os.Getpid(), nil
	}
}

func PID(context.Context, worker.Params) (any, error) {
	return os.Getpid(), nil
}

// Fail returns an error with the message from params.
func Fail(_ context.Context, p worker.Params) (any, error) {
	var msg string
	if err := p.Decode(&msg); err != nil {
		return nil, fmt.Errorf("fail: %w", err)
	}
	if msg == "" {
		msg = "failed on request"
	}
	return nil, errors.New(msg)
}

// Alphabet streams bytes a to z.
func Alphabet(context.Context, worker.Params) (any, error) {
	s := worker.ReturnStream(false)
	go func() {
		for c := byte('a'); c <= 'z'; c++ {
			if _, err := s.Write([]byte{c}); err != nil {
				return
			}
		}
		_ = s.Close()
	}()
	return s, nil
}

type Count struct {
	Num int `json:"num" cbor:"num"`
}

// Counter streams n values {num: i}.
func Counter(_ context.Context, p worker.Params) (any, error) {
	var n int
	if err := p.Decode(&n); err != nil {
		return nil, fmt.Errorf("counter: %w", err)
	}
	if n < 0 {
		return nil, &worker.AssertionError{Message: "counter must not be negative", Actual: n, Expected: 0}
	}
	s := worker.ReturnStream(true)
	go func() {
		for i := range n {
			if err := s.Send(Count{Num: i}); err != nil {
				return
			}
		}
		_ = s.Close()
	}()
	return s, nil
}

// Timer resolves through a callback after the given number of milliseconds.
func Timer(_ context.Context, p worker.Params, done func(any, error)) {
	var params SleepParams
	if err := p.Decode(&params); err != nil {
		done(nil, fmt.Errorf("timer: %w", err))
		return
	}
	time.AfterFunc(time.Duration(params.MS)*time.Millisecond, func() {
		done(params.MS, nil)
	})
}
