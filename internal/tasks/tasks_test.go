package tasks_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/CZERTAINLY/manticore/internal/tasks"
	"github.com/CZERTAINLY/manticore/pkg/worker"
	"github.com/stretchr/testify/require"
)

func params(t *testing.T, v any) worker.Params {
	t.Helper()
	p, err := worker.NewParams(v)
	require.NoError(t, err)
	return p
}

func TestRegister(t *testing.T) {
	t.Parallel()
	reg := worker.NewRegistry()
	require.NoError(t, tasks.Register(reg))
	require.Equal(t, []string{"alphabet", "counter", "echo", "fail", "pid", "sleep", "sum", "timer"}, reg.Names())
	require.ErrorIs(t, tasks.Register(reg), worker.ErrDuplicateTask)
}

func TestTasks(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		scenario string
		task     worker.TaskFunc
		given    any
		then     func(t *testing.T, v any, err error)
	}{
		{"sum", tasks.Sum, []int{1, 2, 3}, func(t *testing.T, v any, err error) {
			require.NoError(t, err)
			require.Equal(t, 6.0, v)
		}},
		{"sum of nothing", tasks.Sum, nil, func(t *testing.T, v any, err error) {
			require.NoError(t, err)
			require.Equal(t, 0.0, v)
		}},
		{"sum of a string", tasks.Sum, "one", func(t *testing.T, _ any, err error) {
			require.Error(t, err)
		}},
		{"echo", tasks.Echo, "hello", func(t *testing.T, v any, err error) {
			require.NoError(t, err)
			require.Equal(t, "hello", v)
		}},
		{"pid", tasks.PID, nil, func(t *testing.T, v any, err error) {
			require.NoError(t, err)
			require.Equal(t, os.Getpid(), v)
		}},
		{"sleep", tasks.Sleep, tasks.SleepParams{MS: 1}, func(t *testing.T, v any, err error) {
			require.NoError(t, err)
			require.Equal(t, os.Getpid(), v)
		}},
		{"fail", tasks.Fail, "boom", func(t *testing.T, _ any, err error) {
			require.EqualError(t, err, "boom")
		}},
		{"fail by default", tasks.Fail, nil, func(t *testing.T, _ any, err error) {
			require.EqualError(t, err, "failed on request")
		}},
		{"alphabet", tasks.Alphabet, nil, func(t *testing.T, v any, err error) {
			require.NoError(t, err)
			require.IsType(t, &worker.Stream{}, v)
			require.False(t, v.(*worker.Stream).ObjectMode())
		}},
		{"counter", tasks.Counter, 3, func(t *testing.T, v any, err error) {
			require.NoError(t, err)
			require.IsType(t, &worker.Stream{}, v)
			require.True(t, v.(*worker.Stream).ObjectMode())
		}},
		{"negative counter", tasks.Counter, -1, func(t *testing.T, _ any, err error) {
			var ae *worker.AssertionError
			require.ErrorAs(t, err, &ae)
			require.Equal(t, -1, ae.Actual)
		}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			v, err := tt.task(t.Context(), params(t, tt.given))
			tt.then(t, v, err)
		})
	}
}

func TestSleep_Canceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := tasks.Sleep(ctx, params(t, tasks.SleepParams{MS: 60_000}))
	require.ErrorIs(t, err, context.Canceled)
}

func TestTimer(t *testing.T) {
	t.Parallel()
	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	tasks.Timer(t.Context(), params(t, tasks.SleepParams{MS: 5}), func(v any, err error) {
		done <- result{v, err}
	})
	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, 5, r.v)
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}
}
