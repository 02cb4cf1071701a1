package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewPedanticRegistry()
	p, err := NewPool(reg)
	require.NoError(t, err)

	p.Workers(2)
	p.Queued(5)
	p.Spawned()
	p.Spawned()
	p.Retried()
	p.Assigned(time.Now().Add(-time.Second))
	p.Assigned(time.Time{})
	p.Done(ResultOK, 10*time.Millisecond)
	p.Done(ResultOK, 0)
	p.Done(ResultFailed, 0)

	require.Equal(t, 2.0, testutil.ToFloat64(p.workers))
	require.Equal(t, 5.0, testutil.ToFloat64(p.queued))
	require.Equal(t, 2.0, testutil.ToFloat64(p.spawns))
	require.Equal(t, 1.0, testutil.ToFloat64(p.retries))
	require.Equal(t, 2.0, testutil.ToFloat64(p.jobs.WithLabelValues(ResultOK)))
	require.Equal(t, 1.0, testutil.ToFloat64(p.jobs.WithLabelValues(ResultFailed)))
	require.Equal(t, 0.0, testutil.ToFloat64(p.jobs.WithLabelValues(ResultTaskError)))

	n, err := testutil.GatherAndCount(reg, "manticore_pool_job_duration_seconds", "manticore_pool_queue_wait_seconds")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestPool_SharedRegisterer(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	_, err := NewPool(reg)
	require.NoError(t, err)
	_, err = NewPool(reg)
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "manticore_pool_workers")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestPool_Unregistered(t *testing.T) {
	t.Parallel()
	p, err := NewPool(nil)
	require.NoError(t, err)
	p.Workers(1)
	require.Equal(t, 1.0, testutil.ToFloat64(p.workers))
}

func TestServe(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	p, err := NewPool(reg)
	require.NoError(t, err)
	p.Spawned()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() {
		errc <- serve(ctx, ln, promhttpHandler(reg))
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.Contains(string(body), "manticore_pool_spawns_total"))

	cancel()
	require.NoError(t, <-errc)
}

func promhttpHandler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler(g))
	return mux
}
