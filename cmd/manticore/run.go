package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/manticore/internal/log"
	"github.com/CZERTAINLY/manticore/internal/metrics"
	"github.com/CZERTAINLY/manticore/internal/service"
	"github.com/CZERTAINLY/manticore/internal/tracing"
	"github.com/CZERTAINLY/manticore/pkg/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const closeTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Runs the configured jobs once or on a schedule",
	Args:  cobra.NoArgs,
	RunE:  doRun,
}

var execCmd = &cobra.Command{
	Use:   "exec <task> [params]",
	Short: "Runs one task with JSON params and prints its result",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  doExec,
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	shutdown, err := initTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}()

	var reg *prometheus.Registry
	if config.Metrics != nil && config.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	p, err := newPool(reg)
	if err != nil {
		return err
	}
	defer closePool(p)

	svc, err := service.New(ctx, config, p)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	sctx, stop := context.WithCancel(gctx)
	defer stop()
	if reg != nil {
		addr := config.Metrics.Addr
		slog.InfoContext(ctx, "serving metrics", "addr", addr)
		g.Go(func() error {
			return metrics.Serve(sctx, addr, reg)
		})
	}
	g.Go(func() error {
		defer stop()
		return svc.Do(gctx)
	})
	return g.Wait()
}

func doExec(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var params any
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
			return fmt.Errorf("parsing params: %w", err)
		}
	}

	p, err := newPool(nil)
	if err != nil {
		return err
	}
	defer closePool(p)

	v, err := p.Run(ctx, args[0], params).Await(ctx)
	if err != nil {
		return err
	}

	var result any
	if st := v.Stream(); st != nil {
		result, err = service.Drain(st)
	} else {
		err = v.Decode(&result)
	}
	if err != nil {
		return fmt.Errorf("reading result: %w", err)
	}
	slog.DebugContext(ctx, "task done", "task", args[0], "worker", v.Worker, "duration", v.Duration)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func newPool(reg prometheus.Registerer) (*pool.Pool, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating manticore executable: %w", err)
	}
	cfg, err := service.PoolConfig(config.Pool, self)
	if err != nil {
		return nil, err
	}
	cfg.Log = slog.Default()
	if reg != nil {
		cfg.Metrics = reg
	}
	return pool.New(cfg)
}

func closePool(p *pool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		slog.Warn("closing pool", "error", err)
	}
}

// initTracing installs the span exporter when tracing is enabled.
func initTracing(ctx context.Context) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if config.Trace == nil || !config.Trace.Enabled {
		return noop, nil
	}
	out, err := log.Output(config.Trace.Output, log.Rotation{})
	if err != nil {
		return noop, fmt.Errorf("opening trace output %s: %w", config.Trace.Output, err)
	}
	shutdown, err := tracing.Init(ctx, "manticore", version(), out)
	if err != nil {
		_ = out.Close()
		return noop, fmt.Errorf("initializing tracing: %w", err)
	}
	return func(ctx context.Context) error {
		err := shutdown(ctx)
		_ = out.Close()
		return err
	}, nil
}
