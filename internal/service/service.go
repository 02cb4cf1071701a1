package service

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/manticore/internal/log"
	"github.com/CZERTAINLY/manticore/internal/model"
	"github.com/CZERTAINLY/manticore/internal/parallel"
	"github.com/CZERTAINLY/manticore/pkg/pool"
)

var ErrJobsFailed = errors.New("jobs failed")

// Runner runs tasks, *pool.Pool is one.
type Runner interface {
	Run(ctx context.Context, task string, params any) *pool.Future
}

type Service struct {
	runner    Runner
	jobs      []model.Job
	limit     int
	uploaders []Uploader
	oneshot   bool
	scheduler gocron.Scheduler
	start     chan struct{}
}

// Record is the outcome of one run of a job.
type Record struct {
	Job        string       `json:"job"`
	Run        int          `json:"run"`
	Task       string       `json:"task"`
	Worker     string       `json:"worker,omitempty"`
	DurationMS float64      `json:"durationMs"`
	Result     any          `json:"result,omitempty"`
	Error      *ErrorRecord `json:"error,omitempty"`
}

type ErrorRecord struct {
	Name    string `json:"name,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type unit struct {
	job model.Job
	run int
}

func New(ctx context.Context, cfg model.Config, runner Runner) (*Service, error) {
	svcCfg := cfg.Service
	uploaders, err := uploaders(ctx, svcCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing uploaders: %w", err)
	}

	s := &Service{
		runner:    runner,
		jobs:      cfg.Jobs,
		limit:     max(cfg.Pool.Concurrent, 1) * max(cfg.Pool.Paralel, 1),
		uploaders: uploaders,
		oneshot:   svcCfg.Mode != model.ServiceModeTimer,
		start:     make(chan struct{}, 1),
	}
	if !s.oneshot {
		s.scheduler, err = newScheduler(ctx, svcCfg.Schedule, s.Start)
		if err != nil {
			s.closeUploaders(ctx)
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
	}
	return s, nil
}

// WithUploaders replaces uploaders of a Service.
func (s *Service) WithUploaders(ctx context.Context, uploaders ...Uploader) *Service {
	s.closeUploaders(ctx)
	s.uploaders = uploaders
	return s
}

// Start asks for a batch. A batch asked for while another one waits is
// merged with it.
func (s *Service) Start() {
	select {
	case s.start <- struct{}{}:
	default:
	}
}

// Do runs the service. In the manual mode it runs one batch and returns its
// error. Otherwise it runs batches on every Start until ctx is canceled,
// errors are only logged.
func (s *Service) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a service", "jobs", len(s.jobs), "oneshot", s.oneshot)
	defer s.closeUploaders(ctx)

	if s.oneshot {
		return s.batch(ctx)
	}

	s.scheduler.Start()
	defer func() {
		err := s.scheduler.Shutdown()
		if err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			if err := s.batch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch failed", "error", err)
			}
		}
	}
}

func (s *Service) batch(ctx context.Context) error {
	var units []unit
	for _, j := range s.jobs {
		for run := range max(j.Repeat, 1) {
			units = append(units, unit{job: j, run: run})
		}
	}
	if len(units) == 0 {
		slog.WarnContext(ctx, "no jobs configured")
		return nil
	}

	started := time.Now()
	records := make([]Record, 0, len(units))
	for r, err := range parallel.NewMap(ctx, s.limit, s.runUnit).Iter(parallel.Slice(units)) {
		if err != nil {
			return err
		}
		records = append(records, r)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	slices.SortFunc(records, func(a, b Record) int {
		return cmp.Or(cmp.Compare(a.Job, b.Job), cmp.Compare(a.Run, b.Run))
	})

	failed := 0
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if r.Error != nil {
			failed++
		}
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encoding record of %s: %w", r.Job, err)
		}
	}
	slog.InfoContext(ctx, "batch finished",
		"records", len(records),
		"failed", failed,
		"elapsed", time.Since(started).String())

	err := s.upload(ctx, buf.Bytes())
	if failed > 0 {
		err = errors.Join(err, fmt.Errorf("%d of %d: %w", failed, len(records), ErrJobsFailed))
	}
	return err
}

func (s *Service) runUnit(ctx context.Context, u unit) (Record, error) {
	r := Record{Job: u.job.Name, Run: u.run, Task: u.job.Task}
	ctx = log.ContextAttrs(ctx, slog.String("jobName", u.job.Name), slog.Int("run", u.run))
	v, err := s.runner.Run(ctx, u.job.Task, u.job.Params).Await(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return r, ctx.Err()
		}
		slog.WarnContext(ctx, "job failed", "error", err)
		r.Error = errorRecord(err)
		return r, nil
	}
	slog.DebugContext(ctx, "job finished", "worker", v.Worker, "duration", v.Duration)
	r.Worker = v.Worker
	r.DurationMS = float64(v.Duration) / float64(time.Millisecond)

	if st := v.Stream(); st != nil {
		r.Result, err = Drain(st)
	} else {
		err = v.Decode(&r.Result)
	}
	if err != nil {
		r.Error = errorRecord(fmt.Errorf("reading result: %w", err))
	}
	return r, nil
}

// Drain reads a whole stream, values of an object mode stream are collected
// into a slice, bytes into a string.
func Drain(st *pool.Stream) (any, error) {
	defer func() { _ = st.Close() }()
	if !st.ObjectMode() {
		b, err := io.ReadAll(st)
		return string(b), err
	}
	values := []any{}
	for {
		var v any
		err := st.Next(&v)
		if errors.Is(err, io.EOF) {
			return values, nil
		}
		if err != nil {
			return values, err
		}
		values = append(values, v)
	}
}

func errorRecord(err error) *ErrorRecord {
	var te *pool.TaskError
	if errors.As(err, &te) {
		return &ErrorRecord{Name: te.Name, Code: te.Code, Message: te.Message}
	}
	return &ErrorRecord{Message: err.Error()}
}

func (s *Service) upload(ctx context.Context, raw []byte) error {
	var errs []error
	for _, u := range s.uploaders {
		err := u.Upload(ctx, raw)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) closeUploaders(ctx context.Context) {
	for _, uploader := range s.uploaders {
		if closer, ok := uploader.(io.Closer); ok {
			err := closer.Close()
			if err != nil {
				slog.ErrorContext(ctx, "closing uploader have failed", "error", err)
			}
		}
	}
}

func newScheduler(ctx context.Context, sched *model.TimerSchedule, startFunc func()) (gocron.Scheduler, error) {
	def, err := sched.JobDefinition()
	if err != nil {
		return nil, err
	}
	if interval, err := sched.Interval(time.Now()); err == nil {
		slog.DebugContext(ctx, "timer schedule", "cron", sched.Cron, "duration", sched.Duration, "interval", interval.String())
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		def,
		gocron.NewTask(startFunc),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
