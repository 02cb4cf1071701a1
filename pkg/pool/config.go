package pool

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/CZERTAINLY/manticore/internal/protocol/codec"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultParalel     = 1
	DefaultAttempts    = 3
	DefaultIdleTimeout = 500 * time.Millisecond
)

// Command describes how to start a worker process. Env is appended to the
// environment of the current process.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

type Config struct {
	// Worker is the command serving tasks through worker.Serve.
	Worker Command
	// Concurrent is the maximum number of worker processes,
	// runtime.NumCPU() by default.
	Concurrent int
	// Paralel is the maximum number of jobs running in one worker at a time.
	Paralel int
	// Attempts is the number of times a job is tried before it fails.
	Attempts int
	// IdleTimeout kills workers without any work. Negative value disables it.
	IdleTimeout time.Duration
	// Streams enables tasks returning a stream.
	Streams bool
	// Codec names the message codec, cbor or json.
	Codec string

	// Log receives status messages at debug level.
	Log *slog.Logger
	// Emit makes the pool call OnStatus. OnStatus must not block and must not
	// call the Pool.
	Emit     bool
	OnStatus func(Status)

	// Metrics registers pool collectors when set.
	Metrics prometheus.Registerer

	// Stdout and Stderr of the workers. Stdout is discarded when nil, stderr
	// lines are logged.
	Stdout io.Writer
	Stderr io.Writer
}

func (c Config) withDefaults() (Config, error) {
	if c.Worker.Path == "" {
		return c, fmt.Errorf("%w: worker path is empty", ErrInvalidConfig)
	}
	if c.Concurrent == 0 {
		c.Concurrent = runtime.NumCPU()
	}
	if c.Paralel == 0 {
		c.Paralel = DefaultParalel
	}
	if c.Attempts == 0 {
		c.Attempts = DefaultAttempts
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Codec == "" {
		c.Codec = codec.Default
	}

	switch {
	case c.Concurrent < 1:
		return c, fmt.Errorf("%w: concurrent must be positive, got %d", ErrInvalidConfig, c.Concurrent)
	case c.Paralel < 1:
		return c, fmt.Errorf("%w: paralel must be positive, got %d", ErrInvalidConfig, c.Paralel)
	case c.Attempts < 1:
		return c, fmt.Errorf("%w: attempts must be positive, got %d", ErrInvalidConfig, c.Attempts)
	}
	if _, err := codec.Get(c.Codec); err != nil {
		return c, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return c, nil
}
