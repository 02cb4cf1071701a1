package pool

import (
	"errors"

	"github.com/CZERTAINLY/manticore/internal/protocol"
)

var (
	ErrInvalidConfig    = errors.New("invalid pool configuration")
	ErrClosed           = errors.New("pool closed")
	ErrAttemptsExceeded = errors.New("attempts exceeded")
	ErrWorkerDown       = errors.New("worker down")
	ErrTaskAborted      = errors.New("task aborted")
	ErrIdle             = errors.New("worker idle")
	ErrStreamResult     = errors.New("result is a stream")
	ErrStreamClosed     = errors.New("stream closed")
	ErrUnknownStream    = errors.New("unknown stream")
)

// TaskError is an error returned by a task running in a worker. Name is
// Error, AssertionError, PanicError, ConfigurationError or a custom name.
type TaskError = protocol.TaskError
