// Package protocol defines the messages exchanged between the pool and its
// worker processes.
//
// The pool sends a StartMessage for every job and the worker answers with
// exactly one ResultMessage carrying the same id. A result holds either a
// codec encoded value, a TaskError or the id of a return stream opened on the
// multiplexed transport.
package protocol

import (
	"strconv"
	"strings"
)

type Type string

const (
	TypeTaskRun    Type = "task_run"
	TypeTaskResult Type = "task_result"
	TypeTaskAbort  Type = "task_abort"
	TypeError      Type = "error"
)

const (
	// ControlStream is the reserved multiplexer stream carrying messages.
	ControlStream = "c"
	// ReturnStreamPrefix prefixes ids of the streams returned by tasks.
	ReturnStreamPrefix = "cr"
)

// ReturnStreamID returns the id of n-th return stream of a worker.
func ReturnStreamID(n uint64) string {
	return ReturnStreamPrefix + strconv.FormatUint(n, 10)
}

// IsReturnStream reports if id belongs to a return stream.
func IsReturnStream(id string) bool {
	return strings.HasPrefix(id, ReturnStreamPrefix) && len(id) > len(ReturnStreamPrefix)
}

type StartMessage struct {
	ID     string `json:"id"`
	Type   Type   `json:"type"`
	Task   string `json:"task"`
	Params []byte `json:"params,omitempty"`
}

type ResultMessage struct {
	ID     string     `json:"id"`
	Type   Type       `json:"type"`
	Worker string     `json:"worker,omitempty"`
	Error  *TaskError `json:"error,omitempty"`
	Result []byte     `json:"result,omitempty"`
	// Duration of the task measured by a worker in milliseconds.
	Duration   float64 `json:"duration"`
	Stream     string  `json:"stream,omitempty"`
	ObjectMode bool    `json:"objectMode,omitempty"`
}

// TaskError is the serialized form of an error returned by a task.
type TaskError struct {
	Name     string `json:"name"`
	Message  string `json:"message"`
	Stack    string `json:"stack,omitempty"`
	Code     string `json:"code,omitempty"`
	Actual   any    `json:"actual,omitempty"`
	Expected any    `json:"expected,omitempty"`
}

func (e *TaskError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}
