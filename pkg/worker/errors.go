package worker

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/CZERTAINLY/manticore/internal/protocol"
)

const (
	nameError              = "Error"
	nameAssertion          = "AssertionError"
	namePanic              = "PanicError"
	nameConfiguration      = "ConfigurationError"
	msgStreamsDisabled     = "enable stream support in pool options to return a stream"
	msgUnserializableValue = "task result can't be encoded"
)

// AssertionError reports a value which does not match the expectation.
type AssertionError struct {
	Message  string
	Actual   any
	Expected any
}

func (e *AssertionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%v != %v", e.Actual, e.Expected)
}

// PanicError is reported for a task which panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

type namedError struct {
	name    string
	code    string
	message string
}

func (e *namedError) Error() string { return e.message }
func (e *namedError) Name() string  { return e.name }
func (e *namedError) Code() string  { return e.code }

// NewError returns an error reported to the pool with the given name and code.
func NewError(name, code, message string) error {
	return &namedError{name: name, code: code, message: message}
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

// taskError converts an error into its wire form. Errors can customize the
// name and code by implementing Name() string and Code() string.
func taskError(err error) *protocol.TaskError {
	te := &protocol.TaskError{
		Name:    nameError,
		Message: err.Error(),
	}

	var assertion *AssertionError
	var panicked *PanicError
	switch {
	case errors.As(err, &assertion):
		te.Name = nameAssertion
		te.Actual = assertion.Actual
		te.Expected = assertion.Expected
	case errors.As(err, &panicked):
		te.Name = namePanic
		te.Stack = string(panicked.Stack)
	}

	var named interface{ Name() string }
	if errors.As(err, &named) && named.Name() != "" {
		te.Name = named.Name()
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		te.Code = coded.Code()
	}
	return te
}
