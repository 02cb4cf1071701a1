package worker

import (
	"errors"
	"sync"
)

var ErrStreamClosed = errors.New("stream closed")

// Stream is a live result of a task. Data written to it is forwarded to the
// pool as it arrives. In object mode every Send transfers one encoded value,
// otherwise the stream carries raw bytes.
//
// Writes never block, a Stream buffers everything not yet forwarded.
type Stream struct {
	objectMode bool

	mx     sync.Mutex
	cond   *sync.Cond
	items  []any
	closed bool
	err    error
	// set when the receiving side went away
	canceled error
}

// ReturnStream returns a new stream, which a task returns as its result.
func ReturnStream(objectMode bool) *Stream {
	s := &Stream{objectMode: objectMode}
	s.cond = sync.NewCond(&s.mx)
	return s
}

func (s *Stream) ObjectMode() bool {
	return s.objectMode
}

// Write queues a copy of p. In object mode p is sent as a single value.
func (s *Stream) Write(p []byte) (int, error) {
	b := append([]byte(nil), p...)
	if err := s.push(b); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Send queues a value. Streams not in object mode accept []byte and string
// values only.
func (s *Stream) Send(v any) error {
	if !s.objectMode {
		switch x := v.(type) {
		case []byte:
			_, err := s.Write(x)
			return err
		case string:
			return s.push([]byte(x))
		default:
			return errors.New("stream is not in object mode")
		}
	}
	return s.push(v)
}

// Close ends the stream successfully.
func (s *Stream) Close() error {
	return s.CloseWithError(nil)
}

// CloseWithError ends the stream, a non-nil err destroys it on the pool side.
func (s *Stream) CloseWithError(err error) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.closed = true
	s.err = err
	s.cond.Broadcast()
	return nil
}

func (s *Stream) push(v any) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.canceled != nil {
		return s.canceled
	}
	if s.closed {
		return ErrStreamClosed
	}
	s.items = append(s.items, v)
	s.cond.Broadcast()
	return nil
}

// next blocks until there are queued items or the stream is closed. It
// returns done=true with the close error once everything was consumed.
func (s *Stream) next() (items []any, done bool, err error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for len(s.items) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.items) > 0 {
		items, s.items = s.items, nil
		return items, false, nil
	}
	return nil, true, s.err
}

func (s *Stream) cancel(err error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.canceled == nil {
		s.canceled = err
	}
	s.items = nil
	s.closed = true
	s.cond.Broadcast()
}
