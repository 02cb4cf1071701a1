package pool

import (
	"errors"
	"io"
	"sync"

	"github.com/CZERTAINLY/manticore/internal/mux"
	"github.com/CZERTAINLY/manticore/internal/protocol/codec"
)

// Stream is a live result of a task. It is handed out before the worker
// opens the underlying transport stream, reads block until then.
//
// A Stream keeps its worker alive, it must be closed after use.
type Stream struct {
	id         string
	objectMode bool
	codec      codec.Codec

	bound chan struct{}
	ms    *mux.Stream
	err   error

	mx      sync.Mutex
	dec     codec.Decoder
	eof     bool
	closed  bool
	onClose func()
}

func newStream(id string, objectMode bool, c codec.Codec, onClose func()) *Stream {
	return &Stream{
		id:         id,
		objectMode: objectMode,
		codec:      c,
		bound:      make(chan struct{}),
		onClose:    onClose,
	}
}

func (s *Stream) ID() string {
	return s.id
}

// ObjectMode reports if the stream carries values rather than bytes.
func (s *Stream) ObjectMode() bool {
	return s.objectMode
}

// Read reads raw bytes of the stream.
func (s *Stream) Read(p []byte) (int, error) {
	<-s.bound
	if s.err != nil {
		return 0, s.err
	}
	n, err := s.ms.Read(p)
	if errors.Is(err, io.EOF) {
		s.markEOF()
	}
	return n, err
}

// Next decodes the next value of an object mode stream into v. It returns
// io.EOF at the end of the stream.
func (s *Stream) Next(v any) error {
	<-s.bound
	if s.err != nil {
		return s.err
	}
	s.mx.Lock()
	if s.dec == nil {
		s.dec = s.codec.NewDecoder(s.ms)
	}
	dec := s.dec
	s.mx.Unlock()

	err := dec.Decode(v)
	if errors.Is(err, io.EOF) {
		s.markEOF()
	}
	return err
}

// Close releases the stream. A stream not read to its end is destroyed.
func (s *Stream) Close() error {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return nil
	}
	s.closed = true
	eof := s.eof
	var ms *mux.Stream
	select {
	case <-s.bound:
		ms = s.ms
	default:
		// bind destroys it
	}
	s.mx.Unlock()

	var err error
	switch {
	case ms == nil:
	case eof:
		err = ms.Close()
	default:
		err = ms.Destroy(ErrStreamClosed)
	}
	if s.onClose != nil {
		s.onClose()
	}
	if errors.Is(err, mux.ErrSessionClosed) {
		err = nil
	}
	return err
}

func (s *Stream) markEOF() {
	s.mx.Lock()
	s.eof = true
	s.mx.Unlock()
}

// bind attaches the transport stream. Either bind or fail is called once.
func (s *Stream) bind(ms *mux.Stream) {
	s.mx.Lock()
	s.ms = ms
	close(s.bound)
	closed := s.closed
	s.mx.Unlock()
	if closed {
		_ = ms.Destroy(ErrStreamClosed)
	}
}

func (s *Stream) fail(err error) {
	s.mx.Lock()
	s.err = err
	close(s.bound)
	s.mx.Unlock()
}
