// Package mux multiplexes named byte streams over a single ordered duplex
// transport, a pair of pipes between the pool and a worker process.
//
// Every frame is
//
//	type(1) | uvarint(len(id)) | id | uvarint(len(payload)) | payload
//
// The control stream (id "c") exists implicitly on both sides. Other streams
// are announced with an open frame; data for an unknown id creates the stream
// as well. A stream is released once both sides have ended it, or when it is
// destroyed by either side.
package mux

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/CZERTAINLY/manticore/internal/protocol"
)

type frameType byte

const (
	frameOpen frameType = iota + 1
	frameData
	frameEnd
	frameDestroy
)

func (t frameType) String() string {
	switch t {
	case frameOpen:
		return "open"
	case frameData:
		return "data"
	case frameEnd:
		return "end"
	case frameDestroy:
		return "destroy"
	default:
		return fmt.Sprintf("frame(%d)", byte(t))
	}
}

const (
	ControlID = protocol.ControlStream

	maxChunk   = 64 << 10
	maxFrame   = 1 << 24
	maxIDLen   = 255
	readBuffer = 64 << 10
	// destroyed ids remembered to drop their late frames
	maxGone = 1024
)

var (
	ErrSessionClosed = errors.New("mux: session closed")
	ErrStreamClosed  = errors.New("mux: stream closed")
	ErrStreamExists  = errors.New("mux: stream already exists")
	ErrFrameTooLarge = errors.New("mux: frame too large")
	ErrDestroyed     = errors.New("mux: stream destroyed")
)

// Handler is called for every stream opened by the remote side. It runs on
// the session reader and must not block.
type Handler func(*Stream)

type Session struct {
	r       *bufio.Reader
	wmx     sync.Mutex
	w       *bufio.Writer
	handler Handler
	control *Stream

	mx      sync.Mutex
	streams map[string]*Stream
	gone    map[string]struct{} // destroyed ids, late frames are dropped
	goneIDs []string            // gone in order of destruction
	closed  bool
}

func NewSession(r io.Reader, w io.Writer, handler Handler) *Session {
	s := &Session{
		r:       bufio.NewReaderSize(r, readBuffer),
		w:       bufio.NewWriterSize(w, maxChunk+16),
		handler: handler,
		streams: make(map[string]*Stream),
		gone:    make(map[string]struct{}),
	}
	s.control = newStream(s, ControlID)
	s.streams[ControlID] = s.control
	return s
}

// Control returns the reserved control stream.
func (s *Session) Control() *Stream {
	return s.control
}

// Open announces a new stream to the remote side.
func (s *Session) Open(id string) (*Stream, error) {
	if id == "" || len(id) > maxIDLen {
		return nil, fmt.Errorf("mux: invalid stream id %q", id)
	}
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return nil, ErrSessionClosed
	}
	if _, ok := s.streams[id]; ok {
		s.mx.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStreamExists, id)
	}
	st := newStream(s, id)
	s.streams[id] = st
	s.mx.Unlock()

	if err := s.writeFrame(frameOpen, id, nil); err != nil {
		st.fail(err)
		return nil, err
	}
	return st, nil
}

// Run reads frames until the transport ends or a protocol error occurs. A
// canceled ctx closes the session, Run itself returns once the transport is
// closed by its owner. All streams are destroyed once Run returns. A clean end
// of the transport returns nil.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	err := s.readLoop()
	s.closeWith(ErrSessionClosed)
	if errors.Is(err, io.EOF) || errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

// Close destroys all streams. It does not close the underlying transport.
func (s *Session) Close() {
	s.closeWith(ErrSessionClosed)
}

func (s *Session) closeWith(err error) {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return
	}
	s.closed = true
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	clear(s.streams)
	s.mx.Unlock()

	for _, st := range streams {
		st.fail(err)
	}
}

func (s *Session) isClosed() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.closed
}

func (s *Session) readLoop() error {
	for {
		if s.isClosed() {
			return ErrSessionClosed
		}
		typ, id, payload, err := s.readFrame()
		if err != nil {
			return err
		}
		switch typ {
		case frameOpen:
			s.lookup(id, true)
		case frameData:
			if st := s.lookup(id, true); st != nil {
				st.push(payload)
			}
		case frameEnd:
			if st := s.lookup(id, false); st != nil {
				st.remoteEnd()
			} else {
				s.forget(id)
			}
		case frameDestroy:
			st := s.lookup(id, false)
			if st == nil {
				s.forget(id)
			} else {
				var err error = ErrDestroyed
				if len(payload) > 0 {
					err = fmt.Errorf("%w: %s", ErrDestroyed, payload)
				}
				st.fail(err)
			}
		default:
			return fmt.Errorf("mux: unknown %s on stream %q", typ, id)
		}
	}
}

// lookup returns a stream by id, create registers streams unknown so far and
// calls the handler for them.
func (s *Session) lookup(id string, create bool) *Stream {
	s.mx.Lock()
	if st, ok := s.streams[id]; ok {
		s.mx.Unlock()
		return st
	}
	if _, ok := s.gone[id]; ok || !create || s.closed {
		s.mx.Unlock()
		return nil
	}
	st := newStream(s, id)
	s.streams[id] = st
	s.mx.Unlock()

	if s.handler != nil {
		s.handler(st)
	} else {
		slog.Debug("mux: stream opened by remote side", "stream", id)
	}
	return st
}

func (s *Session) release(id string, destroyed bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	delete(s.streams, id)
	if _, ok := s.gone[id]; !destroyed || ok {
		return
	}
	s.gone[id] = struct{}{}
	s.goneIDs = append(s.goneIDs, id)
	if len(s.goneIDs) > maxGone {
		delete(s.gone, s.goneIDs[0])
		s.goneIDs = s.goneIDs[1:]
	}
}

// forget drops a destroyed id once the remote side ended it, no frame for it
// follows.
func (s *Session) forget(id string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	delete(s.gone, id)
}

func (s *Session) readFrame() (frameType, string, []byte, error) {
	b, err := s.r.ReadByte()
	if err != nil {
		return 0, "", nil, err
	}
	idLen, err := binary.ReadUvarint(s.r)
	if err != nil {
		return 0, "", nil, unexpected(err)
	}
	if idLen == 0 || idLen > maxIDLen {
		return 0, "", nil, fmt.Errorf("mux: invalid stream id length %d", idLen)
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(s.r, id); err != nil {
		return 0, "", nil, unexpected(err)
	}
	n, err := binary.ReadUvarint(s.r)
	if err != nil {
		return 0, "", nil, unexpected(err)
	}
	if n > maxFrame {
		return 0, "", nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, n)
	}
	var payload []byte
	if n > 0 {
		payload = make([]byte, n)
		if _, err := io.ReadFull(s.r, payload); err != nil {
			return 0, "", nil, unexpected(err)
		}
	}
	return frameType(b), string(id), payload, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (s *Session) writeFrame(typ frameType, id string, payload []byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.wmx.Lock()
	defer s.wmx.Unlock()

	var hdr [1 + 2*binary.MaxVarintLen64]byte
	hdr[0] = byte(typ)
	n := 1 + binary.PutUvarint(hdr[1:], uint64(len(id)))
	if _, err := s.w.Write(hdr[:n]); err != nil {
		return err
	}
	if _, err := s.w.WriteString(id); err != nil {
		return err
	}
	n = binary.PutUvarint(hdr[:], uint64(len(payload)))
	if _, err := s.w.Write(hdr[:n]); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	return s.w.Flush()
}

// Stream is a logical duplex byte stream. Received data is buffered without
// a limit, so a slow reader never stalls the session.
type Stream struct {
	id string
	s  *Session

	mx          sync.Mutex
	cond        *sync.Cond
	buf         bytes.Buffer
	remoteEnded bool
	localEnded  bool
	err         error
}

func newStream(s *Session, id string) *Stream {
	st := &Stream{id: id, s: s}
	st.cond = sync.NewCond(&st.mx)
	return st
}

func (st *Stream) ID() string {
	return st.id
}

// Read blocks until data is available. It returns io.EOF once the remote side
// ended the stream and all data was consumed, or the error it was destroyed
// with.
func (st *Stream) Read(p []byte) (int, error) {
	st.mx.Lock()
	defer st.mx.Unlock()
	for st.buf.Len() == 0 && !st.remoteEnded && st.err == nil {
		st.cond.Wait()
	}
	if st.err != nil {
		return 0, st.err
	}
	if st.buf.Len() == 0 {
		return 0, io.EOF
	}
	return st.buf.Read(p)
}

func (st *Stream) Write(p []byte) (int, error) {
	st.mx.Lock()
	err := st.err
	if err == nil && st.localEnded {
		err = ErrStreamClosed
	}
	st.mx.Unlock()
	if err != nil {
		return 0, err
	}

	var n int
	for len(p) > 0 {
		chunk := p[:min(len(p), maxChunk)]
		if err := st.s.writeFrame(frameData, st.id, chunk); err != nil {
			return n, err
		}
		n += len(chunk)
		p = p[len(chunk):]
	}
	return n, nil
}

// Close ends the local side of the stream. The remote side reads io.EOF
// after the data written so far.
func (st *Stream) Close() error {
	st.mx.Lock()
	if st.localEnded || st.err != nil {
		st.mx.Unlock()
		return nil
	}
	st.localEnded = true
	release := st.remoteEnded
	st.mx.Unlock()

	err := st.s.writeFrame(frameEnd, st.id, nil)
	if release {
		st.s.release(st.id, false)
	}
	return err
}

// Destroy aborts the stream on both sides. Pending reads return err, or
// ErrDestroyed if err is nil.
func (st *Stream) Destroy(err error) error {
	st.mx.Lock()
	if st.err != nil || (st.localEnded && st.remoteEnded) {
		st.mx.Unlock()
		return nil
	}
	st.mx.Unlock()

	var payload []byte
	if err != nil {
		payload = []byte(err.Error())
	} else {
		err = ErrDestroyed
	}
	werr := st.s.writeFrame(frameDestroy, st.id, payload)
	st.fail(err)
	return werr
}

func (st *Stream) fail(err error) {
	st.mx.Lock()
	if st.err == nil {
		st.err = err
	}
	st.cond.Broadcast()
	st.mx.Unlock()
	if st.id != ControlID {
		st.s.release(st.id, true)
	}
}

func (st *Stream) push(p []byte) {
	st.mx.Lock()
	defer st.mx.Unlock()
	if st.err != nil || st.remoteEnded {
		return
	}
	st.buf.Write(p)
	st.cond.Broadcast()
}

func (st *Stream) remoteEnd() {
	st.mx.Lock()
	st.remoteEnded = true
	release := st.localEnded
	st.cond.Broadcast()
	st.mx.Unlock()
	if release {
		st.s.release(st.id, false)
	}
}
