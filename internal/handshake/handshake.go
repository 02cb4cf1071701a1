// Package handshake implements the readiness exchange between the pool and
// a freshly spawned worker process.
//
// The pool writes a probe to the worker's stdin. The worker answers on its
// readiness pipe once its transport is set up. Both messages are
// size-delimited protobuf Struct values, so they do not depend on the codec
// negotiated by the probe itself.
package handshake

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	typeProbe = "probe"
	typeReady = "worker_ready"

	maxSize = 64 << 10
)

var (
	ErrUnexpectedMessage = errors.New("unexpected handshake message")
	ErrTokenMismatch     = errors.New("handshake token mismatch")
)

// Probe is sent by the pool to a spawned worker.
type Probe struct {
	Token   string
	Streams bool
	Codec   string
}

// Ready is the answer of a worker.
type Ready struct {
	Token  string
	Worker string
}

func WriteProbe(w io.Writer, p Probe) error {
	return write(w, map[string]any{
		"type":    typeProbe,
		"token":   p.Token,
		"streams": p.Streams,
		"codec":   p.Codec,
	})
}

func ReadProbe(r io.Reader) (Probe, error) {
	s, err := read(r, typeProbe)
	if err != nil {
		return Probe{}, err
	}
	return Probe{
		Token:   s.Fields["token"].GetStringValue(),
		Streams: s.Fields["streams"].GetBoolValue(),
		Codec:   s.Fields["codec"].GetStringValue(),
	}, nil
}

func WriteReady(w io.Writer, r Ready) error {
	return write(w, map[string]any{
		"type":   typeReady,
		"token":  r.Token,
		"worker": r.Worker,
	})
}

// ReadReady reads the readiness signal and verifies it echoes the token.
func ReadReady(r io.Reader, token string) (Ready, error) {
	s, err := read(r, typeReady)
	if err != nil {
		return Ready{}, err
	}
	ready := Ready{
		Token:  s.Fields["token"].GetStringValue(),
		Worker: s.Fields["worker"].GetStringValue(),
	}
	if ready.Token != token {
		return ready, fmt.Errorf("%w: got %q", ErrTokenMismatch, ready.Token)
	}
	return ready, nil
}

func write(w io.Writer, m map[string]any) error {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return fmt.Errorf("encoding handshake: %w", err)
	}
	_, err = protodelim.MarshalTo(w, s)
	if err != nil {
		return fmt.Errorf("writing handshake: %w", err)
	}
	return nil
}

func read(r io.Reader, typ string) (*structpb.Struct, error) {
	br, ok := r.(protodelim.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	var s structpb.Struct
	err := protodelim.UnmarshalOptions{MaxSize: maxSize}.UnmarshalFrom(br, &s)
	if err != nil {
		return nil, fmt.Errorf("reading handshake: %w", err)
	}
	if got := s.Fields["type"].GetStringValue(); got != typ {
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrUnexpectedMessage, typ, got)
	}
	return &s, nil
}
