// Package codec provides the message serialization used on the pipes between
// the pool and its worker processes.
package codec

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"sort"
	"sync"
)

// Codec marshals values into self-delimiting messages.
// Encoders and decoders returned by a Codec must be able to carry an unbounded
// sequence of messages over a single byte stream.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder
}

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

const Default = "cbor"

var ErrUnknownCodec = errors.New("unknown codec")

var (
	registryMx sync.RWMutex
	registry   = map[string]Codec{}
)

func init() {
	Register(JSON())
	Register(CBOR())
}

// Register adds a codec, replacing any previous codec of the same name.
func Register(c Codec) {
	registryMx.Lock()
	defer registryMx.Unlock()
	registry[c.Name()] = c
}

// Get returns a codec by its name. Empty name returns the Default codec.
func Get(name string) (Codec, error) {
	if name == "" {
		name = Default
	}
	registryMx.RLock()
	defer registryMx.RUnlock()
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q: supported %v", ErrUnknownCodec, name, names())
	}
	return c, nil
}

func names() []string {
	ret := make([]string, 0, len(registry))
	for n := range registry {
		ret = append(ret, n)
	}
	sort.Strings(ret)
	return ret
}

// Messages decodes a sequence of T values from dec. The sequence stops
// silently on io.EOF; any other decode error is yielded once and ends the
// sequence, as the stream can't be resynchronized afterwards.
func Messages[T any](dec Decoder) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			var msg T
			err := dec.Decode(&msg)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}
