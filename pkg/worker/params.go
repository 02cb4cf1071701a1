package worker

import (
	"github.com/CZERTAINLY/manticore/internal/protocol/codec"
)

// Params are the encoded parameters of a job.
type Params struct {
	raw   []byte
	codec codec.Codec
}

// Decode unmarshals the parameters into v. Jobs without parameters leave v
// untouched.
func (p Params) Decode(v any) error {
	if len(p.raw) == 0 {
		return nil
	}
	return p.codec.Unmarshal(p.raw, v)
}

// Raw returns the parameters as encoded by the pool.
func (p Params) Raw() []byte {
	return p.raw
}

// NewParams encodes v with the default codec. It serves calling task
// functions directly, in tests for instance.
func NewParams(v any) (Params, error) {
	c, err := codec.Get(codec.Default)
	if err != nil {
		return Params{}, err
	}
	raw, err := c.Marshal(v)
	if err != nil {
		return Params{}, err
	}
	return Params{raw: raw, codec: c}, nil
}
