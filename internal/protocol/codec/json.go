package codec

import (
	"encoding/json"
	"io"
)

type jsonCodec struct{}

// JSON returns a newline delimited JSON codec.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string        { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) NewEncoder(w io.Writer) Encoder { return json.NewEncoder(w) }
func (jsonCodec) NewDecoder(r io.Reader) Decoder { return json.NewDecoder(r) }
