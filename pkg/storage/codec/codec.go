// Package codec implements the serialization layer storage is built on
// (spec.md §4.2): a compact-binary codec, a self-describing-text codec,
// and an optional compression wrapper around either, plus the
// codec-mismatch migration pass a collection runs when its stamped
// header doesn't match the codec it was opened with.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Name identifies a codec for the per-collection header record stamp
// (§4.2 "Codec identity is stamped in a per-collection header record").
type Name string

const (
	CompactBinary     Name = "compact-binary"
	SelfDescribingText Name = "self-describing-text"
)

// Codec encodes/decodes arbitrary values to/from bytes.
type Codec interface {
	Name() Name
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// msgpackCodec is the "compact-binary" codec.
type msgpackCodec struct{}

func (msgpackCodec) Name() Name { return CompactBinary }

func (msgpackCodec) Encode(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: msgpack encode: %w", err)
	}
	return b, nil
}

func (msgpackCodec) Decode(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: msgpack decode: %w", err)
	}
	return nil
}

// jsonCodec is the "self-describing-text" codec.
type jsonCodec struct{}

func (jsonCodec) Name() Name { return SelfDescribingText }

func (jsonCodec) Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: json encode: %w", err)
	}
	return b, nil
}

func (jsonCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: json decode: %w", err)
	}
	return nil
}

var (
	MsgPack Codec = msgpackCodec{}
	JSON    Codec = jsonCodec{}
)

// Compressed wraps a Codec with zstd compression (§4.2 "Optional
// compression MAY wrap the codec; compression choice is opaque to
// storage"): the wrapped Codec's Name is preserved since compression is
// not part of the stamped codec identity.
type Compressed struct {
	Inner   Codec
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewCompressed(inner Codec) (*Compressed, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("codec: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("codec: new zstd decoder: %w", err)
	}
	return &Compressed{Inner: inner, encoder: enc, decoder: dec}, nil
}

func (c *Compressed) Name() Name { return c.Inner.Name() }

func (c *Compressed) Encode(v any) ([]byte, error) {
	raw, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(raw, nil), nil
}

func (c *Compressed) Decode(data []byte, v any) error {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("codec: zstd decode: %w", err)
	}
	return c.Inner.Decode(raw, v)
}

// Header is the per-collection record stamping which codec wrote the
// data currently on disk.
type Header struct {
	Codec Name `json:"codec"`
}

// HeaderKey is a fixed storage key for a single Header record.
// pkg/collection does not use it: each collection stamps its own Header
// under "c/<collection>/header".
const HeaderKey = "__codec_header__"

// NeedsMigration reports whether data last written under `stored` must be
// rewritten before `desired` may safely mutate it (§4.2: "a mismatch
// triggers a conservative migration pass (read-using-old, write-using-new)
// before any mutation is accepted").
func NeedsMigration(stored, desired Name) bool {
	return stored != "" && stored != desired
}

// For selects the codec implementation for a Name, with compression
// applied if wantCompression is set.
func For(name Name, wantCompression bool) (Codec, error) {
	var base Codec
	switch name {
	case CompactBinary:
		base = MsgPack
	case SelfDescribingText:
		base = JSON
	default:
		return nil, fmt.Errorf("codec: unknown codec name %q", name)
	}
	if !wantCompression {
		return base, nil
	}
	return NewCompressed(base)
}
