// Package codec holds the leaf adapters of the relay: frame
// compression codecs, the input event model with coordinate remapping,
// and the binary wire envelope for the data plane.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Quality is the codec quality level. The streaming pipeline lowers it
// under backpressure and restores it once the queue drains.
type Quality int

const (
	QualityLow Quality = iota
	QualityNormal
	QualityHigh
)

func (q Quality) String() string {
	switch q {
	case QualityLow:
		return "low"
	case QualityHigh:
		return "high"
	default:
		return "normal"
	}
}

// Lower returns the next lower quality level.
func (q Quality) Lower() Quality {
	if q > QualityLow {
		return q - 1
	}
	return QualityLow
}

// FrameCodec turns a captured frame into a compressed payload and back.
// Implementations must be safe for concurrent use.
type FrameCodec interface {
	Name() string
	Compress(raw []byte, quality Quality) ([]byte, error)
	Decompress(compressed []byte) ([]byte, error)
}

// ZstdCodec is the default frame codec. One encoder per quality level,
// created once and reused; EncodeAll/DecodeAll are concurrency-safe.
type ZstdCodec struct {
	encoders map[Quality]*zstd.Encoder
	decoder  *zstd.Decoder
}

// NewZstdCodec builds the default codec. Construction only fails on
// invalid encoder options, which would be a programming error.
func NewZstdCodec() (*ZstdCodec, error) {
	levels := map[Quality]zstd.EncoderLevel{
		QualityLow:    zstd.SpeedFastest,
		QualityNormal: zstd.SpeedDefault,
		QualityHigh:   zstd.SpeedBetterCompression,
	}
	encoders := make(map[Quality]*zstd.Encoder, len(levels))
	for q, level := range levels {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder (quality %s): %w", q, err)
		}
		encoders[q] = enc
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &ZstdCodec{encoders: encoders, decoder: dec}, nil
}

func (c *ZstdCodec) Name() string { return "zstd" }

func (c *ZstdCodec) Compress(raw []byte, quality Quality) ([]byte, error) {
	enc, ok := c.encoders[quality]
	if !ok {
		enc = c.encoders[QualityNormal]
	}
	return enc.EncodeAll(raw, nil), nil
}

func (c *ZstdCodec) Decompress(compressed []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

// LZ4Codec trades ratio for speed; useful on fast links where encode
// latency dominates.
type LZ4Codec struct{}

func NewLZ4Codec() *LZ4Codec { return &LZ4Codec{} }

func (c *LZ4Codec) Name() string { return "lz4" }

func (c *LZ4Codec) Compress(raw []byte, quality Quality) ([]byte, error) {
	var level lz4.CompressionLevel
	switch quality {
	case QualityLow:
		level = lz4.Fast
	case QualityHigh:
		level = lz4.Level6
	default:
		level = lz4.Level3
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if err := zw.Apply(lz4.CompressionLevelOption(level)); err != nil {
		return nil, fmt.Errorf("lz4 options: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("lz4 flush: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *LZ4Codec) Decompress(compressed []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(compressed))
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out, nil
}

// Registry maps codec names (as carried in frame messages) to codecs so
// the receiving side can pick the matching decompressor.
type Registry struct {
	codecs map[string]FrameCodec
}

// NewRegistry builds a registry with the built-in codecs.
func NewRegistry() (*Registry, error) {
	zc, err := NewZstdCodec()
	if err != nil {
		return nil, err
	}
	r := &Registry{codecs: make(map[string]FrameCodec)}
	r.Add(zc)
	r.Add(NewLZ4Codec())
	return r, nil
}

func (r *Registry) Add(c FrameCodec) { r.codecs[c.Name()] = c }

func (r *Registry) Get(name string) (FrameCodec, bool) {
	c, ok := r.codecs[name]
	return c, ok
}
