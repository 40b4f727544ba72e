// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

package realtime

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

// DefaultCompressionThreshold is the minimum payload size eligible for
// compression when none is configured.
const DefaultCompressionThreshold = 1024

// CompressionConfig holds configuration for payload compression.
type CompressionConfig struct {
	Enabled        bool `help:"compress realtime payloads before fan-out" default:"true"`
	ThresholdBytes int  `help:"minimum payload size in bytes eligible for compression" default:"1024"`
	Level          int  `help:"gzip compression level, clamped to [0,9]" default:"6"`
}

// Compressor applies size-gated gzip compression to outgoing payloads.
type Compressor struct {
	enabled   bool
	threshold int
	level     int
}

// NewCompressor creates a compressor, clamping the level to [0,9].
func NewCompressor(config CompressionConfig) *Compressor {
	level := config.Level
	if level < 0 {
		level = 0
	}
	if level > gzip.BestCompression {
		level = gzip.BestCompression
	}
	threshold := config.ThresholdBytes
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	return &Compressor{
		enabled:   config.Enabled,
		threshold: threshold,
		level:     level,
	}
}

// Compress returns the compressed payload and true when compression is
// enabled, the payload is at or above the threshold, and the compressed
// form is strictly smaller than the original. Otherwise it returns the
// original payload and false.
func (c *Compressor) Compress(payload []byte) ([]byte, bool) {
	if !c.enabled || len(payload) < c.threshold {
		return payload, false
	}

	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return payload, false
	}
	if _, err := writer.Write(payload); err != nil {
		return payload, false
	}
	if err := writer.Close(); err != nil {
		return payload, false
	}

	if buf.Len() >= len(payload) {
		mon.Counter("realtime_compression_skipped").Inc(1)
		return payload, false
	}
	mon.Counter("realtime_compression_applied").Inc(1)
	return buf.Bytes(), true
}

// Decompress reverses Compress for payloads it marked as compressed.
func Decompress(payload []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = reader.Close() }()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return out, nil
}
