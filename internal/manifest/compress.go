package manifest

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ruvector/rvf/internal/format"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// Compress encodes a segment payload according to the given flags.
// With no compression flag set the input is returned unchanged.
func Compress(flags uint16, payload []byte) ([]byte, error) {
	switch {
	case flags&format.SegFlagZstd != 0:
		return zstdEncoder.EncodeAll(payload, make([]byte, 0, len(payload)/2)), nil
	case flags&format.SegFlagLZ4 != 0:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return payload, nil
	}
}

// Decompress reverses Compress. The returned slice never aliases the
// input when a compression flag is set.
func Decompress(flags uint16, payload []byte) ([]byte, error) {
	switch {
	case flags&format.SegFlagZstd != 0:
		out, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	case flags&format.SegFlagLZ4 != 0:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out, nil
	default:
		return payload, nil
	}
}
