package worker

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the compression applied to a file's encoded-fields
// payloads. Every file records its codec in the catalog; compaction
// re-encodes payloads while merging so higher levels converge on the
// configured output codec.
type Codec string

const (
	CodecNone   Codec = "none"
	CodecSnappy Codec = "snappy"
	CodecZstd   Codec = "zstd"
	CodecLz4    Codec = "lz4"
	CodecGzip   Codec = "gzip"
)

// ParseCodec validates a codec name from configuration or a catalog row.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(s); c {
	case CodecNone, CodecSnappy, CodecZstd, CodecLz4, CodecGzip:
		return c, nil
	default:
		return "", fmt.Errorf("unknown codec %q", s)
	}
}

// Shared zstd coder pair. EncodeAll/DecodeAll on shared instances is the
// concurrency-safe usage and avoids rebuilding dictionaries per payload.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Encode compresses a fields payload.
func (c Codec) Encode(payload []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return payload, nil
	case CodecSnappy:
		return snappy.Encode(nil, payload), nil
	case CodecZstd:
		return zstdEncoder.EncodeAll(payload, nil), nil
	case CodecLz4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("lz4 encode: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 encode: %w", err)
		}
		return buf.Bytes(), nil
	case CodecGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("gzip encode: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip encode: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", c)
	}
}

// Decode decompresses a fields payload. Corrupt payloads surface as
// ErrDataIntegrity so the job fails fatally instead of being retried.
func (c Codec) Decode(payload []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return payload, nil
	case CodecSnappy:
		out, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy decode: %v", ErrDataIntegrity, err)
		}
		return out, nil
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd decode: %v", ErrDataIntegrity, err)
		}
		return out, nil
	case CodecLz4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
		if err != nil {
			return nil, fmt.Errorf("%w: lz4 decode: %v", ErrDataIntegrity, err)
		}
		return out, nil
	case CodecGzip:
		r, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip decode: %v", ErrDataIntegrity, err)
		}
		out, err := io.ReadAll(r)
		if closeErr := r.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return nil, fmt.Errorf("%w: gzip decode: %v", ErrDataIntegrity, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %q", ErrDataIntegrity, c)
	}
}

// Recode converts a payload between codecs. Payloads already in the target
// codec pass through untouched.
func Recode(payload []byte, from, to Codec) ([]byte, error) {
	if from == to {
		return payload, nil
	}
	raw, err := from.Decode(payload)
	if err != nil {
		return nil, err
	}
	return to.Encode(raw)
}

// parquetCompression maps the codec to the page compression for output
// files, so the Parquet encoding matches the payload codec choice.
func (c Codec) parquetCompression() compress.Codec {
	switch c {
	case CodecSnappy:
		return &parquet.Snappy
	case CodecZstd:
		return &parquet.Zstd
	case CodecLz4:
		return &parquet.Lz4Raw
	case CodecGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}
