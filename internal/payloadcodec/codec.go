// Package payloadcodec implements optional per-segment payload
// compression (SPEC_FULL.md §4.8 DOMAIN STACK). A secondary-log segment
// may be written with a leading compression-type byte, mirroring the
// block-compression-type-byte idiom this is adapted from. This is a
// storage-layer byte transform only: the engine compresses/decompresses
// the payload as an opaque byte string and never branches on its
// contents, so it does not violate the "no object content interpretation"
// non-goal.
package payloadcodec

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies the compression algorithm applied to a segment.
type Type uint8

const (
	// NoCompression is the default — required for spec.md's byte-for-byte
	// S1-S4 test scenarios, which assume uncompressed payload bytes.
	NoCompression Type = 0x0
	SnappyType    Type = 0x1
	LZ4Type       Type = 0x2
	ZstdType      Type = 0x3
)

func (t Type) String() string {
	switch t {
	case NoCompression:
		return "none"
	case SnappyType:
		return "snappy"
	case LZ4Type:
		return "lz4"
	case ZstdType:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// Compress encodes data with the algorithm named by t.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil
	case SnappyType:
		return snappy.Encode(nil, data), nil
	case LZ4Type:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		var ht [1 << 16]int
		n, err := lz4.CompressBlock(data, dst, ht[:])
		if err != nil {
			return nil, fmt.Errorf("payloadcodec: lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible: lz4.CompressBlock reports this by returning 0.
			return nil, fmt.Errorf("payloadcodec: lz4 block incompressible")
		}
		return dst[:n], nil
	case ZstdType:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("payloadcodec: zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("payloadcodec: unsupported type %s", t)
	}
}

// Decompress decodes data that was produced by Compress with the same t.
// originalSize, when known (always true here — the header's Length field
// carries it), lets the LZ4 path avoid a guess-and-grow buffer loop.
func Decompress(t Type, data []byte, originalSize int) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil
	case SnappyType:
		return snappy.Decode(nil, data)
	case LZ4Type:
		dst := make([]byte, originalSize)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("payloadcodec: lz4 decompress: %w", err)
		}
		return dst[:n], nil
	case ZstdType:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("payloadcodec: zstd decoder: %w", err)
		}
		defer dec.Close()
		return dec.DecodeAll(data, make([]byte, 0, originalSize))
	default:
		return nil, fmt.Errorf("payloadcodec: unsupported type %s", t)
	}
}
