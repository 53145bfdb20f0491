package batch

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/s2"
)

// Algorithm identifies a batch compression algorithm. The values are the
// compression marker bytes written on the wire.
type Algorithm uint8

const (
	// Flate is raw DEFLATE without zlib framing.
	Flate Algorithm = 0
	// Snappy is the snappy block format.
	Snappy Algorithm = 1
	// None leaves the batch untouched.
	None Algorithm = 255
)

// maxDecompressed bounds the output of a single decompression.
const maxDecompressed = 64 << 20

// String returns the human-readable name of an algorithm.
func (a Algorithm) String() string {
	switch a {
	case Flate:
		return "flate"
	case Snappy:
		return "snappy"
	case None:
		return "none"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseAlgorithm parses an algorithm from its name. "deflate" is accepted as
// an alias of "flate".
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "flate", "deflate":
		return Flate, nil
	case "snappy":
		return Snappy, nil
	case "none", "":
		return None, nil
	default:
		return 0, fmt.Errorf("unknown compression algorithm: %q", name)
	}
}

// Compress compresses data with the given algorithm and level. The level is
// only meaningful for Flate.
func Compress(a Algorithm, level int, data []byte) ([]byte, error) {
	switch a {
	case None:
		return data, nil
	case Flate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("flate writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("flate compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("flate compress: %w", err)
		}
		return buf.Bytes(), nil
	case Snappy:
		return s2.EncodeSnappy(nil, data), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", a)
	}
}

// Decompress reverses Compress.
func Decompress(a Algorithm, data []byte) ([]byte, error) {
	switch a {
	case None:
		return data, nil
	case Flate:
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		out, err := io.ReadAll(io.LimitReader(r, maxDecompressed+1))
		if err != nil {
			return nil, fmt.Errorf("flate decompress: %w", err)
		}
		if len(out) > maxDecompressed {
			return nil, fmt.Errorf("flate decompress: output exceeds %d bytes", maxDecompressed)
		}
		return out, nil
	case Snappy:
		n, err := s2.DecodedLen(data)
		if err != nil {
			return nil, fmt.Errorf("snappy decompress: %w", err)
		}
		if n > maxDecompressed {
			return nil, fmt.Errorf("snappy decompress: output exceeds %d bytes", maxDecompressed)
		}
		out, err := s2.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("snappy decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", a)
	}
}
