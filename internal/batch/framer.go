// Package batch groups encoded packets into length-prefixed batches, applies
// whole-batch compression and splits received batches back into packets.
package batch

import (
	"encoding/binary"
	"fmt"

	"github.com/1ureka/bedrocklink/internal/protocol"
)

// DefaultThreshold is the batch size above which compression kicks in until
// the peer negotiates its own threshold.
const DefaultThreshold = 512

// DefaultLevel is the flate level used for outbound batches.
const DefaultLevel = 7

// Settings describe how batches are encoded and decoded.
type Settings struct {
	Algorithm Algorithm
	Threshold int
	Level     int

	// CompressionMarker is set once compression has been negotiated. From
	// then on every batch carries an explicit compression marker byte.
	CompressionMarker bool

	// BatchHeader is the transport batch marker, written only when
	// HasBatchHeader is set.
	BatchHeader    byte
	HasBatchHeader bool
}

// DefaultSettings returns the settings used before network settings are
// negotiated.
func DefaultSettings() Settings {
	return Settings{
		Algorithm: None,
		Threshold: DefaultThreshold,
		Level:     DefaultLevel,
	}
}

// Framer accumulates length-prefixed records for one outbound batch. It is
// not safe for concurrent use; the owning session serializes access.
type Framer struct {
	settings Settings
	records  [][]byte
	size     int
}

// NewFramer creates a framer with the given settings.
func NewFramer(s Settings) *Framer {
	return &Framer{settings: s}
}

// Settings returns the current settings.
func (f *Framer) Settings() Settings { return f.settings }

// Update replaces the settings. Pending records are kept.
func (f *Framer) Update(s Settings) { f.settings = s }

// AddPacket appends one encoded packet to the pending batch.
func (f *Framer) AddPacket(p []byte) {
	rec := make([]byte, 0, binary.MaxVarintLen64+len(p))
	rec = binary.AppendUvarint(rec, uint64(len(p)))
	rec = append(rec, p...)
	f.records = append(f.records, rec)
	f.size += len(rec)
}

// Len returns the number of pending packets.
func (f *Framer) Len() int { return len(f.records) }

// Buffer returns the concatenation of all pending records without any
// header or compression. Encryption consumes this form.
func (f *Framer) Buffer() []byte {
	buf := make([]byte, 0, f.size)
	for _, rec := range f.records {
		buf = append(buf, rec...)
	}
	return buf
}

// Encode renders the pending batch for the wire. The batch is not cleared;
// call Flush once the bytes have been handed off.
func (f *Framer) Encode() ([]byte, error) {
	buf := f.Buffer()
	compress := len(buf) > f.settings.Threshold && f.settings.Algorithm != None

	header := make([]byte, 0, 2)
	if f.settings.HasBatchHeader {
		header = append(header, f.settings.BatchHeader)
	}
	if f.settings.CompressionMarker {
		if compress {
			header = append(header, byte(f.settings.Algorithm))
		} else {
			header = append(header, byte(None))
		}
	}

	body := buf
	if compress {
		var err error
		body, err = Compress(f.settings.Algorithm, f.settings.Level, buf)
		if err != nil {
			return nil, fmt.Errorf("encode batch: %w", err)
		}
	}
	return append(header, body...), nil
}

// Flush discards the pending batch.
func (f *Framer) Flush() {
	f.records = nil
	f.size = 0
}

// WithHeader prefixes payload with the transport batch marker if one is
// configured.
func (f *Framer) WithHeader(payload []byte) []byte {
	if !f.settings.HasBatchHeader {
		return payload
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, f.settings.BatchHeader)
	return append(out, payload...)
}

// StripHeader checks and removes the transport batch marker.
func (f *Framer) StripHeader(buf []byte) ([]byte, error) {
	if !f.settings.HasBatchHeader {
		return buf, nil
	}
	if len(buf) == 0 {
		return nil, protocol.Errorf(protocol.KindFraming, "batch header", "empty batch")
	}
	if buf[0] != f.settings.BatchHeader {
		return nil, protocol.Errorf(protocol.KindFraming, "batch header",
			"bad batch packet header, received: %#02x, expected: %#02x", buf[0], f.settings.BatchHeader)
	}
	return buf[1:], nil
}

// Decode turns a received batch into its packets, in order.
func (f *Framer) Decode(buf []byte) ([][]byte, error) {
	payload, err := f.StripHeader(buf)
	if err != nil {
		return nil, err
	}

	var plain []byte
	if f.settings.CompressionMarker {
		if len(payload) == 0 {
			return nil, protocol.Errorf(protocol.KindFraming, "decode batch", "missing compression marker")
		}
		plain, err = Decompress(Algorithm(payload[0]), payload[1:])
		if err != nil {
			return nil, protocol.NewError(protocol.KindDecode, "decode batch", err)
		}
	} else {
		// Before negotiation the peer may or may not compress; fall back to
		// the raw bytes when decompression fails.
		plain, err = Decompress(f.settings.Algorithm, payload)
		if err != nil {
			plain = payload
		}
	}
	return Split(plain)
}

// Split reads varint length-prefixed records until buf is exhausted.
func Split(buf []byte) ([][]byte, error) {
	var packets [][]byte
	for off := 0; off < len(buf); {
		n, size := binary.Uvarint(buf[off:])
		if size <= 0 {
			return nil, protocol.Errorf(protocol.KindFraming, "split batch", "malformed length prefix at offset %d", off)
		}
		off += size
		if n > uint64(len(buf)-off) {
			return nil, protocol.Errorf(protocol.KindFraming, "split batch",
				"record of %d bytes at offset %d exceeds batch of %d bytes", n, off, len(buf))
		}
		packets = append(packets, buf[off:off+int(n)])
		off += int(n)
	}
	return packets, nil
}
