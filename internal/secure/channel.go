// Package secure implements the encrypted frame pipeline used once the key
// exchange has completed.
//
// Frames are encrypted with AES-256 in GCM counter mode used as a continuous
// keystream over the lifetime of the session. GCM tags are not used; each
// frame instead carries an 8-byte truncated SHA-256 checksum bound to a
// per-direction frame counter, so frames must be decrypted in the order they
// were encrypted.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/1ureka/bedrocklink/internal/batch"
	"github.com/1ureka/bedrocklink/internal/protocol"
)

const (
	// KeySize is the symmetric key length.
	KeySize = 32
	// NonceSize is the GCM nonce length taken from the IV.
	NonceSize = 12
	// ChecksumSize is the length of the per-frame checksum.
	ChecksumSize = 8

	markerCompressed = byte(batch.Flate)
	markerRaw        = byte(batch.None)
)

// Channel holds both directions of an encrypted session. It is not safe for
// concurrent use; the owning session serializes access.
type Channel struct {
	key   []byte
	level int

	enc cipher.Stream
	dec cipher.Stream

	sendCounter uint64
	recvCounter uint64
}

// NewChannel builds the encrypt and decrypt pipelines from the derived key
// and IV. Only the first NonceSize bytes of iv are used.
func NewChannel(key, iv []byte, level int) (*Channel, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("secure channel: key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) < NonceSize {
		return nil, fmt.Errorf("secure channel: iv must be at least %d bytes, got %d", NonceSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secure channel: %w", err)
	}

	// GCM with a 96-bit nonce encrypts payload starting at counter block 2.
	ctr := make([]byte, aes.BlockSize)
	copy(ctr, iv[:NonceSize])
	binary.BigEndian.PutUint32(ctr[NonceSize:], 2)

	return &Channel{
		key:   append([]byte(nil), key...),
		level: level,
		enc:   cipher.NewCTR(block, ctr),
		dec:   cipher.NewCTR(block, ctr),
	}, nil
}

// SendCounter returns the number of frames encrypted so far.
func (c *Channel) SendCounter() uint64 { return c.sendCounter }

// ReceiveCounter returns the number of frames decrypted so far.
func (c *Channel) ReceiveCounter() uint64 { return c.recvCounter }

// Encrypt compresses, checksums and encrypts one raw batch.
func (c *Channel) Encrypt(raw []byte) ([]byte, error) {
	compressed, err := batch.Compress(batch.Flate, c.level, raw)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}

	plain := make([]byte, 0, 1+len(compressed)+ChecksumSize)
	plain = append(plain, markerCompressed)
	plain = append(plain, compressed...)
	plain = append(plain, checksum(c.sendCounter, plain, c.key)...)
	c.sendCounter++

	out := make([]byte, len(plain))
	c.enc.XORKeyStream(out, plain)
	return out, nil
}

// Decrypt decrypts and verifies one frame and returns the raw batch. A
// checksum mismatch is an integrity error; the stream is unusable afterwards.
func (c *Channel) Decrypt(frame []byte) ([]byte, error) {
	plain := make([]byte, len(frame))
	c.dec.XORKeyStream(plain, frame)

	counter := c.recvCounter
	c.recvCounter++

	if len(plain) < 1+ChecksumSize {
		return nil, protocol.Errorf(protocol.KindIntegrity, "decrypt",
			"frame of %d bytes is shorter than marker and checksum", len(plain))
	}
	body := plain[:len(plain)-ChecksumSize]
	got := plain[len(plain)-ChecksumSize:]
	want := checksum(counter, body, c.key)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return nil, protocol.Errorf(protocol.KindIntegrity, "decrypt",
			"checksum mismatch %x != %x at counter %d", got, want, counter)
	}

	var (
		out []byte
		err error
	)
	switch body[0] {
	case markerCompressed:
		out, err = batch.Decompress(batch.Flate, body[1:])
	case markerRaw:
		out = body[1:]
	default:
		// Peers without a marker send the whole body deflated.
		out, err = batch.Decompress(batch.Flate, body)
	}
	if err != nil {
		return nil, protocol.NewError(protocol.KindDecode, "decrypt", err)
	}
	return out, nil
}

// checksum is SHA-256(counter LE64 ‖ data ‖ key) truncated to 8 bytes.
func checksum(counter uint64, data, key []byte) []byte {
	var ctr [8]byte
	binary.LittleEndian.PutUint64(ctr[:], counter)

	h := sha256.New()
	h.Write(ctr[:])
	h.Write(data)
	h.Write(key)
	return h.Sum(nil)[:ChecksumSize]
}
