package discovery

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// checksumSize is the length of the HMAC-SHA256 prefix. Anything shorter
// cannot be a discovery datagram.
const checksumSize = sha256.Size

// appID seeds the shared LAN discovery key.
const appID = 0xdeadbeef

var (
	errShort    = errors.New("datagram too short")
	errChecksum = errors.New("checksum mismatch")
)

var key = func() [sha256.Size]byte {
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], appID)
	return sha256.Sum256(seed[:])
}()

var block = func() cipher.Block {
	b, err := aes.NewCipher(key[:])
	if err != nil {
		panic(fmt.Sprintf("discovery: aes: %v", err))
	}
	return b
}()

func checksum(plain []byte) []byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write(plain)
	return mac.Sum(nil)
}

// seal returns checksum(plain) followed by the ECB-encrypted, PKCS#7 padded
// plaintext.
func seal(plain []byte) []byte {
	bs := block.BlockSize()
	pad := bs - len(plain)%bs
	padded := make([]byte, len(plain)+pad)
	copy(padded, plain)
	for i := len(plain); i < len(padded); i++ {
		padded[i] = byte(pad)
	}

	out := make([]byte, checksumSize, checksumSize+len(padded))
	copy(out, checksum(plain))
	enc := make([]byte, len(padded))
	for i := 0; i < len(padded); i += bs {
		block.Encrypt(enc[i:i+bs], padded[i:i+bs])
	}
	return append(out, enc...)
}

// open reverses seal and verifies the checksum.
func open(datagram []byte) ([]byte, error) {
	if len(datagram) < checksumSize {
		return nil, errShort
	}
	sum, body := datagram[:checksumSize], datagram[checksumSize:]
	bs := block.BlockSize()
	if len(body) == 0 || len(body)%bs != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a positive multiple of %d", len(body), bs)
	}

	plain := make([]byte, len(body))
	for i := 0; i < len(body); i += bs {
		block.Decrypt(plain[i:i+bs], body[i:i+bs])
	}

	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > bs || !bytes.Equal(plain[len(plain)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return nil, errChecksum
	}
	plain = plain[:len(plain)-pad]

	if !hmac.Equal(sum, checksum(plain)) {
		return nil, errChecksum
	}
	return plain, nil
}
