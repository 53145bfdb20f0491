// Package discovery finds peers on the local network by UDP broadcast and
// carries signals to them directly, without a signaling service.
//
// Every datagram is checksum(plaintext) ‖ encrypt(plaintext) where the
// plaintext is
//
//	length(2) ‖ packet ID(2) ‖ sender ID(8) ‖ reserved(8) ‖ body
//
// with all integers little-endian and length covering the whole plaintext.
package discovery

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
)

// PacketID identifies a discovery packet type.
type PacketID uint16

const (
	IDRequest  PacketID = 0
	IDResponse PacketID = 1
	IDMessage  PacketID = 2
)

func (id PacketID) String() string {
	switch id {
	case IDRequest:
		return "discovery_request"
	case IDResponse:
		return "discovery_response"
	case IDMessage:
		return "discovery_message"
	default:
		return fmt.Sprintf("discovery_unknown(%d)", uint16(id))
	}
}

const (
	headerSize   = 2 + 2 + 8 + 8
	reservedSize = 8
	// maxStringSize bounds length-prefixed fields in received packets.
	maxStringSize = 1 << 16
	// MaxMessageSize is the longest MessagePacket data whose plaintext
	// length still fits the 16-bit length field.
	MaxMessageSize = 0xffff - headerSize - 8 - 4
)

// Packet is one of RequestPacket, ResponsePacket or MessagePacket.
type Packet interface {
	ID() PacketID
	write(buf *bytes.Buffer)
	read(r *bytes.Reader) error
}

// RequestPacket is broadcast periodically to solicit responses.
type RequestPacket struct{}

// ResponsePacket answers a request. ApplicationData describes the server
// and travels hex-encoded.
type ResponsePacket struct {
	ApplicationData []byte
}

// MessagePacket carries a signal line to one peer.
type MessagePacket struct {
	RecipientID uint64
	Data        string
}

func (*RequestPacket) ID() PacketID  { return IDRequest }
func (*ResponsePacket) ID() PacketID { return IDResponse }
func (*MessagePacket) ID() PacketID  { return IDMessage }

func (*RequestPacket) write(*bytes.Buffer)      {}
func (*RequestPacket) read(*bytes.Reader) error { return nil }

func (p *ResponsePacket) write(buf *bytes.Buffer) {
	writeString(buf, hex.EncodeToString(p.ApplicationData))
}

func (p *ResponsePacket) read(r *bytes.Reader) error {
	s, err := readString(r)
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("application data: %w", err)
	}
	p.ApplicationData = data
	return nil
}

func (p *MessagePacket) write(buf *bytes.Buffer) {
	_ = binary.Write(buf, binary.LittleEndian, p.RecipientID)
	writeString(buf, p.Data)
}

func (p *MessagePacket) read(r *bytes.Reader) error {
	if err := binary.Read(r, binary.LittleEndian, &p.RecipientID); err != nil {
		return fmt.Errorf("recipient id: %w", err)
	}
	s, err := readString(r)
	if err != nil {
		return err
	}
	p.Data = s
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", fmt.Errorf("string length: %w", err)
	}
	if n > maxStringSize || int(n) > r.Len() {
		return "", fmt.Errorf("string length %d exceeds remaining %d bytes", n, r.Len())
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// encodePacket builds the plaintext of pk sent by senderID.
func encodePacket(senderID uint64, pk Packet) []byte {
	var body bytes.Buffer
	pk.write(&body)

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+body.Len()))
	_ = binary.Write(buf, binary.LittleEndian, uint16(headerSize+body.Len()))
	_ = binary.Write(buf, binary.LittleEndian, uint16(pk.ID()))
	_ = binary.Write(buf, binary.LittleEndian, senderID)
	buf.Write(make([]byte, reservedSize))
	buf.Write(body.Bytes())
	return buf.Bytes()
}

// decodePacket parses a plaintext produced by encodePacket.
func decodePacket(plain []byte) (uint64, Packet, error) {
	if len(plain) < headerSize {
		return 0, nil, fmt.Errorf("packet of %d bytes is shorter than its header", len(plain))
	}
	if n := int(binary.LittleEndian.Uint16(plain)); n != len(plain) {
		return 0, nil, fmt.Errorf("length field %d does not match packet size %d", n, len(plain))
	}
	id := PacketID(binary.LittleEndian.Uint16(plain[2:]))
	sender := binary.LittleEndian.Uint64(plain[4:])

	var pk Packet
	switch id {
	case IDRequest:
		pk = &RequestPacket{}
	case IDResponse:
		pk = &ResponsePacket{}
	case IDMessage:
		pk = &MessagePacket{}
	default:
		return sender, nil, fmt.Errorf("unknown packet id %d", uint16(id))
	}
	if err := pk.read(bytes.NewReader(plain[headerSize:])); err != nil {
		return sender, nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return sender, pk, nil
}

// Marshal encodes and seals pk as a datagram.
func Marshal(senderID uint64, pk Packet) []byte {
	return seal(encodePacket(senderID, pk))
}

// Unmarshal opens and decodes a datagram.
func Unmarshal(datagram []byte) (uint64, Packet, error) {
	plain, err := open(datagram)
	if err != nil {
		return 0, nil, err
	}
	return decodePacket(plain)
}
