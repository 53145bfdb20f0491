package protocol

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// wirePacket is the CBOR shape of a packet.
type wirePacket struct {
	Name   string         `cbor:"1,keyasint"`
	Params map[string]any `cbor:"2,keyasint,omitempty"`
}

// CBORCodec is a self-describing codec used between loopback peers and in
// tests. It is immutable once constructed.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds a codec using Core Deterministic Encoding, so the same
// packet always produces identical bytes.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

// Encode serializes a named packet.
func (c *CBORCodec) Encode(name string, params map[string]any) ([]byte, error) {
	if name == "" {
		return nil, NewError(KindDecode, "encode", fmt.Errorf("empty packet name"))
	}
	data, err := c.enc.Marshal(wirePacket{Name: name, Params: params})
	if err != nil {
		return nil, NewError(KindDecode, "encode "+name, err)
	}
	return data, nil
}

// Decode deserializes a packet produced by Encode.
func (c *CBORCodec) Decode(data []byte) (*Packet, error) {
	var wp wirePacket
	if err := c.dec.Unmarshal(data, &wp); err != nil {
		return nil, NewError(KindDecode, "decode", err)
	}
	if wp.Name == "" {
		return nil, NewError(KindDecode, "decode", fmt.Errorf("packet without name"))
	}
	if wp.Params == nil {
		wp.Params = map[string]any{}
	}
	return &Packet{Name: wp.Name, Params: wp.Params}, nil
}
