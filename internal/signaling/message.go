// Package signaling negotiates a peer connection through a remote signaling
// service: it relays offers, answers and candidates, delivers TURN
// credentials, and keeps the stream alive across reconnects.
package signaling

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// directType identifies the kind of a direct signaling message.
type directType int

const (
	directPing        directType = 0
	directSignal      directType = 1
	directCredentials directType = 2
)

// directMessage is the JSON structure exchanged by the direct protocol.
type directMessage struct {
	Type    directType `json:"Type"`
	To      uint64     `json:"To,omitempty"`
	From    peerID     `json:"From,omitempty"`
	Message string     `json:"Message,omitempty"`
}

// rpcMessage is a JSON-RPC 2.0 request, notification or response.
type rpcMessage struct {
	ID      json.RawMessage `json:"id,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// rpcIncoming is one relayed message inside Signaling_ReceiveMessage_v1_0.
type rpcIncoming struct {
	From    peerID `json:"From"`
	ID      string `json:"Id"`
	Message string `json:"Message"`
}

// rpcSendParams are the params of Signaling_SendClientMessage_v1_0.
type rpcSendParams struct {
	ToPlayerID string `json:"toPlayerId"`
	MessageID  string `json:"messageId"`
	Message    string `json:"message"`
}

// relayEnvelope is the JSON-RPC notification carried inside a relayed
// client message.
type relayEnvelope struct {
	Params  relayParams `json:"params"`
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
}

type relayParams struct {
	NetherNetID string `json:"netherNetId,omitempty"`
	Message     string `json:"message,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
}

// peerID is a network ID that may arrive as a JSON number or string.
type peerID string

func (p *peerID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = peerID(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*p = ""
		return nil
	}
	*p = peerID(b)
	return nil
}

// Uint64 returns the numeric form, if it has one.
func (p peerID) Uint64() (uint64, bool) {
	v, err := strconv.ParseUint(string(p), 10, 64)
	return v, err == nil
}
