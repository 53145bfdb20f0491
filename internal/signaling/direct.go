package signaling

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// DefaultDirectURL is the base of the direct signaling endpoint; the local
// network ID is appended as the last path element.
const DefaultDirectURL = "wss://signal.franchise.minecraft-services.net/ws/v1.0/signaling"

// Direct is the typed-message protocol: every frame is a JSON object with a
// numeric Type.
type Direct struct {
	BaseURL string
}

func (d *Direct) Name() string { return "direct" }

func (d *Direct) Endpoint(networkID uint64, token string) (string, http.Header) {
	base := d.BaseURL
	if base == "" {
		base = DefaultDirectURL
	}
	h := http.Header{}
	h.Set("Authorization", token)
	return fmt.Sprintf("%s/%d", strings.TrimRight(base, "/"), networkID), h
}

func (d *Direct) Hello() ([][]byte, error) { return nil, nil }

func (d *Direct) Ping() ([]byte, error) {
	return json.Marshal(directMessage{Type: directPing})
}

func (d *Direct) Encode(s *Signal) ([]byte, error) {
	return json.Marshal(directMessage{Type: directSignal, To: s.Destination, Message: s.String()})
}

func (d *Direct) Decode(data []byte) (Inbound, error) {
	var msg directMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("decode direct message: %w", err)
	}

	switch msg.Type {
	case directCredentials:
		if msg.From != "Server" {
			return Inbound{}, nil
		}
		servers, err := ParseICEServers([]byte(msg.Message))
		if err != nil {
			return Inbound{}, err
		}
		return Inbound{Credentials: servers, HasCredentials: true}, nil

	case directSignal:
		sig, err := ParseSignal(msg.Message)
		if err != nil {
			return Inbound{}, err
		}
		sig.Origin, _ = msg.From.Uint64()
		return Inbound{Signals: []*Signal{sig}}, nil
	}
	return Inbound{}, nil
}
