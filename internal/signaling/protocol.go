package signaling

import (
	"fmt"
	"net/http"

	"github.com/pion/webrtc/v4"
)

// Inbound is what one received stream message decodes to.
type Inbound struct {
	// Credentials is set when the message delivered TURN credentials.
	Credentials    []webrtc.ICEServer
	HasCredentials bool

	// Signals relayed from the remote peer, in order.
	Signals []*Signal

	// Replies are written back on the stream before the signals are handled.
	Replies [][]byte
}

// Protocol is a signaling wire format. Implementations are stateless; the
// Session owns reconnects, liveness and candidate ordering.
type Protocol interface {
	// Name identifies the protocol in logs and configuration.
	Name() string
	// Endpoint returns the stream URL and handshake headers.
	Endpoint(networkID uint64, token string) (string, http.Header)
	// Hello returns the messages written right after the stream opens.
	Hello() ([][]byte, error)
	// Ping returns one liveness probe.
	Ping() ([]byte, error)
	// Encode wraps an outbound signal.
	Encode(s *Signal) ([]byte, error)
	// Decode unwraps one inbound message.
	Decode(data []byte) (Inbound, error)
}

// ProtocolByName returns the protocol registered under name, using endpoint
// in place of its default when non-empty.
func ProtocolByName(name, endpoint string) (Protocol, error) {
	switch name {
	case "direct":
		return &Direct{BaseURL: endpoint}, nil
	case "jsonrpc", "":
		return &JSONRPC{URL: endpoint}, nil
	default:
		return nil, fmt.Errorf("unknown signaling protocol %q", name)
	}
}
