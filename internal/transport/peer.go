package transport

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Data channel labels the server expects.
const (
	reliableLabel   = "ReliableDataChannel"
	unreliableLabel = "UnreliableDataChannel"
)

// newPeerConnection creates a PeerConnection using the ICE servers handed out
// by the signaling path. Without any, only host candidates are gathered.
func newPeerConnection(servers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

// newDataChannels creates the ordered reliable channel that carries batches
// and the unordered, zero-retransmit channel the server also opens.
func newDataChannels(pc *webrtc.PeerConnection) (*webrtc.DataChannel, *webrtc.DataChannel, error) {
	ordered := true
	reliable, err := pc.CreateDataChannel(reliableLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, nil, fmt.Errorf("create reliable channel: %w", err)
	}

	unordered := false
	maxRetransmits := uint16(0)
	unreliable, err := pc.CreateDataChannel(unreliableLabel, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		reliable.Close()
		return nil, nil, fmt.Errorf("create unreliable channel: %w", err)
	}
	return reliable, unreliable, nil
}

var originLine = regexp.MustCompile(`(?m)^o=[^\r\n]*`)

// rewriteOrigin replaces the SDP origin line so the session ID carries the
// local network ID.
func rewriteOrigin(sdp string, networkID uint64) string {
	return originLine.ReplaceAllLiteralString(sdp, fmt.Sprintf("o=- %d 2 IN IP4 127.0.0.1", networkID))
}

// signalable reports whether a local candidate should be sent to the peer.
// TCP and loopback candidates are never useful to a remote server.
func signalable(candidate string) bool {
	return !strings.Contains(candidate, "tcp") &&
		!strings.Contains(candidate, "::1") &&
		!strings.Contains(candidate, "127.0.0.1")
}
