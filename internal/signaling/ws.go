package signaling

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes that do not come from a close frame.
const (
	// closeStaleAuth is sent by the service when the credential expired.
	closeStaleAuth = 4401
	// closeNoStatus stands for a close without any status code.
	closeNoStatus = 0
)

const (
	handshakeTimeout = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

func newDialer() *websocket.Dialer {
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
}

// dial opens the signaling stream. On failure it also returns the close code
// the failure counts as for the retry policy.
func dial(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header) (*websocket.Conn, int, error) {
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		code := websocket.CloseAbnormalClosure
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				code = closeStaleAuth
			}
			return nil, code, fmt.Errorf("failed to connect to signaling server: %w (status %d)", err, resp.StatusCode)
		}
		return nil, code, fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	return conn, 0, nil
}
