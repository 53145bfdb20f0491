package signaling

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errNotConnected = errors.New("signaling stream not connected")

// sender serializes outgoing messages to the current WebSocket. The
// connection is swapped on every reconnect.
type sender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *sender) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *sender) detach() {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
}

func (s *sender) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// send writes one text message, guarded by a mutex.
func (s *sender) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// sendClose writes a normal-closure frame if a connection is attached.
func (s *sender) sendClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Normal Closure"),
		time.Now().Add(writeTimeout))
}
