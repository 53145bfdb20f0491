package signaling

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// closeCode maps a read error to the close code the retry policy sees.
// Errors without a close frame count as abnormal closure.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

// retryable reports whether a close code is transient: abnormal closure,
// internal server error, stale authorization or no status at all.
func retryable(code int) bool {
	switch code {
	case websocket.CloseAbnormalClosure,
		websocket.CloseInternalServerErr,
		websocket.CloseNoStatusReceived,
		closeStaleAuth,
		closeNoStatus:
		return true
	}
	return false
}

// shouldRetry applies the reconnect policy after a close.
func shouldRetry(code, retries, maxRetries int) bool {
	return retryable(code) && retries < maxRetries
}

// receive reads the stream until it closes. The retry counter is reset by
// the first message, so a server that accepts and immediately drops the
// stream still exhausts the retry budget.
func (s *Session) receive(conn *websocket.Conn, liveness *atomic.Int64, retries *int) (int, error) {
	first := true
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return closeCode(err), err
		}
		liveness.Store(time.Now().UnixNano())
		if first {
			first = false
			*retries = 0
		}
		s.handle(data)
	}
}
