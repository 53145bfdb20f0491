package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/bedrocklink/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const credentialsJSON = `{"TurnAuthServers":[{"Urls":["turn:relay.example.com:3478"],"Username":"u","Password":"p"}]}`

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func staticToken() TokenFunc {
	return func(context.Context) (string, error) { return "token", nil }
}

func TestSessionRetriesThenFails(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop without a close frame: abnormal closure.
		conn.UnderlyingConn().Close()
	}))
	defer srv.Close()

	s := NewSession(Config{
		NetworkID:          1,
		Protocol:           &Direct{BaseURL: wsURL(srv)},
		Token:              staticToken(),
		RetryDelay:         10 * time.Millisecond,
		CredentialsTimeout: 5 * time.Second,
	})
	defer s.Close()

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, protocol.KindFatalConnectivity, protocol.KindOf(err))
	assert.Equal(t, int32(1+DefaultMaxRetries), dials.Load())

	select {
	case got := <-s.Errors():
		assert.Equal(t, err, got)
	case <-time.After(time.Second):
		t.Fatal("no error delivered")
	}
}

func TestSessionNoRetries(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.UnderlyingConn().Close()
	}))
	defer srv.Close()

	s := NewSession(Config{
		NetworkID:          1,
		Protocol:           &Direct{BaseURL: wsURL(srv)},
		Token:              staticToken(),
		RetryDelay:         10 * time.Millisecond,
		MaxRetries:         NoRetries,
		CredentialsTimeout: 5 * time.Second,
	})
	defer s.Close()

	require.Error(t, s.Connect(context.Background()))
	assert.Equal(t, int32(1), dials.Load())
}

func TestSessionNormalCloseIsNotRetried(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(50 * time.Millisecond)
		conn.Close()
	}))
	defer srv.Close()

	s := NewSession(Config{
		Protocol:   &Direct{BaseURL: wsURL(srv)},
		RetryDelay: 10 * time.Millisecond,
	})
	defer s.Close()

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, protocol.KindFatalConnectivity, protocol.KindOf(err))
	assert.Equal(t, int32(1), dials.Load())
}

// directPeer is a scripted direct-protocol server.
type directPeer struct {
	received chan directMessage
	send     chan directMessage
	header   chan http.Header
}

func newDirectPeer() *directPeer {
	return &directPeer{
		received: make(chan directMessage, 32),
		send:     make(chan directMessage, 32),
		header:   make(chan http.Header, 1),
	}
}

func (p *directPeer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.header <- r.Header.Clone()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.WriteJSON(map[string]any{"Type": 2, "From": "Server", "Message": credentialsJSON})

	go func() {
		for msg := range p.send {
			if conn.WriteJSON(msg) != nil {
				return
			}
		}
	}()
	for {
		var msg directMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == directPing {
			continue
		}
		p.received <- msg
	}
}

func (p *directPeer) next(t *testing.T) directMessage {
	t.Helper()
	select {
	case m := <-p.received:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return directMessage{}
	}
}

func nextSignal(t *testing.T, s *Session) *Signal {
	t.Helper()
	select {
	case sig := <-s.Signals():
		return sig
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for signal")
		return nil
	}
}

func TestSessionDirectNegotiation(t *testing.T) {
	peer := newDirectPeer()
	srv := httptest.NewServer(peer)
	defer srv.Close()

	s := NewSession(Config{
		NetworkID: 1111,
		Protocol:  &Direct{BaseURL: wsURL(srv)},
		Token:     staticToken(),
	})
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))
	creds := s.Credentials()
	require.NotEmpty(t, creds)
	assert.Equal(t, "u", creds[0].Username)
	assert.Equal(t, "token", (<-peer.header).Get("Authorization"))

	require.NoError(t, s.WriteSignal(&Signal{Type: ConnectRequest, ConnectionID: 77, Data: "offer sdp", Destination: 2222}))
	msg := peer.next(t)
	assert.Equal(t, directSignal, msg.Type)
	assert.Equal(t, uint64(2222), msg.To)
	assert.Equal(t, "CONNECTREQUEST 77 offer sdp", msg.Message)

	// Held back until the response arrives.
	require.NoError(t, s.WriteSignal(&Signal{Type: CandidateAdd, ConnectionID: 77, Data: "local1", Destination: 2222}))

	peer.send <- directMessage{Type: directSignal, From: "2222", Message: "CANDIDATEADD 77 remote1"}
	peer.send <- directMessage{Type: directSignal, From: "2222", Message: "CONNECTRESPONSE 77 answer sdp"}

	first := nextSignal(t, s)
	assert.Equal(t, ConnectResponse, first.Type)
	assert.Equal(t, "answer sdp", first.Data)
	assert.Equal(t, uint64(2222), first.Origin)
	assert.Equal(t, uint64(1111), first.Destination)

	second := nextSignal(t, s)
	assert.Equal(t, CandidateAdd, second.Type)
	assert.Equal(t, "remote1 network-cost 10", second.Data)

	flushed := peer.next(t)
	assert.Equal(t, "CANDIDATEADD 77 local1 network-cost 50", flushed.Message)
}

func TestSessionCredentialsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewSession(Config{
		Protocol:           &Direct{BaseURL: wsURL(srv)},
		CredentialsTimeout: 100 * time.Millisecond,
	})
	defer s.Close()

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials")
}

func TestSessionJSONRPC(t *testing.T) {
	type frame struct {
		msg   rpcMessage
		inner relayEnvelope
	}
	received := make(chan frame, 32)
	headers := make(chan http.Header, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var msg rpcMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Method {
			case methodTurnAuth:
				_ = conn.WriteJSON(map[string]any{
					"id":      msg.ID,
					"jsonrpc": "2.0",
					"result":  json.RawMessage(credentialsJSON),
				})
			case methodPing:
			case methodSendClientMessage:
				var params rpcSendParams
				_ = json.Unmarshal(msg.Params, &params)
				var inner relayEnvelope
				_ = json.Unmarshal([]byte(params.Message), &inner)
				received <- frame{msg: msg, inner: inner}

				if inner.Method == methodWebRTC && strings.HasPrefix(inner.Params.Message, "CONNECTREQUEST") {
					relayed, _ := json.Marshal(relayEnvelope{
						Params:  relayParams{Message: "CONNECTRESPONSE 5 answer"},
						JSONRPC: "2.0",
						Method:  methodWebRTC,
					})
					_ = conn.WriteJSON(map[string]any{
						"id":      "srv-1",
						"jsonrpc": "2.0",
						"method":  methodReceiveMessage,
						"params": []map[string]any{
							{"From": "2222", "Id": "m-1", "Message": "peer could not be delivered"},
							{"From": "2222", "Id": "m-2", "Message": string(relayed)},
						},
					})
				}
			default:
				received <- frame{msg: msg}
			}
		}
	}))
	defer srv.Close()

	s := NewSession(Config{
		NetworkID: 1111,
		Protocol:  &JSONRPC{URL: wsURL(srv)},
		Token:     staticToken(),
	})
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))
	h := <-headers
	assert.Equal(t, "token", h.Get("Authorization"))
	assert.Equal(t, "1111", h.Get("session-id"))
	assert.NotEmpty(t, h.Get("request-id"))

	require.NoError(t, s.WriteSignal(&Signal{Type: ConnectRequest, ConnectionID: 5, Data: "offer", Destination: 2222}))

	next := func() frame {
		t.Helper()
		select {
		case f := <-received:
			return f
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for frame")
			return frame{}
		}
	}

	req := next()
	assert.Equal(t, methodWebRTC, req.inner.Method)
	assert.Equal(t, "1111", req.inner.Params.NetherNetID)
	assert.Equal(t, "CONNECTREQUEST 5 offer", req.inner.Params.Message)

	sig := nextSignal(t, s)
	assert.Equal(t, ConnectResponse, sig.Type)
	assert.Equal(t, "answer", sig.Data)
	assert.Equal(t, uint64(2222), sig.Origin)

	// Ack, then one delivery notification per relayed message.
	ackFrame := next()
	assert.Equal(t, `"srv-1"`, string(ackFrame.msg.ID))
	assert.Equal(t, "null", string(ackFrame.msg.Result))
	for _, id := range []string{"m-1", "m-2"} {
		f := next()
		assert.Equal(t, methodDeliveryNotification, f.inner.Method)
		assert.Equal(t, id, f.inner.Params.MessageID)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	s := NewSession(Config{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, open := <-s.Signals()
	assert.False(t, open)
	assert.Error(t, s.Connect(context.Background()))
}
