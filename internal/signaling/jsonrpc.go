package signaling

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DefaultJSONRPCURL is the JSON-RPC messaging endpoint.
const DefaultJSONRPCURL = "wss://signal-northeurope.franchise.minecraft-services.net/ws/v1.0/messaging/connect"

// JSON-RPC method names.
const (
	methodTurnAuth             = "Signaling_TurnAuth_v1_0"
	methodPing                 = "System_Ping_v1_0"
	methodPong                 = "System_Pong_v1_0"
	methodReceiveMessage       = "Signaling_ReceiveMessage_v1_0"
	methodSendClientMessage    = "Signaling_SendClientMessage_v1_0"
	methodWebRTC               = "Signaling_WebRtc_v1_0"
	methodDeliveryNotification = "Signaling_DeliveryNotification_V1_0"
)

const jsonrpcVersion = "2.0"

// undeliverable marks a relayed message bounced by the service.
const undeliverable = "could not be delivered"

// JSONRPC is the envelope protocol: signals travel inside JSON-RPC requests
// and every relayed message is acknowledged with a delivery notification.
type JSONRPC struct {
	URL string
}

func (j *JSONRPC) Name() string { return "jsonrpc" }

func (j *JSONRPC) Endpoint(networkID uint64, token string) (string, http.Header) {
	u := j.URL
	if u == "" {
		u = DefaultJSONRPCURL
	}
	h := http.Header{}
	h.Set("Authorization", token)
	h.Set("session-id", strconv.FormatUint(networkID, 10))
	h.Set("request-id", uuid.NewString())
	return u, h
}

func (j *JSONRPC) Hello() ([][]byte, error) {
	msg, err := request(methodTurnAuth, json.RawMessage(`{}`))
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

func (j *JSONRPC) Ping() ([]byte, error) {
	return request(methodPing, json.RawMessage(`{}`))
}

func (j *JSONRPC) Encode(s *Signal) ([]byte, error) {
	inner, err := json.Marshal(relayEnvelope{
		Params:  relayParams{NetherNetID: strconv.FormatUint(s.Origin, 10), Message: s.String()},
		JSONRPC: jsonrpcVersion,
		Method:  methodWebRTC,
	})
	if err != nil {
		return nil, err
	}
	return sendClientMessage(strconv.FormatUint(s.Destination, 10), string(inner))
}

func (j *JSONRPC) Decode(data []byte) (Inbound, error) {
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("decode json-rpc message: %w", err)
	}

	var in Inbound
	if len(msg.Result) > 0 && strings.Contains(string(msg.Result), "TurnAuthServers") {
		servers, err := ParseICEServers(msg.Result)
		if err == nil {
			in.Credentials = servers
			in.HasCredentials = true
		}
	}

	switch msg.Method {
	case methodPong:
		reply, err := ack(msg.ID)
		if err != nil {
			return Inbound{}, err
		}
		in.Replies = append(in.Replies, reply)

	case methodReceiveMessage:
		reply, err := ack(msg.ID)
		if err != nil {
			return Inbound{}, err
		}
		in.Replies = append(in.Replies, reply)

		var params []rpcIncoming
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return in, nil
		}
		for _, p := range params {
			note, err := deliveryNotification(string(p.From), p.ID)
			if err != nil {
				return Inbound{}, err
			}
			in.Replies = append(in.Replies, note)

			line, ok := unwrapRelayed(p.Message)
			if !ok {
				continue
			}
			sig, err := ParseSignal(line)
			if err != nil {
				continue
			}
			sig.Origin, _ = p.From.Uint64()
			in.Signals = append(in.Signals, sig)
		}
	}
	return in, nil
}

// unwrapRelayed extracts the signal line from a relayed message. It reports
// false for delivery notifications and bounced messages.
func unwrapRelayed(message string) (string, bool) {
	line := message
	var inner relayEnvelope
	if err := json.Unmarshal([]byte(message), &inner); err == nil {
		switch inner.Method {
		case methodWebRTC:
			if inner.Params.Message != "" {
				line = inner.Params.Message
			}
		case methodDeliveryNotification:
			return "", false
		}
	}
	if strings.Contains(line, undeliverable) {
		return "", false
	}
	return line, true
}

func request(method string, params json.RawMessage) ([]byte, error) {
	id, err := json.Marshal(uuid.NewString())
	if err != nil {
		return nil, err
	}
	return json.Marshal(rpcMessage{ID: id, JSONRPC: jsonrpcVersion, Method: method, Params: params})
}

func ack(id json.RawMessage) ([]byte, error) {
	return json.Marshal(rpcMessage{ID: id, JSONRPC: jsonrpcVersion, Result: json.RawMessage(`null`)})
}

func sendClientMessage(to, message string) ([]byte, error) {
	messageID := uuid.NewString()
	params, err := json.Marshal(rpcSendParams{ToPlayerID: to, MessageID: messageID, Message: message})
	if err != nil {
		return nil, err
	}
	id, err := json.Marshal(messageID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rpcMessage{ID: id, JSONRPC: jsonrpcVersion, Method: methodSendClientMessage, Params: params})
}

func deliveryNotification(to, messageID string) ([]byte, error) {
	inner, err := json.Marshal(relayEnvelope{
		Params:  relayParams{MessageID: messageID},
		JSONRPC: jsonrpcVersion,
		Method:  methodDeliveryNotification,
	})
	if err != nil {
		return nil, err
	}
	return sendClientMessage(to, string(inner))
}
