package signaling

import (
	"fmt"
	"strconv"
	"strings"
)

// SignalType is the kind of negotiation signal.
type SignalType string

const (
	ConnectRequest  SignalType = "CONNECTREQUEST"
	ConnectResponse SignalType = "CONNECTRESPONSE"
	CandidateAdd    SignalType = "CANDIDATEADD"
	ConnectError    SignalType = "CONNECTERROR"
)

// Signal is one negotiation message exchanged while setting up a peer
// connection. Origin and Destination are network IDs; they travel in the
// envelope, not in the line form.
type Signal struct {
	Type         SignalType
	ConnectionID uint64
	Data         string
	Origin       uint64
	Destination  uint64
}

// String renders the line form "TYPE CONNECTIONID DATA".
func (s *Signal) String() string {
	return fmt.Sprintf("%s %d %s", s.Type, s.ConnectionID, s.Data)
}

// ParseSignal parses the line form. Data keeps any spaces it contains.
func ParseSignal(line string) (*Signal, error) {
	parts := strings.Split(line, " ")
	if len(parts) < 2 {
		return nil, fmt.Errorf("signal %q: want at least type and connection id", line)
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("signal %q: connection id: %w", line, err)
	}
	switch t := SignalType(parts[0]); t {
	case ConnectRequest, ConnectResponse, CandidateAdd, ConnectError:
		return &Signal{Type: t, ConnectionID: id, Data: strings.Join(parts[2:], " ")}, nil
	default:
		return nil, fmt.Errorf("signal %q: unknown type %q", line, parts[0])
	}
}

// Writer delivers signals to the remote peer. Both the LAN discovery socket
// and the signaling session implement it.
type Writer interface {
	WriteSignal(s *Signal) error
}
