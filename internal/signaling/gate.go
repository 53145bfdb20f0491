package signaling

// Network cost annotations biasing ICE path selection toward later
// candidates.
const (
	firstCandidateCost = " network-cost 50"
	candidateCost      = " network-cost 10"
)

// candidateGate holds candidates back until the ConnectRequest has been
// answered. Local candidates are queued instead of sent; remote candidates
// are buffered instead of handed to the peer connection. Both are released
// once a ConnectResponse for the pending connection ID arrives.
//
// candidateGate is not safe for concurrent use.
type candidateGate struct {
	connectionID uint64
	requested    bool
	correlated   bool

	localSeen int
	local     []*Signal
	remote    []*Signal
}

// outbound filters one local signal. It returns the signals to transmit now.
func (g *candidateGate) outbound(s *Signal) []*Signal {
	switch s.Type {
	case ConnectRequest:
		g.connectionID = s.ConnectionID
		g.requested = true
		g.correlated = false
	case CandidateAdd:
		c := *s
		if g.localSeen == 0 {
			c.Data += firstCandidateCost
		} else {
			c.Data += candidateCost
		}
		g.localSeen++
		if !g.correlated {
			g.local = append(g.local, &c)
			return nil
		}
		return []*Signal{&c}
	}
	return []*Signal{s}
}

// inbound filters one remote signal. It returns the signals to hand to the
// peer connection, in order, and any queued local signals to transmit now.
func (g *candidateGate) inbound(s *Signal) (deliver, send []*Signal) {
	switch s.Type {
	case CandidateAdd:
		c := *s
		c.Data += candidateCost
		if !g.correlated {
			g.remote = append(g.remote, &c)
			return nil, nil
		}
		return []*Signal{&c}, nil

	case ConnectResponse:
		if g.requested && !g.correlated && s.ConnectionID == g.connectionID {
			g.correlated = true
			deliver = append([]*Signal{s}, g.remote...)
			send = g.local
			g.remote, g.local = nil, nil
			return deliver, send
		}
	}
	return []*Signal{s}, nil
}

// pending reports how many local and remote candidates are held back.
func (g *candidateGate) pending() (local, remote int) {
	return len(g.local), len(g.remote)
}
