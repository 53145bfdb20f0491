package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateQueuesLocalCandidates(t *testing.T) {
	var g candidateGate

	sent := g.outbound(&Signal{Type: ConnectRequest, ConnectionID: 9, Data: "offer"})
	require.Len(t, sent, 1)

	assert.Empty(t, g.outbound(&Signal{Type: CandidateAdd, ConnectionID: 9, Data: "c1"}))
	assert.Empty(t, g.outbound(&Signal{Type: CandidateAdd, ConnectionID: 9, Data: "c2"}))
	local, _ := g.pending()
	assert.Equal(t, 2, local)

	deliver, send := g.inbound(&Signal{Type: ConnectResponse, ConnectionID: 9, Data: "answer"})
	require.Len(t, deliver, 1)
	assert.Equal(t, ConnectResponse, deliver[0].Type)
	require.Len(t, send, 2)
	assert.Equal(t, "c1 network-cost 50", send[0].Data)
	assert.Equal(t, "c2 network-cost 10", send[1].Data)

	// After correlation candidates go straight out.
	now := g.outbound(&Signal{Type: CandidateAdd, ConnectionID: 9, Data: "c3"})
	require.Len(t, now, 1)
	assert.Equal(t, "c3 network-cost 10", now[0].Data)
}

// TestGateReplaysRemoteCandidates checks that early remote candidates are
// replayed in receipt order right after the correlating response, with none
// lost or duplicated.
func TestGateReplaysRemoteCandidates(t *testing.T) {
	var g candidateGate
	g.outbound(&Signal{Type: ConnectRequest, ConnectionID: 3})

	for _, d := range []string{"r1", "r2", "r3"} {
		deliver, send := g.inbound(&Signal{Type: CandidateAdd, ConnectionID: 3, Data: d})
		assert.Empty(t, deliver)
		assert.Empty(t, send)
	}
	_, remote := g.pending()
	assert.Equal(t, 3, remote)

	deliver, _ := g.inbound(&Signal{Type: ConnectResponse, ConnectionID: 3, Data: "answer"})
	require.Len(t, deliver, 4)
	assert.Equal(t, ConnectResponse, deliver[0].Type)
	for i, d := range []string{"r1", "r2", "r3"} {
		assert.Equal(t, d+" network-cost 10", deliver[i+1].Data)
	}

	live, _ := g.inbound(&Signal{Type: CandidateAdd, ConnectionID: 3, Data: "r4"})
	require.Len(t, live, 1)
	assert.Equal(t, "r4 network-cost 10", live[0].Data)

	local, remote := g.pending()
	assert.Zero(t, local)
	assert.Zero(t, remote)
}

func TestGateIgnoresUncorrelatedResponse(t *testing.T) {
	var g candidateGate
	g.outbound(&Signal{Type: ConnectRequest, ConnectionID: 1})
	g.outbound(&Signal{Type: CandidateAdd, ConnectionID: 1, Data: "c"})

	deliver, send := g.inbound(&Signal{Type: ConnectResponse, ConnectionID: 2, Data: "other"})
	require.Len(t, deliver, 1)
	assert.Empty(t, send)
	local, _ := g.pending()
	assert.Equal(t, 1, local)

	// A second response for the right ID still correlates.
	_, send = g.inbound(&Signal{Type: ConnectResponse, ConnectionID: 1})
	assert.Len(t, send, 1)

	// Only the first one counts.
	deliver, send = g.inbound(&Signal{Type: ConnectResponse, ConnectionID: 1})
	assert.Len(t, deliver, 1)
	assert.Empty(t, send)
}

func TestGateDoesNotMutateCaller(t *testing.T) {
	var g candidateGate
	g.outbound(&Signal{Type: ConnectRequest, ConnectionID: 1})
	orig := &Signal{Type: CandidateAdd, ConnectionID: 1, Data: "c"}
	g.outbound(orig)
	assert.Equal(t, "c", orig.Data)
}
