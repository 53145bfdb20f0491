package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalStringRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		sig  Signal
		line string
	}{
		{"offer with spaces", Signal{Type: ConnectRequest, ConnectionID: 42, Data: "v=0\r\no=- 1 2 IN IP4 127.0.0.1"}, "CONNECTREQUEST 42 v=0\r\no=- 1 2 IN IP4 127.0.0.1"},
		{"candidate", Signal{Type: CandidateAdd, ConnectionID: 18446744073709551615, Data: "candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host"}, "CANDIDATEADD 18446744073709551615 candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host"},
		{"empty data", Signal{Type: ConnectError, ConnectionID: 1}, "CONNECTERROR 1 "},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.line, tc.sig.String())

			parsed, err := ParseSignal(tc.line)
			require.NoError(t, err)
			assert.Equal(t, tc.sig.Type, parsed.Type)
			assert.Equal(t, tc.sig.ConnectionID, parsed.ConnectionID)
			assert.Equal(t, tc.sig.Data, parsed.Data)
		})
	}
}

func TestParseSignalDataKeepsSpaces(t *testing.T) {
	sig, err := ParseSignal("CONNECTRESPONSE 7 a  b c")
	require.NoError(t, err)
	assert.Equal(t, "a  b c", sig.Data)

	sig, err = ParseSignal("CONNECTRESPONSE 7")
	require.NoError(t, err)
	assert.Empty(t, sig.Data)
}

func TestParseSignalErrors(t *testing.T) {
	for _, line := range []string{"", "CONNECTREQUEST", "CONNECTREQUEST abc data", "HELLO 1 data", "CONNECTREQUEST -1 x"} {
		_, err := ParseSignal(line)
		assert.Error(t, err, "line %q", line)
	}
}

func TestParseICEServers(t *testing.T) {
	payload := []byte(`{"TurnAuthServers":[
		{"Urls":["stun:relay.example.com:3478","turn:relay.example.com:3478"],"Username":"user","Password":"pass"},
		{"Urls":["turns:secure.example.com?transport=tcp","bogus://x"],"Username":"u2","Credential":"c2"}
	]}`)

	servers, err := ParseICEServers(payload)
	require.NoError(t, err)

	var urls []string
	for _, s := range servers {
		require.Len(t, s.URLs, 1)
		urls = append(urls, s.URLs[0])
	}
	assert.Equal(t, []string{
		"stun:relay.example.com:3478",
		"turn:relay.example.com:3478?transport=udp",
		"turns:relay.example.com:5349?transport=udp",
		"turns:secure.example.com:5349?transport=tcp",
	}, urls)

	assert.Empty(t, servers[0].Username, "stun servers carry no credentials")
	assert.Equal(t, "user", servers[1].Username)
	assert.Equal(t, "pass", servers[1].Credential)
	assert.Equal(t, "c2", servers[3].Credential)
}

func TestParseICEServersInvalid(t *testing.T) {
	_, err := ParseICEServers([]byte("not json"))
	assert.Error(t, err)

	servers, err := ParseICEServers([]byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestRetryPolicy(t *testing.T) {
	testCases := []struct {
		code    int
		retries int
		want    bool
	}{
		{1006, 0, true},
		{1006, 4, true},
		{1006, 5, false},
		{1011, 0, true},
		{4401, 0, true},
		{1005, 0, true},
		{0, 0, true},
		{1000, 0, false},
		{1008, 0, false},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, shouldRetry(tc.code, tc.retries, DefaultMaxRetries), "code %d retries %d", tc.code, tc.retries)
	}
}
