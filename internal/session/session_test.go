package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/bedrocklink/internal/auth"
	"github.com/1ureka/bedrocklink/internal/batch"
	"github.com/1ureka/bedrocklink/internal/handshake"
	"github.com/1ureka/bedrocklink/internal/protocol"
	"github.com/1ureka/bedrocklink/internal/secure"
	"github.com/1ureka/bedrocklink/internal/transport"
)

const (
	testProtocol = 766
	testVersion  = "1.21.50"
	waitFor      = 5 * time.Second
)

var (
	rakNetCaps = transport.Capabilities{BatchHeader: 0xfe, HasBatchHeader: true}
	peerCaps   = transport.Capabilities{Encrypted: true}
)

// pipe is an in-memory transport. Batches the session sends land on sent;
// deliver feeds batches to the session.
type pipe struct {
	caps      transport.Capabilities
	connected chan struct{}
	once      sync.Once
	packets   chan []byte
	sent      chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	reason   string
	graceful bool
}

var _ transport.Transport = (*pipe)(nil)

func newPipe(caps transport.Capabilities) *pipe {
	ctx, cancel := context.WithCancel(context.Background())
	return &pipe{
		caps:      caps,
		connected: make(chan struct{}),
		packets:   make(chan []byte, 64),
		sent:      make(chan []byte, 256),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (p *pipe) Connect(context.Context) error {
	p.once.Do(func() { close(p.connected) })
	return nil
}

func (p *pipe) SendReliable(b []byte, _ bool) error {
	if p.ctx.Err() != nil {
		return transport.ErrClosed
	}
	p.sent <- append([]byte(nil), b...)
	return nil
}

func (p *pipe) Connected() <-chan struct{}     { return p.connected }
func (p *pipe) Packets() <-chan []byte         { return p.packets }
func (p *pipe) Done() <-chan struct{}          { return p.ctx.Done() }
func (p *pipe) Caps() transport.Capabilities   { return p.caps }
func (p *pipe) Close() error                   { p.closeWith("closed by client", false); return nil }
func (p *pipe) deliver(b []byte)               { p.packets <- b }
func (p *pipe) Shutdown(context.Context) error { p.closeWith("closed by client", true); return nil }

func (p *pipe) Reason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

func (p *pipe) closeWith(reason string, graceful bool) {
	p.mu.Lock()
	if p.reason == "" {
		p.reason = reason
		p.graceful = graceful
	}
	p.mu.Unlock()
	p.cancel()
}

func (p *pipe) closedGracefully() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.graceful
}

// server plays the remote end of a pipe with the same framing and
// encryption as a real server.
type server struct {
	t      *testing.T
	pipe   *pipe
	codec  *protocol.CBORCodec
	framer *batch.Framer
	secure *secure.Channel
	queue  []*protocol.Packet
}

func newServer(t *testing.T, p *pipe) *server {
	codec, err := protocol.NewCBORCodec()
	require.NoError(t, err)
	settings := batch.DefaultSettings()
	settings.BatchHeader = p.caps.BatchHeader
	settings.HasBatchHeader = p.caps.HasBatchHeader
	return &server{t: t, pipe: p, codec: codec, framer: batch.NewFramer(settings)}
}

func (sv *server) decode(b []byte) []*protocol.Packet {
	var records [][]byte
	var err error
	if sv.secure != nil {
		payload, err := sv.framer.StripHeader(b)
		require.NoError(sv.t, err)
		raw, err := sv.secure.Decrypt(payload)
		require.NoError(sv.t, err)
		records, err = batch.Split(raw)
		require.NoError(sv.t, err)
	} else {
		records, err = sv.framer.Decode(b)
		require.NoError(sv.t, err)
	}
	out := make([]*protocol.Packet, 0, len(records))
	for _, r := range records {
		pkt, err := sv.codec.Decode(r)
		require.NoError(sv.t, err)
		out = append(out, pkt)
	}
	return out
}

func (sv *server) next() *protocol.Packet {
	sv.t.Helper()
	for len(sv.queue) == 0 {
		select {
		case b := <-sv.pipe.sent:
			sv.queue = append(sv.queue, sv.decode(b)...)
		case <-time.After(waitFor):
			sv.t.Fatal("no packet from client")
		}
	}
	pkt := sv.queue[0]
	sv.queue = sv.queue[1:]
	return pkt
}

func (sv *server) expect(name string) *protocol.Packet {
	sv.t.Helper()
	pkt := sv.next()
	require.Equal(sv.t, name, pkt.Name)
	return pkt
}

func (sv *server) send(name string, params map[string]any) {
	sv.t.Helper()
	b, err := sv.codec.Encode(name, params)
	require.NoError(sv.t, err)
	sv.framer.AddPacket(b)
	sv.pipe.deliver(sv.encode())
}

func (sv *server) encode() []byte {
	defer sv.framer.Flush()
	if sv.secure != nil {
		enc, err := sv.secure.Encrypt(sv.framer.Buffer())
		require.NoError(sv.t, err)
		return sv.framer.WithHeader(enc)
	}
	out, err := sv.framer.Encode()
	require.NoError(sv.t, err)
	return out
}

func newSession(t *testing.T, p *pipe, mutate func(*Config)) *Session {
	codec, err := protocol.NewCBORCodec()
	require.NoError(t, err)
	cfg := Config{
		Transport:       p,
		Codec:           codec,
		Identity:        &auth.Offline{Username: "Steve"},
		Version:         testVersion,
		ProtocolVersion: testProtocol,
		ServerAddress:   "127.0.0.1:19132",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status() == want }, waitFor, 5*time.Millisecond,
		"status %s, want %s", s.Status(), want)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
}

// login drives the session up to Initializing and returns the client's
// login packet.
func login(t *testing.T, s *Session, sv *server) *protocol.Packet {
	t.Helper()
	require.NoError(t, s.Connect(context.Background()))

	req := sv.expect(protocol.IDRequestNetworkSettings)
	assert.EqualValues(t, testProtocol, req.Params["client_protocol"])
	waitStatus(t, s, Connecting)

	sv.send(protocol.IDNetworkSettings, map[string]any{
		"compression_algorithm": "deflate",
		"compression_threshold": 1,
	})
	settings := sv.framer.Settings()
	settings.Algorithm = batch.Flate
	settings.Threshold = 1
	settings.CompressionMarker = true
	sv.framer.Update(settings)

	pkt := sv.expect(protocol.IDLogin)
	waitStatus(t, s, Authenticating)

	// The server answers with a key exchange against the client's key.
	tokens := pkt.Params["tokens"].(map[string]any)
	clientRef := verifiedClientKey(t, tokens["client"].(string))
	serverKeys, err := handshake.GenerateKeyPair()
	require.NoError(t, err)
	token, res, err := handshake.Initiate(serverKeys, clientRef, nil)
	require.NoError(t, err)
	sv.send(protocol.IDServerToClientHandshake, map[string]any{"token": token})

	if !sv.pipe.caps.Encrypted {
		sv.secure, err = secure.NewChannel(res.Key, res.IV, batch.DefaultLevel)
		require.NoError(t, err)
	}
	sv.expect(protocol.IDClientToServerHandshake)
	waitStatus(t, s, Initializing)
	return pkt
}

// verifiedClientKey checks the client data signature and returns the key it
// names.
func verifiedClientKey(t *testing.T, token string) string {
	t.Helper()
	var ref string
	_, err := jwt.Parse(token, func(tok *jwt.Token) (any, error) {
		ref, _ = tok.Header["x5u"].(string)
		return handshake.ParsePublicKey(ref)
	}, jwt.WithValidMethods([]string{"ES384"}))
	require.NoError(t, err)
	return ref
}

func TestSessionLoginFlow(t *testing.T) {
	p := newPipe(rakNetCaps)
	sv := newServer(t, p)
	s := newSession(t, p, func(c *Config) {
		c.SkinData = map[string]any{"SkinId": "custom"}
	})
	statuses, _ := s.StatusChanges()
	spawned, _ := s.Subscribe(protocol.IDPlayStatus)

	pkt := login(t, s, sv)
	assert.EqualValues(t, testProtocol, pkt.Params["protocol_version"])

	tokens := pkt.Params["tokens"].(map[string]any)
	var identity struct {
		AuthenticationType int
		Certificate        string
	}
	require.NoError(t, json.Unmarshal([]byte(tokens["identity"].(string)), &identity))
	var cert struct{ Chain []string }
	require.NoError(t, json.Unmarshal([]byte(identity.Certificate), &cert))
	profile, err := auth.ProfileOf(cert.Chain)
	require.NoError(t, err)
	assert.Equal(t, "Steve", profile.DisplayName)

	claims := jwt.MapClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(tokens["client"].(string), claims)
	require.NoError(t, err)
	assert.Equal(t, testVersion, claims["GameVersion"])
	assert.Equal(t, "127.0.0.1:19132", claims["ServerAddress"])
	assert.Equal(t, "Steve", claims["ThirdPartyName"])
	assert.Equal(t, "custom", claims["SkinId"])
	assert.Len(t, claims["DeviceId"], 32)
	assert.Len(t, claims["PlayFabId"], 16)

	sv.send(protocol.IDResourcePacksInfo, map[string]any{})
	resp := sv.expect(protocol.IDResourcePackClientResponse)
	assert.Equal(t, "completed", resp.Params["response_status"])
	radius := sv.expect(protocol.IDRequestChunkRadius)
	assert.EqualValues(t, DefaultChunkRadius, radius.Params["chunk_radius"])
	loading := sv.expect(protocol.IDServerboundLoadingScreen)
	assert.EqualValues(t, 1, loading.Params["type"])

	sv.send(protocol.IDPlayStatus, map[string]any{"status": "player_spawn"})
	waitStatus(t, s, Initialized)
	select {
	case got := <-spawned:
		assert.Equal(t, "player_spawn", got.Params["status"])
	case <-time.After(waitFor):
		t.Fatal("play_status not dispatched")
	}

	var seen []Status
	for len(statuses) > 0 {
		seen = append(seen, <-statuses)
	}
	assert.Equal(t, []Status{Connecting, Authenticating, Initializing, Initialized}, seen)

	// Application writes travel through the encrypted channel.
	require.NoError(t, s.Write("text", map[string]any{"message": "hi"}))
	assert.Equal(t, "hi", sv.expect("text").Params["message"])
}

func TestSessionSkipsEncryptionOnEncryptedTransport(t *testing.T) {
	p := newPipe(peerCaps)
	sv := newServer(t, p)
	s := newSession(t, p, nil)

	login(t, s, sv)
	require.Nil(t, sv.secure)

	require.NoError(t, s.Write("text", map[string]any{"message": "plain"}))
	assert.Equal(t, "plain", sv.expect("text").Params["message"])
}

func TestSessionHoldsWritesUntilConnected(t *testing.T) {
	p := newPipe(rakNetCaps)
	sv := newServer(t, p)
	s := newSession(t, p, nil)

	require.NoError(t, s.Write("early", nil))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, p.sent)

	require.NoError(t, s.Connect(context.Background()))
	names := map[string]bool{}
	for len(names) < 2 {
		names[sv.next().Name] = true
	}
	assert.True(t, names["early"])
	assert.True(t, names[protocol.IDRequestNetworkSettings])
}

func TestSessionKicked(t *testing.T) {
	p := newPipe(rakNetCaps)
	sv := newServer(t, p)
	s := newSession(t, p, nil)
	all, _ := s.SubscribeAll()

	require.NoError(t, s.Connect(context.Background()))
	sv.expect(protocol.IDRequestNetworkSettings)

	awaited := make(chan error, 1)
	go func() { awaited <- s.Await(context.Background(), Initialized) }()

	sv.send(protocol.IDDisconnect, map[string]any{"message": "server full"})
	waitDone(t, s)

	var kick *KickError
	require.ErrorAs(t, s.Err(), &kick)
	assert.Equal(t, "server full", kick.Message)
	assert.Equal(t, "kicked: server full", s.Reason())
	assert.Equal(t, Disconnected, s.Status())

	got := <-all
	assert.Equal(t, protocol.IDDisconnect, got.Name)
	_, ok := <-all
	assert.False(t, ok)

	select {
	case err := <-awaited:
		assert.ErrorAs(t, err, &kick)
	case <-time.After(waitFor):
		t.Fatal("await did not return")
	}
	assert.ErrorIs(t, s.Write("text", nil), ErrClosed)
}

func TestSessionBadHeaderIsFatal(t *testing.T) {
	p := newPipe(rakNetCaps)
	sv := newServer(t, p)
	errs := make(chan error, 8)
	s := newSession(t, p, func(c *Config) { c.ErrorHandler = func(err error) { errs <- err } })

	require.NoError(t, s.Connect(context.Background()))
	sv.expect(protocol.IDRequestNetworkSettings)

	p.deliver([]byte{0x01, 0x02, 0x03})
	waitDone(t, s)

	assert.Equal(t, protocol.KindFraming, protocol.KindOf(s.Err()))
	assert.Equal(t, protocol.KindFraming, protocol.KindOf(<-errs))
	assert.False(t, p.closedGracefully())
}

// dumpDir redirects failed buffer dumps into a fresh directory.
func dumpDir(t *testing.T) string {
	dir := t.TempDir()
	t.Setenv("TMPDIR", dir)
	return dir
}

func dumped(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "bedrocklink-failed-*.bin"))
	require.NoError(t, err)
	return files
}

func TestSessionBadHeaderIsDumped(t *testing.T) {
	dir := dumpDir(t)
	p := newPipe(rakNetCaps)
	sv := newServer(t, p)
	s := newSession(t, p, nil)

	require.NoError(t, s.Connect(context.Background()))
	sv.expect(protocol.IDRequestNetworkSettings)

	p.deliver([]byte{0x01, 0x02, 0x03})
	waitDone(t, s)

	files := dumped(t, dir)
	require.Len(t, files, 1)
	b, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, b)
}

func TestSessionTamperedFrameIsFatal(t *testing.T) {
	dir := dumpDir(t)
	p := newPipe(rakNetCaps)
	sv := newServer(t, p)
	s := newSession(t, p, nil)
	login(t, s, sv)

	b, err := sv.codec.Encode("text", map[string]any{"message": "x"})
	require.NoError(t, err)
	sv.framer.AddPacket(b)
	frame := sv.encode()
	frame[len(frame)-1] ^= 0xff
	p.deliver(frame)

	waitDone(t, s)
	assert.Equal(t, protocol.KindIntegrity, protocol.KindOf(s.Err()))
	assert.Len(t, dumped(t, dir), 1)
}

func TestSessionRejectsSecondHandshake(t *testing.T) {
	p := newPipe(rakNetCaps)
	sv := newServer(t, p)
	errs := make(chan error, 8)
	s := newSession(t, p, func(c *Config) { c.ErrorHandler = func(err error) { errs <- err } })
	pkt := login(t, s, sv)

	tokens := pkt.Params["tokens"].(map[string]any)
	clientRef := verifiedClientKey(t, tokens["client"].(string))
	otherKeys, err := handshake.GenerateKeyPair()
	require.NoError(t, err)
	token, _, err := handshake.Initiate(otherKeys, clientRef, nil)
	require.NoError(t, err)
	sv.send(protocol.IDServerToClientHandshake, map[string]any{"token": token})

	waitDone(t, s)
	assert.Equal(t, protocol.KindHandshake, protocol.KindOf(s.Err()))
	assert.ErrorContains(t, <-errs, "duplicate handshake")

	// Nothing the client sent afterwards was encrypted under a new key.
	for {
		select {
		case b := <-p.sent:
			for _, got := range sv.decode(b) {
				assert.NotEqual(t, protocol.IDClientToServerHandshake, got.Name)
			}
			continue
		default:
		}
		break
	}
}

func TestSessionUndecodablePacketIsReported(t *testing.T) {
	p := newPipe(rakNetCaps)
	sv := newServer(t, p)
	errs := make(chan error, 8)
	s := newSession(t, p, func(c *Config) { c.ErrorHandler = func(err error) { errs <- err } })
	texts, _ := s.Subscribe("text")

	require.NoError(t, s.Connect(context.Background()))
	sv.expect(protocol.IDRequestNetworkSettings)

	good, err := sv.codec.Encode("text", map[string]any{"message": "after"})
	require.NoError(t, err)
	sv.framer.AddPacket([]byte{0xff, 0xff})
	sv.framer.AddPacket(good)
	p.deliver(sv.encode())

	select {
	case got := <-texts:
		assert.Equal(t, "after", got.Params["message"])
	case <-time.After(waitFor):
		t.Fatal("valid packet after a bad one was not dispatched")
	}
	assert.Equal(t, protocol.KindDecode, protocol.KindOf(<-errs))
	assert.Equal(t, Connecting, s.Status())
}

func TestSessionTransportLost(t *testing.T) {
	p := newPipe(rakNetCaps)
	sv := newServer(t, p)
	s := newSession(t, p, nil)

	require.NoError(t, s.Connect(context.Background()))
	sv.expect(protocol.IDRequestNetworkSettings)

	p.closeWith("connection closed", false)
	waitDone(t, s)
	assert.Equal(t, protocol.KindConnectivity, protocol.KindOf(s.Err()))
	assert.Equal(t, "connection closed", s.Reason())
}

func TestSessionCloseIsGraceful(t *testing.T) {
	p := newPipe(rakNetCaps)
	sv := newServer(t, p)
	s := newSession(t, p, nil)

	require.NoError(t, s.Connect(context.Background()))
	sv.expect(protocol.IDRequestNetworkSettings)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.NoError(t, s.Err())
	assert.Equal(t, "closed by client", s.Reason())
	assert.True(t, p.closedGracefully())
	assert.Error(t, s.Connect(context.Background()))
}

type failingIdentity struct{ auth.Offline }

func (failingIdentity) Chain(context.Context, *handshake.KeyPair) ([]string, error) {
	return nil, errors.New("sign-in refused")
}

func TestSessionAuthenticationFailure(t *testing.T) {
	p := newPipe(rakNetCaps)
	s := newSession(t, p, func(c *Config) { c.Identity = &failingIdentity{} })

	err := s.Connect(context.Background())
	assert.ErrorContains(t, err, "sign-in refused")
	select {
	case <-p.Connected():
		t.Fatal("transport connected without an identity")
	default:
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Transport: newPipe(rakNetCaps)})
	assert.Error(t, err)
}

func TestAlgorithmOf(t *testing.T) {
	testCases := []struct {
		in   any
		want batch.Algorithm
		ok   bool
	}{
		{nil, batch.Flate, true},
		{"snappy", batch.Snappy, true},
		{uint64(0), batch.Flate, true},
		{uint64(1), batch.Snappy, true},
		{uint64(0xffff), batch.None, true},
		{int64(7), 0, false},
		{"lzma", 0, false},
		{true, 0, false},
	}
	for _, tc := range testCases {
		got, err := algorithmOf(tc.in)
		if tc.ok {
			assert.NoError(t, err, "%v", tc.in)
			assert.Equal(t, tc.want, got, "%v", tc.in)
		} else {
			assert.Error(t, err, "%v", tc.in)
		}
	}
}
