package signaling

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/bedrocklink/internal/metrics"
	"github.com/1ureka/bedrocklink/internal/protocol"
	"github.com/1ureka/bedrocklink/internal/util"
)

// Defaults for Config.
const (
	DefaultPingInterval       = 2 * time.Second
	DefaultLivenessTimeout    = 60 * time.Second
	DefaultRetryDelay         = 15 * time.Second
	DefaultMaxRetries         = 5
	DefaultCredentialsTimeout = 15 * time.Second
)

// NoRetries disables reconnecting when set as Config.MaxRetries.
const NoRetries = -1

// TokenFunc returns the credential presented to the signaling service. It is
// called before every (re)connect.
type TokenFunc func(ctx context.Context) (string, error)

// Config configures a Session.
type Config struct {
	NetworkID uint64
	Protocol  Protocol
	Token     TokenFunc

	Dialer          *websocket.Dialer
	PingInterval    time.Duration
	LivenessTimeout time.Duration
	RetryDelay      time.Duration
	// MaxRetries bounds reconnects after a transient failure. Zero means
	// DefaultMaxRetries; use NoRetries to fail on the first one.
	MaxRetries         int
	CredentialsTimeout time.Duration

	Metrics *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.Protocol == nil {
		c.Protocol = &JSONRPC{}
	}
	if c.Token == nil {
		c.Token = func(context.Context) (string, error) { return "", nil }
	}
	if c.Dialer == nil {
		c.Dialer = newDialer()
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = DefaultLivenessTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.CredentialsTimeout <= 0 {
		c.CredentialsTimeout = DefaultCredentialsTimeout
	}
}

// Session keeps a signaling stream open, relays signals in both directions
// and reconnects on transient failures.
type Session struct {
	cfg Config
	out sender

	gateMu sync.Mutex
	gate   candidateGate

	signals chan *Signal
	errs    chan error

	credsMu    sync.Mutex
	creds      []webrtc.ICEServer
	credsReady chan struct{}
	credsOnce  sync.Once

	failed   chan struct{}
	failOnce sync.Once
	err      error

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewSession creates a session. Nothing is dialed until Connect.
func NewSession(cfg Config) *Session {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:        cfg,
		signals:    make(chan *Signal, 64),
		errs:       make(chan error, 1),
		credsReady: make(chan struct{}),
		failed:     make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Connect starts the stream and blocks until TURN credentials have been
// delivered, the credentials timeout expires, the session fails, or ctx is
// done. The stream keeps running after Connect returns.
func (s *Session) Connect(ctx context.Context) error {
	s.startOnce.Do(func() { go s.run() })

	timer := time.NewTimer(s.cfg.CredentialsTimeout)
	defer timer.Stop()

	select {
	case <-s.credsReady:
		return nil
	case <-s.failed:
		return s.err
	case <-timer.C:
		return protocol.Errorf(protocol.KindFatalConnectivity, "signaling",
			"no credentials within %s", s.cfg.CredentialsTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return fmt.Errorf("signaling session closed")
	}
}

// Signals returns remote signals ready for the peer connection. The channel
// is closed when the session stops.
func (s *Session) Signals() <-chan *Signal { return s.signals }

// Errors delivers the fatal error that ended the session, if any.
func (s *Session) Errors() <-chan error { return s.errs }

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Credentials returns the most recently delivered ICE servers.
func (s *Session) Credentials() []webrtc.ICEServer {
	s.credsMu.Lock()
	defer s.credsMu.Unlock()
	return append([]webrtc.ICEServer(nil), s.creds...)
}

// WriteSignal sends a local signal. Candidates are held back until the
// pending ConnectRequest has been answered.
func (s *Session) WriteSignal(sig *Signal) error {
	if sig.Origin == 0 {
		sig.Origin = s.cfg.NetworkID
	}
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	for _, out := range s.gate.outbound(sig) {
		if err := s.sendSignal(out); err != nil {
			return err
		}
	}
	return nil
}

// sendSignal encodes and writes one signal. gateMu must be held so queued
// candidates are never overtaken.
func (s *Session) sendSignal(sig *Signal) error {
	data, err := s.cfg.Protocol.Encode(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	if err := s.out.send(data); err != nil {
		return protocol.NewError(protocol.KindConnectivity, "write signal", err)
	}
	s.cfg.Metrics.Signal(metrics.DirectionOut, string(sig.Type))
	util.LogDebug("signal out: %s %d", sig.Type, sig.ConnectionID)
	return nil
}

// Close sends a normal closure and stops the session. Safe to call more
// than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.out.sendClose()
		s.cancel()
		// A session that never started still has to release its channels.
		s.startOnce.Do(func() {
			close(s.signals)
			close(s.done)
		})
	})
	<-s.done
	return nil
}

func (s *Session) fail(err error) {
	s.failOnce.Do(func() {
		s.err = err
		close(s.failed)
		s.errs <- err
		s.cfg.Metrics.Error(protocol.KindOf(err).String())
	})
}

// run owns the reconnect loop.
func (s *Session) run() {
	defer close(s.done)
	defer close(s.signals)

	retries := 0
	for {
		code, err := s.runOnce(&retries)
		if s.ctx.Err() != nil {
			return
		}
		if !shouldRetry(code, retries, s.cfg.MaxRetries) {
			s.fail(protocol.NewError(protocol.KindFatalConnectivity, "signaling",
				fmt.Errorf("signal closed with code %d after %d retries: %w", code, retries, err)))
			return
		}
		retries++
		s.cfg.Metrics.SignalingRetry()
		util.LogWarning("signaling closed (code %d), retry %d/%d in %s: %v",
			code, retries, s.cfg.MaxRetries, s.cfg.RetryDelay, err)

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.cfg.RetryDelay):
		}
	}
}

// runOnce dials, serves one stream until it closes, and returns the close
// code.
func (s *Session) runOnce(retries *int) (int, error) {
	token, err := s.cfg.Token(s.ctx)
	if err != nil {
		return closeStaleAuth, fmt.Errorf("get services token: %w", err)
	}
	url, header := s.cfg.Protocol.Endpoint(s.cfg.NetworkID, token)
	conn, code, err := dial(s.ctx, s.cfg.Dialer, url, header)
	if err != nil {
		return code, err
	}
	defer conn.Close()

	s.out.attach(conn)
	defer s.out.detach()
	s.cfg.Metrics.SetSignalingConnected(true)
	defer s.cfg.Metrics.SetSignalingConnected(false)
	util.LogDebug("signaling connected: %s (%s)", url, s.cfg.Protocol.Name())

	hello, err := s.cfg.Protocol.Hello()
	if err != nil {
		return websocket.CloseInternalServerErr, err
	}
	for _, msg := range hello {
		if err := s.out.send(msg); err != nil {
			return closeCode(err), err
		}
	}

	var liveness atomic.Int64
	liveness.Store(time.Now().UnixNano())

	loopCtx, loopCancel := context.WithCancel(s.ctx)
	defer loopCancel()

	go func() {
		// Unblock the reader on close.
		<-loopCtx.Done()
		conn.Close()
	}()
	go s.pingLoop(loopCtx, conn, &liveness)

	return s.receive(conn, &liveness, retries)
}

// pingLoop sends liveness probes and terminates the stream once nothing has
// been received for LivenessTimeout.
func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn, liveness *atomic.Int64) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping, err := s.cfg.Protocol.Ping()
			if err == nil {
				_ = s.out.send(ping)
			}
			if time.Since(time.Unix(0, liveness.Load())) > s.cfg.LivenessTimeout {
				util.LogWarning("signaling stream silent for %s, terminating", s.cfg.LivenessTimeout)
				conn.Close()
				return
			}
		}
	}
}

// handle processes one inbound stream message.
func (s *Session) handle(data []byte) {
	in, err := s.cfg.Protocol.Decode(data)
	if err != nil {
		util.LogDebug("signaling: dropping message: %v", err)
		return
	}

	for _, reply := range in.Replies {
		if err := s.out.send(reply); err != nil {
			util.LogDebug("signaling: reply failed: %v", err)
		}
	}

	if in.HasCredentials {
		s.credsMu.Lock()
		s.creds = in.Credentials
		s.credsMu.Unlock()
		s.credsOnce.Do(func() { close(s.credsReady) })
		util.LogDebug("signaling: received %d ICE servers", len(in.Credentials))
	}

	for _, sig := range in.Signals {
		sig.Destination = s.cfg.NetworkID
		s.cfg.Metrics.Signal(metrics.DirectionIn, string(sig.Type))

		s.gateMu.Lock()
		deliver, send := s.gate.inbound(sig)
		for _, out := range send {
			if err := s.sendSignal(out); err != nil {
				util.LogWarning("signaling: flushing candidate failed: %v", err)
			}
		}
		s.gateMu.Unlock()

		for _, d := range deliver {
			select {
			case s.signals <- d:
			case <-s.ctx.Done():
				return
			}
		}
	}
}
