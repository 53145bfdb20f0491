// Package session drives one client connection to a server: it frames and
// encrypts outbound packets, decodes inbound batches, runs the login flow and
// hands every decoded packet to subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/bedrocklink/internal/auth"
	"github.com/1ureka/bedrocklink/internal/batch"
	"github.com/1ureka/bedrocklink/internal/handshake"
	"github.com/1ureka/bedrocklink/internal/metrics"
	"github.com/1ureka/bedrocklink/internal/protocol"
	"github.com/1ureka/bedrocklink/internal/secure"
	"github.com/1ureka/bedrocklink/internal/transport"
	"github.com/1ureka/bedrocklink/internal/util"
)

const (
	// DefaultChunkRadius is requested once resource packs are settled.
	DefaultChunkRadius = 8
	maxChunkRadius     = 12

	// DefaultShutdownTimeout bounds the graceful flush on Close.
	DefaultShutdownTimeout = 2 * time.Second

	writeBufferSize = 256
)

// ErrClosed is returned by Write once the session has ended.
var ErrClosed = errors.New("session closed")

// KickError is the error of a session the server disconnected.
type KickError struct {
	Message string
}

func (e *KickError) Error() string { return "kicked: " + e.Message }

// Config holds everything a session needs. Transport, Codec and Identity
// are required.
type Config struct {
	Transport transport.Transport
	Codec     protocol.Codec
	Identity  auth.Provider

	// Version is the game version announced at login, ProtocolVersion the
	// matching protocol number.
	Version         string
	ProtocolVersion int
	// ServerAddress is the "host:port" announced at login.
	ServerAddress string

	ChunkRadius int
	// CompressionLevel is the flate level of outbound batches; zero keeps
	// the default.
	CompressionLevel int
	// SkinData is merged into the login client data.
	SkinData map[string]any

	// ErrorHandler receives every error the session reports. Without one,
	// undecodable packets are dumped to a file.
	ErrorHandler func(error)
	Metrics      *metrics.Metrics

	ShutdownTimeout time.Duration
}

// Session is one client connection. Framing, encryption and lifecycle state
// are owned by a single loop goroutine; the exported methods are safe for
// concurrent use.
type Session struct {
	cfg        Config
	tr         transport.Transport
	machine    *Machine
	dispatcher *Dispatcher
	keys       *handshake.KeyPair

	// Owned by the loop.
	framer    *batch.Framer
	secure    *secure.Channel
	connected bool
	// handshaked is set once the key exchange completed, even when the
	// transport encrypts on its own.
	handshaked bool
	exit       *exit

	writes     chan []byte
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	connecting atomic.Bool

	mu     sync.Mutex
	chain  []string
	err    error
	reason string
}

// exit records why the loop is stopping.
type exit struct {
	err      error
	reason   string
	graceful bool
}

// New creates a session and starts its loop. Packets may be written right
// away; they are sent once the transport connects.
func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: no transport")
	}
	if cfg.Codec == nil {
		return nil, errors.New("session: no codec")
	}
	if cfg.Identity == nil {
		return nil, errors.New("session: no identity provider")
	}
	if cfg.ChunkRadius <= 0 {
		cfg.ChunkRadius = DefaultChunkRadius
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	keys, err := handshake.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	settings := batch.DefaultSettings()
	if cfg.CompressionLevel != 0 {
		settings.Level = cfg.CompressionLevel
	}
	caps := cfg.Transport.Caps()
	settings.BatchHeader = caps.BatchHeader
	settings.HasBatchHeader = caps.HasBatchHeader

	s := &Session{
		cfg:        cfg,
		tr:         cfg.Transport,
		machine:    NewMachine(),
		dispatcher: NewDispatcher(),
		keys:       keys,
		framer:     batch.NewFramer(settings),
		writes:     make(chan []byte, writeBufferSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Connect authenticates with the identity provider and then starts
// connecting the transport. It returns once the attempt is under way; use
// Await or StatusChanges to follow the login.
func (s *Session) Connect(ctx context.Context) error {
	if !s.connecting.CompareAndSwap(false, true) {
		return errors.New("session: connect already called")
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	chain, err := s.cfg.Identity.Chain(ctx, s.keys)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	s.mu.Lock()
	s.chain = chain
	s.mu.Unlock()

	if err := s.tr.Connect(ctx); err != nil {
		return protocol.NewError(protocol.KindConnectivity, "connect", err)
	}
	return nil
}

// Write encodes a packet and sends it in its own batch, or holds it until
// the transport connects.
func (s *Session) Write(name string, params map[string]any) error {
	b, err := s.cfg.Codec.Encode(name, params)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.writes <- b:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Subscribe delivers every packet with the given name.
func (s *Session) Subscribe(name string) (<-chan *protocol.Packet, func()) {
	return s.dispatcher.Register(name)
}

// SubscribeAll delivers every decoded packet.
func (s *Session) SubscribeAll() (<-chan *protocol.Packet, func()) {
	return s.dispatcher.Register(allPackets)
}

// StatusChanges delivers every status the session moves to.
func (s *Session) StatusChanges() (<-chan Status, func()) {
	return s.machine.Subscribe()
}

// Status returns the current status.
func (s *Session) Status() Status { return s.machine.Status() }

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the session, or nil if it is still
// running or was closed by the client.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Reason describes why the session ended.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Await blocks until the session reaches want or a later status. It fails
// if the session ends first.
func (s *Session) Await(ctx context.Context, want Status) error {
	changes, cancel := s.machine.Subscribe()
	defer cancel()

	for {
		if st := s.machine.Status(); st >= want && st != Disconnected {
			return nil
		}
		select {
		case _, ok := <-changes:
			if !ok {
				if err := s.Err(); err != nil {
					return err
				}
				return fmt.Errorf("%w: %s", ErrClosed, s.Reason())
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close flushes pending packets and shuts the session down. It is safe to
// call more than once.
func (s *Session) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func (s *Session) run() {
	connected := s.tr.Connected()
	for s.exit == nil {
		select {
		case <-s.stop:
			s.exit = &exit{reason: "closed by client", graceful: true}
		case <-connected:
			connected = nil
			s.onConnected()
		case b := <-s.writes:
			s.framer.AddPacket(b)
			s.flush()
		case b := <-s.tr.Packets():
			s.handle(b)
		case <-s.tr.Done():
			reason := s.tr.Reason()
			s.exit = &exit{
				err:    protocol.Errorf(protocol.KindConnectivity, "transport", "%s", reason),
				reason: reason,
			}
		}
	}
	s.finish()
}

func (s *Session) finish() {
	e := s.exit
	s.mu.Lock()
	s.err = e.err
	s.reason = e.reason
	s.mu.Unlock()

	if e.graceful {
		s.drainWrites()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		if err := s.tr.Shutdown(ctx); err != nil {
			util.LogDebug("transport shutdown: %v", err)
		}
		cancel()
	} else {
		_ = s.tr.Close()
	}

	if e.err != nil {
		util.LogWarning("session ended: %v", e.err)
	} else {
		util.LogInfo("session ended: %s", e.reason)
	}
	s.machine.Close()
	s.cfg.Metrics.SetSessionStatus(int(Disconnected))
	s.dispatcher.Close()
	close(s.done)
}

// drainWrites moves already queued writes into the final batch.
func (s *Session) drainWrites() {
	for {
		select {
		case b := <-s.writes:
			s.framer.AddPacket(b)
		default:
			s.flush()
			return
		}
	}
}

// fail ends the session with err.
func (s *Session) fail(err error) {
	if s.exit == nil {
		s.exit = &exit{err: err, reason: err.Error()}
	}
}

func (s *Session) setStatus(to Status) {
	if err := s.machine.Transition(to); err != nil {
		util.LogWarning("session: %v", err)
		return
	}
	util.LogDebug("session status: %s", to)
	s.cfg.Metrics.SetSessionStatus(int(to))
}

// write encodes a packet from inside the loop and sends it right away.
func (s *Session) write(name string, params map[string]any) {
	b, err := s.cfg.Codec.Encode(name, params)
	if err != nil {
		s.report(fmt.Errorf("encode %s: %w", name, err), nil)
		return
	}
	s.framer.AddPacket(b)
	s.flush()
}

// flush sends the pending batch if the transport is up. Otherwise the
// packets stay pending.
func (s *Session) flush() {
	if !s.connected || s.framer.Len() == 0 {
		return
	}

	var out []byte
	if s.secure != nil {
		enc, err := s.secure.Encrypt(s.framer.Buffer())
		if err != nil {
			s.fail(protocol.NewError(protocol.KindIntegrity, "encrypt", err))
			return
		}
		out = s.framer.WithHeader(enc)
	} else {
		var err error
		out, err = s.framer.Encode()
		if err != nil {
			s.fail(protocol.NewError(protocol.KindFraming, "encode batch", err))
			return
		}
	}

	if err := s.tr.SendReliable(out, true); err != nil {
		s.fail(protocol.NewError(protocol.KindConnectivity, "send", err))
		return
	}
	s.framer.Flush()
	s.cfg.Metrics.Frame(metrics.DirectionOut, len(out))
}

// handle decodes one inbound batch and processes its packets in order.
func (s *Session) handle(buf []byte) {
	s.cfg.Metrics.Frame(metrics.DirectionIn, len(buf))

	var packets [][]byte
	var err error
	if s.secure != nil {
		var payload, raw []byte
		payload, err = s.framer.StripHeader(buf)
		if err == nil {
			raw, err = s.secure.Decrypt(payload)
		}
		if err == nil {
			packets, err = batch.Split(raw)
		}
	} else {
		packets, err = s.framer.Decode(buf)
	}
	if err != nil {
		s.report(err, buf)
		if protocol.IsFatal(err) {
			s.fail(err)
		}
		return
	}

	for _, p := range packets {
		s.readPacket(p)
		if s.exit != nil {
			return
		}
	}
}

func (s *Session) readPacket(b []byte) {
	pkt, err := s.cfg.Codec.Decode(b)
	if err != nil {
		if protocol.KindOf(err) == protocol.KindUnknown {
			err = protocol.NewError(protocol.KindDecode, "decode packet", err)
		}
		s.report(err, b)
		return
	}
	s.dispatcher.Route(pkt)
	s.onPacket(pkt)
}

// report hands err to the error handler. Without one, the buffer behind a
// decode or fatal error is written to a file for inspection.
func (s *Session) report(err error, buf []byte) {
	s.cfg.Metrics.Error(protocol.KindOf(err).String())
	if s.cfg.ErrorHandler != nil {
		s.cfg.ErrorHandler(err)
		return
	}
	if buf != nil && (protocol.KindOf(err) == protocol.KindDecode || protocol.IsFatal(err)) {
		if path, derr := protocol.DumpFailedBuffer(buf, err); derr == nil {
			util.LogWarning("%v (buffer saved to %s)", err, path)
			return
		}
	}
	util.LogWarning("%v", err)
}
