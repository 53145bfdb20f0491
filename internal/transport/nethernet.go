package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/bedrocklink/internal/fragment"
	"github.com/1ureka/bedrocklink/internal/protocol"
	"github.com/1ureka/bedrocklink/internal/signaling"
	"github.com/1ureka/bedrocklink/internal/util"
)

// PeerToPeerConfig configures a PeerToPeer transport.
type PeerToPeerConfig struct {
	// NetworkID identifies this client to the server. Random when zero.
	NetworkID uint64
	// ServerNetworkID is the network ID of the server to connect to.
	ServerNetworkID uint64
	// ConnectionID correlates the signals of one attempt. Random when zero.
	ConnectionID uint64
	// SegmentSize bounds one data channel message.
	SegmentSize int
	// ICEServers may also be supplied later through SetCredentials.
	ICEServers []webrtc.ICEServer
}

// PeerToPeer is a transport over a WebRTC data channel negotiated with a
// server through a signaling.Writer. The signaling path feeds remote
// signals back through HandleSignal.
//
// Its lifecycle is governed by the PeerConnection state: connected opens the
// transport, while closed, disconnected or failed ends it.
type PeerToPeer struct {
	cfg PeerToPeerConfig

	mu        sync.Mutex
	servers   []webrtc.ICEServer
	signaler  signaling.Writer
	pc        *webrtc.PeerConnection
	reliable  *webrtc.DataChannel
	unrel     *webrtc.DataChannel
	sender    *sender
	answered  bool
	early     []webrtc.ICECandidateInit
	reason    string
	isUp      bool
	connected chan struct{}
	upOnce    sync.Once
	// offered is closed once the offer went out; candidates wait for it.
	offered chan struct{}

	reasm   fragment.Reassembler
	packets chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ Transport = (*PeerToPeer)(nil)

// NewPeerToPeer returns an unconnected transport.
func NewPeerToPeer(cfg PeerToPeerConfig) *PeerToPeer {
	if cfg.NetworkID == 0 {
		cfg.NetworkID = rand.Uint64()
	}
	if cfg.ConnectionID == 0 {
		cfg.ConnectionID = rand.Uint64()
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = fragment.DefaultSegmentSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerToPeer{
		cfg:       cfg,
		servers:   cfg.ICEServers,
		connected: make(chan struct{}),
		offered:   make(chan struct{}),
		packets:   make(chan []byte, 256),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// NetworkID returns the local network ID.
func (p *PeerToPeer) NetworkID() uint64 { return p.cfg.NetworkID }

// ConnectionID returns the ID correlating this attempt's signals.
func (p *PeerToPeer) ConnectionID() uint64 { return p.cfg.ConnectionID }

// SetCredentials sets the ICE servers used by the next Connect.
func (p *PeerToPeer) SetCredentials(servers []webrtc.ICEServer) {
	p.mu.Lock()
	p.servers = append([]webrtc.ICEServer(nil), servers...)
	p.mu.Unlock()
}

// SetSignaler sets where local signals are written.
func (p *PeerToPeer) SetSignaler(w signaling.Writer) {
	p.mu.Lock()
	p.signaler = w
	p.mu.Unlock()
}

func (p *PeerToPeer) Caps() Capabilities         { return Capabilities{Encrypted: true} }
func (p *PeerToPeer) Connected() <-chan struct{} { return p.connected }
func (p *PeerToPeer) Packets() <-chan []byte     { return p.packets }
func (p *PeerToPeer) Done() <-chan struct{}      { return p.ctx.Done() }

func (p *PeerToPeer) Reason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// IsConnected reports whether the peer connection reached the connected
// state.
func (p *PeerToPeer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isUp
}

// Connect creates the peer connection and its channels and sends the offer.
func (p *PeerToPeer) Connect(ctx context.Context) error {
	sdp, err := p.prepare()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		p.Close()
		return err
	}
	if err := p.signal(signaling.ConnectRequest, sdp); err != nil {
		_ = p.closeWith("offer not sent")
		return protocol.NewError(protocol.KindConnectivity, "send offer", err)
	}
	close(p.offered)
	return nil
}

// prepare builds the peer connection and returns the local offer.
func (p *PeerToPeer) prepare() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		return "", ErrClosed
	}
	if p.pc != nil {
		return "", errors.New("nethernet: connect called twice")
	}
	if p.signaler == nil {
		return "", errors.New("nethernet: no signaler set")
	}

	pc, err := newPeerConnection(p.servers)
	if err != nil {
		return "", protocol.NewError(protocol.KindConnectivity, "create peer connection", err)
	}
	reliable, unrel, err := newDataChannels(pc)
	if err != nil {
		pc.Close()
		return "", protocol.NewError(protocol.KindConnectivity, "create data channels", err)
	}
	p.pc, p.reliable, p.unrel = pc, reliable, unrel

	open := make(chan struct{})
	var openOnce sync.Once
	reliable.OnOpen(func() {
		openOnce.Do(func() { close(open) })
	})
	reliable.OnClose(func() {
		go p.closeWith("reliable channel closed")
	})
	reliable.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.handleMessage(msg.Data)
	})
	p.sender = newSender(p.ctx, reliable, open, p.cfg.SegmentSize, func(err error) {
		go p.closeWith(fmt.Sprintf("send failed: %v", err))
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		line := c.ToJSON().Candidate
		if !signalable(line) {
			return
		}
		select {
		case <-p.offered:
		case <-p.ctx.Done():
			return
		}
		if err := p.signal(signaling.CandidateAdd, line); err != nil {
			util.LogWarning("nethernet: writing candidate failed: %v", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.mu.Lock()
			p.isUp = true
			p.mu.Unlock()
			p.upOnce.Do(func() { close(p.connected) })
		case webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed:
			go p.closeWith("disconnected")
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", protocol.NewError(protocol.KindConnectivity, "create offer", err)
	}
	offer.SDP = rewriteOrigin(offer.SDP, p.cfg.NetworkID)
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", protocol.NewError(protocol.KindConnectivity, "set local description", err)
	}
	return offer.SDP, nil
}

// signal writes one local signal addressed to the server.
func (p *PeerToPeer) signal(typ signaling.SignalType, data string) error {
	p.mu.Lock()
	w := p.signaler
	p.mu.Unlock()

	return w.WriteSignal(&signaling.Signal{
		Type:         typ,
		ConnectionID: p.cfg.ConnectionID,
		Data:         data,
		Origin:       p.cfg.NetworkID,
		Destination:  p.cfg.ServerNetworkID,
	})
}

// HandleSignal applies a signal received from the server.
func (p *PeerToPeer) HandleSignal(sig *signaling.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pc == nil {
		return errors.New("nethernet: signal before connect")
	}
	if sig.ConnectionID != p.cfg.ConnectionID {
		util.LogDebug("nethernet: ignoring %s for connection %d", sig.Type, sig.ConnectionID)
		return nil
	}

	switch sig.Type {
	case signaling.ConnectResponse:
		if p.answered {
			return nil
		}
		err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.Data})
		if err != nil {
			return protocol.NewError(protocol.KindConnectivity, "set remote description", err)
		}
		p.answered = true
		var result *multierror.Error
		for _, c := range p.early {
			if err := p.pc.AddICECandidate(c); err != nil {
				result = multierror.Append(result, err)
			}
		}
		p.early = nil
		return result.ErrorOrNil()

	case signaling.CandidateAdd:
		c := candidateInit(sig.Data)
		if !p.answered {
			p.early = append(p.early, c)
			return nil
		}
		if err := p.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add candidate: %w", err)
		}

	case signaling.ConnectError:
		go p.closeWith("connect error: " + sig.Data)
	}
	return nil
}

func candidateInit(line string) webrtc.ICECandidateInit {
	mid := "0"
	index := uint16(0)
	return webrtc.ICECandidateInit{Candidate: line, SDPMid: &mid, SDPMLineIndex: &index}
}

// handleMessage reassembles segments from the reliable channel.
func (p *PeerToPeer) handleMessage(data []byte) {
	p.mu.Lock()
	msg, done, err := p.reasm.Feed(data)
	p.mu.Unlock()
	if err != nil {
		util.LogError("nethernet: %v", err)
		go p.closeWith(err.Error())
		return
	}
	if !done {
		return
	}
	util.Stats.AddRecv(len(msg))
	select {
	case p.packets <- msg:
	case <-p.ctx.Done():
	}
}

// SendReliable queues b for the reliable channel. Batches sent before the
// channel opens are flushed in order once it does.
func (p *PeerToPeer) SendReliable(b []byte, _ bool) error {
	p.mu.Lock()
	s := p.sender
	p.mu.Unlock()
	if s == nil {
		return errors.New("nethernet: send before connect")
	}
	return s.send(p.ctx, b)
}

// Shutdown flushes queued batches, waiting for the channel to open if it
// has not yet, then closes.
func (p *PeerToPeer) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	s := p.sender
	p.mu.Unlock()
	if s != nil {
		s.drain(ctx)
	}
	return p.Close()
}

// Close tears down the channels and peer connection, discarding queued
// batches.
func (p *PeerToPeer) Close() error {
	return p.closeWith("closed by client")
}

func (p *PeerToPeer) closeWith(reason string) error {
	var result *multierror.Error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.reason = reason
		pc, reliable, unrel := p.pc, p.reliable, p.unrel
		p.cancel()
		p.mu.Unlock()

		if reliable != nil {
			result = multierror.Append(result, reliable.Close())
		}
		if unrel != nil {
			result = multierror.Append(result, unrel.Close())
		}
		if pc != nil {
			result = multierror.Append(result, pc.Close())
		}
		util.LogDebug("nethernet closed: %s", reason)
	})
	return result.ErrorOrNil()
}
