package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/1ureka/bedrocklink/internal/metrics"
	"github.com/1ureka/bedrocklink/internal/protocol"
	"github.com/1ureka/bedrocklink/internal/signaling"
	"github.com/1ureka/bedrocklink/internal/util"
)

const (
	DefaultPort             = 7551
	DefaultBroadcastAddress = "255.255.255.255"
	DefaultInterval         = 2 * time.Second

	maxDatagramSize = 64 * 1024
	// keepalive is the message body peers send to hold a path open.
	keepalive = "Ping"
)

// Config configures a Discovery.
type Config struct {
	// NetworkID is the local sender ID.
	NetworkID uint64
	// ListenAddress is the local UDP address, ":0" when empty.
	ListenAddress string
	// BroadcastAddress and Port are where requests are sent.
	BroadcastAddress string
	Port             int
	Interval         time.Duration

	// Advertise, when non-nil, makes this node answer requests with it as
	// application data.
	Advertise []byte

	Metrics *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":0"
	}
	if c.BroadcastAddress == "" {
		c.BroadcastAddress = DefaultBroadcastAddress
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
}

// Response is a discovery response received from a peer.
type Response struct {
	SenderID        uint64
	Addr            net.Addr
	ApplicationData []byte
}

// Discovery broadcasts requests, records responding peers and exchanges
// signals with them. It implements signaling.Writer.
type Discovery struct {
	cfg       Config
	conn      net.PacketConn
	broadcast *net.UDPAddr

	mu    sync.RWMutex
	peers map[uint64]net.Addr

	signals   chan *signaling.Signal
	responses chan Response

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ signaling.Writer = (*Discovery)(nil)

// ErrMessageTooLarge is returned for a signal too long for one datagram.
var ErrMessageTooLarge = errors.New("signal too large for a discovery message")

// Listen opens the discovery socket and starts the broadcast and receive
// loops.
func Listen(ctx context.Context, cfg Config) (*Discovery, error) {
	cfg.applyDefaults()

	bcast, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(cfg.BroadcastAddress, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast address: %w", err)
	}

	lc := net.ListenConfig{Control: enableBroadcast}
	conn, err := lc.ListenPacket(ctx, "udp4", cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery socket: %w", err)
	}

	d := &Discovery{
		cfg:       cfg,
		conn:      conn,
		broadcast: bcast,
		peers:     make(map[uint64]net.Addr),
		signals:   make(chan *signaling.Signal, 64),
		responses: make(chan Response, 16),
		stop:      make(chan struct{}),
	}

	d.wg.Add(2)
	go d.broadcastLoop()
	go d.receiveLoop()

	util.LogDebug("discovery listening on %s, broadcasting to %s", conn.LocalAddr(), bcast)
	return d, nil
}

// LocalAddr returns the address of the discovery socket.
func (d *Discovery) LocalAddr() net.Addr { return d.conn.LocalAddr() }

// Signals delivers signals received from discovered peers. It is closed by
// Close.
func (d *Discovery) Signals() <-chan *signaling.Signal { return d.signals }

// Responses delivers discovery responses. Responses that arrive while the
// channel is full are dropped.
func (d *Discovery) Responses() <-chan Response { return d.responses }

// Peer returns the address recorded for a sender ID.
func (d *Discovery) Peer(id uint64) (net.Addr, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.peers[id]
	return addr, ok
}

// Request broadcasts one discovery request immediately.
func (d *Discovery) Request() error {
	_, err := d.conn.WriteTo(Marshal(d.cfg.NetworkID, &RequestPacket{}), d.broadcast)
	return err
}

// WriteSignal sends sig to the peer named by its Destination. A signal for a
// peer that has not been discovered yet is dropped.
func (d *Discovery) WriteSignal(sig *signaling.Signal) error {
	if sig.Origin == 0 {
		sig.Origin = d.cfg.NetworkID
	}
	line := sig.String()
	if len(line) > MaxMessageSize {
		return fmt.Errorf("%w: %s of %d bytes", ErrMessageTooLarge, sig.Type, len(line))
	}
	addr, ok := d.Peer(sig.Destination)
	if !ok {
		util.LogDebug("discovery: dropping %s for undiscovered peer %d", sig.Type, sig.Destination)
		return nil
	}

	data := Marshal(d.cfg.NetworkID, &MessagePacket{RecipientID: sig.Destination, Data: line})
	if _, err := d.conn.WriteTo(data, addr); err != nil {
		return protocol.NewError(protocol.KindConnectivity, "discovery write", err)
	}
	d.cfg.Metrics.Signal(metrics.DirectionOut, string(sig.Type))
	return nil
}

// Close stops both loops and closes the socket.
func (d *Discovery) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.stop)
		err = d.conn.Close()
		d.wg.Wait()
		close(d.signals)
		close(d.responses)
	})
	return err
}

func (d *Discovery) broadcastLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := d.Request(); err != nil {
			select {
			case <-d.stop:
				return
			default:
			}
			util.LogDebug("discovery: request failed: %v", err)
		}
		select {
		case <-ticker.C:
		case <-d.stop:
			return
		}
	}
}

func (d *Discovery) receiveLoop() {
	defer d.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := d.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-d.stop:
				return
			default:
			}
			util.LogDebug("discovery: read failed: %v", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		d.handle(data, addr)
	}
}

// handle processes one datagram. Malformed datagrams are logged and dropped.
func (d *Discovery) handle(data []byte, addr net.Addr) {
	sender, pk, err := Unmarshal(data)
	if err != nil {
		reason := metrics.DropDecode
		switch {
		case errors.Is(err, errShort):
			reason = metrics.DropShort
		case errors.Is(err, errChecksum):
			reason = metrics.DropChecksum
		}
		d.cfg.Metrics.DiscoveryDropped(reason)
		util.LogDebug("discovery: %v", protocol.NewError(protocol.KindTransientDiscovery, "datagram from "+addr.String(), err))
		return
	}
	if sender == d.cfg.NetworkID {
		d.cfg.Metrics.DiscoveryDropped(metrics.DropSelf)
		return
	}

	switch pk := pk.(type) {
	case *RequestPacket:
		if d.cfg.Advertise == nil {
			return
		}
		d.record(sender, addr)
		resp := Marshal(d.cfg.NetworkID, &ResponsePacket{ApplicationData: d.cfg.Advertise})
		if _, err := d.conn.WriteTo(resp, addr); err != nil {
			util.LogDebug("discovery: response to %s failed: %v", addr, err)
		}

	case *ResponsePacket:
		d.record(sender, addr)
		select {
		case d.responses <- Response{SenderID: sender, Addr: addr, ApplicationData: pk.ApplicationData}:
		default:
		}

	case *MessagePacket:
		if pk.Data == keepalive {
			return
		}
		if pk.RecipientID != 0 && pk.RecipientID != d.cfg.NetworkID {
			util.LogDebug("discovery: message for %d is not ours", pk.RecipientID)
			return
		}
		sig, err := signaling.ParseSignal(pk.Data)
		if err != nil {
			d.cfg.Metrics.DiscoveryDropped(metrics.DropDecode)
			util.LogDebug("discovery: bad signal from %d: %v", sender, err)
			return
		}
		sig.Origin = sender
		sig.Destination = d.cfg.NetworkID
		d.cfg.Metrics.Signal(metrics.DirectionIn, string(sig.Type))
		select {
		case d.signals <- sig:
		case <-d.stop:
		}
	}
}

// record stores the address of a peer.
func (d *Discovery) record(id uint64, addr net.Addr) {
	d.mu.Lock()
	_, known := d.peers[id]
	d.peers[id] = addr
	n := len(d.peers)
	d.mu.Unlock()

	if !known {
		util.LogDebug("discovery: found peer %d at %s", id, addr)
	}
	d.cfg.Metrics.SetDiscoveredPeers(n)
}
