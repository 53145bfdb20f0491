// Package app wires configuration, transports, signaling and the session
// into the client the CLI runs.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/1ureka/bedrocklink/internal/auth"
	"github.com/1ureka/bedrocklink/internal/config"
	"github.com/1ureka/bedrocklink/internal/discovery"
	"github.com/1ureka/bedrocklink/internal/metrics"
	"github.com/1ureka/bedrocklink/internal/protocol"
	"github.com/1ureka/bedrocklink/internal/session"
	"github.com/1ureka/bedrocklink/internal/signaling"
	"github.com/1ureka/bedrocklink/internal/transport"
	"github.com/1ureka/bedrocklink/internal/util"
)

// link is a transport plus whatever carries its signals.
type link struct {
	transport.Transport
	address string
	closers []func() error
}

// close releases the signaling path after the transport is gone.
func (l *link) close() error {
	var errs *multierror.Error
	for i := len(l.closers) - 1; i >= 0; i-- {
		if err := l.closers[i](); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// RunClient connects to the configured server, logs in and stays connected
// until ctx is cancelled or the server ends the session.
func RunClient(ctx context.Context, conf *config.Config) error {
	if err := conf.Validate(); err != nil {
		return err
	}
	if err := util.SetLevel(conf.Log.Level); err != nil {
		return err
	}

	m, err := startMetrics(ctx, conf.Metrics.Listen)
	if err != nil {
		return err
	}
	if conf.Log.Stats {
		util.StartStatsReporter(ctx)
	}

	identity := &auth.Offline{Username: conf.Client.Username, Token: conf.Client.ServicesToken}

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(conf.Client.ConnectTimeout))
	defer cancel()

	l, err := openLink(connectCtx, conf, identity, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.close(); err != nil {
			util.LogDebug("close signaling: %v", err)
		}
	}()

	codec, err := protocol.NewCBORCodec()
	if err != nil {
		return err
	}
	sess, err := session.New(session.Config{
		Transport:        l,
		Codec:            codec,
		Identity:         identity,
		Version:          conf.Client.Version,
		ProtocolVersion:  conf.Client.Protocol,
		ServerAddress:    l.address,
		ChunkRadius:      conf.Client.ChunkRadius,
		CompressionLevel: conf.Compression.Level,
		Metrics:          m,
		ShutdownTimeout:  time.Duration(conf.Client.ShutdownTimeout),
	})
	if err != nil {
		_ = l.Close()
		return err
	}
	defer sess.Close()

	util.LogInfo("connecting to %s over %s", l.address, conf.Client.Transport)
	if err := sess.Connect(connectCtx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if err := sess.Await(connectCtx, session.Initialized); err != nil {
		return fmt.Errorf("failed to join: %w", err)
	}
	util.LogInfo("joined %s", l.address)

	select {
	case <-ctx.Done():
		util.LogInfo("disconnecting")
		return nil
	case <-sess.Done():
		return sess.Err()
	}
}

func startMetrics(ctx context.Context, addr string) (*metrics.Metrics, error) {
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	m := metrics.New()
	go func() {
		if err := m.Serve(ctx, ln); err != nil {
			util.LogError("metrics server: %v", err)
		}
	}()
	return m, nil
}

// openLink builds the configured transport and, for NetherNet, the path its
// signals travel.
func openLink(ctx context.Context, conf *config.Config, identity auth.Provider, m *metrics.Metrics) (*link, error) {
	if conf.Client.Transport == config.TransportRakNet {
		return &link{Transport: transport.NewRakNet(conf.Client.Address), address: conf.Client.Address}, nil
	}

	networkID := rand.Uint64()
	if conf.NetherNet.LAN {
		return openLAN(ctx, conf, networkID, m)
	}
	return openSignaled(ctx, conf, networkID, identity, m)
}

func newPeerToPeer(conf *config.Config, networkID, serverID uint64) *transport.PeerToPeer {
	return transport.NewPeerToPeer(transport.PeerToPeerConfig{
		NetworkID:       networkID,
		ServerNetworkID: serverID,
		SegmentSize:     conf.NetherNet.SegmentSize,
	})
}

// openLAN signals through broadcast discovery.
func openLAN(ctx context.Context, conf *config.Config, networkID uint64, m *metrics.Metrics) (*link, error) {
	disc, err := discovery.Listen(ctx, discovery.Config{
		NetworkID:        networkID,
		ListenAddress:    conf.NetherNet.ListenAddress,
		BroadcastAddress: conf.NetherNet.BroadcastAddress,
		Port:             conf.NetherNet.DiscoveryPort,
		Metrics:          m,
	})
	if err != nil {
		return nil, err
	}

	serverID := conf.NetherNet.ServerNetworkID
	if serverID == 0 {
		resp, err := firstServer(ctx, disc)
		if err != nil {
			_ = disc.Close()
			return nil, err
		}
		serverID = resp.SenderID
		util.LogInfo("found LAN server %d at %s", serverID, resp.Addr)
	}

	p := newPeerToPeer(conf, networkID, serverID)
	p.SetSignaler(disc)
	go pump(disc.Signals(), p)

	return &link{
		Transport: p,
		address:   fmt.Sprintf("lan:%d", serverID),
		closers:   []func() error{disc.Close},
	}, nil
}

// firstServer waits for the first discovery response.
func firstServer(ctx context.Context, disc *discovery.Discovery) (discovery.Response, error) {
	if err := disc.Request(); err != nil {
		util.LogDebug("discovery request: %v", err)
	}
	select {
	case resp, ok := <-disc.Responses():
		if !ok {
			return discovery.Response{}, errors.New("discovery closed")
		}
		return resp, nil
	case <-ctx.Done():
		return discovery.Response{}, fmt.Errorf("no LAN server found: %w", ctx.Err())
	}
}

// openSignaled signals through the online signaling service.
func openSignaled(ctx context.Context, conf *config.Config, networkID uint64, identity auth.Provider, m *metrics.Metrics) (*link, error) {
	proto, err := signaling.ProtocolByName(conf.Signaling.Protocol, conf.Signaling.Endpoint)
	if err != nil {
		return nil, err
	}
	sig := signaling.NewSession(signaling.Config{
		NetworkID: networkID,
		Protocol:  proto,
		Token: func(ctx context.Context) (string, error) {
			return identity.ServicesToken(ctx, conf.Client.Version)
		},
		PingInterval:       time.Duration(conf.Signaling.PingInterval),
		LivenessTimeout:    time.Duration(conf.Signaling.LivenessTimeout),
		RetryDelay:         time.Duration(conf.Signaling.RetryDelay),
		MaxRetries:         signalingRetries(conf.Signaling.MaxRetries),
		CredentialsTimeout: time.Duration(conf.Signaling.CredentialsTimeout),
		Metrics:            m,
	})
	if err := sig.Connect(ctx); err != nil {
		_ = sig.Close()
		return nil, fmt.Errorf("signaling: %w", err)
	}

	serverID := conf.NetherNet.ServerNetworkID
	p := newPeerToPeer(conf, networkID, serverID)
	p.SetCredentials(sig.Credentials())
	p.SetSignaler(sig)
	go pump(sig.Signals(), p)
	go func() {
		select {
		case err := <-sig.Errors():
			util.LogError("signaling failed: %v", err)
			_ = p.Close()
		case <-p.Done():
		}
	}()

	return &link{
		Transport: p,
		address:   fmt.Sprintf("nethernet:%d", serverID),
		closers:   []func() error{sig.Close},
	}, nil
}

// signalingRetries maps the configured retry count, where 0 means none, onto
// signaling.Config.
func signalingRetries(n int) int {
	if n == 0 {
		return signaling.NoRetries
	}
	return n
}

// pump hands remote signals to the peer connection until the source closes.
func pump(signals <-chan *signaling.Signal, p *transport.PeerToPeer) {
	for sig := range signals {
		if err := p.HandleSignal(sig); err != nil {
			util.LogWarning("signal %s: %v", sig.Type, err)
		}
	}
}
