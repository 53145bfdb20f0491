package app

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/1ureka/bedrocklink/internal/config"
	"github.com/1ureka/bedrocklink/internal/discovery"
	"github.com/1ureka/bedrocklink/internal/transport"
	"github.com/1ureka/bedrocklink/internal/util"
)

// Server is one server found by Discover.
type Server struct {
	NetworkID uint64
	Address   string
	// Info is the advertisement the server answered with.
	Info []byte
}

// Discover broadcasts discovery requests for the given duration and returns
// every distinct server that answered.
func Discover(ctx context.Context, conf *config.Config, wait time.Duration) ([]Server, error) {
	disc, err := discovery.Listen(ctx, discovery.Config{
		NetworkID:        rand.Uint64(),
		ListenAddress:    conf.NetherNet.ListenAddress,
		BroadcastAddress: conf.NetherNet.BroadcastAddress,
		Port:             conf.NetherNet.DiscoveryPort,
	})
	if err != nil {
		return nil, err
	}
	defer disc.Close()

	if err := disc.Request(); err != nil {
		util.LogDebug("discovery request: %v", err)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	seen := make(map[uint64]int)
	var servers []Server
	for {
		select {
		case resp, ok := <-disc.Responses():
			if !ok {
				return servers, nil
			}
			s := Server{NetworkID: resp.SenderID, Address: resp.Addr.String(), Info: resp.ApplicationData}
			if i, dup := seen[resp.SenderID]; dup {
				servers[i] = s
				continue
			}
			seen[resp.SenderID] = len(servers)
			servers = append(servers, s)
		case <-timer.C:
			return servers, nil
		case <-ctx.Done():
			return servers, ctx.Err()
		}
	}
}

// Ping queries a RakNet server for its status line.
func Ping(ctx context.Context, address string) (string, error) {
	pong, err := transport.Ping(ctx, address)
	if err != nil {
		return "", err
	}
	return string(pong), nil
}
