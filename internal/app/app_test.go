package app

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/bedrocklink/internal/config"
	"github.com/1ureka/bedrocklink/internal/discovery"
	"github.com/1ureka/bedrocklink/internal/signaling"
	"github.com/1ureka/bedrocklink/internal/transport"
)

// lanServer answers discovery requests on loopback and returns a config
// whose discovery requests reach it.
func lanServer(t *testing.T, id uint64, info string) *config.Config {
	t.Helper()
	srv, err := discovery.Listen(context.Background(), discovery.Config{
		NetworkID:        id,
		ListenAddress:    "127.0.0.1:0",
		BroadcastAddress: "127.0.0.1",
		Port:             9,
		Interval:         time.Hour,
		Advertise:        []byte(info),
	})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	conf := config.Default()
	conf.Client.Transport = config.TransportNetherNet
	conf.NetherNet.LAN = true
	conf.NetherNet.ListenAddress = "127.0.0.1:0"
	conf.NetherNet.BroadcastAddress = "127.0.0.1"
	conf.NetherNet.DiscoveryPort = srv.LocalAddr().(*net.UDPAddr).Port
	return conf
}

func TestDiscover(t *testing.T) {
	conf := lanServer(t, 4242, "Bedrock world")

	servers, err := Discover(context.Background(), conf, 500*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, uint64(4242), servers[0].NetworkID)
	assert.Equal(t, []byte("Bedrock world"), servers[0].Info)
	assert.Contains(t, servers[0].Address, "127.0.0.1:")
}

func TestOpenLANFindsServer(t *testing.T) {
	conf := lanServer(t, 4243, "world")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	l, err := openLink(ctx, conf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "lan:4243", l.address)
	assert.True(t, l.Caps().Encrypted)

	require.NoError(t, l.Close())
	assert.NoError(t, l.close())
}

func TestOpenLinkRakNet(t *testing.T) {
	conf := config.Default()
	l, err := openLink(context.Background(), conf, nil, nil)
	require.NoError(t, err)
	defer l.Close()

	_, ok := l.Transport.(*transport.RakNet)
	assert.True(t, ok)
	assert.Equal(t, config.DefaultAddress, l.address)
	assert.Equal(t, transport.RakNetBatchHeader, l.Caps().BatchHeader)
}

func TestLinkCloseAggregates(t *testing.T) {
	var order []int
	l := &link{closers: []func() error{
		func() error { order = append(order, 1); return errors.New("first") },
		func() error { order = append(order, 2); return errors.New("second") },
	}}
	err := l.close()
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)
	assert.Equal(t, []int{2, 1}, order)
}

func TestRunClientRejectsInvalidConfig(t *testing.T) {
	conf := config.Default()
	conf.Client.Username = ""
	assert.ErrorContains(t, RunClient(context.Background(), conf), "client.username")

	conf = config.Default()
	conf.Log.Level = "loud"
	assert.ErrorContains(t, RunClient(context.Background(), conf), "unknown log level")
}

func TestSignalingRetries(t *testing.T) {
	assert.Equal(t, signaling.NoRetries, signalingRetries(0))
	assert.Equal(t, 3, signalingRetries(3))
	assert.Equal(t, signaling.DefaultMaxRetries, signalingRetries(config.Default().Signaling.MaxRetries))
}
