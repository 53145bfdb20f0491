// Package config holds the client configuration, read from a TOML file and
// overridden by CLI flags.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/1ureka/bedrocklink/internal/batch"
	"github.com/1ureka/bedrocklink/internal/discovery"
	"github.com/1ureka/bedrocklink/internal/signaling"
	"github.com/1ureka/bedrocklink/internal/util"
)

// TransportKind selects how the client reaches the server.
type TransportKind string

const (
	TransportRakNet    TransportKind = "raknet"
	TransportNetherNet TransportKind = "nethernet"
)

// Defaults for a fresh Config.
const (
	DefaultVersion  = "1.21.50"
	DefaultProtocol = 766
	DefaultAddress  = "127.0.0.1:19132"
	DefaultUsername = "Player"
)

// Duration is a time.Duration written as a string such as "15s" in TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config stores every client parameter.
type Config struct {
	Client      ClientConf      `toml:"client"`
	Compression CompressionConf `toml:"compression"`
	NetherNet   NetherNetConf   `toml:"nethernet"`
	Signaling   SignalingConf   `toml:"signaling"`
	Log         LogConf         `toml:"log"`
	Metrics     MetricsConf     `toml:"metrics"`
}

// ClientConf describes the [client] block.
type ClientConf struct {
	Version     string        `toml:"version"`
	Protocol    int           `toml:"protocol"`
	Transport   TransportKind `toml:"transport"`
	Address     string        `toml:"address"`
	Username    string        `toml:"username"`
	ChunkRadius int           `toml:"chunk-radius"`
	// ServicesToken is presented to the signaling service.
	ServicesToken   string   `toml:"services-token"`
	ConnectTimeout  Duration `toml:"connect-timeout"`
	ShutdownTimeout Duration `toml:"shutdown-timeout"`
}

// CompressionConf describes the [compression] block.
type CompressionConf struct {
	// Level is the flate level of outbound batches.
	Level int `toml:"level"`
}

// NetherNetConf describes the [nethernet] block.
type NetherNetConf struct {
	// ServerNetworkID is the NetherNet ID of the server. Zero means the
	// first server that answers discovery.
	ServerNetworkID uint64 `toml:"server-network-id"`
	// LAN signals through broadcast discovery instead of a signaling
	// service.
	LAN bool `toml:"lan"`
	// ListenAddress is the local discovery socket, ":0" when empty.
	ListenAddress    string `toml:"listen-address"`
	BroadcastAddress string `toml:"broadcast-address"`
	DiscoveryPort    int    `toml:"discovery-port"`
	SegmentSize      int    `toml:"segment-size"`
}

// SignalingConf describes the [signaling] block.
type SignalingConf struct {
	// Protocol is "jsonrpc" or "direct".
	Protocol        string   `toml:"protocol"`
	Endpoint        string   `toml:"endpoint"`
	PingInterval    Duration `toml:"ping-interval"`
	LivenessTimeout Duration `toml:"liveness-timeout"`
	RetryDelay      Duration `toml:"retry-delay"`
	// MaxRetries bounds reconnects of the signaling stream; 0 disables them.
	MaxRetries         int      `toml:"max-retries"`
	CredentialsTimeout Duration `toml:"credentials-timeout"`
}

// LogConf describes the [log] block.
type LogConf struct {
	Level string `toml:"level"`
	// Stats enables the periodic traffic report.
	Stats bool `toml:"stats"`
}

// MetricsConf describes the [metrics] block.
type MetricsConf struct {
	// Listen is the address of the Prometheus endpoint; empty disables it.
	Listen string `toml:"listen"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Client: ClientConf{
			Version:         DefaultVersion,
			Protocol:        DefaultProtocol,
			Transport:       TransportRakNet,
			Address:         DefaultAddress,
			Username:        DefaultUsername,
			ChunkRadius:     8,
			ConnectTimeout:  Duration(30 * time.Second),
			ShutdownTimeout: Duration(2 * time.Second),
		},
		Compression: CompressionConf{Level: batch.DefaultLevel},
		NetherNet: NetherNetConf{
			BroadcastAddress: discovery.DefaultBroadcastAddress,
			DiscoveryPort:    discovery.DefaultPort,
			SegmentSize:      10000,
		},
		Signaling: SignalingConf{
			Protocol:           "jsonrpc",
			PingInterval:       Duration(signaling.DefaultPingInterval),
			LivenessTimeout:    Duration(signaling.DefaultLivenessTimeout),
			RetryDelay:         Duration(signaling.DefaultRetryDelay),
			MaxRetries:         signaling.DefaultMaxRetries,
			CredentialsTimeout: Duration(signaling.DefaultCredentialsTimeout),
		},
		Log: LogConf{Level: "info"},
	}
}

// Load reads a TOML file over the defaults. Keys the file does not set
// keep their default values; unknown keys are an error.
func Load(filename string) (*Config, error) {
	conf := Default()
	md, err := toml.DecodeFile(filename, conf)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", filename, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("read config %s: unknown keys %v", filename, undecoded)
	}
	util.LogDebug("loaded config from %s", filename)
	return conf, nil
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if c.Client.Version == "" {
		errs = multierror.Append(errs, fmt.Errorf("client.version is empty"))
	}
	if c.Client.Protocol <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("client.protocol must be positive"))
	}
	if c.Client.Username == "" {
		errs = multierror.Append(errs, fmt.Errorf("client.username is empty"))
	}
	if c.Client.ChunkRadius < 1 || c.Client.ChunkRadius > 12 {
		errs = multierror.Append(errs, fmt.Errorf("client.chunk-radius must be 1 ~ 12"))
	}

	switch c.Client.Transport {
	case TransportRakNet:
		if _, _, err := net.SplitHostPort(c.Client.Address); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("client.address: %w", err))
		}
	case TransportNetherNet:
		if !c.NetherNet.LAN && c.NetherNet.ServerNetworkID == 0 {
			errs = multierror.Append(errs, fmt.Errorf("nethernet.server-network-id is required without lan"))
		}
		if c.NetherNet.SegmentSize <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("nethernet.segment-size must be positive"))
		}
		if c.NetherNet.DiscoveryPort < 1 || c.NetherNet.DiscoveryPort > 65535 {
			errs = multierror.Append(errs, fmt.Errorf("nethernet.discovery-port must be 1 ~ 65535"))
		}
		if !c.NetherNet.LAN {
			if _, err := signaling.ProtocolByName(c.Signaling.Protocol, c.Signaling.Endpoint); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("signaling.protocol: %w", err))
			}
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("client.transport must be %q or %q, got %q",
			TransportRakNet, TransportNetherNet, c.Client.Transport))
	}

	if c.Compression.Level < -2 || c.Compression.Level > 9 {
		errs = multierror.Append(errs, fmt.Errorf("compression.level must be -2 ~ 9"))
	}
	if c.Signaling.MaxRetries < 0 {
		errs = multierror.Append(errs, fmt.Errorf("signaling.max-retries must not be negative"))
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("metrics.listen: %w", err))
		}
	}

	return errs.ErrorOrNil()
}
