// Bedrocklink is the CLI entry point.
//
// This tool joins a Bedrock server as a client, either over RakNet or over a
// NetherNet WebRTC connection signaled on the LAN or through the online
// signaling service. Settings come from an optional TOML file and flags.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/bedrocklink/internal/app"
	"github.com/1ureka/bedrocklink/internal/config"
	"github.com/1ureka/bedrocklink/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "bedrocklink",
		Short:        "Bedrock protocol client",
		Long:         "Join Bedrock servers over RakNet or NetherNet.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				util.EnableDebug()
			}
			return nil
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to a TOML config file")
	root.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().Bool("debug", false, "enable debug logging")

	root.AddCommand(connectCmd())
	root.AddCommand(discoverCmd())
	root.AddCommand(pingCmd())
	root.AddCommand(versionCmd())
	return root
}

func connectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect [address]",
		Short: "Connect to a server and stay joined until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(cmd, args)
			if err != nil {
				return err
			}
			pterm.Info.Println(fmt.Sprintf("Bedrocklink — v%s", version))
			pterm.Println()

			if err := app.RunClient(cmd.Context(), conf); err != nil {
				return err
			}
			util.LogInfo("successfully closed connection")
			return nil
		},
	}
	cmd.Flags().StringP("transport", "t", "", "transport: raknet or nethernet")
	cmd.Flags().StringP("username", "u", "", "offline username")
	cmd.Flags().Uint64("network-id", 0, "NetherNet network ID of the server")
	cmd.Flags().Bool("lan", false, "signal NetherNet over LAN discovery")
	cmd.Flags().String("signaling", "", "signaling protocol: jsonrpc or direct")
	cmd.Flags().String("metrics-addr", "", "address for the Prometheus metrics server (e.g. :9100); disabled if empty")
	cmd.Flags().Bool("stats", false, "log traffic statistics periodically")
	cmd.Flags().BoolP("interactive", "i", false, "prompt for the server")
	return cmd
}

func discoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List NetherNet servers on the LAN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(cmd, args)
			if err != nil {
				return err
			}
			wait, _ := cmd.Flags().GetDuration("wait")

			spinner, _ := pterm.DefaultSpinner.Start("Searching for LAN servers...")
			servers, err := app.Discover(cmd.Context(), conf, wait)
			_ = spinner.Stop()
			if err != nil {
				return err
			}
			if len(servers) == 0 {
				util.LogWarning("no servers answered within %s", wait)
				return nil
			}

			rows := pterm.TableData{{"Network ID", "Address", "Advertisement"}}
			for _, s := range servers {
				rows = append(rows, []string{fmt.Sprint(s.NetworkID), s.Address, fmt.Sprintf("%d bytes", len(s.Info))})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		},
	}
	cmd.Flags().Duration("wait", 3*time.Second, "how long to collect answers")
	return cmd
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping <address>",
		Short: "Query a RakNet server's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address, err := normalizeAddress(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			status, err := app.Ping(ctx, address)
			if err != nil {
				return err
			}
			for i, field := range strings.Split(status, ";") {
				if field != "" {
					pterm.Printf("%2d  %s\n", i, field)
				}
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	conf := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if conf, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if v, _ := flags.GetString("log-level"); v != "" {
		conf.Log.Level = v
	}
	if debug, _ := flags.GetBool("debug"); debug {
		conf.Log.Level = "debug"
	}
	if flags.Lookup("transport") != nil {
		if v, _ := flags.GetString("transport"); v != "" {
			conf.Client.Transport = config.TransportKind(v)
		}
		if v, _ := flags.GetString("username"); v != "" {
			conf.Client.Username = v
		}
		if v, _ := flags.GetUint64("network-id"); v != 0 {
			conf.Client.Transport = config.TransportNetherNet
			conf.NetherNet.ServerNetworkID = v
		}
		if v, _ := flags.GetBool("lan"); v {
			conf.Client.Transport = config.TransportNetherNet
			conf.NetherNet.LAN = true
		}
		if v, _ := flags.GetString("signaling"); v != "" {
			conf.Signaling.Protocol = v
		}
		if v, _ := flags.GetString("metrics-addr"); v != "" {
			conf.Metrics.Listen = v
		}
		if v, _ := flags.GetBool("stats"); v {
			conf.Log.Stats = true
		}
		if v, _ := flags.GetBool("interactive"); v {
			askServer(conf)
		}
	}

	if len(args) > 0 {
		address, err := normalizeAddress(args[0])
		if err != nil {
			return nil, err
		}
		conf.Client.Transport = config.TransportRakNet
		conf.Client.Address = address
	}
	return conf, nil
}

// normalizeAddress validates a server address and adds the default port
// when it is missing.
func normalizeAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty server address")
	}
	if _, _, err := net.SplitHostPort(raw); err == nil {
		return raw, nil
	}
	if strings.Count(raw, ":") > 1 && !strings.HasPrefix(raw, "[") {
		raw = "[" + raw + "]"
	}
	address := raw + ":19132"
	if _, _, err := net.SplitHostPort(address); err != nil {
		return "", fmt.Errorf("invalid server address: %s", raw)
	}
	return address, nil
}

// askServer prompts for the transport and the server until valid values
// are entered.
func askServer(conf *config.Config) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"RakNet    — Dedicated server address", "NetherNet — LAN world"}).
		WithDefaultText("Select how to reach the server").
		Show()
	pterm.Println()

	if strings.HasPrefix(choice, "NetherNet") {
		conf.Client.Transport = config.TransportNetherNet
		conf.NetherNet.LAN = true
		return
	}

	conf.Client.Transport = config.TransportRakNet
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Server address (e.g. play.example.com:19132)").
			Show()
		pterm.Println()

		address, err := normalizeAddress(raw)
		if err == nil {
			conf.Client.Address = address
			return
		}
		util.LogWarning("invalid input: please enter a host or host:port")
	}
}
