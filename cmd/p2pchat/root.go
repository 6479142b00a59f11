package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagUser     string
	flagRelay    string
	flagGateway  string
	flagDatabase string
	flagLogLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "p2pchat",
	Short: "Peer-to-peer text chat over WebRTC data channels",
	Long: `p2pchat connects two people through a short room code and then talks
directly over a WebRTC data channel. Room codes and connection setup go
through a relay: Redis, or a signaling gateway in front of it.

Examples:
  p2pchat create
  p2pchat join K3Q9ZT
  p2pchat join K3Q9ZT --relay gateway --gateway https://chat.example.com`,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&flagConfig, "config", "c", "", "config file (default ./p2pchat.yaml or $P2PCHAT_CONFIG)")
	flags.StringVarP(&flagUser, "user", "u", "", "user ID to chat as (generated when empty)")
	flags.StringVar(&flagRelay, "relay", "", "relay mode: redis or gateway")
	flags.StringVar(&flagGateway, "gateway", "", "signaling gateway URL for --relay gateway")
	flags.StringVar(&flagDatabase, "db", "", "message history database path")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(createCmd, joinCmd)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
