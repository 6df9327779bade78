package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dudexyz/peerstream/internal/config"
	"github.com/dudexyz/peerstream/internal/logging"
)

var (
	flagConfig   string
	flagLogLevel string

	// cfg and logger are set before any subcommand runs.
	cfg    *config.Config
	logger *slog.Logger
)

// configOptions collects the overrides of the running command.
var configOptions config.Options

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "peerstream",
	Short: "Peer-to-peer WebRTC streams with a websocket signaling relay",
	Long: `peerstream negotiates WebRTC connections between peers through a
websocket relay. Each pair of peers agrees on who offers, exchanges a data
channel and optionally audio and video.

Run a relay with "peerstream serve" and connect peers with
"peerstream connect --id <you> <remote>".`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configOptions.File = flagConfig
		configOptions.LogLevel = flagLogLevel
		// Boolean flags only override env and file when given.
		flags := cmd.Flags()
		if flags.Changed("compact") {
			configOptions.Compact = &flagCompact
		}
		if flags.Changed("video") {
			configOptions.Video = &flagVideo
		}
		if flags.Changed("audio") {
			configOptions.Audio = &flagAudio
		}

		loaded, err := config.Load(configOptions)
		if err != nil {
			return err
		}
		cfg = loaded
		logger = logging.Init(cfg.LogLevel)
		return nil
	},
}

// Execute runs the command line and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error")
}
