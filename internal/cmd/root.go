// Package cmd implements the switchboard CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/voxterm/switchboard/internal/config"
)

// Global flags.
var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "Terminal backend orchestrator",
	Long: `Switchboard orchestrates terminal multiplexer backends for
voice-controlled terminal assistants: pooled control channels, command
batching, health-monitored failover between backends, and a guarded
command pipeline with rate limiting and an audit trail.

Run the daemon with 'switchboard run'; inspect live terminal sessions,
backend health, and the audit trail with the other subcommands.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to TOML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the config file named by --config (defaults apply when
// the flag is unset) and installs the default slog handler.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return cfg, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	return cfg, nil
}
