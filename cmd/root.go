package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/x/term"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fakeyudi/pulse/internal/config"
	"github.com/fakeyudi/pulse/internal/logger"
	"github.com/fakeyudi/pulse/internal/pulse"
)

// cfg holds the merged configuration, populated in PersistentPreRunE.
var cfg config.Config

// log is the process logger, built from cfg.
var log = zerolog.Nop()

// flagOverrides are the persistent flags layered over the loaded config.
var flagOverrides struct {
	endpoint string
	apiKey   string
	storage  string
	logLevel string
}

// clientOptions are appended to every client built by newClient.
var clientOptions []pulse.Option

var rootCmd = &cobra.Command{
	Use:          "pulse",
	Short:        "Send analytics events, session recordings and experiment data to a collector",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip the first-run check for the setup command itself.
		if cmd.Name() != "setup" && !config.GlobalExists() && term.IsTerminal(os.Stdin.Fd()) {
			cmd.Println()
			cmd.Println("  Welcome to pulse! Looks like this is your first time.")
			if err := runSetup(cmd); err != nil {
				return err
			}
		}

		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if flagOverrides.endpoint != "" {
			loaded.Endpoint = flagOverrides.endpoint
		}
		if flagOverrides.apiKey != "" {
			loaded.APIKey = flagOverrides.apiKey
		}
		if flagOverrides.storage != "" {
			loaded.Storage = flagOverrides.storage
		}
		if flagOverrides.logLevel != "" {
			loaded.LogLevel = flagOverrides.logLevel
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		cfg = loaded

		l, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput})
		if err != nil {
			return fmt.Errorf("configuring logger: %w", err)
		}
		log = l
		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&flagOverrides.endpoint, "endpoint", "", "collector base URL (overrides config)")
	f.StringVar(&flagOverrides.apiKey, "api-key", "", "project API key (overrides config)")
	f.StringVar(&flagOverrides.storage, "storage", "", "state backend: disk, memory, badger or redis")
	f.StringVar(&flagOverrides.logLevel, "log-level", "", "log level: debug, info, warn or error")
}

// Execute runs the root command. Exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// GetConfig returns the merged configuration for use by subcommands.
func GetConfig() config.Config {
	return cfg
}

// buildClient builds a client from the merged configuration without starting
// its trackers. Callers must Close it so queued events are delivered and
// storage is released.
func buildClient(cmd *cobra.Command, opts ...pulse.Option) (*pulse.Client, error) {
	return pulse.New(commandContext(cmd), cfg, log, append(append([]pulse.Option(nil), clientOptions...), opts...)...)
}

// newClient builds a client and starts its trackers.
func newClient(cmd *cobra.Command, opts ...pulse.Option) (*pulse.Client, error) {
	c, err := buildClient(cmd, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(commandContext(cmd)); err != nil {
		c.Close(context.Background())
		return nil, err
	}
	return c, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// closeClient closes c and reports a failed final delivery as a warning; the
// events have been handed to the teardown transport by then.
func closeClient(cmd *cobra.Command, c *pulse.Client) {
	if err := c.Close(context.Background()); err != nil {
		log.Warn().Err(err).Msg("final delivery incomplete")
		cmd.PrintErrln("warning:", err)
	}
}
