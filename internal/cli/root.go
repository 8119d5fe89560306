// Package cli wires the anylog-bridge commands: the MCP gateway server and
// the legacy REST proxy.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/proveit-io/anylog-bridge/internal/config"
	"github.com/proveit-io/anylog-bridge/internal/logging"
)

// logger is the package-level logger for CLI operations.
var logger zerolog.Logger //nolint:gochecknoglobals // Required for zerolog context integration

// runtime carries what PersistentPreRunE resolves for the subcommands.
type runtime struct {
	cfg    *config.Config
	logger zerolog.Logger
}

// NewRootCmd creates the root Cobra command. Configuration is loaded once in
// the persistent pre-run so every subcommand sees the same resolved state.
func NewRootCmd(ver string) *cobra.Command {
	rt := &runtime{}

	cmd := &cobra.Command{
		Use:     "anylog-bridge",
		Short:   "HTTP bridge between dashboards and an AnyLog network",
		Long: "anylog-bridge serves dashboard HTTP APIs on top of an AnyLog network,\n" +
			"either through a queued, cached MCP subprocess (serve) or as a direct\n" +
			"per-request REST proxy against one node (rest-proxy).",
		Version:       ver,
		SilenceUsage:  true,
		SilenceErrors: true,
		Example: `  # Run the MCP gateway with defaults
  anylog-bridge serve

  # Run the gateway against a specific MCP server
  ANYLOG_BRIDGE_MCP_SERVER_URL=http://10.0.0.5:8000/sse anylog-bridge serve

  # Run the legacy REST proxy against one node
  anylog-bridge rest-proxy --node 10.0.0.5:32049

  # Use a config file and debug logging
  anylog-bridge serve --config bridge.yaml --debug`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				cfg.Log.Level = "debug"
				cfg.Log.Format = "console"
			}

			rt.cfg = cfg
			rt.logger = logging.NewLogger(logging.Config{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				Writer: cmd.ErrOrStderr(),
			})
			logger = logging.ComponentLogger(rt.logger, "cli")

			cmd.SetContext(rt.logger.WithContext(cmd.Context()))
			logger.Info().Str("command", cmd.Name()).Str("version", ver).Msg("command started")
			return nil
		},
	}

	cmd.PersistentFlags().String("config", "", "path to config file (YAML)")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	cmd.AddCommand(newServeCmd(rt), newProxyCmd(rt))
	return cmd
}

// Execute runs the CLI and exits non-zero on error.
func Execute(ver string) {
	if err := NewRootCmd(ver).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
