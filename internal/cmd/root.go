// Package cmd implements the telhawk-detect command line.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-detect/internal/config"
	"github.com/telhawk-systems/telhawk-detect/internal/logging"
)

const serviceName = "telhawk-detect"

var (
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "detect",
	Short: "TelHawk search-after detection engine",
	Long: `detect runs detection rules against OpenSearch, paging through every match
with search_after and bulk-creating one signal per matching event.

Run it as a service with "detect serve", or execute single rules and manage
rule definitions from the terminal.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger = logging.NewWithWriter(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
			With(logging.Service(serviceName))
		logging.SetDefault(logger)
		return nil
	},
}

// ExecuteContext runs the root command with ctx.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $TELHAWK_CONFIG_DIR/config.yaml)")
}
