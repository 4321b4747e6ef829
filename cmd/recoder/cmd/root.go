// Package cmd implements the CLI commands for recoder.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/recoder/internal/config"
	"github.com/jmylchreest/recoder/internal/observability"
	"github.com/jmylchreest/recoder/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	cfg    *config.Config
	logger *slog.Logger
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "recoder",
	Short:   "Segmented media transcoding engine",
	Version: version.Short(),
	Long: `recoder drives short media segments of one logical stream through a
persistent transcode session: demux, decode, filter, encode, and mux state
survives across segments so expensive codec initialisation is paid once.

The built-in backend remuxes MPEG-TS; encoding outputs need a full codec
backend linked into the embedding application.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if logFormat != "" {
			cfg.Logging.Format = logFormat
		}
		observability.Init(observability.ParseLevel(cfg.Logging.Level))
		logger = observability.NewLogger(cfg.Logging)
		slog.SetDefault(logger)
		return nil
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./recoder.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (quiet, panic, fatal, error, warning, info, verbose, debug, trace)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")
}
