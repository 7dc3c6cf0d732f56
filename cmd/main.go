package main

import (
	"os"
	"strings"

	"github.com/ofdreport/ReportAgent/internal/env"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "reportagent",
	Short: "Collect fiscal register reports from OFD portals",
	Long: `reportagent downloads register exports from the configured OFD portals in parallel,
merges them into one spreadsheet filtered by a date window and delivers it to the operator chat.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(rootLogLevel)))
		if err != nil {
			return errors.Wrapf(err, "invalid --log-level %q", rootLogLevel)
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
}

var rootLogLevel string

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(
		newRunCmd(),
		newSourcesCmd(),
		newHistoryCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("reportagent command failed")
	}
}
