package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("liveroom failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var jsonLogs bool

	root := &cobra.Command{
		Use:           "liveroom",
		Short:         "Live session coordination for tutoring meetings",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			setupLogging(jsonLogs)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "write logs as JSON instead of console text")
	root.Version = version

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and socket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "liveroom", version)
		},
	})
	return root
}

func setupLogging(jsonLogs bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if !jsonLogs {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}
