// Command vwsync turns a built app directory into the next release of the
// app and writes the files the worker installs it from.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	configFlag         string
	verbosityTraceFlag bool

	// this is set by goreleaser
	version string
)

var rootCmd = &cobra.Command{
	Use:   "vwsync",
	Short: "Build versioned releases of a static app",
	Long: `vwsync scans a built app, records which files changed since the
previous build and writes the release descriptor and delta batches that
devices use to update their caches.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logLevel := zerolog.InfoLevel
		if verbosityTraceFlag {
			logLevel = zerolog.TraceLevel
		}
		log.Logger = log.Level(logLevel).Output(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Str("version", version).Logger()
		return loadConfig(cmd)
	},
}

func init() {
	if version == "" {
		version = "DEV"
	}
	rootCmd.Version = version

	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default: vw.yaml in the working directory)")
	rootCmd.PersistentFlags().BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	bindBuildFlags(rootCmd)

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(upgradeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
