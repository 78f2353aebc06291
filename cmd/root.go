// Package cmd implements the command-line interface for sitemill.
package cmd

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sitemill/sitemill/cmd/run"
	"github.com/sitemill/sitemill/cmd/serve"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	debug   bool

	rootCmd = &cobra.Command{
		Use:   "sitemill",
		Short: "A web-site ingestion pipeline",
		Long: "sitemill crawls a web site, extracts text from its documents, and " +
			"produces embeddings and rewritten content through pluggable providers.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	_ = godotenv.Load()
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("sitemill version %s\n", Version)
		},
	})

	runOpts := &run.Options{}
	runCmd := run.Command(runOpts)
	runCmd.PreRun = func(_ *cobra.Command, _ []string) {
		runOpts.ConfigFile = cfgFile
		runOpts.Debug = debug
	}
	rootCmd.AddCommand(runCmd)

	serveOpts := &serve.Options{}
	serveCmd := serve.Command(serveOpts)
	serveCmd.PreRun = func(_ *cobra.Command, _ []string) {
		serveOpts.ConfigFile = cfgFile
		serveOpts.Debug = debug
	}
	rootCmd.AddCommand(serveCmd)
}
