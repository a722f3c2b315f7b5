package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cartograph/internal/config"
	"github.com/yairfalse/cartograph/internal/telemetry"
)

var (
	version = "0.1.0"

	configPath string
	debug      bool
	logFormat  string

	// cfg is loaded before every subcommand runs.
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "cartograph",
		Short: "Infrastructure graph reconciliation engine",
		Long: `cartograph discovers resources in AWS accounts, DigitalOcean accounts and
EKS clusters and keeps a Neo4j graph of them reconciled: entities are merged
by identity, anything a full pass no longer sees is swept, and relationships
are re-derived from attributes.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadConfig,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`cartograph {{.Version}}
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: auto, console, json")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		loaded.Log.Level = "debug"
	}
	if logFormat != "" {
		loaded.Log.Format = logFormat
	}
	if err := telemetry.SetupLogging(loaded.Log, os.Stderr); err != nil {
		return err
	}
	cfg = loaded
	return nil
}
