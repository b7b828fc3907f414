package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"splatstream/internal/config"
	"splatstream/internal/logger"
)

var (
	configFile string
	envFile    string
	logLevel   string

	cfg *config.Config
	log *logger.SlogLogger
)

var rootCmd = &cobra.Command{
	Use:   "splatd",
	Short: "splatd streams Gaussian-splat assets with progress and a runtime cache",
	Long: `splatd downloads large Gaussian-splat point clouds (.ply) with progress
reporting, parses them and keeps them in a generation-scoped runtime cache.

It runs as a daemon hosting several viewers (serve) or as a one-shot tool
(fetch, warm, purge).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadEnvFile(envFile); err != nil {
			return err
		}
		var err error
		cfg, err = config.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		log = logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
		return nil
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Path to an env file with SPLAT_* overrides")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "", "Log level (error, warn, info, debug)")
}
