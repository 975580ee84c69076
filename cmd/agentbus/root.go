package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentbus/config"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "agentbus",
	Short: "Typed, schema-validated message bus for autonomous agents",
	Long: `agentbus routes typed messages between agents through bounded per-agent
mailboxes, tracks delivery confirmations and the task delegation lifecycle,
and serves agents over JSON-RPC 2.0.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (TOML or YAML); default searches agentbus.toml, agentbus.yaml")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before AGENTBUS_* overrides")
}

// loadConfig resolves the effective configuration: file, then .env, then
// AGENTBUS_* variables. The result is validated.
func loadConfig() (*config.Config, string, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, "", err
	}

	var (
		cfg  *config.Config
		path = configPath
		err  error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, path, err = config.Load()
	}
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, path, fmt.Errorf("applying environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}
