package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentbus/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as TOML",
	Long: `Print the effective configuration as TOML after applying the config file,
the .env file and AGENTBUS_* variables. Secrets are masked.`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if path != "" {
		fmt.Fprintf(out, "# loaded from %s\n", path)
	} else {
		fmt.Fprintln(out, "# defaults (no config file found)")
	}
	fmt.Fprintf(out, "# environment overrides: %s\n\n", strings.Join(config.EnvNames(), ", "))
	return toml.NewEncoder(out).Encode(masked(cfg))
}

func masked(cfg *config.Config) config.Config {
	c := *cfg
	mask := func(s *string) {
		if *s != "" {
			*s = "********"
		}
	}
	mask(&c.Auth.Secret)
	mask(&c.NATS.Token)
	mask(&c.NATS.Password)
	return c
}
