package main

import (
	"io"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/overbot/config"
)

// loadConfig reads --config over the defaults and applies flags that were
// set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flags.Changed("listen") {
		cfg.Web.Listen = listenAddr
	}
	if flags.Changed("shards") {
		cfg.Gateway.TotalShards = totalShards
	}
	if flags.Changed("headless") {
		cfg.Shutdown.Headless = headless
	}
	if flags.Changed("no-web") {
		cfg.Web.Enabled = !disableWeb
	}
	if flags.Changed("nats-url") {
		cfg.Bus.NATSURL = natsURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printConfig(w io.Writer, cfg *config.Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}
