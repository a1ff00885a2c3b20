// Command overbot runs the sharded gateway bot.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath   string
	discordToken string
	logLevel     string
	logFormat    string
	listenAddr   string
	totalShards  int
	headless     bool
	disableWeb   bool
	natsURL      string
)

var rootCmd = &cobra.Command{
	Use:   "overbot",
	Short: "Run the sharded gateway bot",
	Long: `overbot connects every gateway shard, caches recent channel messages and
serves a small HTTP surface. SIGINT, SIGTERM, GET /shutdown or any
subsystem exiting starts a graceful shutdown: every shard performs the
close handshake before the process exits.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := run(cmd)
		if err != nil {
			return err
		}
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return printConfig(cmd.OutOrStdout(), cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "overbot", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to overbot.toml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: compact, pretty, json")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", "", "Web service address (default 0.0.0.0:3000)")
	rootCmd.PersistentFlags().IntVar(&totalShards, "shards", 0, "Override the recommended shard count")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", false, "Ignore SIGHUP")
	rootCmd.PersistentFlags().BoolVar(&disableWeb, "no-web", false, "Do not run the web service")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats-url", "", "Publish dispatch events to this NATS server")

	rootCmd.Flags().StringVar(&discordToken, "discord-token", "", "Bot token (or set DISCORD_TOKEN)")

	rootCmd.AddCommand(configCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
