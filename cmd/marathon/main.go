package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "marathon",
		Short:        "Timed marathon sessions, leaderboards and grading",
		SilenceUsage: true,
	}
	root.PersistentFlags().Bool("dev", false, "Load .env and log to the console")

	serve := serveCmd()
	root.AddCommand(serve, reconcileCmd(), jobsCmd())
	root.RunE = serve.RunE
	return root
}

// loadConfig reads configuration and installs the global logger.
func loadConfig(cmd *cobra.Command) *config.AppConfig {
	dev, _ := cmd.Flags().GetBool("dev")
	cfg := config.InitConfig(dev)
	setupLogging(cfg.App.LogLevel, dev)
	return cfg
}

func setupLogging(level string, dev bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if dev {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
