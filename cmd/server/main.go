// Command server runs the UCPath shadow API and manages its database schema.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/ucshadow/internal/config"
	_ "github.com/JonMunkholm/ucshadow/internal/core/entities" // Register built-in entity types
	"github.com/JonMunkholm/ucshadow/internal/logging"
)

var configFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ucshadow",
		Short: "Point-in-time resolution over UCPath warehouse snapshots and local overrides",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Overload lets .env win over the inherited environment.
			if err := godotenv.Overload(); err != nil {
				slog.Debug("no .env file found, using environment variables")
			} else {
				slog.Info("loaded .env file (overwriting existing env vars)")
			}
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./ucshadow.yaml if present)")

	serve := newServeCmd()
	root.AddCommand(serve, newMigrateCmd(), newSchemaCmd())

	// Running without a subcommand serves.
	root.RunE = serve.RunE
	return root
}

// loadConfig reads configuration and sets up the default logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}
