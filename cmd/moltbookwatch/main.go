package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"MoltbookWatch/internal/app"
	"MoltbookWatch/internal/config"
	"MoltbookWatch/internal/logging"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "moltbookwatch",
		Short:         "Harvest Moltbook and flag concerning agent behavior for review",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.Version = version
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides MOLTBOOK_WATCH_CONFIG)")
	root.AddCommand(ingestCmd())
	root.AddCommand(detectCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(checkpointCmd())
	root.AddCommand(reviewCmd())
	root.AddCommand(findingsCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// openApp loads configuration and wires the application. The returned
// context is cancelled on SIGINT or SIGTERM.
func openApp() (context.Context, *app.Application, func(), error) {
	if configPath != "" {
		os.Setenv("MOLTBOOK_WATCH_CONFIG", configPath)
	}
	cfg := config.Load()
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	cleanup := func() {
		if err := application.Close(); err != nil {
			logger.Warn("close database", "error", err)
		}
		stop()
	}
	return ctx, application, cleanup, nil
}
