package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-dictation/internal/runtime"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dictation runtime",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			printError("load config", err)
			return err
		}
		logger := newLogger(cfg.Telemetry.LogLevel)

		ctx, stop := signalContext()
		defer stop()

		runtime.Version = version
		rt := runtime.New(cfg, logger)
		if err := rt.Start(ctx); err != nil {
			logger.Error("runtime exited with error", slog.String("error", err.Error()))
			return err
		}
		logger.Info("shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
