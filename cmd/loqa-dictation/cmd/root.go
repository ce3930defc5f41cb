package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-dictation/internal/config"
)

var version = "0.1.0-dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "loqa-dictation",
	Short: "Local-first dictation runtime",
	Long: `loqa-dictation captures microphone audio, transcribes it with a streaming,
local or job-style engine, and turns the transcript into structured notes.

Commands:
  serve    - run the dictation runtime with its HTTP and bus control surfaces
  refine   - transcribe a WAV file through the batch job service
  devices  - list audio input devices
  version  - print the version`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "loqa-dictation.yaml", "path to configuration file")
}

// loadConfig reads the config file, tolerating its absence when the default
// path is in use.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path := cfgFile
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	return config.Load(path)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printError(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
}
