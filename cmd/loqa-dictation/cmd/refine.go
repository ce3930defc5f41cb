package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-dictation/internal/stt"
)

var refineCmd = &cobra.Command{
	Use:   "refine <file.wav>",
	Short: "Transcribe a WAV file through the batch job service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			printError("load config", err)
			return err
		}
		if cfg.Batch.Endpoint == "" {
			err := errors.New("batch.endpoint is not configured")
			printError("refine", err)
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			printError("read audio", err)
			return err
		}
		logger := newLogger(cfg.Telemetry.LogLevel)

		ctx, stop := signalContext()
		defer stop()

		poller, err := stt.NewBatchPoller(ctx, cfg, logger)
		if err != nil {
			printError("build job client", err)
			return err
		}
		text, err := poller.Await(ctx, data, "audio/wav")
		if err != nil {
			printError("transcription", err)
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), text)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(refineCmd)
}
