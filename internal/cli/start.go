package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kindling-ai/kindling/internal/config"
	"github.com/kindling-ai/kindling/internal/daemon"
	"github.com/kindling-ai/kindling/internal/logger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Kindling daemon",
	Long: `Start the Kindling daemon in the foreground. The daemon syncs
configuration manifests, serves the WebSocket gateway, and runs sessions
until interrupted.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	d.Wait()
	return nil
}
