package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kindling-ai/kindling/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}

	pid, running := daemonPID(cfg)
	if !running {
		fmt.Fprintln(cmd.OutOrStdout(), "kindling daemon is not running")
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "kindling daemon is running (pid %d)\n", pid)
	fmt.Fprintf(cmd.OutOrStdout(), "data dir: %s\n", cfg.DataDir)
	if cfg.Gateway.Enabled {
		fmt.Fprintf(cmd.OutOrStdout(), "gateway: ws://%s/ws\n", cfg.Gateway.ListenAddr)
	}
	return nil
}

// daemonPID reads the PID file and probes the process
func daemonPID(cfg *config.Config) (int, bool) {
	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "kindling.pid"))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := process.Signal(os.Signal(nil)); err != nil {
		return pid, false
	}
	return pid, true
}
