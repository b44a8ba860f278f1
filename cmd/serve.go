package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joescharf/fleet/internal/daemon"
	"github.com/joescharf/fleet/internal/lifecycle"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisory polling loop",
	Long: `Run the lifecycle manager: poll every live session, classify its
state, dispatch reactions, and escalate when automation runs out. One
supervisor per configuration; a PID file guards against double starts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serveRun() error {
	if err := loadDeps(); err != nil {
		return err
	}

	pidPath := filepath.Join(cfg.DataDir, "fleet.pid")
	pidFile := daemon.NewPIDFile(pidPath)
	if pid, running := pidFile.IsRunning(); running {
		return fmt.Errorf("fleet serve already running (pid %d)", pid)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	if err := pidFile.Write(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			slog.Warn("remove pid file", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := lifecycle.NewManager(cfg, registry, storeSet, sessionMgr, planSvc, nil, slog.Default())
	mgr.Start(ctx)
	ui.Info("fleet supervisor started (interval %s, %d projects)", cfg.PollInterval, len(cfg.Projects))

	<-ctx.Done()
	ui.Info("shutting down, waiting for in-flight cycle")
	mgr.Stop()
	ui.Success("supervisor stopped")
	return nil
}
