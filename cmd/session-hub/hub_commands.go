package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/database"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/event"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/lifecycle"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-hub/internal/server"
)

const probeTimeout = 5 * time.Second

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the hub",
		Long: `Run the hub in the foreground until SIGINT or SIGTERM.
With --detach the hub is started in a new session and the command returns
once it is accepting connections.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			detach, _ := cmd.Flags().GetBool("detach")
			if detach {
				return startDetached()
			}
			return runHub(cmd.Context())
		},
	}
	cmd.Flags().BoolP("detach", "d", false, "Start the hub in the background")
	return cmd
}

func runHub(parent context.Context) error {
	cleaner := event.NewCleaner(loggerShutdown)
	defer cleaner.Clean()
	ctx := cleaner.Watch(parent)

	logger.Debug("Application initializing...")
	store, err := database.Open(ctx, cfg)
	if err != nil {
		logger.FatalF("Error occured while initializing database, details: %v", err)
		return err
	}
	cleaner.Add(database.NewStoreCloseCallback(store))
	if !cfg.Database.Enabled {
		logger.InfoF("Journal kept in memory (%d messages), receipts need database.enabled", cfg.Database.JournalSize)
	}

	broker := server.New(server.OptionsFromConfig(cfg.Hub), store)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return broker.Serve(gctx)
	})
	g.Go(func() error {
		select {
		case <-broker.Ready():
			return printJSON(map[string]any{"status": "started", "socket": broker.Addr(), "pid": os.Getpid()})
		case <-gctx.Done():
			return nil
		}
	})
	return g.Wait()
}

func startDetached() error {
	socket := cfg.Hub.SocketPath
	if report := lifecycle.Status(socket); report.Running {
		return printJSON(map[string]any{"status": "already_running", "socket": socket, "pid": report.PID})
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	args := []string{"start", "--socket", socket}
	if flagConfig != "" {
		args = append(args, "--config", flagConfig)
	}
	if cfg.DebugMode {
		args = append(args, "--debug")
	}
	child := exec.Command(exe, args...)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting hub: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()

	report, ok := waitFor(socket, true)
	if !ok {
		return fmt.Errorf("hub (pid %d) did not come up within %v: %s", pid, probeTimeout, report.Reason)
	}
	return printJSON(map[string]any{"status": "started", "socket": socket, "pid": report.PID})
}

// waitFor polls the hub status until its running state equals running.
func waitFor(socket string, running bool) (lifecycle.Report, bool) {
	deadline := time.Now().Add(probeTimeout)
	for {
		report := lifecycle.Status(socket)
		if report.Running == running {
			return report, true
		}
		if time.Now().After(deadline) {
			return report, false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			socket := cfg.Hub.SocketPath
			report, err := lifecycle.Stop(socket)
			if errors.Is(err, lifecycle.ErrNotRunning) {
				return printJSON(map[string]any{"stopped": false, "socket": socket, "reason": err.Error()})
			}
			if err != nil {
				return err
			}
			if _, ok := waitFor(socket, false); !ok {
				return fmt.Errorf("hub (pid %d) is still running after %v", report.PID, probeTimeout)
			}
			return printJSON(report)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the hub is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(lifecycle.Status(cfg.Hub.SocketPath))
		},
	}
}
