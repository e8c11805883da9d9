package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/cueaside/internal/config"
	"github.com/eliteGoblin/focusd/cueaside/internal/daemon"
	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
	"github.com/eliteGoblin/focusd/cueaside/internal/infra"
	"github.com/eliteGoblin/focusd/cueaside/internal/scheduler"
	"github.com/eliteGoblin/focusd/cueaside/internal/usecase"
)

const (
	startTimeout = 5 * time.Second
	stopTimeout  = 5 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the tracker in the foreground",
	Long: `Runs the usage tracker in the foreground until interrupted.
This is what the login agent and 'cueaside start' execute.`,
	RunE: runDaemon,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tracker in the background",
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background tracker",
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tracker status",
	Long:  `Shows whether the tracker is running, the current foreground app, and pending timers.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}

// serviceConfig maps the loaded config onto the service's timing.
func serviceConfig(cfg *config.Config) daemon.ServiceConfig {
	sc := daemon.DefaultServiceConfig()
	sc.PollInterval = cfg.PollInterval
	sc.HeartbeatInterval = cfg.HeartbeatInterval
	sc.Retention = time.Duration(cfg.RetentionDays) * 24 * time.Hour
	return sc
}

// trackerConfig maps the loaded config onto the tracker's timing.
func trackerConfig(cfg *config.Config) usecase.TrackerConfig {
	return usecase.TrackerConfig{
		RetryDelay:      cfg.RetryDelay,
		MinRecheckDelay: cfg.MinRecheckDelay,
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	cfg := env.config

	level := zap.NewAtomicLevelAt(cfg.Level())
	logger := createLogger(cfg.LogDir, level)
	defer func() { _ = logger.Sync() }()

	pm := infra.NewProcessManager()
	status := infra.NewStatusFile(cfg.DataDir, pm)
	if alive, _ := status.IsAlive(); alive {
		current, _ := status.Get()
		if current != nil && current.PID != pm.GetCurrentPID() {
			return fmt.Errorf("tracker already running (pid %d)", current.PID)
		}
	}

	runner := infra.NewCommandRunner()
	hostEnv := infra.HostDetectorEnv()

	detector, err := infra.SelectForegroundDetector(infra.NewForegroundDetectors(runner, pm, hostEnv))
	if err != nil {
		logger.Error("no foreground detector available", zap.String("os", hostEnv.GOOS))
		return err
	}
	sink, err := infra.SelectNotifier(cfg.Notifier, runner, hostEnv, logger)
	if err != nil {
		logger.Error("failed to set up notifier", zap.String("notifier", cfg.Notifier), zap.Error(err))
		return err
	}

	store, err := env.openStore(logger)
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		return err
	}
	defer store.Close()

	ledger := infra.NewUsageLedger(store)
	queue := scheduler.NewQueue(logger.Named("scheduler"))
	queue.Start()
	defer queue.Stop()

	tracker := usecase.NewTracker(trackerConfig(cfg), store, sink, ledger, queue, logger.Named("tracker"))

	// The login agent is optional; tracking works without it.
	var autostart domain.AutostartManager
	if m, err := infra.NewAutostartManager(env.paths, runtime.GOOS, runner); err == nil {
		autostart = m
	}
	execPath, _ := os.Executable()

	service := daemon.NewService(serviceConfig(cfg), detector, tracker, ledger, status, autostart, pm, logger).
		WithExecutable(execPath, Version)

	err = env.loader.Watch(func(next *config.Config, err error) {
		if err != nil {
			logger.Warn("ignoring invalid config change", zap.Error(err))
			return
		}
		level.SetLevel(next.Level())
		service.UpdateConfig(serviceConfig(next))
		if next.RetryDelay != cfg.RetryDelay || next.MinRecheckDelay != cfg.MinRecheckDelay ||
			next.Notifier != cfg.Notifier || next.DataDir != cfg.DataDir {
			logger.Info("some config changes take effect after restart")
		}
	})
	if err != nil && !errors.Is(err, config.ErrNoConfigFile) {
		logger.Warn("config watch disabled", zap.Error(err))
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.Info("starting tracker",
		zap.String("version", Version),
		zap.String("detector", detector.Name()),
		zap.String("data_dir", cfg.DataDir))

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}

	pm := infra.NewProcessManager()
	status := infra.NewStatusFile(env.config.DataDir, pm)
	if alive, _ := status.IsAlive(); alive {
		current, _ := status.Get()
		fmt.Printf("Tracker already running (pid %d)\n", current.PID)
		return nil
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	if err := os.MkdirAll(env.config.LogDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	daemonArgs := []string{"run"}
	if configPath != "" {
		daemonArgs = append(daemonArgs, "--config", configPath)
	}
	if _, err := daemon.StartDetached(execPath, daemonArgs, filepath.Join(env.config.LogDir, "cueaside.out.log")); err != nil {
		return err
	}

	current, err := daemon.WaitHealthy(status, startTimeout)
	if err != nil {
		return fmt.Errorf("%w (see logs in %s)", err, env.config.LogDir)
	}
	fmt.Printf("Tracker started (pid %d)\n", current.PID)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}

	pm := infra.NewProcessManager()
	status := infra.NewStatusFile(env.config.DataDir, pm)
	pid, err := daemon.Stop(status, pm, stopTimeout)
	if errors.Is(err, daemon.ErrNotRunning) {
		fmt.Println("Tracker is not running")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Tracker stopped (pid %d)\n", pid)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}

	pm := infra.NewProcessManager()
	status := infra.NewStatusFile(env.config.DataDir, pm)

	fmt.Println("\n=== cueaside Status ===")

	current, err := status.Get()
	if err != nil || current == nil {
		fmt.Println("Status: NOT RUNNING")
		fmt.Println("\nRun 'cueaside start' to begin tracking.")
		return nil
	}

	if pm.IsRunning(current.PID) {
		fmt.Printf("Status: RUNNING (pid %d)\n", current.PID)
	} else {
		fmt.Println("Status: NOT RUNNING (stale status file)")
	}

	if current.StartedAt > 0 {
		fmt.Printf("Started: %s\n", time.Unix(current.StartedAt, 0).Format(time.RFC3339))
	}
	if current.LastHeartbeat > 0 {
		lastBeat := time.Unix(current.LastHeartbeat, 0)
		fmt.Printf("Last heartbeat: %s ago\n", time.Since(lastBeat).Round(time.Second))
	}
	if current.Foreground != "" {
		fmt.Printf("Foreground: %s\n", current.Foreground)
	}
	if current.LastEventAt > 0 {
		fmt.Printf("Last switch: %s\n", time.Unix(current.LastEventAt, 0).Format(time.Kitchen))
	}
	if len(current.Pending) > 0 {
		fmt.Printf("Pending timers: %d\n", len(current.Pending))
		for _, id := range current.Pending {
			fmt.Printf("  - %s\n", id)
		}
	}

	runner := infra.NewCommandRunner()
	if m, err := infra.NewAutostartManager(env.paths, runtime.GOOS, runner); err == nil {
		if m.IsInstalled() {
			fmt.Printf("Auto-start: enabled (%s)\n", m.Path())
		} else {
			fmt.Println("Auto-start: disabled")
		}
	}

	fmt.Printf("Data directory: %s\n", env.config.DataDir)
	fmt.Println("=======================")
	return nil
}
