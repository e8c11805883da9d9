package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/focusd/cueaside/internal/infra"
)

var autostartCmd = &cobra.Command{
	Use:   "autostart",
	Short: "Manage starting the tracker at login",
	Long: `Installs a LaunchAgent (macOS) or a systemd user unit (Linux) that runs
'cueaside run' at login and restarts it if it crashes.`,
}

var autostartInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Start the tracker at login",
	Args:  cobra.NoArgs,
	RunE:  runAutostartInstall,
}

var autostartUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop starting the tracker at login",
	Args:  cobra.NoArgs,
	RunE:  runAutostartUninstall,
}

var autostartStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the login agent is installed",
	Args:  cobra.NoArgs,
	RunE:  runAutostartStatus,
}

func init() {
	autostartCmd.AddCommand(autostartInstallCmd)
	autostartCmd.AddCommand(autostartUninstallCmd)
	autostartCmd.AddCommand(autostartStatusCmd)
	rootCmd.AddCommand(autostartCmd)
}

func autostartManager() (*infra.AgentManager, error) {
	env, err := loadEnvironment()
	if err != nil {
		return nil, err
	}
	return infra.NewAutostartManager(env.paths, runtime.GOOS, infra.NewCommandRunner())
}

func runAutostartInstall(cmd *cobra.Command, args []string) error {
	m, err := autostartManager()
	if err != nil {
		return err
	}
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	if m.IsInstalled() && !m.NeedsUpdate(execPath) {
		fmt.Printf("Auto-start already installed (%s)\n", m.Path())
		return nil
	}
	if err := m.Install(execPath); err != nil {
		return fmt.Errorf("failed to install %s agent: %w", m.Kind(), err)
	}
	fmt.Printf("Auto-start installed (%s)\n", m.Path())
	return nil
}

func runAutostartUninstall(cmd *cobra.Command, args []string) error {
	m, err := autostartManager()
	if err != nil {
		return err
	}
	if !m.IsInstalled() {
		fmt.Println("Auto-start is not installed")
		return nil
	}
	if err := m.Uninstall(); err != nil {
		return fmt.Errorf("failed to uninstall %s agent: %w", m.Kind(), err)
	}
	fmt.Println("Auto-start removed")
	return nil
}

func runAutostartStatus(cmd *cobra.Command, args []string) error {
	m, err := autostartManager()
	if err != nil {
		return err
	}
	execPath, _ := os.Executable()

	switch {
	case !m.IsInstalled():
		fmt.Printf("Auto-start: disabled (%s)\n", m.Kind())
	case m.NeedsUpdate(execPath):
		fmt.Printf("Auto-start: enabled, outdated (%s)\n", m.Path())
		fmt.Println("Run 'cueaside autostart install' to point it at this binary.")
	default:
		fmt.Printf("Auto-start: enabled (%s)\n", m.Path())
	}
	return nil
}
