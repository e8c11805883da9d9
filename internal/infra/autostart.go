package infra

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
)

// AutostartLabel identifies the login agent.
const AutostartLabel = "com.cueaside.tracker"

// LaunchAgent plist template (runs as user at login)
const launchAgentTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
        <string>run</string>
    </array>

    <key>RunAtLoad</key>
    <true/>

    <key>KeepAlive</key>
    <dict>
        <key>Crashed</key>
        <true/>
    </dict>

    <key>StandardOutPath</key>
    <string>{{.LogPath}}</string>

    <key>StandardErrorPath</key>
    <string>{{.ErrorLogPath}}</string>

    <key>ProcessType</key>
    <string>Interactive</string>

    <key>ThrottleInterval</key>
    <integer>10</integer>
</dict>
</plist>
`

// systemd user unit template
const systemdUnitTemplate = `[Unit]
Description=CueAside usage tracker
After=graphical-session.target
PartOf=graphical-session.target

[Service]
ExecStart={{.ExecutablePath}} run
Restart=on-failure
RestartSec=10
StandardOutput=append:{{.LogPath}}
StandardError=append:{{.ErrorLogPath}}

[Install]
WantedBy=graphical-session.target
`

type agentConfig struct {
	Label          string
	ExecutablePath string
	LogPath        string
	ErrorLogPath   string
}

// AgentManager implements domain.AutostartManager with a LaunchAgent on macOS
// and a systemd user unit on Linux.
type AgentManager struct {
	kind       string // "launchd" or "systemd"
	tmpl       string
	dir        string
	path       string
	logDir     string
	runner     CommandRunner
	loadCmds   func(path string) [][]string
	unloadCmds func(path string) [][]string
}

// NewAutostartManager creates the login agent manager for the host OS.
func NewAutostartManager(paths Paths, goos string, runner CommandRunner) (*AgentManager, error) {
	switch goos {
	case "darwin":
		dir := filepath.Join(paths.Home, "Library", "LaunchAgents")
		return &AgentManager{
			kind:   "launchd",
			tmpl:   launchAgentTemplate,
			dir:    dir,
			path:   filepath.Join(dir, AutostartLabel+".plist"),
			logDir: paths.LogDir,
			runner: runner,
			loadCmds: func(p string) [][]string {
				return [][]string{{"launchctl", "load", p}}
			},
			unloadCmds: func(p string) [][]string {
				return [][]string{{"launchctl", "unload", p}}
			},
		}, nil
	case "linux":
		dir := filepath.Join(paths.Home, ".config", "systemd", "user")
		unit := AutostartLabel + ".service"
		return &AgentManager{
			kind:   "systemd",
			tmpl:   systemdUnitTemplate,
			dir:    dir,
			path:   filepath.Join(dir, unit),
			logDir: paths.LogDir,
			runner: runner,
			loadCmds: func(string) [][]string {
				return [][]string{
					{"systemctl", "--user", "daemon-reload"},
					{"systemctl", "--user", "enable", "--now", unit},
				}
			},
			unloadCmds: func(string) [][]string {
				return [][]string{{"systemctl", "--user", "disable", "--now", unit}}
			},
		}, nil
	default:
		return nil, fmt.Errorf("autostart is not supported on %s", goos)
	}
}

// Kind returns the service manager in use.
func (m *AgentManager) Kind() string {
	return m.kind
}

// generateContent renders the agent definition for the given exec path.
func (m *AgentManager) generateContent(execPath string) ([]byte, error) {
	config := agentConfig{
		Label:          AutostartLabel,
		ExecutablePath: execPath,
		LogPath:        filepath.Join(m.logDir, "cueaside.out.log"),
		ErrorLogPath:   filepath.Join(m.logDir, "cueaside.err.log"),
	}

	tmpl, err := template.New("agent").Parse(m.tmpl)
	if err != nil {
		return nil, fmt.Errorf("failed to parse agent template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, config); err != nil {
		return nil, fmt.Errorf("failed to execute agent template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes and loads the agent, replacing an existing definition.
func (m *AgentManager) Install(execPath string) error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("failed to create agent directory: %w", err)
	}
	if err := os.MkdirAll(m.logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	content, err := m.generateContent(execPath)
	if err != nil {
		return err
	}

	if m.IsInstalled() {
		_ = m.run(m.unloadCmds(m.path))
	}
	if err := os.WriteFile(m.path, content, 0644); err != nil {
		return fmt.Errorf("failed to write agent file: %w", err)
	}
	return m.run(m.loadCmds(m.path))
}

// Uninstall unloads and removes the agent. A missing agent is not an error.
func (m *AgentManager) Uninstall() error {
	if !m.IsInstalled() {
		return nil
	}
	// Ignore errors if not loaded.
	_ = m.run(m.unloadCmds(m.path))
	return os.Remove(m.path)
}

// IsInstalled checks if the agent file exists.
func (m *AgentManager) IsInstalled() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// NeedsUpdate checks if the agent exists but differs from what Install would write.
func (m *AgentManager) NeedsUpdate(execPath string) bool {
	if !m.IsInstalled() {
		return false
	}
	current, err := os.ReadFile(m.path)
	if err != nil {
		return true
	}
	expected, err := m.generateContent(execPath)
	if err != nil {
		return true
	}
	return !bytes.Equal(current, expected)
}

// Path returns the agent file path.
func (m *AgentManager) Path() string {
	return m.path
}

func (m *AgentManager) run(cmds [][]string) error {
	for _, c := range cmds {
		if err := m.runner.Run(context.Background(), c[0], c[1:]...); err != nil {
			return err
		}
	}
	return nil
}

// Ensure AgentManager implements domain.AutostartManager.
var _ domain.AutostartManager = (*AgentManager)(nil)
