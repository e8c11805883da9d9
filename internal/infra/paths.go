package infra

import (
	"os"
	"os/user"
	"path/filepath"
)

const appDirName = "cueaside"

// Paths holds the per-user locations the application reads and writes.
type Paths struct {
	Home      string
	ConfigDir string // config.yaml
	DataDir   string // encrypted database, key file, status file
	LogDir    string // daemon log
}

// DefaultPaths resolves XDG base directories for the given home and environment.
func DefaultPaths(home string, getenv func(string) string) Paths {
	base := func(env, fallback string) string {
		if dir := getenv(env); dir != "" && filepath.IsAbs(dir) {
			return filepath.Join(dir, appDirName)
		}
		return filepath.Join(home, fallback, appDirName)
	}
	return Paths{
		Home:      home,
		ConfigDir: base("XDG_CONFIG_HOME", ".config"),
		DataDir:   base("XDG_DATA_HOME", filepath.Join(".local", "share")),
		LogDir:    base("XDG_STATE_HOME", filepath.Join(".local", "state")),
	}
}

// HostPaths resolves paths for the invoking user.
func HostPaths() Paths {
	return DefaultPaths(GetRealUserHome(), os.Getenv)
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns /var/root, so we use SUDO_USER to find the real user.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
