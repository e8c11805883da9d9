// Package main is the CLI entry point for cueaside.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/cueaside/internal/config"
	"github.com/eliteGoblin/focusd/cueaside/internal/infra"
	"github.com/eliteGoblin/focusd/cueaside/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cueaside",
	Short: "Usage cues - gentle nudges based on how you use your apps",
	Long: `cueaside watches which application is in the foreground and shows a
notification when one of your routines matches: when an app is launched,
when you leave it, or after you have used it for a while.

Routines are stored in an encrypted database. Run 'cueaside start' (or
'cueaside autostart install') to begin tracking.`,
	Version:      Version,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath string
	verbose    bool
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/cueaside/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(versionCmd)
}

// environment is the resolved configuration shared by every command.
type environment struct {
	paths  infra.Paths
	loader *config.Loader
	config *config.Config
}

func loadEnvironment() (*environment, error) {
	paths := infra.HostPaths()
	path := configPath
	if path == "" {
		path = config.DefaultPath(paths)
	}

	loader := config.NewLoader(path, paths)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	// Config may relocate the data and log directories.
	paths.DataDir = cfg.DataDir
	paths.LogDir = cfg.LogDir
	return &environment{paths: paths, loader: loader, config: cfg}, nil
}

// openStore opens the encrypted database, creating the key on first use.
func (e *environment) openStore(logger *zap.Logger) (*infra.Store, error) {
	provider := infra.NewKeyProvider(e.config.DataDir, e.config.UseKeyring, logger)
	key, err := infra.EnsureKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get encryption key: %w", err)
	}
	return infra.NewStore(e.config.DataDir, key)
}

// openRoutines opens the store and wraps it in a routine service.
func (e *environment) openRoutines(logger *zap.Logger) (*usecase.RoutineService, *infra.Store, error) {
	store, err := e.openStore(logger)
	if err != nil {
		return nil, nil, err
	}
	return usecase.NewRoutineService(store, store, logger), store, nil
}

// cliLogger logs warnings to stderr so command output stays readable.
func cliLogger() *zap.Logger {
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zapConfig.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// createLogger builds the daemon's file logger. level can be changed at runtime.
func createLogger(logDir string, level zap.AtomicLevel) *zap.Logger {
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = level
	zapConfig.OutputPaths = []string{filepath.Join(logDir, "cueaside.log")}
	zapConfig.ErrorOutputPaths = []string{filepath.Join(logDir, "cueaside.error.log")}
	zapConfig.EncoderConfig.TimeKey = "time"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		zapConfig.OutputPaths = append(zapConfig.OutputPaths, "stderr")
	}

	if err := os.MkdirAll(logDir, 0700); err != nil {
		logger, _ := zap.NewProduction()
		return logger
	}
	logger, err := zapConfig.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("cueaside %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
