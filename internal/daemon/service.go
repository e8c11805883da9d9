// Package daemon implements the background tracking service.
package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
)

// ServiceConfig holds tracking service configuration.
type ServiceConfig struct {
	PollInterval      time.Duration // How often the foreground app is sampled
	HeartbeatInterval time.Duration // How often to update the status file
	PruneInterval     time.Duration // How often old usage intervals are dropped
	AutostartInterval time.Duration // How often to check the login agent
	Retention         time.Duration // How long usage intervals are kept
}

// DefaultServiceConfig returns default service configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		PollInterval:      2 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		PruneInterval:     time.Hour,
		AutostartInterval: 60 * time.Second,
		Retention:         30 * 24 * time.Hour,
	}
}

// ForegroundHandler consumes foreground changes.
// Implementation: usecase.Tracker.
type ForegroundHandler interface {
	OnForegroundChange(ctx context.Context, pkg string) *domain.EvaluationResult
	State() domain.TrackerState
	Stop()
}

// Ledger records foreground intervals and maintains their history.
// Implementation: infra.UsageLedger.
type Ledger interface {
	domain.UsageRecorder
	Recover(ctx context.Context, lastSeen time.Time) (int64, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Service is the tracking daemon.
// It samples the foreground app, records usage, and feeds changes to the tracker.
// It publishes liveness to the status file and checks that the login agent
// points at the current binary.
type Service struct {
	config    ServiceConfig
	detector  domain.ForegroundDetector
	tracker   ForegroundHandler
	ledger    Ledger
	status    domain.StatusRegistry
	autostart domain.AutostartManager
	execPath  string
	version   string
	pid       int
	now       func() time.Time
	logger    *zap.Logger

	reload         chan ServiceConfig
	lastForeground string
	detectFailing  bool
}

// NewService creates a new tracking service. autostart may be nil.
func NewService(
	config ServiceConfig,
	detector domain.ForegroundDetector,
	tracker ForegroundHandler,
	ledger Ledger,
	status domain.StatusRegistry,
	autostart domain.AutostartManager,
	pm domain.ProcessManager,
	logger *zap.Logger,
) *Service {
	return &Service{
		config:    config,
		detector:  detector,
		tracker:   tracker,
		ledger:    ledger,
		status:    status,
		autostart: autostart,
		pid:       pm.GetCurrentPID(),
		now:       time.Now,
		logger:    logger,
		reload:    make(chan ServiceConfig, 1),
	}
}

// WithExecutable sets the binary path the login agent should point at.
func (s *Service) WithExecutable(path, version string) *Service {
	s.execPath = path
	s.version = version
	return s
}

// UpdateConfig hands a new configuration to the running loop.
// Only the latest unapplied update is kept.
func (s *Service) UpdateConfig(config ServiceConfig) {
	for {
		select {
		case s.reload <- config:
			return
		default:
		}
		select {
		case <-s.reload:
		default:
		}
	}
}

// Run starts the service loop.
// This blocks until context is canceled.
func (s *Service) Run(ctx context.Context) error {
	s.recoverIntervals(ctx)

	if err := s.status.Register(domain.DaemonStatus{PID: s.pid, AppVersion: s.version}); err != nil {
		s.logger.Error("failed to register daemon", zap.Error(err))
		return err
	}

	s.logger.Info("tracking service started",
		zap.Int("pid", s.pid),
		zap.String("detector", s.detector.Name()),
		zap.Duration("poll_interval", s.config.PollInterval))

	s.prune(ctx)
	s.ensureAutostart()
	s.poll(ctx)

	pollTicker := time.NewTicker(s.config.PollInterval)
	heartbeatTicker := time.NewTicker(s.config.HeartbeatInterval)
	pruneTicker := time.NewTicker(s.config.PruneInterval)
	autostartTicker := time.NewTicker(s.config.AutostartInterval)

	defer func() {
		pollTicker.Stop()
		heartbeatTicker.Stop()
		pruneTicker.Stop()
		autostartTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("tracking service stopping")
			s.shutdown()
			return ctx.Err()

		case <-pollTicker.C:
			s.poll(ctx)

		case <-heartbeatTicker.C:
			if err := s.status.Heartbeat(s.tracker.State()); err != nil {
				s.logger.Warn("failed to update heartbeat", zap.Error(err))
			}

		case <-pruneTicker.C:
			s.prune(ctx)

		case <-autostartTicker.C:
			s.ensureAutostart()

		case config := <-s.reload:
			if config.PollInterval != s.config.PollInterval {
				pollTicker.Reset(config.PollInterval)
			}
			if config.HeartbeatInterval != s.config.HeartbeatInterval {
				heartbeatTicker.Reset(config.HeartbeatInterval)
			}
			s.config = config
			s.logger.Info("configuration reloaded",
				zap.Duration("poll_interval", config.PollInterval),
				zap.Duration("heartbeat_interval", config.HeartbeatInterval))
		}
	}
}

// poll samples the foreground app and forwards changes.
func (s *Service) poll(ctx context.Context) {
	pkg, err := s.detector.Detect(ctx)
	if err != nil {
		if !s.detectFailing {
			s.logger.Warn("foreground detection failed", zap.Error(err))
		}
		s.detectFailing = true
		return
	}
	if s.detectFailing {
		s.logger.Info("foreground detection recovered")
		s.detectFailing = false
	}

	// An empty result means unknown; the current app keeps its interval and timers.
	if pkg == "" || pkg == s.lastForeground {
		return
	}
	s.lastForeground = pkg

	if err := s.ledger.RecordSwitch(ctx, pkg, s.now()); err != nil {
		s.logger.Warn("failed to record foreground switch",
			zap.String("app", pkg),
			zap.Error(err))
	}

	result := s.tracker.OnForegroundChange(ctx, pkg)
	if result == nil {
		return
	}

	s.logger.Debug("foreground changed",
		zap.String("from", result.Previous),
		zap.String("to", result.Foreground),
		zap.Int64("duration_ms", result.DurationMs))

	if len(result.Fired) > 0 || len(result.Scheduled) > 0 || len(result.Errors) > 0 {
		s.logger.Info("routines evaluated",
			zap.String("foreground", result.Foreground),
			zap.Strings("fired", result.Fired),
			zap.Strings("scheduled", result.Scheduled),
			zap.Strings("skipped", result.Skipped),
			zap.Errors("errors", result.Errors))
	}
}

// recoverIntervals closes intervals left open by a previous run at its last heartbeat.
func (s *Service) recoverIntervals(ctx context.Context) {
	prev, err := s.status.Get()
	if err != nil {
		s.logger.Warn("failed to read previous status", zap.Error(err))
		return
	}
	if prev == nil || prev.LastHeartbeat == 0 {
		return
	}

	closed, err := s.ledger.Recover(ctx, time.Unix(prev.LastHeartbeat, 0))
	if err != nil {
		s.logger.Warn("failed to close stale intervals", zap.Error(err))
		return
	}
	if closed > 0 {
		s.logger.Info("closed intervals from previous run",
			zap.Int64("count", closed),
			zap.Int("previous_pid", prev.PID))
	}
}

// prune drops usage intervals older than the retention window.
func (s *Service) prune(ctx context.Context) {
	removed, err := s.ledger.Prune(ctx, s.now().Add(-s.config.Retention))
	if err != nil {
		s.logger.Warn("failed to prune usage history", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("pruned usage history", zap.Int64("intervals", removed))
	}
}

// ensureAutostart warns when an installed login agent points at another binary.
// Reloading it from here would stop this process under launchd, so the fix is
// left to "cueaside autostart install".
func (s *Service) ensureAutostart() {
	if s.autostart == nil || s.execPath == "" {
		return
	}
	if s.autostart.NeedsUpdate(s.execPath) {
		s.logger.Warn("login agent points at a different binary",
			zap.String("path", s.autostart.Path()),
			zap.String("executable", s.execPath))
	}
}

// shutdown closes the open interval, cancels pending timers and clears the status.
func (s *Service) shutdown() {
	// ctx is already canceled here.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.ledger.Flush(ctx, s.now()); err != nil {
		s.logger.Warn("failed to close open interval", zap.Error(err))
	}
	s.tracker.Stop()
	if err := s.status.Clear(); err != nil {
		s.logger.Warn("failed to clear status", zap.Error(err))
	}
}
