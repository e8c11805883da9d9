package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
	"github.com/eliteGoblin/focusd/cueaside/internal/routine"
)

// RoutineService is the write path for routines used by the CLI.
// The tracker only ever reads the store, so changes here take effect on the
// next foreground change.
type RoutineService struct {
	repo     domain.RoutineRepository
	settings domain.SettingsStore
	now      func() time.Time
	logger   *zap.Logger
}

// NewRoutineService creates a routine service.
func NewRoutineService(repo domain.RoutineRepository, settings domain.SettingsStore, logger *zap.Logger) *RoutineService {
	return NewRoutineServiceWithClock(repo, settings, time.Now, logger)
}

// NewRoutineServiceWithClock creates a routine service with a custom clock (for testing).
func NewRoutineServiceWithClock(
	repo domain.RoutineRepository,
	settings domain.SettingsStore,
	now func() time.Time,
	logger *zap.Logger,
) *RoutineService {
	return &RoutineService{repo: repo, settings: settings, now: now, logger: logger}
}

// Create validates a draft, stores the routine and advances the sequence counter.
func (s *RoutineService) Create(ctx context.Context, d routine.Draft) (domain.Routine, error) {
	settings, err := s.settings.GetSettings(ctx)
	if err != nil {
		return domain.Routine{}, fmt.Errorf("failed to load settings: %w", err)
	}

	r, next, err := routine.Build(d, settings, s.now())
	if err != nil {
		return domain.Routine{}, err
	}

	if err := s.repo.Add(ctx, r); err != nil {
		return domain.Routine{}, fmt.Errorf("failed to add routine: %w", err)
	}
	// The routine is already stored; a stale counter only affects display numbering.
	if err := s.settings.SaveSettings(ctx, next); err != nil {
		s.logger.Warn("failed to advance routine sequence",
			zap.Int("seq_id", r.SeqID),
			zap.Error(err))
	}

	s.logger.Info("routine created",
		zap.String("id", r.ID),
		zap.Int("seq_id", r.SeqID),
		zap.String("routine", routine.Describe(r)))
	return r, nil
}

// List returns every routine in evaluation order.
func (s *RoutineService) List(ctx context.Context) ([]domain.Routine, error) {
	return s.repo.List(ctx)
}

// Resolve finds a routine by ID, by "#<seq>" / "<seq>", or by cue name.
func (s *RoutineService) Resolve(ctx context.Context, ref string) (*domain.Routine, error) {
	r, err := s.repo.Get(ctx, ref)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, domain.ErrRoutineNotFound) {
		return nil, err
	}

	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	seq, seqErr := strconv.Atoi(strings.TrimPrefix(ref, "#"))
	for i := range all {
		if (seqErr == nil && all[i].SeqID == seq) || all[i].CueName == ref {
			return &all[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrRoutineNotFound, ref)
}

// Delete removes the referenced routine.
func (s *RoutineService) Delete(ctx context.Context, ref string) (*domain.Routine, error) {
	r, err := s.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Delete(ctx, r.ID); err != nil {
		return nil, err
	}
	s.logger.Info("routine deleted", zap.String("id", r.ID))
	return r, nil
}

// SetEnabled enables or disables the referenced routine.
func (s *RoutineService) SetEnabled(ctx context.Context, ref string, enabled bool) (*domain.Routine, error) {
	r, err := s.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetEnabled(ctx, r.ID, enabled); err != nil {
		return nil, err
	}
	r.Enabled = enabled
	s.logger.Info("routine updated", zap.String("id", r.ID), zap.Bool("enabled", enabled))
	return r, nil
}

// Clear removes every routine. The sequence counter is left alone.
func (s *RoutineService) Clear(ctx context.Context) error {
	return s.repo.Clear(ctx)
}

// Settings returns the stored user defaults.
func (s *RoutineService) Settings(ctx context.Context) (domain.Settings, error) {
	return s.settings.GetSettings(ctx)
}

// UpdateSettings applies fn to the stored defaults and saves the result.
func (s *RoutineService) UpdateSettings(ctx context.Context, fn func(*domain.Settings)) (domain.Settings, error) {
	settings, err := s.settings.GetSettings(ctx)
	if err != nil {
		return settings, fmt.Errorf("failed to load settings: %w", err)
	}
	fn(&settings)
	if err := s.settings.SaveSettings(ctx, settings); err != nil {
		return settings, fmt.Errorf("failed to save settings: %w", err)
	}
	return settings, nil
}
