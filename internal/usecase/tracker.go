// Package usecase contains application business logic.
package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
	"github.com/eliteGoblin/focusd/cueaside/internal/routine"
)

const timerKeyPrefix = "routine:"

// Scheduler is the delayed-callback queue the tracker schedules on.
// Implementation: scheduler.Queue.
type Scheduler interface {
	Schedule(key string, delay time.Duration, fn func()) error
	Cancel(key string) bool
}

// TrackerConfig holds tracker timing configuration.
type TrackerConfig struct {
	RetryDelay      time.Duration // Re-check delay after a usage query failure
	MinRecheckDelay time.Duration // Floor for total-usage re-checks
}

// DefaultTrackerConfig returns default tracker configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		RetryDelay:      60 * time.Second,
		MinRecheckDelay: time.Second,
	}
}

// Tracker is the app-usage tracking engine.
// It consumes foreground changes, matches enabled routines, and fires or schedules
// their notifications. It holds no durable state and can be rebuilt at any time.
type Tracker struct {
	mu        sync.Mutex
	config    TrackerConfig
	rules     domain.RuleStore
	sink      domain.NotificationSink
	usage     domain.UsageQuery
	scheduler Scheduler
	now       func() time.Time
	logger    *zap.Logger

	foreground   string
	sessionStart time.Time
	lastEventAt  time.Time
	epoch        uint64              // bumped on every foreground change
	pending      map[string]struct{} // routine ids with an outstanding timer
}

// NewTracker creates a tracking engine using the wall clock.
func NewTracker(
	config TrackerConfig,
	rules domain.RuleStore,
	sink domain.NotificationSink,
	usage domain.UsageQuery,
	scheduler Scheduler,
	logger *zap.Logger,
) *Tracker {
	return NewTrackerWithClock(config, rules, sink, usage, scheduler, time.Now, logger)
}

// NewTrackerWithClock creates a tracking engine with a custom clock (for testing).
func NewTrackerWithClock(
	config TrackerConfig,
	rules domain.RuleStore,
	sink domain.NotificationSink,
	usage domain.UsageQuery,
	scheduler Scheduler,
	now func() time.Time,
	logger *zap.Logger,
) *Tracker {
	if config.MinRecheckDelay <= 0 {
		config.MinRecheckDelay = DefaultTrackerConfig().MinRecheckDelay
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultTrackerConfig().RetryDelay
	}
	return &Tracker{
		config:    config,
		rules:     rules,
		sink:      sink,
		usage:     usage,
		scheduler: scheduler,
		now:       now,
		logger:    logger,
		pending:   make(map[string]struct{}),
	}
}

// OnForegroundChange handles a foreground-app-change event.
// Duplicate and empty packages are no-ops and return nil.
func (t *Tracker) OnForegroundChange(ctx context.Context, pkg string) *domain.EvaluationResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.now()
	t.lastEventAt = start

	if pkg == "" || pkg == t.foreground {
		return nil
	}

	previous := t.foreground
	t.foreground = pkg
	t.sessionStart = start
	t.epoch++
	t.cancelPendingLocked()

	t.logger.Debug("foreground changed",
		zap.String("from", previous),
		zap.String("to", pkg))

	result := &domain.EvaluationResult{
		Previous:    previous,
		Foreground:  pkg,
		Fired:       make([]string, 0),
		Scheduled:   make([]string, 0),
		Skipped:     make([]string, 0),
		Errors:      make([]error, 0),
		EvaluatedAt: start,
	}
	defer func() {
		result.DurationMs = t.now().Sub(start).Milliseconds()
	}()

	routines, err := t.rules.EnabledRoutines(ctx)
	if err != nil {
		t.logger.Warn("failed to load routines", zap.Error(err))
		result.Errors = append(result.Errors, fmt.Errorf("failed to load routines: %w", err))
		return result
	}

	for _, r := range routines {
		if !r.Enabled {
			continue
		}
		t.evaluateLocked(ctx, r, previous, pkg, result)
	}

	return result
}

// evaluateLocked matches one routine. Failures are recorded and never escape.
func (t *Tracker) evaluateLocked(ctx context.Context, r domain.Routine, previous, current string, result *domain.EvaluationResult) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("routine %s: panic: %v", r.ID, rec)
			t.logger.Error("routine evaluation panicked", zap.String("routine", r.ID), zap.Any("panic", rec))
			result.Errors = append(result.Errors, err)
		}
	}()

	if err := r.Validate(); err != nil {
		t.logger.Warn("skipping malformed routine", zap.String("routine", r.ID), zap.Error(err))
		result.Skipped = append(result.Skipped, r.ID)
		result.Errors = append(result.Errors, err)
		return
	}

	switch r.Condition {
	case domain.ConditionLaunched:
		if r.Targets(current) {
			t.recordFire(ctx, r, result)
		}

	case domain.ConditionExiting:
		if previous != "" && r.Targets(previous) {
			t.recordFire(ctx, r, result)
		}

	case domain.ConditionUsedFor:
		if !r.Targets(current) {
			return
		}
		switch r.TimeMode {
		case domain.TimeModeSession:
			if err := t.scheduleLocked(r.ID, routine.Threshold(r), t.epoch, func(ctx context.Context) {
				if err := t.fire(ctx, r); err != nil {
					t.logger.Warn("session notification failed", zap.String("routine", r.ID), zap.Error(err))
				}
			}); err != nil {
				result.Errors = append(result.Errors, err)
				return
			}
			result.Scheduled = append(result.Scheduled, r.ID)

		case domain.TimeModeTotal:
			fired, scheduled, err := t.checkTotalLocked(ctx, r, current, t.epoch)
			if fired {
				result.Fired = append(result.Fired, r.ID)
			}
			if scheduled {
				result.Scheduled = append(result.Scheduled, r.ID)
			}
			if err != nil {
				result.Errors = append(result.Errors, err)
			}
		}
	}
}

func (t *Tracker) recordFire(ctx context.Context, r domain.Routine, result *domain.EvaluationResult) {
	if err := t.fire(ctx, r); err != nil {
		t.logger.Warn("notification failed", zap.String("routine", r.ID), zap.Error(err))
		result.Errors = append(result.Errors, err)
		return
	}
	result.Fired = append(result.Fired, r.ID)
}

func (t *Tracker) fire(ctx context.Context, r domain.Routine) error {
	if err := t.sink.Fire(ctx, r); err != nil {
		return fmt.Errorf("routine %s: failed to fire notification: %w", r.ID, err)
	}
	t.logger.Info("routine fired",
		zap.String("routine", r.ID),
		zap.String("cue", r.CueName),
		zap.String("condition", string(r.Condition)))
	return nil
}

// checkTotalLocked compares today's cumulative usage of app with the routine threshold.
// It fires when met, otherwise schedules a re-check. The usage window is recomputed from
// the current time on every call, so a re-check after midnight counts the new day.
func (t *Tracker) checkTotalLocked(ctx context.Context, r domain.Routine, app string, epoch uint64) (fired, scheduled bool, err error) {
	now := t.now()
	threshold := routine.Threshold(r)
	midnight := startOfDay(now)

	recheck := func(ctx context.Context) {
		if _, _, err := t.checkTotalLocked(ctx, r, app, epoch); err != nil {
			t.logger.Warn("total usage re-check failed", zap.String("routine", r.ID), zap.Error(err))
		}
	}

	used, qerr := t.usage.CumulativeForeground(ctx, app, midnight, now)
	if qerr != nil {
		t.logger.Warn("usage query failed, retrying later",
			zap.String("routine", r.ID),
			zap.String("app", app),
			zap.Duration("retry_in", t.config.RetryDelay),
			zap.Error(qerr))
		err = fmt.Errorf("routine %s: usage query failed: %w", r.ID, qerr)
		if serr := t.scheduleLocked(r.ID, t.config.RetryDelay, epoch, recheck); serr != nil {
			return false, false, serr
		}
		return false, true, err
	}

	if used >= threshold {
		if err := t.fire(ctx, r); err != nil {
			return false, false, err
		}
		return true, false, nil
	}

	delay := threshold - used
	if untilMidnight := midnight.AddDate(0, 0, 1).Sub(now); untilMidnight < delay {
		delay = untilMidnight
	}
	if delay < t.config.MinRecheckDelay {
		delay = t.config.MinRecheckDelay
	}

	t.logger.Debug("total usage below threshold",
		zap.String("routine", r.ID),
		zap.Duration("used", used),
		zap.Duration("threshold", threshold),
		zap.Duration("recheck_in", delay))

	if err := t.scheduleLocked(r.ID, delay, epoch, recheck); err != nil {
		return false, false, err
	}
	return false, true, nil
}

// scheduleLocked queues fn for the routine. When the timer fires, fn runs under the
// tracker lock only if no foreground change happened since scheduling.
func (t *Tracker) scheduleLocked(id string, delay time.Duration, epoch uint64, fn func(ctx context.Context)) error {
	err := t.scheduler.Schedule(timerKeyPrefix+id, delay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.epoch != epoch {
			t.logger.Debug("dropping stale timer", zap.String("routine", id))
			return
		}
		delete(t.pending, id)

		defer func() {
			if rec := recover(); rec != nil {
				t.logger.Error("deferred routine check panicked", zap.String("routine", id), zap.Any("panic", rec))
			}
		}()
		fn(context.Background())
	})
	if err != nil {
		return fmt.Errorf("routine %s: failed to schedule: %w", id, err)
	}
	t.pending[id] = struct{}{}
	return nil
}

func (t *Tracker) cancelPendingLocked() {
	for id := range t.pending {
		t.scheduler.Cancel(timerKeyPrefix + id)
	}
	t.pending = make(map[string]struct{})
}

// State returns a diagnostic snapshot.
func (t *Tracker) State() domain.TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := make([]string, 0, len(t.pending))
	for id := range t.pending {
		pending = append(pending, id)
	}
	sort.Strings(pending)

	return domain.TrackerState{
		Foreground:   t.foreground,
		SessionStart: t.sessionStart,
		LastEventAt:  t.lastEventAt,
		Pending:      pending,
	}
}

// Stop cancels every outstanding timer and drops any callback already in flight.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epoch++
	t.cancelPendingLocked()
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
