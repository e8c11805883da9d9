package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeTimer struct {
	key string
	at  time.Time
	seq int
	fn  func()
}

// fakeScheduler implements Scheduler on top of fakeClock.
// Advance moves the clock forward and runs due callbacks in order.
type fakeScheduler struct {
	clock     *fakeClock
	timers    map[string]*fakeTimer
	seq       int
	cancelled []func() // callbacks removed by Cancel, kept to simulate in-flight races
	delays    map[string]time.Duration
	failNext  error
}

func newFakeScheduler(clock *fakeClock) *fakeScheduler {
	return &fakeScheduler{
		clock:  clock,
		timers: make(map[string]*fakeTimer),
		delays: make(map[string]time.Duration),
	}
}

func (s *fakeScheduler) Schedule(key string, delay time.Duration, fn func()) error {
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	s.seq++
	s.timers[key] = &fakeTimer{key: key, at: s.clock.Now().Add(delay), seq: s.seq, fn: fn}
	s.delays[key] = delay
	return nil
}

func (s *fakeScheduler) Cancel(key string) bool {
	t, ok := s.timers[key]
	if !ok {
		return false
	}
	s.cancelled = append(s.cancelled, t.fn)
	delete(s.timers, key)
	return true
}

func (s *fakeScheduler) pendingKeys() []string {
	keys := make([]string, 0, len(s.timers))
	for k := range s.timers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Advance moves the clock by d, running every timer that becomes due on the way.
func (s *fakeScheduler) Advance(d time.Duration) {
	target := s.clock.Now().Add(d)
	for {
		next := s.nextDue(target)
		if next == nil {
			break
		}
		delete(s.timers, next.key)
		s.clock.set(next.at)
		next.fn()
	}
	s.clock.set(target)
}

func (s *fakeScheduler) nextDue(limit time.Time) *fakeTimer {
	var best *fakeTimer
	for _, t := range s.timers {
		if t.at.After(limit) {
			continue
		}
		if best == nil || t.at.Before(best.at) || (t.at.Equal(best.at) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

// mockRuleStore implements domain.RuleStore for testing.
type mockRuleStore struct {
	routines []domain.Routine
	err      error
	calls    int
}

func (m *mockRuleStore) EnabledRoutines(ctx context.Context) ([]domain.Routine, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([]domain.Routine, 0, len(m.routines))
	for _, r := range m.routines {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRuleStore) setEnabled(id string, enabled bool) {
	for i := range m.routines {
		if m.routines[i].ID == id {
			m.routines[i].Enabled = enabled
		}
	}
}

// mockSink implements domain.NotificationSink for testing.
type mockSink struct {
	fired   []string
	firedAt []time.Time
	clock   *fakeClock
	failFor map[string]error
	panicOn string
}

func (m *mockSink) Fire(ctx context.Context, r domain.Routine) error {
	if r.ID == m.panicOn {
		panic("sink exploded")
	}
	if err := m.failFor[r.ID]; err != nil {
		return err
	}
	m.fired = append(m.fired, r.ID)
	if m.clock != nil {
		m.firedAt = append(m.firedAt, m.clock.Now())
	}
	return nil
}

func (m *mockSink) count(id string) int {
	n := 0
	for _, f := range m.fired {
		if f == id {
			n++
		}
	}
	return n
}

// mockUsage implements domain.UsageQuery for testing.
type mockUsage struct {
	used    map[string]time.Duration
	errs    []error // consumed one per call before used is consulted
	queries []usageCall
}

type usageCall struct {
	app          string
	since, until time.Time
}

func (m *mockUsage) CumulativeForeground(ctx context.Context, app string, since, until time.Time) (time.Duration, error) {
	m.queries = append(m.queries, usageCall{app: app, since: since, until: until})
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	return m.used[app], nil
}

type harness struct {
	clock   *fakeClock
	sched   *fakeScheduler
	store   *mockRuleStore
	sink    *mockSink
	usage   *mockUsage
	tracker *Tracker
}

func newHarness(t *testing.T, routines ...domain.Routine) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)}
	h := &harness{
		clock: clock,
		sched: newFakeScheduler(clock),
		store: &mockRuleStore{routines: routines},
		sink:  &mockSink{clock: clock, failFor: map[string]error{}},
		usage: &mockUsage{used: map[string]time.Duration{}},
	}
	h.tracker = NewTrackerWithClock(DefaultTrackerConfig(), h.store, h.sink, h.usage, h.sched, clock.Now, zap.NewNop())
	return h
}

func (h *harness) switchTo(pkg string) *domain.EvaluationResult {
	return h.tracker.OnForegroundChange(context.Background(), pkg)
}

func launched(id string, apps ...string) domain.Routine {
	return routineFor(id, domain.ConditionLaunched, apps...)
}

func exiting(id string, apps ...string) domain.Routine {
	return routineFor(id, domain.ConditionExiting, apps...)
}

func usedFor(id string, dur int, unit domain.DurationUnit, mode domain.TimeMode, apps ...string) domain.Routine {
	r := routineFor(id, domain.ConditionUsedFor, apps...)
	r.Duration = dur
	r.Unit = unit
	r.TimeMode = mode
	return r
}

func routineFor(id string, cond domain.Condition, apps ...string) domain.Routine {
	infos := make([]domain.AppInfo, len(apps))
	for i, a := range apps {
		infos[i] = domain.AppInfo{Name: a, Package: a}
	}
	return domain.Routine{ID: id, Enabled: true, Apps: infos, Condition: cond, Message: "cue " + id}
}

func TestTracker_LaunchedFiresOnTransitionIntoTarget(t *testing.T) {
	h := newHarness(t, launched("r1", "com.x"))

	res := h.switchTo("com.x")
	require.NotNil(t, res)
	assert.Equal(t, []string{"r1"}, res.Fired)
	assert.Equal(t, 1, h.sink.count("r1"))

	h.switchTo("com.y")
	assert.Equal(t, 1, h.sink.count("r1"), "transition into another app must not fire")
}

func TestTracker_LaunchedAnyMatch(t *testing.T) {
	h := newHarness(t, launched("r1", "com.a", "com.b"))

	h.switchTo("com.b")
	h.switchTo("com.c")
	h.switchTo("com.a")

	assert.Equal(t, 2, h.sink.count("r1"))
}

func TestTracker_ExitingFiresOnTransitionAway(t *testing.T) {
	h := newHarness(t, exiting("r1", "com.x"))

	res := h.switchTo("com.x")
	require.NotNil(t, res)
	assert.Empty(t, res.Fired, "first event has no previous app")

	res = h.switchTo("com.y")
	assert.Equal(t, []string{"r1"}, res.Fired)
	assert.Equal(t, "com.x", res.Previous)

	h.switchTo("com.z")
	assert.Equal(t, 1, h.sink.count("r1"))
}

func TestTracker_FirstEventNeverFiresExiting(t *testing.T) {
	h := newHarness(t, exiting("r1", "com.x"), exiting("r2", "com.y"))

	h.switchTo("com.y")
	assert.Empty(t, h.sink.fired)
}

func TestTracker_DuplicateEventsAreNoOps(t *testing.T) {
	h := newHarness(t, launched("r1", "com.x"), exiting("r2", "com.x"))

	assert.NotNil(t, h.switchTo("com.x"))
	assert.Nil(t, h.switchTo("com.x"))
	assert.Nil(t, h.switchTo("com.x"))
	assert.Equal(t, 1, h.store.calls, "duplicates must not touch the store")

	h.switchTo("com.y")
	assert.Nil(t, h.switchTo("com.y"))

	assert.Equal(t, 1, h.sink.count("r1"))
	assert.Equal(t, 1, h.sink.count("r2"))
}

func TestTracker_EmptyPackageIgnored(t *testing.T) {
	h := newHarness(t, exiting("r1", "com.x"))

	h.switchTo("com.x")
	assert.Nil(t, h.switchTo(""))
	assert.Equal(t, "com.x", h.tracker.State().Foreground)
	assert.Empty(t, h.sink.fired)
}

func TestTracker_SessionTimerCanceledBySwitch(t *testing.T) {
	h := newHarness(t, usedFor("r1", 20, domain.UnitSeconds, domain.TimeModeSession, "com.x"))

	res := h.switchTo("com.x")
	assert.Equal(t, []string{"r1"}, res.Scheduled)
	assert.Equal(t, 20*time.Second, h.sched.delays["routine:r1"])

	h.sched.Advance(10 * time.Second)
	h.switchTo("com.y")
	h.sched.Advance(time.Minute)

	assert.Empty(t, h.sink.fired)
	assert.Empty(t, h.sched.pendingKeys())
}

func TestTracker_SessionTimerFiresAfterThreshold(t *testing.T) {
	h := newHarness(t, usedFor("r1", 20, domain.UnitSeconds, domain.TimeModeSession, "com.x"))
	start := h.clock.Now()

	h.switchTo("com.x")
	h.sched.Advance(19 * time.Second)
	assert.Empty(t, h.sink.fired)

	h.sched.Advance(time.Minute)
	require.Equal(t, []string{"r1"}, h.sink.fired)
	assert.Equal(t, start.Add(20*time.Second), h.sink.firedAt[0])
	assert.Empty(t, h.tracker.State().Pending)
}

func TestTracker_SessionUnitConversion(t *testing.T) {
	tests := []struct {
		unit domain.DurationUnit
		want time.Duration
	}{
		{unit: domain.UnitSeconds, want: 3 * time.Second},
		{unit: domain.UnitMinutes, want: 3 * time.Minute},
		{unit: domain.UnitHours, want: 3 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(string(tt.unit), func(t *testing.T) {
			h := newHarness(t, usedFor("r1", 3, tt.unit, domain.TimeModeSession, "com.x"))
			h.switchTo("com.x")
			assert.Equal(t, tt.want, h.sched.delays["routine:r1"])
		})
	}
}

func TestTracker_SwitchCancelsUnrelatedSessionTimers(t *testing.T) {
	h := newHarness(t,
		usedFor("rx", 20, domain.UnitSeconds, domain.TimeModeSession, "com.x"),
		usedFor("rany", 30, domain.UnitSeconds, domain.TimeModeSession, "com.x", "com.y"),
	)

	h.switchTo("com.x")
	assert.Equal(t, []string{"rany", "rx"}, h.tracker.State().Pending)

	h.switchTo("com.y")
	assert.Equal(t, []string{"rany"}, h.tracker.State().Pending)
	assert.Equal(t, []string{"routine:rany"}, h.sched.pendingKeys())

	h.sched.Advance(30 * time.Second)
	assert.Equal(t, []string{"rany"}, h.sink.fired)
}

func TestTracker_StaleCallbackSuppressed(t *testing.T) {
	h := newHarness(t, usedFor("r1", 20, domain.UnitSeconds, domain.TimeModeSession, "com.x"))

	h.switchTo("com.x")
	h.switchTo("com.y")
	require.Len(t, h.sched.cancelled, 1)

	// Simulate a callback that was already dequeued when the switch happened.
	h.sched.cancelled[0]()
	assert.Empty(t, h.sink.fired)
}

func TestTracker_TotalAlreadyMetFiresImmediately(t *testing.T) {
	h := newHarness(t, usedFor("r2", 5, domain.UnitMinutes, domain.TimeModeTotal, "com.z"))
	h.usage.used["com.z"] = 6 * time.Minute

	res := h.switchTo("com.z")

	assert.Equal(t, []string{"r2"}, res.Fired)
	assert.Empty(t, res.Scheduled)
	assert.Empty(t, h.sched.pendingKeys())
	require.Len(t, h.usage.queries, 1)
	q := h.usage.queries[0]
	assert.Equal(t, "com.z", q.app)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.Local), q.since)
	assert.Equal(t, h.clock.Now(), q.until)
}

func TestTracker_TotalSchedulesRemainingThenFires(t *testing.T) {
	h := newHarness(t, usedFor("r2", 5, domain.UnitMinutes, domain.TimeModeTotal, "com.z"))
	h.usage.used["com.z"] = 3 * time.Minute

	res := h.switchTo("com.z")
	assert.Equal(t, []string{"r2"}, res.Scheduled)
	assert.Equal(t, 2*time.Minute, h.sched.delays["routine:r2"])

	h.usage.used["com.z"] = 5 * time.Minute
	h.sched.Advance(2 * time.Minute)

	assert.Equal(t, []string{"r2"}, h.sink.fired)
	assert.Len(t, h.usage.queries, 2)
}

func TestTracker_TotalRecheckSelfCorrects(t *testing.T) {
	h := newHarness(t, usedFor("r2", 10, domain.UnitMinutes, domain.TimeModeTotal, "com.z"))
	h.usage.used["com.z"] = 4 * time.Minute

	h.switchTo("com.z")
	assert.Equal(t, 6*time.Minute, h.sched.delays["routine:r2"])

	// Ledger reports less than expected (gap); re-check re-queries and reschedules.
	h.usage.used["com.z"] = 8 * time.Minute
	h.sched.Advance(6 * time.Minute)
	assert.Empty(t, h.sink.fired)
	assert.Equal(t, 2*time.Minute, h.sched.delays["routine:r2"])

	h.usage.used["com.z"] = 10 * time.Minute
	h.sched.Advance(2 * time.Minute)
	assert.Equal(t, []string{"r2"}, h.sink.fired)
}

func TestTracker_TotalRecheckFloor(t *testing.T) {
	h := newHarness(t, usedFor("r2", 60, domain.UnitSeconds, domain.TimeModeTotal, "com.z"))
	h.usage.used["com.z"] = 59*time.Second + 900*time.Millisecond

	h.switchTo("com.z")
	assert.Equal(t, time.Second, h.sched.delays["routine:r2"])
}

func TestTracker_TotalRecheckCappedAtMidnight(t *testing.T) {
	h := newHarness(t, usedFor("r2", 2, domain.UnitHours, domain.TimeModeTotal, "com.z"))
	h.clock.set(time.Date(2026, 3, 10, 23, 30, 0, 0, time.Local))
	h.usage.used["com.z"] = 30 * time.Minute

	h.switchTo("com.z")
	assert.Equal(t, 30*time.Minute, h.sched.delays["routine:r2"])

	// After midnight the window restarts at the new day.
	h.usage.used["com.z"] = 0
	h.sched.Advance(30 * time.Minute)

	require.Len(t, h.usage.queries, 2)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.Local), h.usage.queries[1].since)
	assert.Equal(t, 2*time.Hour, h.sched.delays["routine:r2"])
	assert.Empty(t, h.sink.fired)
}

func TestTracker_UsageQueryFailureRetries(t *testing.T) {
	h := newHarness(t, usedFor("r2", 5, domain.UnitMinutes, domain.TimeModeTotal, "com.z"))
	h.usage.errs = []error{errors.New("stats unavailable")}
	h.usage.used["com.z"] = 10 * time.Minute

	res := h.switchTo("com.z")
	require.Len(t, res.Errors, 1)
	assert.Equal(t, []string{"r2"}, res.Scheduled)
	assert.Empty(t, h.sink.fired)
	assert.Equal(t, DefaultTrackerConfig().RetryDelay, h.sched.delays["routine:r2"])

	h.sched.Advance(DefaultTrackerConfig().RetryDelay)
	assert.Equal(t, []string{"r2"}, h.sink.fired)
}

func TestTracker_MalformedRoutineSkipped(t *testing.T) {
	bad := launched("bad", "com.x")
	bad.Message = "  "
	h := newHarness(t, bad, launched("good", "com.x"))

	res := h.switchTo("com.x")

	assert.Equal(t, []string{"bad"}, res.Skipped)
	assert.Equal(t, []string{"good"}, res.Fired)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], domain.ErrInvalidRoutine)
}

func TestTracker_OverflowingThresholdNeverFires(t *testing.T) {
	h := newHarness(t,
		usedFor("total", 3000000, domain.UnitHours, domain.TimeModeTotal, "com.z"),
		usedFor("session", 3000000, domain.UnitHours, domain.TimeModeSession, "com.z"),
	)

	res := h.switchTo("com.z")

	assert.Empty(t, res.Fired)
	assert.Empty(t, res.Scheduled)
	assert.Equal(t, []string{"total", "session"}, res.Skipped)
	assert.Empty(t, h.sched.pendingKeys())
	assert.Empty(t, h.usage.queries)
}

func TestTracker_SinkFailureDoesNotStopFanOut(t *testing.T) {
	h := newHarness(t, launched("r1", "com.x"), launched("r2", "com.x"), launched("r3", "com.x"))
	h.sink.failFor["r1"] = errors.New("permission revoked")
	h.sink.panicOn = "r2"

	res := h.switchTo("com.x")

	assert.Equal(t, []string{"r3"}, res.Fired)
	assert.Len(t, res.Errors, 2)
	assert.Equal(t, []string{"r3"}, h.sink.fired)
}

func TestTracker_StoreFailureStillCancelsTimers(t *testing.T) {
	h := newHarness(t, usedFor("r1", 20, domain.UnitSeconds, domain.TimeModeSession, "com.x"))

	h.switchTo("com.x")
	h.store.err = errors.New("db locked")
	res := h.switchTo("com.y")

	require.Len(t, res.Errors, 1)
	assert.Empty(t, h.sched.pendingKeys())
	h.sched.Advance(time.Minute)
	assert.Empty(t, h.sink.fired)
}

func TestTracker_ScheduleFailureRecorded(t *testing.T) {
	h := newHarness(t, usedFor("r1", 20, domain.UnitSeconds, domain.TimeModeSession, "com.x"))
	h.sched.failNext = errors.New("queue stopped")

	res := h.switchTo("com.x")

	require.Len(t, res.Errors, 1)
	assert.Empty(t, res.Scheduled)
	assert.Empty(t, h.tracker.State().Pending)
}

func TestTracker_DisablingRoutineSuppressesFutureFirings(t *testing.T) {
	h := newHarness(t, launched("r1", "com.x"), launched("r2", "com.x"))

	h.switchTo("com.x")
	h.switchTo("com.y")
	h.store.setEnabled("r1", false)
	h.switchTo("com.x")

	assert.Equal(t, 1, h.sink.count("r1"))
	assert.Equal(t, 2, h.sink.count("r2"))
}

func TestTracker_EvaluatesInStoreOrder(t *testing.T) {
	h := newHarness(t, launched("c", "com.x"), launched("a", "com.x"), launched("b", "com.x"))

	h.switchTo("com.x")
	assert.Equal(t, []string{"c", "a", "b"}, h.sink.fired)
}

func TestTracker_State(t *testing.T) {
	h := newHarness(t, usedFor("r1", 1, domain.UnitMinutes, domain.TimeModeSession, "com.x"))
	at := h.clock.Now()

	h.switchTo("com.x")
	h.sched.Advance(5 * time.Second)
	h.switchTo("com.x")

	state := h.tracker.State()
	assert.Equal(t, "com.x", state.Foreground)
	assert.Equal(t, at, state.SessionStart)
	assert.Equal(t, at.Add(5*time.Second), state.LastEventAt)
	assert.Equal(t, []string{"r1"}, state.Pending)
}

func TestTracker_Stop(t *testing.T) {
	h := newHarness(t, usedFor("r1", 20, domain.UnitSeconds, domain.TimeModeSession, "com.x"))

	h.switchTo("com.x")
	h.tracker.Stop()

	assert.Empty(t, h.sched.pendingKeys())
	for _, fn := range h.sched.cancelled {
		fn()
	}
	assert.Empty(t, h.sink.fired)
}
