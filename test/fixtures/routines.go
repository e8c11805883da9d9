// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
)

// Notification is one call to RecordingSink.Fire.
type Notification struct {
	RoutineID string
	Message   string
	At        time.Time
}

// RecordingSink implements domain.NotificationSink by remembering every notification.
type RecordingSink struct {
	mu    sync.Mutex
	fired []Notification
}

// NewRecordingSink creates an empty sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Fire records the routine.
func (s *RecordingSink) Fire(ctx context.Context, r domain.Routine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fired = append(s.fired, Notification{RoutineID: r.ID, Message: r.Message, At: time.Now()})
	return nil
}

// Messages returns the messages fired so far, in order.
func (s *RecordingSink) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.fired))
	for _, n := range s.fired {
		out = append(out, n.Message)
	}
	return out
}

// Count returns how many notifications were fired.
func (s *RecordingSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fired)
}

// Routine builds an enabled routine for the given packages. message doubles as
// the assertion handle.
func Routine(cond domain.Condition, message string, pkgs ...string) domain.Routine {
	apps := make([]domain.AppInfo, 0, len(pkgs))
	for _, p := range pkgs {
		apps = append(apps, domain.AppInfo{Name: p, Package: p})
	}
	return domain.Routine{
		ID:        uuid.NewString(),
		CueName:   message,
		Enabled:   true,
		Apps:      apps,
		Condition: cond,
		Message:   message,
		CreatedAt: time.Now(),
	}
}

// UsedFor builds a UsedFor routine with a threshold in seconds.
func UsedFor(mode domain.TimeMode, seconds int, message string, pkgs ...string) domain.Routine {
	r := Routine(domain.ConditionUsedFor, message, pkgs...)
	r.Duration = seconds
	r.Unit = domain.UnitSeconds
	r.TimeMode = mode
	return r
}
