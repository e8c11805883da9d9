package infra

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
)

// UsageLedger records foreground intervals in the store and answers cumulative
// usage queries from them. The open interval is persisted with a NULL end so the
// CLI can see the running session.
type UsageLedger struct {
	store *Store
	now   func() time.Time

	mu        sync.Mutex
	openID    int64
	openApp   string
	openStart time.Time
}

// NewUsageLedger creates a ledger on top of the store's database.
func NewUsageLedger(store *Store) *UsageLedger {
	return NewUsageLedgerWithClock(store, time.Now)
}

// NewUsageLedgerWithClock creates a ledger with a custom clock (for testing).
func NewUsageLedgerWithClock(store *Store, now func() time.Time) *UsageLedger {
	return &UsageLedger{store: store, now: now}
}

// RecordSwitch closes the open interval at the given time and opens one for app.
// An empty app closes the open interval without opening a new one.
func (l *UsageLedger) RecordSwitch(ctx context.Context, app string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if app == l.openApp && l.openID != 0 {
		return nil
	}
	if err := l.closeLocked(ctx, at); err != nil {
		return err
	}
	if app == "" {
		return nil
	}

	result, err := l.store.db.ExecContext(ctx,
		"INSERT INTO foreground_intervals (app, start_ms, end_ms) VALUES (?, ?, NULL)",
		app, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to open interval for %s: %w", app, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read interval id: %w", err)
	}
	l.openID = id
	l.openApp = app
	l.openStart = at
	return nil
}

// Flush closes the open interval at the given time.
func (l *UsageLedger) Flush(ctx context.Context, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked(ctx, at)
}

func (l *UsageLedger) closeLocked(ctx context.Context, at time.Time) error {
	if l.openID == 0 {
		return nil
	}
	end := at
	if end.Before(l.openStart) {
		end = l.openStart
	}
	_, err := l.store.db.ExecContext(ctx,
		"UPDATE foreground_intervals SET end_ms = ? WHERE id = ?", end.UnixMilli(), l.openID)
	if err != nil {
		return fmt.Errorf("failed to close interval for %s: %w", l.openApp, err)
	}
	l.openID = 0
	l.openApp = ""
	l.openStart = time.Time{}
	return nil
}

// Recover closes intervals left open by a previous run that did not shut down
// cleanly. They end at lastSeen, or at their own start when lastSeen precedes it.
func (l *UsageLedger) Recover(ctx context.Context, lastSeen time.Time) (int64, error) {
	result, err := l.store.db.ExecContext(ctx, `
		UPDATE foreground_intervals
		SET end_ms = MAX(start_ms, ?)
		WHERE end_ms IS NULL`, lastSeen.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to recover open intervals: %w", err)
	}
	return result.RowsAffected()
}

// Prune deletes intervals that ended before the cutoff.
func (l *UsageLedger) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := l.store.db.ExecContext(ctx,
		"DELETE FROM foreground_intervals WHERE end_ms IS NOT NULL AND end_ms < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune intervals: %w", err)
	}
	return result.RowsAffected()
}

type intervalRow struct {
	App     string        `db:"app"`
	StartMs int64         `db:"start_ms"`
	EndMs   sql.NullInt64 `db:"end_ms"`
}

// Intervals returns the intervals overlapping [since, until], clipped to it.
// Open intervals are treated as running until the given bound.
func (l *UsageLedger) Intervals(ctx context.Context, since, until time.Time) ([]domain.ForegroundInterval, error) {
	return l.intervals(ctx, "", since, until)
}

func (l *UsageLedger) intervals(ctx context.Context, app string, since, until time.Time) ([]domain.ForegroundInterval, error) {
	if !until.After(since) {
		return nil, nil
	}
	lo, hi := since.UnixMilli(), until.UnixMilli()

	query := `
		SELECT app, start_ms, end_ms FROM foreground_intervals
		WHERE start_ms < ? AND (end_ms IS NULL OR end_ms > ?)`
	args := []interface{}{hi, lo}
	if app != "" {
		query += " AND app = ?"
		args = append(args, app)
	}
	query += " ORDER BY start_ms ASC"

	var rows []intervalRow
	if err := l.store.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query intervals: %w", err)
	}

	out := make([]domain.ForegroundInterval, 0, len(rows))
	for _, row := range rows {
		start, end := row.StartMs, hi
		if row.EndMs.Valid && row.EndMs.Int64 < hi {
			end = row.EndMs.Int64
		}
		if start < lo {
			start = lo
		}
		if end <= start {
			continue
		}
		out = append(out, domain.ForegroundInterval{
			App:   row.App,
			Start: time.UnixMilli(start),
			End:   time.UnixMilli(end),
		})
	}
	return out, nil
}

// CumulativeForeground returns how long app was foreground within [since, until].
func (l *UsageLedger) CumulativeForeground(ctx context.Context, app string, since, until time.Time) (time.Duration, error) {
	if app == "" {
		return 0, errors.New("empty app")
	}
	intervals, err := l.intervals(ctx, app, since, until)
	if err != nil {
		return 0, err
	}
	var total time.Duration
	for _, iv := range intervals {
		total += iv.End.Sub(iv.Start)
	}
	return total, nil
}

// DailyTotals returns per-app foreground time for the local day containing day,
// up to now when day is today. Results are sorted by duration, longest first.
func (l *UsageLedger) DailyTotals(ctx context.Context, day time.Time) ([]domain.AppUsage, error) {
	y, m, d := day.Date()
	since := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	until := since.AddDate(0, 0, 1)
	if now := l.now(); now.Before(until) {
		until = now
	}

	intervals, err := l.intervals(ctx, "", since, until)
	if err != nil {
		return nil, err
	}

	byApp := make(map[string]time.Duration)
	for _, iv := range intervals {
		byApp[iv.App] += iv.End.Sub(iv.Start)
	}
	usage := make([]domain.AppUsage, 0, len(byApp))
	for app, dur := range byApp {
		usage = append(usage, domain.AppUsage{App: app, Duration: dur})
	}
	sort.Slice(usage, func(i, j int) bool {
		if usage[i].Duration == usage[j].Duration {
			return usage[i].App < usage[j].App
		}
		return usage[i].Duration > usage[j].Duration
	})
	return usage, nil
}

// Ensure UsageLedger implements the usage interfaces.
var _ domain.UsageQuery = (*UsageLedger)(nil)
var _ domain.UsageRecorder = (*UsageLedger)(nil)
