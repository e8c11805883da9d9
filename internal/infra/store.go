package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const (
	storeDBName = "cueaside.db"
	settingsKey = "settings"
)

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS routines (
	id              TEXT PRIMARY KEY,
	position        INTEGER NOT NULL,
	seq_id          INTEGER NOT NULL DEFAULT 0,
	cue_name        TEXT NOT NULL DEFAULT '',
	enabled         INTEGER NOT NULL DEFAULT 1,
	apps            TEXT NOT NULL DEFAULT '[]',
	cond            TEXT NOT NULL,
	duration        INTEGER NOT NULL DEFAULT 0,
	unit            TEXT NOT NULL DEFAULT '',
	time_mode       TEXT NOT NULL DEFAULT '',
	title           TEXT NOT NULL DEFAULT '',
	message         TEXT NOT NULL,
	icon            TEXT NOT NULL DEFAULT '',
	bubble          INTEGER NOT NULL DEFAULT 0,
	high_priority   INTEGER NOT NULL DEFAULT 1,
	timeout_seconds INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_routines_position ON routines(position);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS foreground_intervals (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	app      TEXT NOT NULL,
	start_ms INTEGER NOT NULL,
	end_ms   INTEGER
);

CREATE INDEX IF NOT EXISTS idx_intervals_app_start ON foreground_intervals(app, start_ms);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// Store implements domain.RoutineRepository and domain.SettingsStore
// using a SQLCipher encrypted SQLite database. UsageLedger shares its handle.
type Store struct {
	db     *sqlx.DB
	dbPath string
	now    func() time.Time
}

// NewStore opens (or creates) the encrypted database in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewStore(dataDir string, key []byte) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, storeDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	// One connection serializes writers inside the process and keeps the key pragma
	// applied to a single handle.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath, now: time.Now}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) runMigrations() error {
	current := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("failed to apply migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// routineRow is the on-disk shape of a routine. Apps and icon are JSON text.
type routineRow struct {
	ID             string `db:"id"`
	Position       int64  `db:"position"`
	SeqID          int    `db:"seq_id"`
	CueName        string `db:"cue_name"`
	Enabled        bool   `db:"enabled"`
	Apps           string `db:"apps"`
	Condition      string `db:"cond"`
	Duration       int    `db:"duration"`
	Unit           string `db:"unit"`
	TimeMode       string `db:"time_mode"`
	Title          string `db:"title"`
	Message        string `db:"message"`
	Icon           string `db:"icon"`
	Bubble         bool   `db:"bubble"`
	HighPriority   bool   `db:"high_priority"`
	TimeoutSeconds int    `db:"timeout_seconds"`
	CreatedAt      int64  `db:"created_at"`
}

const routineColumns = `id, position, seq_id, cue_name, enabled, apps, cond, duration, unit,
	time_mode, title, message, icon, bubble, high_priority, timeout_seconds, created_at`

// toRoutine converts a row. Undecodable apps leave the routine without targets,
// which Validate rejects, so one corrupt row cannot hide the others.
func (row routineRow) toRoutine() domain.Routine {
	r := domain.Routine{
		ID:             row.ID,
		SeqID:          row.SeqID,
		CueName:        row.CueName,
		Enabled:        row.Enabled,
		Condition:      domain.Condition(row.Condition),
		Duration:       row.Duration,
		Unit:           domain.DurationUnit(row.Unit),
		TimeMode:       domain.TimeMode(row.TimeMode),
		Title:          row.Title,
		Message:        row.Message,
		Bubble:         row.Bubble,
		HighPriority:   row.HighPriority,
		TimeoutSeconds: row.TimeoutSeconds,
		CreatedAt:      time.UnixMilli(row.CreatedAt),
	}
	var apps []domain.AppInfo
	if err := json.Unmarshal([]byte(row.Apps), &apps); err == nil {
		r.Apps = apps
	}
	if row.Icon != "" {
		var icon domain.IconInfo
		if err := json.Unmarshal([]byte(row.Icon), &icon); err == nil {
			r.Icon = &icon
		}
	}
	return r
}

func (s *Store) selectRoutines(ctx context.Context, where string, args ...interface{}) ([]domain.Routine, error) {
	var rows []routineRow
	query := "SELECT " + routineColumns + " FROM routines " + where + " ORDER BY position ASC"
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	routines := make([]domain.Routine, 0, len(rows))
	for _, row := range rows {
		routines = append(routines, row.toRoutine())
	}
	return routines, nil
}

// --- domain.RoutineRepository implementation ---

// EnabledRoutines returns enabled routines in insertion order.
func (s *Store) EnabledRoutines(ctx context.Context) ([]domain.Routine, error) {
	routines, err := s.selectRoutines(ctx, "WHERE enabled = 1")
	if err != nil {
		return nil, fmt.Errorf("failed to query enabled routines: %w", err)
	}
	return routines, nil
}

// List returns all routines in insertion order.
func (s *Store) List(ctx context.Context) ([]domain.Routine, error) {
	routines, err := s.selectRoutines(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list routines: %w", err)
	}
	return routines, nil
}

// Get returns a routine by ID.
func (s *Store) Get(ctx context.Context, id string) (*domain.Routine, error) {
	var row routineRow
	err := s.db.GetContext(ctx, &row, "SELECT "+routineColumns+" FROM routines WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRoutineNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get routine %s: %w", id, err)
	}
	r := row.toRoutine()
	return &r, nil
}

// Add appends a routine after every existing one.
func (s *Store) Add(ctx context.Context, r domain.Routine) error {
	if err := r.Validate(); err != nil {
		return err
	}

	apps, err := json.Marshal(r.Apps)
	if err != nil {
		return fmt.Errorf("failed to encode apps for routine %s: %w", r.ID, err)
	}
	icon := ""
	if r.Icon != nil {
		b, err := json.Marshal(r.Icon)
		if err != nil {
			return fmt.Errorf("failed to encode icon for routine %s: %w", r.ID, err)
		}
		icon = string(b)
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxPos int64
	if err := tx.GetContext(ctx, &maxPos, "SELECT COALESCE(MAX(position), 0) FROM routines"); err != nil {
		return fmt.Errorf("failed to get max position: %w", err)
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO routines (`+routineColumns+`)
		VALUES (:id, :position, :seq_id, :cue_name, :enabled, :apps, :cond, :duration, :unit,
			:time_mode, :title, :message, :icon, :bubble, :high_priority, :timeout_seconds, :created_at)`,
		routineRow{
			ID:             r.ID,
			Position:       maxPos + 1,
			SeqID:          r.SeqID,
			CueName:        r.CueName,
			Enabled:        r.Enabled,
			Apps:           string(apps),
			Condition:      string(r.Condition),
			Duration:       r.Duration,
			Unit:           string(r.Unit),
			TimeMode:       string(r.TimeMode),
			Title:          r.Title,
			Message:        r.Message,
			Icon:           icon,
			Bubble:         r.Bubble,
			HighPriority:   r.HighPriority,
			TimeoutSeconds: r.TimeoutSeconds,
			CreatedAt:      createdAt.UnixMilli(),
		})
	if err != nil {
		return fmt.Errorf("failed to insert routine %s: %w", r.ID, err)
	}
	return tx.Commit()
}

// Delete removes a routine by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM routines WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete routine %s: %w", id, err)
	}
	return expectRow(result, id)
}

// SetEnabled toggles a routine.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := s.db.ExecContext(ctx, "UPDATE routines SET enabled = ? WHERE id = ?", enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update routine %s: %w", id, err)
	}
	return expectRow(result, id)
}

// Clear removes every routine.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM routines"); err != nil {
		return fmt.Errorf("failed to clear routines: %w", err)
	}
	return nil
}

func expectRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRoutineNotFound, id)
	}
	return nil
}

// --- domain.SettingsStore implementation ---

// GetSettings returns saved settings, or defaults when none were saved.
func (s *Store) GetSettings(ctx context.Context) (domain.Settings, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM meta WHERE key = ?", settingsKey)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultSettings(), nil
	}
	if err != nil {
		return domain.Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}

	settings := domain.DefaultSettings()
	if err := json.Unmarshal([]byte(value), &settings); err != nil {
		return domain.Settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	return settings, nil
}

// SaveSettings replaces saved settings.
func (s *Store) SaveSettings(ctx context.Context, settings domain.Settings) error {
	b, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, "INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", settingsKey, string(b))
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure Store implements the repository interfaces.
var _ domain.RoutineRepository = (*Store)(nil)
var _ domain.SettingsStore = (*Store)(nil)
