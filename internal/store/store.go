// Package store manages the SQLite database backing the sync engine: the
// local event repository, per-(user, calendar) sync state with run history,
// and the durable conflict log.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods; the Store satisfies the engine's
// repository interfaces.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/calrelay/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    local_id           TEXT    PRIMARY KEY,
    remote_id          TEXT    NOT NULL DEFAULT '',
    user_id            TEXT    NOT NULL,
    calendar_id        TEXT    NOT NULL DEFAULT '',
    subject            TEXT    NOT NULL DEFAULT '',
    description        TEXT    NOT NULL DEFAULT '',
    location           TEXT    NOT NULL DEFAULT '',
    start_at           TEXT    NOT NULL DEFAULT '',
    end_at             TEXT    NOT NULL DEFAULT '',
    timezone           TEXT    NOT NULL DEFAULT '',
    is_all_day         INTEGER NOT NULL DEFAULT 0,
    recurrence_rule    TEXT    NOT NULL DEFAULT '',
    last_modified      TEXT    NOT NULL DEFAULT '',
    locally_modified   INTEGER NOT NULL DEFAULT 0,
    remote_version_tag TEXT    NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_remote
    ON events (user_id, calendar_id, remote_id) WHERE remote_id != '';
CREATE INDEX IF NOT EXISTS idx_events_dirty
    ON events (user_id, locally_modified);

CREATE TABLE IF NOT EXISTS sync_state (
    user_id             TEXT    NOT NULL,
    calendar_id         TEXT    NOT NULL DEFAULT '',
    continuation_token  TEXT    NOT NULL DEFAULT '',
    last_sync_time      TEXT    NOT NULL DEFAULT '',
    last_full_sync_time TEXT    NOT NULL DEFAULT '',
    total_events        INTEGER NOT NULL DEFAULT 0,
    synced_events       INTEGER NOT NULL DEFAULT 0,
    conflicted_events   INTEGER NOT NULL DEFAULT 0,
    failed_events       INTEGER NOT NULL DEFAULT 0,
    last_status         TEXT    NOT NULL DEFAULT '',
    last_error          TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (user_id, calendar_id)
);

CREATE TABLE IF NOT EXISTS sync_history (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id             TEXT    NOT NULL,
    calendar_id         TEXT    NOT NULL DEFAULT '',
    continuation_token  TEXT    NOT NULL DEFAULT '',
    last_sync_time      TEXT    NOT NULL DEFAULT '',
    last_full_sync_time TEXT    NOT NULL DEFAULT '',
    total_events        INTEGER NOT NULL DEFAULT 0,
    synced_events       INTEGER NOT NULL DEFAULT 0,
    conflicted_events   INTEGER NOT NULL DEFAULT 0,
    failed_events       INTEGER NOT NULL DEFAULT 0,
    last_status         TEXT    NOT NULL DEFAULT '',
    last_error          TEXT    NOT NULL DEFAULT '',
    recorded_at         TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_history_user ON sync_history (user_id, id);

CREATE TABLE IF NOT EXISTS conflicts (
    id                 TEXT NOT NULL PRIMARY KEY,
    user_id            TEXT NOT NULL,
    event_id           TEXT NOT NULL,
    calendar_id        TEXT NOT NULL DEFAULT '',
    types              TEXT NOT NULL DEFAULT '[]',
    details            TEXT NOT NULL DEFAULT '[]',
    local_version      TEXT NOT NULL DEFAULT '',
    remote_version     TEXT NOT NULL DEFAULT '',
    local_modified     TEXT NOT NULL DEFAULT '',
    remote_modified    TEXT NOT NULL DEFAULT '',
    resolution         TEXT NOT NULL DEFAULT 'pending',
    resolved_at        TEXT NOT NULL DEFAULT '',
    resolution_details TEXT NOT NULL DEFAULT '',
    detected_at        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_conflicts_user ON conflicts (user_id, resolution);
`

// Store is the SQLite-backed repository for events, sync state, and
// conflict records.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the database:
// ~/.local/share/calrelay/calrelay.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "calrelay", "calrelay.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// --- event repository --------------------------------------------------------

const eventColumns = `
    local_id, remote_id, user_id, calendar_id, subject, description, location,
    start_at, end_at, timezone, is_all_day, recurrence_rule,
    last_modified, locally_modified, remote_version_tag`

// GetByLocalID returns the event with the given local identity,
// or (nil, nil) if no such event exists.
func (s *Store) GetByLocalID(ctx context.Context, userID, localID string) (*model.CalendarEvent, error) {
	q := `SELECT` + eventColumns + ` FROM events WHERE user_id = ? AND local_id = ?`
	return scanEvent(s.db.QueryRowContext(ctx, q, userID, localID))
}

// GetByRemoteID returns the event matched to the given provider identity,
// or (nil, nil) if none is tracked. An empty calendarID matches any calendar.
func (s *Store) GetByRemoteID(ctx context.Context, userID, calendarID, remoteID string) (*model.CalendarEvent, error) {
	if calendarID == "" {
		q := `SELECT` + eventColumns + ` FROM events WHERE user_id = ? AND remote_id = ?`
		return scanEvent(s.db.QueryRowContext(ctx, q, userID, remoteID))
	}
	q := `SELECT` + eventColumns + ` FROM events WHERE user_id = ? AND calendar_id = ? AND remote_id = ?`
	return scanEvent(s.db.QueryRowContext(ctx, q, userID, calendarID, remoteID))
}

// ListLocallyModified returns the user's events with pending local changes.
// An empty calendarID matches any calendar.
func (s *Store) ListLocallyModified(ctx context.Context, userID, calendarID string) ([]*model.CalendarEvent, error) {
	q := `SELECT` + eventColumns + ` FROM events WHERE user_id = ? AND locally_modified = 1`
	args := []any{userID}
	if calendarID != "" {
		q += ` AND calendar_id = ?`
		args = append(args, calendarID)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying modified events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*model.CalendarEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Upsert inserts or replaces an event keyed by its local identity.
func (s *Store) Upsert(ctx context.Context, ev *model.CalendarEvent) error {
	const q = `
		INSERT INTO events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
		    remote_id          = excluded.remote_id,
		    calendar_id        = excluded.calendar_id,
		    subject            = excluded.subject,
		    description        = excluded.description,
		    location           = excluded.location,
		    start_at           = excluded.start_at,
		    end_at             = excluded.end_at,
		    timezone           = excluded.timezone,
		    is_all_day         = excluded.is_all_day,
		    recurrence_rule    = excluded.recurrence_rule,
		    last_modified      = excluded.last_modified,
		    locally_modified   = excluded.locally_modified,
		    remote_version_tag = excluded.remote_version_tag`

	_, err := s.db.ExecContext(ctx, q,
		ev.LocalID,
		ev.RemoteID,
		ev.UserID,
		ev.CalendarID,
		ev.Subject,
		ev.Description,
		ev.Location,
		formatTime(ev.Start),
		formatTime(ev.End),
		ev.Timezone,
		boolToInt(ev.IsAllDay),
		ev.RecurrenceRule,
		formatTime(ev.LastModified),
		boolToInt(ev.LocallyModified),
		ev.RemoteVersionTag,
	)
	if err != nil {
		return fmt.Errorf("upserting event %s: %w", ev.LocalID, err)
	}
	return nil
}

// Delete removes the event with the given local identity.
func (s *Store) Delete(ctx context.Context, userID, localID string) error {
	const q = `DELETE FROM events WHERE user_id = ? AND local_id = ?`
	if _, err := s.db.ExecContext(ctx, q, userID, localID); err != nil {
		return fmt.Errorf("deleting event %s: %w", localID, err)
	}
	return nil
}

// --- sync state --------------------------------------------------------------

const stateColumns = `
    user_id, calendar_id, continuation_token, last_sync_time, last_full_sync_time,
    total_events, synced_events, conflicted_events, failed_events,
    last_status, last_error`

// GetState returns the sync state for (user, calendar), or (nil, nil) when
// no sync has run yet.
func (s *Store) GetState(ctx context.Context, userID, calendarID string) (*model.SyncState, error) {
	q := `SELECT` + stateColumns + ` FROM sync_state WHERE user_id = ? AND calendar_id = ?`
	return scanState(s.db.QueryRowContext(ctx, q, userID, calendarID))
}

// PutState inserts or replaces the sync state row for (user, calendar).
func (s *Store) PutState(ctx context.Context, st *model.SyncState) error {
	const q = `
		INSERT INTO sync_state (` + stateColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, calendar_id) DO UPDATE SET
		    continuation_token  = excluded.continuation_token,
		    last_sync_time      = excluded.last_sync_time,
		    last_full_sync_time = excluded.last_full_sync_time,
		    total_events        = excluded.total_events,
		    synced_events       = excluded.synced_events,
		    conflicted_events   = excluded.conflicted_events,
		    failed_events       = excluded.failed_events,
		    last_status         = excluded.last_status,
		    last_error          = excluded.last_error`

	_, err := s.db.ExecContext(ctx, q, stateArgs(st)...)
	if err != nil {
		return fmt.Errorf("upserting sync state for %s/%s: %w", st.UserID, st.CalendarID, err)
	}
	return nil
}

// ResetState clears the continuation token, forcing the next run to perform
// a full sync. A missing state row is not an error.
func (s *Store) ResetState(ctx context.Context, userID, calendarID string) error {
	const q = `UPDATE sync_state SET continuation_token = '' WHERE user_id = ? AND calendar_id = ?`
	if _, err := s.db.ExecContext(ctx, q, userID, calendarID); err != nil {
		return fmt.Errorf("resetting sync state for %s/%s: %w", userID, calendarID, err)
	}
	return nil
}

// AppendHistory records a completed run's state snapshot.
func (s *Store) AppendHistory(ctx context.Context, st *model.SyncState) error {
	const q = `
		INSERT INTO sync_history (` + stateColumns + `, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	args := append(stateArgs(st), formatTime(time.Now().UTC()))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("appending sync history for %s/%s: %w", st.UserID, st.CalendarID, err)
	}
	return nil
}

// History returns past state snapshots for the user, newest first.
func (s *Store) History(ctx context.Context, userID string, limit, offset int) ([]*model.SyncState, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	q := `SELECT` + stateColumns + ` FROM sync_history
	      WHERE user_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying sync history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var states []*model.SyncState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func stateArgs(st *model.SyncState) []any {
	return []any{
		st.UserID,
		st.CalendarID,
		st.ContinuationToken,
		formatTime(st.LastSyncTime),
		formatTime(st.LastFullSyncTime),
		st.TotalEvents,
		st.SyncedEvents,
		st.ConflictedEvents,
		st.FailedEvents,
		string(st.LastStatus),
		st.LastError,
	}
}

// --- conflict log ------------------------------------------------------------

const conflictColumns = `
    id, user_id, event_id, calendar_id, types, details,
    local_version, remote_version, local_modified, remote_modified,
    resolution, resolved_at, resolution_details, detected_at`

// SaveConflict stores a conflict record, replacing an existing record with
// the same ID.
func (s *Store) SaveConflict(ctx context.Context, c *model.SyncConflict) error {
	types, err := json.Marshal(c.Types)
	if err != nil {
		return fmt.Errorf("encoding conflict types: %w", err)
	}
	details, err := json.Marshal(c.Details)
	if err != nil {
		return fmt.Errorf("encoding conflict details: %w", err)
	}

	const q = `INSERT INTO conflicts (` + conflictColumns + `)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	           ON CONFLICT(id) DO UPDATE SET
	               types              = excluded.types,
	               details            = excluded.details,
	               local_version      = excluded.local_version,
	               remote_version     = excluded.remote_version,
	               local_modified     = excluded.local_modified,
	               remote_modified    = excluded.remote_modified,
	               resolution         = excluded.resolution,
	               resolved_at        = excluded.resolved_at,
	               resolution_details = excluded.resolution_details,
	               detected_at        = excluded.detected_at`
	_, err = s.db.ExecContext(ctx, q,
		c.ID,
		c.UserID,
		c.EventID,
		c.CalendarID,
		string(types),
		string(details),
		string(c.LocalVersion),
		string(c.RemoteVersion),
		formatTime(c.LocalModified),
		formatTime(c.RemoteModified),
		string(c.Resolution),
		formatTimePtr(c.ResolvedAt),
		c.ResolutionDetails,
		formatTime(c.DetectedAt),
	)
	if err != nil {
		return fmt.Errorf("saving conflict %s: %w", c.ID, err)
	}
	return nil
}

// GetConflict returns the conflict with the given ID, or (nil, nil).
func (s *Store) GetConflict(ctx context.Context, id string) (*model.SyncConflict, error) {
	q := `SELECT` + conflictColumns + ` FROM conflicts WHERE id = ?`
	return scanConflict(s.db.QueryRowContext(ctx, q, id))
}

// UpdateConflict replaces the resolution fields of an existing record.
func (s *Store) UpdateConflict(ctx context.Context, c *model.SyncConflict) error {
	const q = `
		UPDATE conflicts
		SET resolution = ?, resolved_at = ?, resolution_details = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q,
		string(c.Resolution),
		formatTimePtr(c.ResolvedAt),
		c.ResolutionDetails,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conflict %s: %w", c.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("updating conflict %s: no such record", c.ID)
	}
	return nil
}

// PendingConflictForEvent returns the event's unresolved conflict record,
// or (nil, nil) when none exists.
func (s *Store) PendingConflictForEvent(ctx context.Context, userID, eventID string) (*model.SyncConflict, error) {
	q := `SELECT` + conflictColumns + ` FROM conflicts
	      WHERE user_id = ? AND event_id = ? AND resolution = ?
	      ORDER BY detected_at DESC LIMIT 1`
	return scanConflict(s.db.QueryRowContext(ctx, q, userID, eventID, string(model.ResolutionPending)))
}

// ListPendingConflicts returns the user's unresolved conflicts, oldest first.
func (s *Store) ListPendingConflicts(ctx context.Context, userID string) ([]*model.SyncConflict, error) {
	q := `SELECT` + conflictColumns + ` FROM conflicts
	      WHERE user_id = ? AND resolution = ? ORDER BY detected_at`
	rows, err := s.db.QueryContext(ctx, q, userID, string(model.ResolutionPending))
	if err != nil {
		return nil, fmt.Errorf("querying pending conflicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conflicts []*model.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// ConflictStats summarises the user's conflicts detected since the given time.
func (s *Store) ConflictStats(ctx context.Context, userID string, since time.Time) (*model.ConflictStats, error) {
	const q = `
		SELECT resolution, COUNT(*)
		FROM conflicts
		WHERE user_id = ? AND detected_at >= ?
		GROUP BY resolution`
	rows, err := s.db.QueryContext(ctx, q, userID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("querying conflict stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &model.ConflictStats{ByResolution: make(map[model.Resolution]int)}
	for rows.Next() {
		var resolution string
		var count int
		if err := rows.Scan(&resolution, &count); err != nil {
			return nil, fmt.Errorf("scanning conflict stats: %w", err)
		}
		stats.Total += count
		if model.Resolution(resolution) == model.ResolutionPending {
			stats.Pending += count
			continue
		}
		stats.Resolved += count
		stats.ByResolution[model.Resolution(resolution)] += count
	}
	return stats, rows.Err()
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so the scan helpers can be
// reused for single- and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (*model.CalendarEvent, error) {
	var ev model.CalendarEvent
	var start, end, modified string
	var allDay, locallyModified int

	err := sc.Scan(
		&ev.LocalID,
		&ev.RemoteID,
		&ev.UserID,
		&ev.CalendarID,
		&ev.Subject,
		&ev.Description,
		&ev.Location,
		&start,
		&end,
		&ev.Timezone,
		&allDay,
		&ev.RecurrenceRule,
		&modified,
		&locallyModified,
		&ev.RemoteVersionTag,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}

	ev.Start, _ = parseTime(start)
	ev.End, _ = parseTime(end)
	ev.LastModified, _ = parseTime(modified)
	ev.IsAllDay = allDay != 0
	ev.LocallyModified = locallyModified != 0

	return &ev, nil
}

func scanState(sc scanner) (*model.SyncState, error) {
	var st model.SyncState
	var lastSync, lastFull, status string

	err := sc.Scan(
		&st.UserID,
		&st.CalendarID,
		&st.ContinuationToken,
		&lastSync,
		&lastFull,
		&st.TotalEvents,
		&st.SyncedEvents,
		&st.ConflictedEvents,
		&st.FailedEvents,
		&status,
		&st.LastError,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sync state row: %w", err)
	}

	st.LastSyncTime, _ = parseTime(lastSync)
	st.LastFullSyncTime, _ = parseTime(lastFull)
	st.LastStatus = model.SyncStatus(status)

	return &st, nil
}

func scanConflict(sc scanner) (*model.SyncConflict, error) {
	var c model.SyncConflict
	var types, details, localVersion, remoteVersion string
	var localMod, remoteMod, resolvedAt, detectedAt, resolution string

	err := sc.Scan(
		&c.ID,
		&c.UserID,
		&c.EventID,
		&c.CalendarID,
		&types,
		&details,
		&localVersion,
		&remoteVersion,
		&localMod,
		&remoteMod,
		&resolution,
		&resolvedAt,
		&c.ResolutionDetails,
		&detectedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conflict row: %w", err)
	}

	if err := json.Unmarshal([]byte(types), &c.Types); err != nil {
		return nil, fmt.Errorf("decoding conflict types: %w", err)
	}
	if err := json.Unmarshal([]byte(details), &c.Details); err != nil {
		return nil, fmt.Errorf("decoding conflict details: %w", err)
	}
	c.LocalVersion = json.RawMessage(localVersion)
	c.RemoteVersion = json.RawMessage(remoteVersion)
	c.LocalModified, _ = parseTime(localMod)
	c.RemoteModified, _ = parseTime(remoteMod)
	c.Resolution = model.Resolution(resolution)
	c.DetectedAt, _ = parseTime(detectedAt)
	if t, err := parseTime(resolvedAt); err == nil && !t.IsZero() {
		c.ResolvedAt = &t
	}

	return &c, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
