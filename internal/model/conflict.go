package model

import (
	"encoding/json"
	"time"
)

// ConflictField names one event field that can conflict. The set is closed:
// the resolver only ever emits these values.
type ConflictField string

const (
	FieldSubject     ConflictField = "subject"
	FieldDescription ConflictField = "description"
	FieldStartTime   ConflictField = "start_time"
	FieldEndTime     ConflictField = "end_time"
	FieldLocation    ConflictField = "location"
	FieldAllDay      ConflictField = "all_day"
	FieldRecurrence  ConflictField = "recurrence"
)

// IsTimeField reports whether the field carries a timestamp value.
func (f ConflictField) IsTimeField() bool {
	return f == FieldStartTime || f == FieldEndTime
}

// IsContentField reports whether the field carries user-visible text content.
func (f ConflictField) IsContentField() bool {
	return f == FieldSubject || f == FieldDescription
}

// FieldConflict records the differing values for a single event field.
// Exactly one value pair is populated, matching the field's type: text
// fields use the Text pair, start/end use the Time pair, and the all-day
// flag uses the Flag pair.
type FieldConflict struct {
	Field      ConflictField `json:"field"`
	LocalText  string        `json:"local_text,omitempty"`
	RemoteText string        `json:"remote_text,omitempty"`
	LocalTime  *time.Time    `json:"local_time,omitempty"`
	RemoteTime *time.Time    `json:"remote_time,omitempty"`
	LocalFlag  *bool         `json:"local_flag,omitempty"`
	RemoteFlag *bool         `json:"remote_flag,omitempty"`

	// LocalModified and RemoteModified are each side's modification time
	// for this field. Detection records the event-level timestamps; callers
	// with finer-grained change tracking may supply per-field times, which
	// merge resolution honours.
	LocalModified  time.Time `json:"local_modified"`
	RemoteModified time.Time `json:"remote_modified"`
}

// TextConflict builds a FieldConflict for a text-valued field.
func TextConflict(field ConflictField, local, remote string) FieldConflict {
	return FieldConflict{Field: field, LocalText: local, RemoteText: remote}
}

// TimeConflict builds a FieldConflict for a time-valued field.
func TimeConflict(field ConflictField, local, remote time.Time) FieldConflict {
	return FieldConflict{Field: field, LocalTime: &local, RemoteTime: &remote}
}

// FlagConflict builds a FieldConflict for the all-day flag.
func FlagConflict(field ConflictField, local, remote bool) FieldConflict {
	return FieldConflict{Field: field, LocalFlag: &local, RemoteFlag: &remote}
}

// SyncConflict is the durable record of a detected conflict. It is created
// by the resolver, mutated only by resolution, and never mutated after
// ResolvedAt is set; a fresh conflict on the same event spawns a new record.
type SyncConflict struct {
	ID     string
	UserID string

	// EventID references the local event the conflict was detected on.
	EventID    string
	CalendarID string

	// Types lists the conflicting fields in detection order.
	Types []ConflictField

	// Details carries the typed before/after pair for each conflicting field.
	Details []FieldConflict

	// LocalVersion and RemoteVersion are opaque serialized snapshots kept
	// for audit and manual resolution.
	LocalVersion  json.RawMessage
	RemoteVersion json.RawMessage

	LocalModified  time.Time
	RemoteModified time.Time

	Resolution        Resolution
	ResolvedAt        *time.Time
	ResolutionDetails string

	DetectedAt time.Time
}

// Resolved reports whether the conflict record has been finalised.
func (c *SyncConflict) Resolved() bool {
	return c.ResolvedAt != nil
}

// ConflictStats summarises conflict records for a user over a window.
type ConflictStats struct {
	Total        int                `json:"total"`
	Pending      int                `json:"pending"`
	Resolved     int                `json:"resolved"`
	ByResolution map[Resolution]int `json:"by_resolution"`
}

// SyncStatus is the terminal status of the most recent sync run.
type SyncStatus string

const (
	SyncStatusRunning SyncStatus = "running"
	SyncStatusSuccess SyncStatus = "success"
	// SyncStatusPartial means the run completed with per-event failures.
	SyncStatusPartial SyncStatus = "partial"
	SyncStatusError   SyncStatus = "error"
)

// SyncState is the persisted per-(user, calendar) synchronization state.
//
// ContinuationToken is only advanced after a batch has been fully and
// successfully applied; a partially applied batch never advances it, so a
// crash mid-batch results in redelivery rather than loss.
type SyncState struct {
	UserID     string
	CalendarID string

	// ContinuationToken is the provider-issued opaque cursor. Empty forces
	// the next run to perform a full enumeration.
	ContinuationToken string

	LastSyncTime     time.Time
	LastFullSyncTime time.Time

	TotalEvents      int
	SyncedEvents     int
	ConflictedEvents int
	FailedEvents     int

	LastStatus SyncStatus
	LastError  string
}
