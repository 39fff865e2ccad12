// Package model defines shared types used across the sync engine, the
// SQLite store, the remote gateway, and the HTTP API.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Direction selects which way a sync job moves data.
type Direction string

const (
	// DirectionPull applies remote changes to the local store only.
	DirectionPull Direction = "pull"
	// DirectionPush writes locally modified events to the remote service only.
	DirectionPush Direction = "push"
	// DirectionBidirectional runs a full pull followed by a full push.
	DirectionBidirectional Direction = "bidirectional"
)

// ValidDirections contains all accepted direction values.
var ValidDirections = map[Direction]bool{
	DirectionPull:          true,
	DirectionPush:          true,
	DirectionBidirectional: true,
}

// IsValid reports whether the direction is a known value.
func (d Direction) IsValid() bool {
	return ValidDirections[d]
}

// Strategy selects how a detected conflict is resolved automatically.
type Strategy string

const (
	// StrategyPreferLocal keeps the local version in full.
	StrategyPreferLocal Strategy = "prefer_local"
	// StrategyPreferRemote keeps the remote version in full.
	StrategyPreferRemote Strategy = "prefer_remote"
	// StrategyPreferLatest keeps whichever side was modified later, in full.
	StrategyPreferLatest Strategy = "prefer_latest"
	// StrategyMerge combines both sides field-by-field, the later-modified
	// side winning each conflicting field.
	StrategyMerge Strategy = "merge"
	// StrategyManual routes the conflict to human review.
	StrategyManual Strategy = "manual"
)

// ValidStrategies contains all accepted strategy values.
var ValidStrategies = map[Strategy]bool{
	StrategyPreferLocal:  true,
	StrategyPreferRemote: true,
	StrategyPreferLatest: true,
	StrategyMerge:        true,
	StrategyManual:       true,
}

// IsValid reports whether the strategy is a known value.
func (s Strategy) IsValid() bool {
	return ValidStrategies[s]
}

// Resolution records how a conflict ended up being resolved.
type Resolution string

const (
	ResolutionPending      Resolution = "pending"
	ResolutionPreferLocal  Resolution = "prefer_local"
	ResolutionPreferRemote Resolution = "prefer_remote"
	ResolutionMerged       Resolution = "merged"
)

// ChangeKind classifies a remote event returned by a delta query.
// The classification is advisory: the orchestrator reconciles by identity
// and never trusts it blindly.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// CalendarEvent is the locally owned representation of an event.
//
// Exactly one of {RemoteID empty, RemoteID and RemoteVersionTag both set}
// holds at rest; an event mid-creation-push is a transient state.
type CalendarEvent struct {
	// LocalID is the event's identity in the local store.
	LocalID string

	// RemoteID is the provider-side identity. Empty until the event has
	// been pushed for the first time or pulled and matched.
	RemoteID string

	// UserID owns the event; every sync job is scoped to one user.
	UserID string

	// CalendarID identifies the calendar this event belongs to.
	CalendarID string

	Subject     string
	Description string
	Location    string

	// Start and End are instants; Timezone carries the provider's zone name
	// so all-day and recurring events render correctly.
	Start    time.Time
	End      time.Time
	Timezone string

	IsAllDay bool

	// RecurrenceRule is an opaque provider payload; the engine only compares
	// it for presence, never interprets it.
	RecurrenceRule string

	// LastModified is owner-writable by whichever side changed the event last.
	LastModified time.Time

	// LocallyModified is true when local changes have not yet been pushed.
	LocallyModified bool

	// RemoteVersionTag is the provider's opaque change-stamp, used to detect
	// remote mutation without re-downloading content.
	RemoteVersionTag string
}

// ApplyRemote overwrites the event's content fields from the remote version
// and clears the locally-modified flag. Identity fields are preserved except
// that an empty RemoteID is adopted from the remote event.
func (e *CalendarEvent) ApplyRemote(r *RemoteEvent) {
	if e.RemoteID == "" {
		e.RemoteID = r.ID
	}
	e.Subject = r.Subject
	e.Description = r.Description
	e.Location = r.Location
	e.Start = r.Start
	e.End = r.End
	e.Timezone = r.Timezone
	e.IsAllDay = r.IsAllDay
	e.RecurrenceRule = r.RecurrenceRule
	e.LastModified = r.LastModified
	e.RemoteVersionTag = r.VersionTag
	e.LocallyModified = false
}

// Snapshot returns a JSON snapshot of the event for conflict audit records.
func (e *CalendarEvent) Snapshot() json.RawMessage {
	b, err := json.Marshal(e)
	if err != nil {
		// CalendarEvent contains only marshalable field types.
		return json.RawMessage(fmt.Sprintf("{%q:%q}", "error", err.Error()))
	}
	return b
}

// RemoteEvent is an event as reported by the remote provider's delta query.
type RemoteEvent struct {
	// ID is the provider-side identity.
	ID string

	Subject     string
	Description string
	Location    string

	Start    time.Time
	End      time.Time
	Timezone string

	IsAllDay       bool
	RecurrenceRule string

	// CreatedAt and LastModified are the provider's reported timestamps.
	CreatedAt    time.Time
	LastModified time.Time

	// VersionTag is the provider's opaque change-stamp for this version.
	VersionTag string

	// Removed marks the event as deleted on the provider side (a tombstone).
	Removed bool

	// Change is the advisory classification computed by the delta fetcher.
	Change ChangeKind
}

// Classify returns the advisory change kind for a remote event: removed
// events are deletions; an event whose creation timestamp equals its last
// modification is a creation; anything else is an update.
func (r *RemoteEvent) Classify() ChangeKind {
	switch {
	case r.Removed:
		return ChangeDeleted
	case r.CreatedAt.Equal(r.LastModified):
		return ChangeCreated
	default:
		return ChangeUpdated
	}
}

// Snapshot returns a JSON snapshot of the remote event for conflict audit
// records.
func (r *RemoteEvent) Snapshot() json.RawMessage {
	b, err := json.Marshal(r)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("{%q:%q}", "error", err.Error()))
	}
	return b
}

// EventFromRemote builds a new local event from a pulled remote event.
// The resulting event is marked synced (not locally modified).
func EventFromRemote(userID, calendarID string, r *RemoteEvent) *CalendarEvent {
	e := &CalendarEvent{
		UserID:     userID,
		CalendarID: calendarID,
		RemoteID:   r.ID,
	}
	e.ApplyRemote(r)
	return e
}
