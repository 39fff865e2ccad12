// Package sync implements the calendar synchronization engine for calrelay.
// It reconciles events between the locally owned event store and a remote
// calendar service that exposes an incremental ("delta") query protocol,
// detects and resolves conflicting concurrent edits, and coordinates
// per-user job lifecycles.
//
// The package contains three main components:
//
//   - [DeltaFetcher] wraps the provider's delta protocol: pagination,
//     change classification, and token-invalidation detection.
//   - [Resolver] is the pure conflict decision logic.
//   - [Orchestrator] owns job lifecycle and drives pull, push, and
//     bidirectional runs.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/calrelay/internal/model"
)

// CredentialProvider supplies remote-service access credentials.
// Acquisition and refresh are out of this engine's scope.
type CredentialProvider interface {
	// AccessToken returns a usable credential for the user, or an error when
	// none can be produced.
	AccessToken(ctx context.Context, userID string) (string, error)

	// IsValid reports whether a usable credential exists without raising.
	IsValid(ctx context.Context, userID string) bool
}

// DeltaPage is one page of a delta query response.
type DeltaPage struct {
	Events []model.RemoteEvent

	// NextPageToken continues the current multi-page batch. Empty on the
	// final page.
	NextPageToken string

	// ContinuationToken is the cursor for the next sync run. Only set on
	// the final page of a batch.
	ContinuationToken string
}

// RemoteGateway performs authenticated operations against the provider.
// Implemented by [remote.Gateway].
type RemoteGateway interface {
	// FetchDeltaPage fetches one page of changes. An empty token starts a
	// full enumeration; otherwise token is either a continuation token from
	// a prior run or a page token from the current batch. A rejected token
	// is reported as a TokenInvalid error kind.
	FetchDeltaPage(ctx context.Context, userID, calendarID, token string) (*DeltaPage, error)

	CreateEvent(ctx context.Context, userID string, ev *model.CalendarEvent) (remoteID, versionTag string, err error)
	UpdateEvent(ctx context.Context, userID string, ev *model.CalendarEvent) (versionTag string, err error)
	DeleteEvent(ctx context.Context, userID, calendarID, remoteID string) error
	ListCalendars(ctx context.Context, userID string) ([]Calendar, error)
}

// Calendar describes one remote calendar available to a user.
type Calendar struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Primary bool   `json:"primary"`
}

// EventRepository provides CRUD and lookup over locally stored events.
// Single-row writes are atomic; the engine never needs multi-row
// transactions. Lookups return (nil, nil) when no row matches.
type EventRepository interface {
	GetByLocalID(ctx context.Context, userID, localID string) (*model.CalendarEvent, error)
	GetByRemoteID(ctx context.Context, userID, calendarID, remoteID string) (*model.CalendarEvent, error)
	ListLocallyModified(ctx context.Context, userID, calendarID string) ([]*model.CalendarEvent, error)
	Upsert(ctx context.Context, ev *model.CalendarEvent) error
	Delete(ctx context.Context, userID, localID string) error
}

// StateStore persists per-(user, calendar) sync state and run history.
// GetState returns (nil, nil) when no state row exists yet.
type StateStore interface {
	GetState(ctx context.Context, userID, calendarID string) (*model.SyncState, error)
	PutState(ctx context.Context, st *model.SyncState) error

	// ResetState clears the continuation token, forcing the next run to
	// perform a full sync. Missing state is not an error.
	ResetState(ctx context.Context, userID, calendarID string) error

	// AppendHistory records a completed run's state snapshot.
	AppendHistory(ctx context.Context, st *model.SyncState) error
	History(ctx context.Context, userID string, limit, offset int) ([]*model.SyncState, error)
}

// ConflictStore is the durable log of detected conflicts.
// GetConflict returns (nil, nil) when no record matches.
type ConflictStore interface {
	// SaveConflict stores a conflict record, replacing an existing record
	// with the same ID. Replacement lets a redelivered batch refresh the
	// pending record for an event instead of accumulating duplicates.
	SaveConflict(ctx context.Context, c *model.SyncConflict) error

	GetConflict(ctx context.Context, id string) (*model.SyncConflict, error)

	// PendingConflictForEvent returns the event's unresolved conflict
	// record, or (nil, nil) when none exists.
	PendingConflictForEvent(ctx context.Context, userID, eventID string) (*model.SyncConflict, error)

	UpdateConflict(ctx context.Context, c *model.SyncConflict) error
	ListPendingConflicts(ctx context.Context, userID string) ([]*model.SyncConflict, error)
	ConflictStats(ctx context.Context, userID string, since time.Time) (*model.ConflictStats, error)
}
