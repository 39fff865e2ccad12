package sync

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/calrelay/internal/model"
)

// DefaultEquivalenceTolerance is how far apart two events' start and end
// times may be while still counting as the same event for deduplication.
const DefaultEquivalenceTolerance = 60 * time.Second

// ConflictInfo is the result of a positive conflict detection.
type ConflictInfo struct {
	// Types lists the conflicting fields in detection order.
	Types []model.ConflictField

	// Details carries the typed before/after pair for each conflicting field.
	Details []model.FieldConflict

	LocalModified  time.Time
	RemoteModified time.Time
}

// Resolver is the pure conflict decision logic: it detects conflicting
// concurrent edits, classifies them, and computes automatic resolutions.
// It holds no state beyond configuration and is safe for concurrent use.
type Resolver struct {
	tolerance time.Duration
	log       *slog.Logger
	now       func() time.Time
}

// NewResolver creates a Resolver. A non-positive tolerance falls back to
// [DefaultEquivalenceTolerance].
func NewResolver(tolerance time.Duration, logger *slog.Logger) *Resolver {
	if tolerance <= 0 {
		tolerance = DefaultEquivalenceTolerance
	}
	return &Resolver{tolerance: tolerance, log: logger, now: time.Now}
}

// DetectConflict reports whether the local and remote versions of an event
// are in conflict. A conflict requires both sides to have been modified
// after lastSync; if only one side changed, that side simply wins and nil
// is returned. A zero lastSync (first-ever sync) treats every pair as
// needing comparison. Two sides modified concurrently but with identical
// field values are not a conflict.
func (r *Resolver) DetectConflict(local *model.CalendarEvent, remote *model.RemoteEvent, lastSync time.Time) *ConflictInfo {
	if !lastSync.IsZero() {
		if !local.LastModified.After(lastSync) || !remote.LastModified.After(lastSync) {
			return nil
		}
	}

	var details []model.FieldConflict
	if local.Subject != remote.Subject {
		details = append(details, model.TextConflict(model.FieldSubject, local.Subject, remote.Subject))
	}
	if local.Description != remote.Description {
		details = append(details, model.TextConflict(model.FieldDescription, local.Description, remote.Description))
	}
	if !local.Start.Equal(remote.Start) {
		details = append(details, model.TimeConflict(model.FieldStartTime, local.Start, remote.Start))
	}
	if !local.End.Equal(remote.End) {
		details = append(details, model.TimeConflict(model.FieldEndTime, local.End, remote.End))
	}
	if local.Location != remote.Location {
		details = append(details, model.TextConflict(model.FieldLocation, local.Location, remote.Location))
	}
	if local.IsAllDay != remote.IsAllDay {
		details = append(details, model.FlagConflict(model.FieldAllDay, local.IsAllDay, remote.IsAllDay))
	}
	// Recurrence is opaque; only its presence is compared.
	if (local.RecurrenceRule != "") != (remote.RecurrenceRule != "") {
		details = append(details, model.TextConflict(model.FieldRecurrence, local.RecurrenceRule, remote.RecurrenceRule))
	}

	if len(details) == 0 {
		return nil
	}

	types := make([]model.ConflictField, len(details))
	for i := range details {
		details[i].LocalModified = local.LastModified
		details[i].RemoteModified = remote.LastModified
		types[i] = details[i].Field
	}

	r.log.Debug("conflict detected",
		"local_id", local.LocalID,
		"remote_id", remote.ID,
		"fields", len(types),
	)

	return &ConflictInfo{
		Types:          types,
		Details:        details,
		LocalModified:  local.LastModified,
		RemoteModified: remote.LastModified,
	}
}

// NewRecord builds a durable conflict record from a detection result,
// including version snapshots for audit and manual resolution.
func (r *Resolver) NewRecord(userID string, local *model.CalendarEvent, remote *model.RemoteEvent, info *ConflictInfo) *model.SyncConflict {
	return &model.SyncConflict{
		ID:             uuid.NewString(),
		UserID:         userID,
		EventID:        local.LocalID,
		CalendarID:     local.CalendarID,
		Types:          info.Types,
		Details:        info.Details,
		LocalVersion:   local.Snapshot(),
		RemoteVersion:  remote.Snapshot(),
		LocalModified:  info.LocalModified,
		RemoteModified: info.RemoteModified,
		Resolution:     model.ResolutionPending,
		DetectedAt:     r.now().UTC(),
	}
}

// SuggestResolution recommends a strategy for a set of conflicting fields:
// pure time conflicts merge cleanly, content conflicts defer to the later
// edit, and anything touching more than two field types goes to a human.
func (r *Resolver) SuggestResolution(types []model.ConflictField, localModified, remoteModified time.Time) model.Strategy {
	if len(types) == 0 {
		return model.StrategyPreferLatest
	}

	allTime := true
	anyContent := false
	distinct := make(map[model.ConflictField]bool, len(types))
	for _, t := range types {
		if !t.IsTimeField() {
			allTime = false
		}
		if t.IsContentField() {
			anyContent = true
		}
		distinct[t] = true
	}

	switch {
	case allTime:
		return model.StrategyMerge
	case anyContent:
		return model.StrategyPreferLatest
	case len(distinct) > 2:
		return model.StrategyManual
	default:
		return model.StrategyPreferLatest
	}
}

// AutoResolve computes the resolved event for a conflict under the given
// strategy. It does not persist anything; the caller applies the result.
// StrategyManual fails with a ManualResolutionRequired kind so the caller
// routes the conflict to human review instead.
func (r *Resolver) AutoResolve(c *model.SyncConflict, strategy model.Strategy, local *model.CalendarEvent, remote *model.RemoteEvent) (*model.CalendarEvent, model.Resolution, string, error) {
	const op = "conflict.auto_resolve"

	switch strategy {
	case model.StrategyPreferLocal:
		resolved := *local
		resolved.LocallyModified = true
		return &resolved, model.ResolutionPreferLocal, "local version kept", nil

	case model.StrategyPreferRemote:
		resolved := *local
		resolved.ApplyRemote(remote)
		return &resolved, model.ResolutionPreferRemote, "remote version applied", nil

	case model.StrategyPreferLatest:
		if c.LocalModified.After(c.RemoteModified) {
			resolved := *local
			resolved.LocallyModified = true
			return &resolved, model.ResolutionPreferLocal, "local side modified later", nil
		}
		resolved := *local
		resolved.ApplyRemote(remote)
		return &resolved, model.ResolutionPreferRemote, "remote side modified later", nil

	case model.StrategyMerge:
		merged, picked := r.merge(c, local, remote)
		return merged, model.ResolutionMerged, picked, nil

	case model.StrategyManual:
		return nil, "", "", Errorf(KindManualResolution, op, "conflict %s requires manual resolution", c.ID)

	default:
		return nil, "", "", Errorf(KindValidation, op, "unknown strategy %q", strategy)
	}
}

// merge combines both sides field-by-field: each conflicting field takes
// the value from whichever side carries the later modification time for
// that field (ties favour local); non-conflicting fields are inherited
// from the local event. The merged result gets a fresh LastModified and
// is flagged for push since it matches neither side exactly.
func (r *Resolver) merge(c *model.SyncConflict, local *model.CalendarEvent, remote *model.RemoteEvent) (*model.CalendarEvent, string) {
	merged := *local

	fromLocal, fromRemote := 0, 0
	for _, d := range c.Details {
		localWins := !r.fieldRemoteModified(d, c).After(r.fieldLocalModified(d, c))
		if localWins {
			fromLocal++
			continue // local is the base; nothing to overwrite
		}
		fromRemote++
		switch d.Field {
		case model.FieldSubject:
			merged.Subject = remote.Subject
		case model.FieldDescription:
			merged.Description = remote.Description
		case model.FieldStartTime:
			merged.Start = remote.Start
		case model.FieldEndTime:
			merged.End = remote.End
		case model.FieldLocation:
			merged.Location = remote.Location
		case model.FieldAllDay:
			merged.IsAllDay = remote.IsAllDay
		case model.FieldRecurrence:
			merged.RecurrenceRule = remote.RecurrenceRule
		}
	}

	merged.LastModified = r.now().UTC()
	merged.LocallyModified = true
	merged.RemoteVersionTag = remote.VersionTag

	details := "merged: " +
		plural(fromLocal, "field") + " from local, " +
		plural(fromRemote, "field") + " from remote"
	return &merged, details
}

// fieldLocalModified returns the per-field local modification time,
// falling back to the conflict-level timestamp when unset.
func (r *Resolver) fieldLocalModified(d model.FieldConflict, c *model.SyncConflict) time.Time {
	if !d.LocalModified.IsZero() {
		return d.LocalModified
	}
	return c.LocalModified
}

func (r *Resolver) fieldRemoteModified(d model.FieldConflict, c *model.SyncConflict) time.Time {
	if !d.RemoteModified.IsZero() {
		return d.RemoteModified
	}
	return c.RemoteModified
}

// AreEquivalent reports whether two events describe the same occurrence for
// deduplication purposes: identical subjects and all-day flags, start and
// end within the configured tolerance, and, when compareContent is set,
// identical descriptions and locations.
func (r *Resolver) AreEquivalent(a, b *model.CalendarEvent, compareContent bool) bool {
	if a.Subject != b.Subject {
		return false
	}
	if a.IsAllDay != b.IsAllDay {
		return false
	}
	if absDuration(a.Start.Sub(b.Start)) > r.tolerance {
		return false
	}
	if absDuration(a.End.Sub(b.End)) > r.tolerance {
		return false
	}
	if compareContent {
		if a.Description != b.Description || a.Location != b.Location {
			return false
		}
	}
	return true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return strconv.Itoa(n) + " " + noun + "s"
}
