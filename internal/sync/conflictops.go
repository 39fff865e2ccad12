package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/njoerd114/calrelay/internal/model"
)

// PendingConflicts lists the user's unresolved conflict records.
func (o *Orchestrator) PendingConflicts(ctx context.Context, userID string) ([]*model.SyncConflict, error) {
	return o.conflicts.ListPendingConflicts(ctx, userID)
}

// ConflictStats summarises the user's conflicts over the past N days.
func (o *Orchestrator) ConflictStats(ctx context.Context, userID string, days int) (*model.ConflictStats, error) {
	if days <= 0 {
		days = 30
	}
	since := o.now().UTC().AddDate(0, 0, -days)
	return o.conflicts.ConflictStats(ctx, userID, since)
}

// ResolveConflict applies a human decision to a pending conflict. For a
// merged resolution the caller supplies the final event payload. Resolution
// is final: a resolved record is never mutated again.
func (o *Orchestrator) ResolveConflict(ctx context.Context, conflictID string, resolution model.Resolution, resolvedData json.RawMessage) (*model.SyncConflict, error) {
	const op = "conflict.resolve"

	record, err := o.loadPending(ctx, op, conflictID)
	if err != nil {
		return nil, err
	}

	switch resolution {
	case model.ResolutionPreferLocal:
		// Local wins; flag it so the next push propagates the local version.
		local, err := o.events.GetByLocalID(ctx, record.UserID, record.EventID)
		if err != nil {
			return nil, WrapErr(KindTransient, op, err)
		}
		if local != nil {
			local.LocallyModified = true
			if err := o.events.Upsert(ctx, local); err != nil {
				return nil, WrapErr(KindTransient, op, err)
			}
		}

	case model.ResolutionPreferRemote:
		var remote model.RemoteEvent
		if err := json.Unmarshal(record.RemoteVersion, &remote); err != nil {
			return nil, Errorf(KindValidation, op, "conflict %s has no usable remote snapshot: %v", conflictID, err)
		}
		local, err := o.events.GetByLocalID(ctx, record.UserID, record.EventID)
		if err != nil {
			return nil, WrapErr(KindTransient, op, err)
		}
		if local != nil {
			local.ApplyRemote(&remote)
			if err := o.events.Upsert(ctx, local); err != nil {
				return nil, WrapErr(KindTransient, op, err)
			}
		}

	case model.ResolutionMerged:
		if len(resolvedData) == 0 {
			return nil, Errorf(KindValidation, op, "merged resolution requires the resolved event payload")
		}
		var merged model.CalendarEvent
		if err := json.Unmarshal(resolvedData, &merged); err != nil {
			return nil, Errorf(KindValidation, op, "invalid resolved event payload: %v", err)
		}
		merged.LocalID = record.EventID
		merged.UserID = record.UserID
		merged.CalendarID = record.CalendarID
		merged.LastModified = o.now().UTC()
		merged.LocallyModified = true
		if err := o.events.Upsert(ctx, &merged); err != nil {
			return nil, WrapErr(KindTransient, op, err)
		}

	default:
		return nil, Errorf(KindValidation, op, "invalid resolution %q", resolution)
	}

	return o.finalizeConflict(ctx, op, record, resolution, "resolved manually")
}

// AutoResolveConflict resolves a pending conflict using the strategy the
// resolver suggests for its field mix. Conflicts whose suggestion is manual
// fail with a ManualResolutionRequired kind.
func (o *Orchestrator) AutoResolveConflict(ctx context.Context, conflictID string) (*model.SyncConflict, error) {
	const op = "conflict.auto_resolve"

	record, err := o.loadPending(ctx, op, conflictID)
	if err != nil {
		return nil, err
	}

	local, err := o.events.GetByLocalID(ctx, record.UserID, record.EventID)
	if err != nil {
		return nil, WrapErr(KindTransient, op, err)
	}
	if local == nil {
		return nil, Errorf(KindNotFound, op, "local event %s no longer exists", record.EventID)
	}

	var remote model.RemoteEvent
	if err := json.Unmarshal(record.RemoteVersion, &remote); err != nil {
		return nil, Errorf(KindValidation, op, "conflict %s has no usable remote snapshot: %v", conflictID, err)
	}

	strategy := o.resolver.SuggestResolution(record.Types, record.LocalModified, record.RemoteModified)
	resolved, kind, details, err := o.resolver.AutoResolve(record, strategy, local, &remote)
	if err != nil {
		return nil, err
	}

	if err := o.events.Upsert(ctx, resolved); err != nil {
		return nil, WrapErr(KindTransient, op, err)
	}
	return o.finalizeConflict(ctx, op, record, kind, fmt.Sprintf("auto-resolved (%s): %s", strategy, details))
}

// loadPending fetches a conflict record and rejects missing or already
// resolved ones.
func (o *Orchestrator) loadPending(ctx context.Context, op, conflictID string) (*model.SyncConflict, error) {
	record, err := o.conflicts.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, WrapErr(KindTransient, op, err)
	}
	if record == nil {
		return nil, Errorf(KindNotFound, op, "no conflict %s", conflictID)
	}
	if record.Resolved() {
		return nil, Errorf(KindValidation, op, "conflict %s is already resolved", conflictID)
	}
	return record, nil
}

// finalizeConflict stamps and persists the resolution on a conflict record.
func (o *Orchestrator) finalizeConflict(ctx context.Context, op string, record *model.SyncConflict, resolution model.Resolution, details string) (*model.SyncConflict, error) {
	now := o.now().UTC()
	record.Resolution = resolution
	record.ResolvedAt = &now
	record.ResolutionDetails = details
	if err := o.conflicts.UpdateConflict(ctx, record); err != nil {
		return nil, WrapErr(KindTransient, op, err)
	}

	o.log.Info("conflict resolved",
		"conflict_id", record.ID,
		"event_id", record.EventID,
		"resolution", resolution,
	)
	return record, nil
}
