package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/calrelay/internal/model"
)

// jobRunner executes one sync direction. Each direction is a separate
// implementation so it can be unit-tested without the others.
type jobRunner interface {
	Run(ctx context.Context, job *Job, opts Options, res *Result) error
}

// runnerFor maps a validated direction to its runner.
func (o *Orchestrator) runnerFor(d model.Direction) jobRunner {
	switch d {
	case model.DirectionPull:
		return pullRunner{o}
	case model.DirectionPush:
		return pushRunner{o}
	default:
		return bidiRunner{o}
	}
}

// bidiRunner runs a full pull followed by a full push within one job.
// A failed pull does not suppress the push: the result carries per-phase
// success flags so partial progress is still reported.
type bidiRunner struct {
	o *Orchestrator
}

func (b bidiRunner) Run(ctx context.Context, job *Job, opts Options, res *Result) error {
	pullErr := pullRunner(b).Run(ctx, job, opts, res)
	if ctx.Err() != nil {
		return pullErr
	}
	pushErr := pushRunner(b).Run(ctx, job, opts, res)

	if pullErr != nil {
		return pullErr
	}
	return pushErr
}

// pullRunner applies remote changes to the local store.
type pullRunner struct {
	o *Orchestrator
}

// tally accumulates per-event outcomes from the parallel apply workers.
type tally struct {
	mu        stdsync.Mutex
	created   int
	updated   int
	deleted   int
	conflicts int
	failed    int
	errs      []string
}

func (t *tally) addErr(err error) {
	t.mu.Lock()
	t.failed++
	t.errs = append(t.errs, err.Error())
	t.mu.Unlock()
}

func (t *tally) bump(field *int) {
	t.mu.Lock()
	*field++
	t.mu.Unlock()
}

func (p pullRunner) Run(ctx context.Context, job *Job, opts Options, res *Result) error {
	const op = "sync.pull"
	o := p.o

	st, err := o.states.GetState(ctx, job.UserID, opts.CalendarID)
	if err != nil {
		return WrapErr(KindTransient, op, err)
	}
	if st == nil {
		st = &model.SyncState{UserID: job.UserID, CalendarID: opts.CalendarID}
	}

	// Incremental only when a token exists, a prior sync completed, and the
	// caller did not force a full run; otherwise enumerate from scratch to
	// establish a token.
	token := st.ContinuationToken
	if token == "" || st.LastSyncTime.IsZero() || opts.ForceFull {
		token = ""
	}

	batch, err := p.fetch(ctx, job.UserID, token, opts)
	if IsKind(err, KindTokenInvalid) {
		// The provider expired our cursor. Clear it and retry once as a
		// full sync; only the retry's failure is user-facing.
		o.log.Warn("continuation token invalid, falling back to full sync",
			"user_id", job.UserID, "calendar_id", opts.CalendarID)
		st.ContinuationToken = ""
		if perr := o.states.PutState(ctx, st); perr != nil {
			return WrapErr(KindTransient, op, perr)
		}
		batch, err = p.fetch(ctx, job.UserID, "", opts)
	}
	if err != nil {
		return WrapErr(KindOf(err), op, fmt.Errorf("fetching changes: %w", err))
	}

	events := dedupeByRemoteID(batch.Events)
	o.addProgress(job, len(events), 0)

	var t tally
	lastSync := st.LastSyncTime

	// Independent events apply in parallel under a bounded pool. Pages were
	// concatenated in order and dedupe kept each event's last occurrence,
	// so later pages win and no two workers touch the same event.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if aerr := p.applyOne(gctx, job.UserID, opts, ev, lastSync, &t); aerr != nil {
				o.log.Error("applying remote event failed",
					"user_id", job.UserID, "remote_id", ev.ID, "error", aerr)
				t.addErr(aerr)
			}
			o.addProgress(job, 0, 1)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return WrapErr(KindTransient, op, ctx.Err())
	}

	res.Created += t.created
	res.Updated += t.updated
	res.Deleted += t.deleted
	res.Conflicts += t.conflicts
	res.Failed += t.failed
	res.Errors = append(res.Errors, t.errs...)
	res.PullSucceeded = true

	now := o.now().UTC()
	st.TotalEvents = len(events)
	st.SyncedEvents = t.created + t.updated + t.deleted
	st.ConflictedEvents = t.conflicts
	st.FailedEvents = t.failed
	st.LastSyncTime = now
	if batch.FullEnumeration {
		st.LastFullSyncTime = now
	}

	// The token advances only after the batch has been fully applied.
	// Per-event failures keep the old cursor so the next run redelivers
	// the batch (at-least-once; the apply path is idempotent).
	if t.failed == 0 && batch.ContinuationToken != "" {
		st.ContinuationToken = batch.ContinuationToken
	}

	if err := o.states.PutState(ctx, st); err != nil {
		return WrapErr(KindTransient, op, fmt.Errorf("persisting state: %w", err))
	}
	return nil
}

// fetch runs the delta query, windowed when the job requested a date range.
func (p pullRunner) fetch(ctx context.Context, userID, token string, opts Options) (*DeltaResult, error) {
	fo := FetchOptions{CalendarID: opts.CalendarID}
	if !opts.WindowStart.IsZero() && !opts.WindowEnd.IsZero() {
		return p.o.fetcher.FetchChangesInWindow(ctx, userID, token, opts.WindowStart, opts.WindowEnd, fo)
	}
	return p.o.fetcher.FetchChanges(ctx, userID, token, fo)
}

// applyOne reconciles a single remote event against the local store.
func (p pullRunner) applyOne(ctx context.Context, userID string, opts Options, ev model.RemoteEvent, lastSync time.Time, t *tally) error {
	o := p.o

	local, err := o.events.GetByRemoteID(ctx, userID, opts.CalendarID, ev.ID)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", ev.ID, err)
	}

	// Deletion marker: remove the local counterpart if one exists. Absence
	// is not an error; the deletion may have been applied on a prior run.
	if ev.Change == model.ChangeDeleted {
		if local == nil {
			return nil
		}
		if err := o.events.Delete(ctx, userID, local.LocalID); err != nil {
			return fmt.Errorf("deleting %s: %w", local.LocalID, err)
		}
		t.bump(&t.deleted)
		return nil
	}

	// No local counterpart: create it, marked synced.
	if local == nil {
		created := model.EventFromRemote(userID, opts.CalendarID, &ev)
		created.LocalID = uuid.NewString()
		if err := o.events.Upsert(ctx, created); err != nil {
			return fmt.Errorf("creating from %s: %w", ev.ID, err)
		}
		t.bump(&t.created)
		return nil
	}

	// Matched: check for conflicting concurrent edits.
	if info := o.resolver.DetectConflict(local, &ev, lastSync); info != nil {
		return p.handleConflict(ctx, userID, opts, local, &ev, info, t)
	}

	// No conflict. When only the local side changed, local wins and the
	// push phase propagates it; overwriting here would lose the edit.
	if local.LocallyModified && local.LastModified.After(ev.LastModified) {
		return nil
	}

	local.ApplyRemote(&ev)
	if err := o.events.Upsert(ctx, local); err != nil {
		return fmt.Errorf("updating %s: %w", local.LocalID, err)
	}
	t.bump(&t.updated)
	return nil
}

// handleConflict records a conflict and, when the job requested an
// auto-resolution strategy, applies it immediately and persists the record
// as already resolved. Otherwise the record stays pending and the local
// event is left untouched.
func (p pullRunner) handleConflict(ctx context.Context, userID string, opts Options, local *model.CalendarEvent, ev *model.RemoteEvent, info *ConflictInfo, t *tally) error {
	o := p.o
	record := o.resolver.NewRecord(userID, local, ev, info)

	// A redelivered batch re-detects divergences that are already on file.
	// Refresh the existing pending record under its original identity
	// instead of stacking a duplicate; a new record only appears once the
	// prior one has been resolved.
	existing, err := o.conflicts.PendingConflictForEvent(ctx, userID, local.LocalID)
	if err != nil {
		return fmt.Errorf("checking pending conflict for %s: %w", local.LocalID, err)
	}
	if existing != nil {
		record.ID = existing.ID
		record.DetectedAt = existing.DetectedAt
	}

	if opts.Strategy != "" && opts.Strategy != model.StrategyManual {
		resolved, kind, details, rerr := o.resolver.AutoResolve(record, opts.Strategy, local, ev)
		if rerr == nil {
			if err := o.events.Upsert(ctx, resolved); err != nil {
				return fmt.Errorf("applying resolution for %s: %w", local.LocalID, err)
			}
			now := o.now().UTC()
			record.Resolution = kind
			record.ResolvedAt = &now
			record.ResolutionDetails = details
		}
		// ManualResolutionRequired falls through: the record stays pending.
	}

	if err := o.conflicts.SaveConflict(ctx, record); err != nil {
		return fmt.Errorf("saving conflict for %s: %w", local.LocalID, err)
	}
	t.bump(&t.conflicts)
	return nil
}

// dedupeByRemoteID collapses multiple occurrences of the same remote event
// to the last one, preserving overall order otherwise. Pages are never
// reordered, so the survivor is the latest page's version of the event.
func dedupeByRemoteID(events []model.RemoteEvent) []model.RemoteEvent {
	last := make(map[string]int, len(events))
	for i, ev := range events {
		last[ev.ID] = i
	}
	out := make([]model.RemoteEvent, 0, len(last))
	for i, ev := range events {
		if last[ev.ID] == i {
			out = append(out, ev)
		}
	}
	return out
}
