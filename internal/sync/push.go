package sync

import (
	"context"
	"fmt"

	"github.com/njoerd114/calrelay/internal/model"
)

// pushRunner writes locally modified events to the remote service. A
// failure on one event is recorded against that event and does not abort
// the batch.
type pushRunner struct {
	o *Orchestrator
}

func (p pushRunner) Run(ctx context.Context, job *Job, opts Options, res *Result) error {
	const op = "sync.push"
	o := p.o

	pending, err := o.events.ListLocallyModified(ctx, job.UserID, opts.CalendarID)
	if err != nil {
		return WrapErr(KindTransient, op, fmt.Errorf("listing modified events: %w", err))
	}

	o.addProgress(job, len(pending), 0)

	pushed, failed := 0, 0
	for _, ev := range pending {
		if ctx.Err() != nil {
			return WrapErr(KindTransient, op, ctx.Err())
		}

		perr := Retry(ctx, defaultMaxAttempts, func() error {
			return p.pushOne(ctx, ev)
		})
		o.addProgress(job, 0, 1)
		if perr != nil {
			o.log.Error("pushing event failed",
				"user_id", job.UserID, "local_id", ev.LocalID, "error", perr)
			failed++
			res.Errors = append(res.Errors, perr.Error())
			continue
		}
		pushed++
	}

	res.Pushed += pushed
	res.Failed += failed
	res.PushSucceeded = true

	// Fold the push outcome into the persisted counters.
	st, err := o.states.GetState(ctx, job.UserID, opts.CalendarID)
	if err != nil {
		return WrapErr(KindTransient, op, err)
	}
	if st == nil {
		st = &model.SyncState{UserID: job.UserID, CalendarID: opts.CalendarID}
	}
	st.SyncedEvents += pushed
	st.FailedEvents += failed
	st.LastSyncTime = o.now().UTC()
	if err := o.states.PutState(ctx, st); err != nil {
		return WrapErr(KindTransient, op, fmt.Errorf("persisting state: %w", err))
	}
	return nil
}

// pushOne writes one event: a create when it has never been pushed, an
// update otherwise. After a successful write the event is marked synced
// and the provider's new version tag is recorded.
func (p pushRunner) pushOne(ctx context.Context, ev *model.CalendarEvent) error {
	o := p.o

	if ev.RemoteID == "" {
		remoteID, tag, err := o.gw.CreateEvent(ctx, ev.UserID, ev)
		if err != nil {
			return fmt.Errorf("creating %q remotely: %w", ev.Subject, err)
		}
		ev.RemoteID = remoteID
		ev.RemoteVersionTag = tag
	} else {
		tag, err := o.gw.UpdateEvent(ctx, ev.UserID, ev)
		if err != nil {
			return fmt.Errorf("updating %q remotely: %w", ev.Subject, err)
		}
		ev.RemoteVersionTag = tag
	}

	ev.LocallyModified = false
	if err := o.events.Upsert(ctx, ev); err != nil {
		return fmt.Errorf("recording push of %s: %w", ev.LocalID, err)
	}
	return nil
}
