package sync

import (
	"context"
	"encoding/json"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/calrelay/internal/model"
)

const (
	otelScope       = "calrelay/sync"
	spanJob         = "sync.job"
	metricCreated   = "calrelay.sync.events.created"
	metricUpdated   = "calrelay.sync.events.updated"
	metricDeleted   = "calrelay.sync.events.deleted"
	metricPushed    = "calrelay.sync.events.pushed"
	metricConflicts = "calrelay.sync.conflicts"
	metricErrors    = "calrelay.sync.errors"

	// defaultConcurrency bounds parallel apply of independent events.
	defaultConcurrency = 4

	// defaultRetainCompleted is how long finished jobs stay queryable.
	defaultRetainCompleted = 5 * time.Minute
)

// JobStatus is the lifecycle state of a sync job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Progress tracks how far a running job has come.
type Progress struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
}

// MarshalJSON reports the computed percentage alongside the raw counters,
// so status payloads carry a ready-made 0-100 figure.
func (p Progress) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Total     int `json:"total"`
		Processed int `json:"processed"`
		Percent   int `json:"percent"`
	}{p.Total, p.Processed, p.Percent()})
}

// Percent returns progress as 0-100. An unknown total reports 0.
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	pct := p.Processed * 100 / p.Total
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Result summarises one sync job. In a bidirectional job the per-phase
// success flags let a caller distinguish partial success from total failure.
type Result struct {
	PullSucceeded bool `json:"pull_succeeded"`
	PushSucceeded bool `json:"push_succeeded"`

	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Conflicts int `json:"conflicts"`
	Pushed    int `json:"pushed"`
	Failed    int `json:"failed"`

	Errors []string `json:"errors,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Job is the transient record of one orchestrated sync run. It exists only
// in memory for the lifetime of the run plus a bounded retention window.
type Job struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Direction model.Direction `json:"direction"`
	Status    JobStatus       `json:"status"`
	Progress  Progress        `json:"progress"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time,omitzero"`
	Result    *Result         `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind Kind            `json:"error_kind,omitempty"`

	cancel context.CancelFunc
}

// Options tunes one sync job.
type Options struct {
	// Direction defaults to bidirectional when empty.
	Direction model.Direction

	// CalendarID scopes the job to one calendar.
	CalendarID string

	// Strategy, when set, auto-resolves detected conflicts immediately.
	// Empty leaves conflicts pending for human decision.
	Strategy model.Strategy

	// ForceFull ignores any stored continuation token.
	ForceFull bool

	// WindowStart and WindowEnd, when both set, restrict the pull to events
	// overlapping the window. Deletions always pass through.
	WindowStart time.Time
	WindowEnd   time.Time
}

// UserStatus reports sync status for a user: the active job, if any, plus
// the last persisted state snapshot so status is available even when no
// job is running.
type UserStatus struct {
	Active bool             `json:"active"`
	Job    *Job             `json:"job,omitempty"`
	State  *model.SyncState `json:"state,omitempty"`
}

// OrchestratorConfig holds the collaborators and tuning for NewOrchestrator.
type OrchestratorConfig struct {
	Fetcher     *DeltaFetcher
	Resolver    *Resolver
	Events      EventRepository
	States      StateStore
	Conflicts   ConflictStore
	Credentials CredentialProvider
	Gateway     RemoteGateway

	// Concurrency bounds parallel apply of independent events within a
	// pulled batch. Zero selects the default.
	Concurrency int

	// RetainCompleted is how long finished jobs remain queryable before the
	// sweep discards them. Zero selects the default.
	RetainCompleted time.Duration

	Logger *slog.Logger
}

// Orchestrator is the top-level sync coordinator. It owns the per-user job
// registry, decides pull/push/bidirectional strategy, drives the
// DeltaFetcher and Resolver, and persists updated sync state.
type Orchestrator struct {
	fetcher   *DeltaFetcher
	resolver  *Resolver
	events    EventRepository
	states    StateStore
	conflicts ConflictStore
	creds     CredentialProvider
	gw        RemoteGateway
	log       *slog.Logger

	concurrency int
	retainFor   time.Duration
	now         func() time.Time

	mu     stdsync.Mutex
	byUser map[string]*Job
	byID   map[string]*Job

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer       trace.Tracer
	cntCreated   metric.Int64Counter
	cntUpdated   metric.Int64Counter
	cntDeleted   metric.Int64Counter
	cntPushed    metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntErrors    metric.Int64Counter
}

// NewOrchestrator creates an Orchestrator from its collaborators.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.RetainCompleted <= 0 {
		cfg.RetainCompleted = defaultRetainCompleted
	}

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			cfg.Logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Orchestrator{
		fetcher:     cfg.Fetcher,
		resolver:    cfg.Resolver,
		events:      cfg.Events,
		states:      cfg.States,
		conflicts:   cfg.Conflicts,
		creds:       cfg.Credentials,
		gw:          cfg.Gateway,
		log:         cfg.Logger,
		concurrency: cfg.Concurrency,
		retainFor:   cfg.RetainCompleted,
		now:         time.Now,
		byUser:      make(map[string]*Job),
		byID:        make(map[string]*Job),

		tracer:       tracer,
		cntCreated:   mustCounter(metricCreated, "Events created locally during pull"),
		cntUpdated:   mustCounter(metricUpdated, "Events updated locally during pull"),
		cntDeleted:   mustCounter(metricDeleted, "Events deleted locally during pull"),
		cntPushed:    mustCounter(metricPushed, "Events written to the remote during push"),
		cntConflicts: mustCounter(metricConflicts, "Conflicts detected during sync"),
		cntErrors:    mustCounter(metricErrors, "Per-event errors during sync"),
	}
}

// StartSync validates the request, rejects it if a job for the user is
// already running or no usable credential exists, and otherwise registers a
// job and executes the reconciliation asynchronously. The returned job is a
// snapshot; the caller observes progress via status polling.
func (o *Orchestrator) StartSync(ctx context.Context, userID string, opts Options) (Job, error) {
	const op = "sync.start"

	if userID == "" {
		return Job{}, Errorf(KindValidation, op, "user id is required")
	}
	if opts.Direction == "" {
		opts.Direction = model.DirectionBidirectional
	}
	if !opts.Direction.IsValid() {
		return Job{}, Errorf(KindValidation, op, "invalid direction %q", opts.Direction)
	}
	if opts.Strategy != "" && !opts.Strategy.IsValid() {
		return Job{}, Errorf(KindValidation, op, "invalid conflict strategy %q", opts.Strategy)
	}
	windowed := !opts.WindowStart.IsZero() || !opts.WindowEnd.IsZero()
	if windowed && (opts.WindowStart.IsZero() || opts.WindowEnd.IsZero() || opts.WindowEnd.Before(opts.WindowStart)) {
		return Job{}, Errorf(KindValidation, op, "invalid date range")
	}

	if !o.creds.IsValid(ctx, userID) {
		return Job{}, Errorf(KindNotAuthenticated, op, "no usable credential for user %s", userID)
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job := &Job{
		ID:        uuid.NewString(),
		UserID:    userID,
		Direction: opts.Direction,
		Status:    JobPending,
		cancel:    cancel,
	}

	// Check-and-set under one lock so two simultaneous starts for the same
	// user cannot both pass the no-active-job check.
	o.mu.Lock()
	o.sweepLocked()
	if active := o.byUser[userID]; active != nil &&
		(active.Status == JobPending || active.Status == JobRunning) {
		o.mu.Unlock()
		cancel()
		return Job{}, Errorf(KindAlreadyRunning, op, "sync already running for user %s (job %s)", userID, active.ID)
	}
	o.byUser[userID] = job
	o.byID[job.ID] = job
	snapshot := *job
	o.mu.Unlock()

	o.log.Info("sync job started",
		"job_id", job.ID,
		"user_id", userID,
		"direction", opts.Direction,
	)

	go o.runJob(jobCtx, job, opts)

	return snapshot, nil
}

// runJob executes one sync job to completion, recording a trace span,
// metrics, final state, and a history snapshot.
func (o *Orchestrator) runJob(ctx context.Context, job *Job, opts Options) {
	ctx, span := o.tracer.Start(ctx, spanJob, trace.WithAttributes(
		attribute.String("sync.job_id", job.ID),
		attribute.String("sync.direction", string(job.Direction)),
	))
	defer span.End()
	defer job.cancel()

	start := o.now().UTC()
	o.mu.Lock()
	job.Status = JobRunning
	job.StartTime = start
	o.mu.Unlock()

	res := &Result{}
	err := o.runnerFor(job.Direction).Run(ctx, job, opts, res)
	res.Duration = o.now().UTC().Sub(start)

	if err == nil && ctx.Err() != nil {
		err = WrapErr(KindTransient, "sync.job", ctx.Err())
	}
	errMsg := ""
	if err != nil {
		if ctx.Err() != nil {
			errMsg = "cancelled"
		} else {
			errMsg = err.Error()
		}
	}

	o.recordMetrics(ctx, span, res, err)
	// State and history are persisted before the job turns terminal, so a
	// caller that polled the job to completion sees the final state.
	o.finalizeState(ctx, job, opts, res, err, errMsg)

	o.mu.Lock()
	job.EndTime = o.now().UTC()
	job.Result = res
	if err != nil {
		job.Status = JobFailed
		job.Error = errMsg
		job.ErrorKind = KindOf(err)
	} else {
		job.Status = JobCompleted
	}
	o.mu.Unlock()

	o.log.Info("sync job finished",
		"job_id", job.ID,
		"user_id", job.UserID,
		"status", job.Status,
		"created", res.Created,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"pushed", res.Pushed,
		"conflicts", res.Conflicts,
		"failed", res.Failed,
		"duration", res.Duration,
	)
}

// recordMetrics feeds the job outcome into the OTel counters and span.
func (o *Orchestrator) recordMetrics(ctx context.Context, span trace.Span, res *Result, err error) {
	if res.Created > 0 {
		o.cntCreated.Add(ctx, int64(res.Created))
	}
	if res.Updated > 0 {
		o.cntUpdated.Add(ctx, int64(res.Updated))
	}
	if res.Deleted > 0 {
		o.cntDeleted.Add(ctx, int64(res.Deleted))
	}
	if res.Pushed > 0 {
		o.cntPushed.Add(ctx, int64(res.Pushed))
	}
	if res.Conflicts > 0 {
		o.cntConflicts.Add(ctx, int64(res.Conflicts))
	}
	if res.Failed > 0 {
		o.cntErrors.Add(ctx, int64(res.Failed))
	}

	span.SetAttributes(
		attribute.Int("sync.created", res.Created),
		attribute.Int("sync.updated", res.Updated),
		attribute.Int("sync.deleted", res.Deleted),
		attribute.Int("sync.pushed", res.Pushed),
		attribute.Int("sync.conflicts", res.Conflicts),
		attribute.Int("sync.failed", res.Failed),
	)
	if err != nil {
		span.RecordError(err)
	}
}

// finalizeState stamps the persisted sync state with the job outcome and
// appends a history snapshot. Uses a fresh context: the job context may
// already be cancelled.
func (o *Orchestrator) finalizeState(ctx context.Context, job *Job, opts Options, res *Result, jobErr error, errMsg string) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	st, err := o.states.GetState(sctx, job.UserID, opts.CalendarID)
	if err != nil {
		o.log.Error("loading state for finalize", "job_id", job.ID, "error", err)
		return
	}
	if st == nil {
		st = &model.SyncState{UserID: job.UserID, CalendarID: opts.CalendarID}
	}

	switch {
	case jobErr != nil:
		st.LastStatus = model.SyncStatusError
		st.LastError = errMsg
	case res.Failed > 0:
		st.LastStatus = model.SyncStatusPartial
		st.LastError = ""
	default:
		st.LastStatus = model.SyncStatusSuccess
		st.LastError = ""
	}

	if err := o.states.PutState(sctx, st); err != nil {
		o.log.Error("persisting final state", "job_id", job.ID, "error", err)
		return
	}
	if err := o.states.AppendHistory(sctx, st); err != nil {
		o.log.Error("appending sync history", "job_id", job.ID, "error", err)
	}
}

// Status returns a snapshot of the job with the given ID.
func (o *Orchestrator) Status(jobID string) (Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.byID[jobID]
	if !ok {
		return Job{}, Errorf(KindNotFound, "sync.status", "no job %s", jobID)
	}
	return *job, nil
}

// SyncStatus reports the user's active job, if any, plus the last persisted
// state snapshot.
func (o *Orchestrator) SyncStatus(ctx context.Context, userID, calendarID string) (*UserStatus, error) {
	o.mu.Lock()
	o.sweepLocked()
	var jobCopy *Job
	if job := o.byUser[userID]; job != nil {
		cp := *job
		jobCopy = &cp
	}
	o.mu.Unlock()

	st, err := o.states.GetState(ctx, userID, calendarID)
	if err != nil {
		return nil, WrapErr(KindTransient, "sync.status", err)
	}

	active := jobCopy != nil && (jobCopy.Status == JobPending || jobCopy.Status == JobRunning)
	return &UserStatus{Active: active, Job: jobCopy, State: st}, nil
}

// History returns past sync state snapshots for the user, newest first.
func (o *Orchestrator) History(ctx context.Context, userID string, limit, offset int) ([]*model.SyncState, error) {
	return o.states.History(ctx, userID, limit, offset)
}

// Cancel requests cooperative cancellation of a running job. In-flight
// remote calls are allowed to complete; the job observes the cancellation
// between processing units and fails with reason "cancelled". Work already
// committed is not rolled back: sync is resumable, not transactional.
func (o *Orchestrator) Cancel(jobID string) error {
	const op = "sync.cancel"

	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.byID[jobID]
	if !ok {
		return Errorf(KindNotFound, op, "no job %s", jobID)
	}
	if job.Status != JobPending && job.Status != JobRunning {
		return Errorf(KindValidation, op, "job %s is not running (status %s)", jobID, job.Status)
	}
	job.cancel()
	return nil
}

// ResetSyncState clears the stored continuation token for (user, calendar),
// forcing the next run to perform a full sync.
func (o *Orchestrator) ResetSyncState(ctx context.Context, userID, calendarID string) error {
	o.log.Info("resetting sync state", "user_id", userID, "calendar_id", calendarID)
	return o.states.ResetState(ctx, userID, calendarID)
}

// sweepLocked discards completed jobs past the retention window. Called
// under o.mu from the registry entry points, so cleanup cost stays bounded
// by registry size and no per-job timers accumulate.
func (o *Orchestrator) sweepLocked() {
	cutoff := o.now().UTC().Add(-o.retainFor)
	for id, job := range o.byID {
		if job.Status != JobCompleted && job.Status != JobFailed {
			continue
		}
		if job.EndTime.After(cutoff) {
			continue
		}
		delete(o.byID, id)
		if o.byUser[job.UserID] == job {
			delete(o.byUser, job.UserID)
		}
	}
}

// addProgress bumps the job's progress counters under the registry lock.
func (o *Orchestrator) addProgress(job *Job, total, processed int) {
	o.mu.Lock()
	job.Progress.Total += total
	job.Progress.Processed += processed
	o.mu.Unlock()
}
