package sync

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/njoerd114/calrelay/internal/model"
)

const (
	// defaultMaxPages bounds how many pages one fetch may follow. A provider
	// that keeps returning next-page tokens past this is treated as broken.
	defaultMaxPages = 50

	// defaultCallTimeout bounds a single remote page fetch.
	defaultCallTimeout = 30 * time.Second
)

// FetchOptions tunes a single delta fetch.
type FetchOptions struct {
	// CalendarID scopes the fetch to one calendar.
	CalendarID string

	// MaxPages overrides the fetcher's page bound when positive.
	MaxPages int
}

// DeltaResult is the outcome of one exhausted delta fetch: every event from
// every page, concatenated in page order, plus the final page's token.
type DeltaResult struct {
	Events []model.RemoteEvent

	// ContinuationToken is the cursor to present on the next run.
	ContinuationToken string

	// FullEnumeration is true when the fetch started without a token.
	FullEnumeration bool
}

// DeltaFetcher wraps the remote provider's incremental-query protocol:
// it follows multi-page responses, classifies each returned event, and
// signals token invalidation as a distinct error kind so the caller can
// fall back to a full sync instead of retrying indefinitely.
type DeltaFetcher struct {
	gw          RemoteGateway
	log         *slog.Logger
	maxPages    int
	callTimeout time.Duration
	attempts    int
}

// NewDeltaFetcher creates a DeltaFetcher. Zero callTimeout and maxPages
// select the package defaults.
func NewDeltaFetcher(gw RemoteGateway, callTimeout time.Duration, maxPages int, logger *slog.Logger) *DeltaFetcher {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	return &DeltaFetcher{
		gw:          gw,
		log:         logger,
		maxPages:    maxPages,
		callTimeout: callTimeout,
		attempts:    defaultMaxAttempts,
	}
}

// pages returns a lazy iterator over delta pages starting from token.
// Pages are produced on demand, so memory use stays bounded regardless of
// batch size. The sequence is finite and not restartable mid-stream: each
// page's request depends on the token from the page before it.
func (f *DeltaFetcher) pages(ctx context.Context, userID, calendarID, token string, maxPages int) iter.Seq2[*DeltaPage, error] {
	const op = "delta.fetch_page"
	return func(yield func(*DeltaPage, error) bool) {
		next := token
		for page := 0; ; page++ {
			if page >= maxPages {
				yield(nil, Errorf(KindTransient, op, "exceeded page limit %d", maxPages))
				return
			}

			var dp *DeltaPage
			err := Retry(ctx, f.attempts, func() error {
				callCtx, cancel := context.WithTimeout(ctx, f.callTimeout)
				defer cancel()
				var ferr error
				dp, ferr = f.gw.FetchDeltaPage(callCtx, userID, calendarID, next)
				return ferr
			})
			if err != nil {
				yield(nil, err)
				return
			}

			f.log.Debug("delta page fetched",
				"user_id", userID,
				"calendar_id", calendarID,
				"page", page,
				"events", len(dp.Events),
				"has_next", dp.NextPageToken != "",
			)

			if !yield(dp, nil) {
				return
			}
			if dp.NextPageToken == "" {
				return
			}
			next = dp.NextPageToken
		}
	}
}

// FetchChanges fetches all changed, created, and deleted remote events since
// the given continuation token, exhausting every page before returning. An
// empty token performs an initial full enumeration to establish a token.
// The final page's continuation token is the single token result.
func (f *DeltaFetcher) FetchChanges(ctx context.Context, userID, token string, opts FetchOptions) (*DeltaResult, error) {
	maxPages := f.maxPages
	if opts.MaxPages > 0 {
		maxPages = opts.MaxPages
	}

	res := &DeltaResult{FullEnumeration: token == ""}
	for dp, err := range f.pages(ctx, userID, opts.CalendarID, token, maxPages) {
		if err != nil {
			return nil, err
		}
		for _, ev := range dp.Events {
			ev.Change = ev.Classify()
			res.Events = append(res.Events, ev)
		}
		if dp.ContinuationToken != "" {
			res.ContinuationToken = dp.ContinuationToken
		}
	}
	return res, nil
}

// FetchChangesInWindow behaves like FetchChanges but drops non-deleted
// events that do not overlap [start, end]. Deletion markers always pass
// through: a deletion must be applied even when the window no longer
// contains the event.
func (f *DeltaFetcher) FetchChangesInWindow(ctx context.Context, userID, token string, start, end time.Time, opts FetchOptions) (*DeltaResult, error) {
	res, err := f.FetchChanges(ctx, userID, token, opts)
	if err != nil {
		return nil, err
	}

	filtered := res.Events[:0]
	for _, ev := range res.Events {
		if ev.Change == model.ChangeDeleted || overlaps(ev, start, end) {
			filtered = append(filtered, ev)
		}
	}
	res.Events = filtered
	return res, nil
}

// SupportsIncrementalSync probes whether the provider can issue delta
// tokens for the user by attempting an initial enumeration. It never
// raises; failures are logged and reported as false.
func (f *DeltaFetcher) SupportsIncrementalSync(ctx context.Context, userID, calendarID string) bool {
	res, err := f.FetchChanges(ctx, userID, "", FetchOptions{CalendarID: calendarID})
	if err != nil {
		f.log.Warn("incremental sync probe failed",
			"user_id", userID,
			"calendar_id", calendarID,
			"error", err,
		)
		return false
	}
	return res.ContinuationToken != ""
}

// overlaps reports whether the event's [Start, End] intersects [start, end].
func overlaps(ev model.RemoteEvent, start, end time.Time) bool {
	return !ev.Start.After(end) && !ev.End.Before(start)
}
