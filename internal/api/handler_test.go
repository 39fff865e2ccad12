package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/calrelay/internal/model"
	"github.com/njoerd114/calrelay/internal/remote"
	"github.com/njoerd114/calrelay/internal/store"
	"github.com/njoerd114/calrelay/internal/sync"
)

// fakeGateway is an in-memory RemoteGateway. The optional block channel
// makes FetchDeltaPage stall until closed, for testing concurrent jobs.
type fakeGateway struct {
	pages []sync.DeltaPage
	block chan struct{}
}

func (f *fakeGateway) FetchDeltaPage(ctx context.Context, _, _, _ string) (*sync.DeltaPage, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(f.pages) == 0 {
		return &sync.DeltaPage{ContinuationToken: "delta-0"}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return &page, nil
}

func (f *fakeGateway) CreateEvent(context.Context, string, *model.CalendarEvent) (string, string, error) {
	return "remote-new", "v1", nil
}

func (f *fakeGateway) UpdateEvent(context.Context, string, *model.CalendarEvent) (string, error) {
	return "v2", nil
}

func (f *fakeGateway) DeleteEvent(context.Context, string, string, string) error { return nil }

func (f *fakeGateway) ListCalendars(context.Context, string) ([]sync.Calendar, error) {
	return []sync.Calendar{{ID: "work", Name: "Work", Primary: true}}, nil
}

func newTestHandler(t *testing.T, gw sync.RemoteGateway, creds sync.CredentialProvider) *Handler {
	t.Helper()
	log := slog.New(slog.DiscardHandler)

	st, err := store.Open(filepath.Join(t.TempDir(), "api-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	orch := sync.NewOrchestrator(sync.OrchestratorConfig{
		Fetcher:     sync.NewDeltaFetcher(gw, time.Second, 10, log),
		Resolver:    sync.NewResolver(0, log),
		Events:      st,
		States:      st,
		Conflicts:   st,
		Credentials: creds,
		Gateway:     gw,
		Logger:      log,
	})
	return New(orch, gw, log)
}

func doRequest(h *Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, &fakeGateway{}, remote.StaticCredentials{Token: "x"})
	rec := doRequest(h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartSync_InvalidDirection(t *testing.T) {
	h := newTestHandler(t, &fakeGateway{}, remote.StaticCredentials{Token: "x"})
	rec := doRequest(h, http.MethodPost, "/api/v1/users/alice/sync",
		map[string]string{"direction": "sideways"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartSync_NoCredentials(t *testing.T) {
	h := newTestHandler(t, &fakeGateway{}, remote.StaticCredentials{})
	rec := doRequest(h, http.MethodPost, "/api/v1/users/alice/sync", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartSync_RunsToCompletion(t *testing.T) {
	now := time.Now().UTC()
	gw := &fakeGateway{pages: []sync.DeltaPage{{
		Events: []model.RemoteEvent{{
			ID:           "ev-1",
			Subject:      "Planning",
			Start:        now.Add(time.Hour),
			End:          now.Add(2 * time.Hour),
			CreatedAt:    now,
			LastModified: now,
		}},
		ContinuationToken: "delta-1",
	}}}
	h := newTestHandler(t, gw, remote.StaticCredentials{Token: "x"})

	rec := doRequest(h, http.MethodPost, "/api/v1/users/alice/sync",
		map[string]string{"direction": "pull"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.ID)

	// The job runs asynchronously; poll until it finishes.
	require.Eventually(t, func() bool {
		rec := doRequest(h, http.MethodGet, "/api/v1/jobs/"+resp.Data.ID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var job struct {
			Data struct {
				Status string `json:"status"`
			} `json:"data"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
			return false
		}
		return job.Data.Status == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	// The pulled event is now visible via sync status.
	rec = doRequest(h, http.MethodGet, "/api/v1/users/alice/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Data struct {
			Active bool `json:"active"`
			State  *struct {
				SyncedEvents int `json:"synced_events"`
			} `json:"state"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Data.Active)
	require.NotNil(t, status.Data.State)
	assert.Equal(t, 1, status.Data.State.SyncedEvents)
}

func TestStartSync_SecondJobConflicts(t *testing.T) {
	block := make(chan struct{})
	gw := &fakeGateway{block: block}
	h := newTestHandler(t, gw, remote.StaticCredentials{Token: "x"})

	rec := doRequest(h, http.MethodPost, "/api/v1/users/alice/sync", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Same user again while the first job is stalled on the gateway.
	rec = doRequest(h, http.MethodPost, "/api/v1/users/alice/sync", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// A different user is unaffected.
	rec = doRequest(h, http.MethodPost, "/api/v1/users/bob/sync", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	close(block)
}

func TestJobStatus_Unknown(t *testing.T) {
	h := newTestHandler(t, &fakeGateway{}, remote.StaticCredentials{Token: "x"})
	rec := doRequest(h, http.MethodGet, "/api/v1/jobs/no-such-job", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob_Unknown(t *testing.T) {
	h := newTestHandler(t, &fakeGateway{}, remote.StaticCredentials{Token: "x"})
	rec := doRequest(h, http.MethodDelete, "/api/v1/jobs/no-such-job", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncHistory_EmptyIsOK(t *testing.T) {
	h := newTestHandler(t, &fakeGateway{}, remote.StaticCredentials{Token: "x"})
	rec := doRequest(h, http.MethodGet, "/api/v1/users/alice/sync/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Data)
}

func TestResetSync(t *testing.T) {
	h := newTestHandler(t, &fakeGateway{}, remote.StaticCredentials{Token: "x"})
	rec := doRequest(h, http.MethodPost, "/api/v1/users/alice/sync/reset", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListCalendars(t *testing.T) {
	h := newTestHandler(t, &fakeGateway{}, remote.StaticCredentials{Token: "x"})
	rec := doRequest(h, http.MethodGet, "/api/v1/users/alice/calendars", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []sync.Calendar `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "work", resp.Data[0].ID)
}

func TestPendingConflicts_EmptyIsOK(t *testing.T) {
	h := newTestHandler(t, &fakeGateway{}, remote.StaticCredentials{Token: "x"})
	rec := doRequest(h, http.MethodGet, "/api/v1/users/alice/conflicts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Data)
}

func TestConflictStats(t *testing.T) {
	h := newTestHandler(t, &fakeGateway{}, remote.StaticCredentials{Token: "x"})
	rec := doRequest(h, http.MethodGet, "/api/v1/users/alice/conflicts/stats?days=7", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Total int `json:"total"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.Data.Total)
}

func TestResolveConflict_Validation(t *testing.T) {
	h := newTestHandler(t, &fakeGateway{}, remote.StaticCredentials{Token: "x"})

	// Missing resolution.
	rec := doRequest(h, http.MethodPost, "/api/v1/conflicts/c1/resolve", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unsupported resolution value.
	rec = doRequest(h, http.MethodPost, "/api/v1/conflicts/c1/resolve",
		map[string]string{"resolution": "coin_flip"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Valid value but unknown conflict.
	rec = doRequest(h, http.MethodPost, "/api/v1/conflicts/c1/resolve",
		map[string]string{"resolution": "prefer_local"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAutoResolveConflict_Unknown(t *testing.T) {
	h := newTestHandler(t, &fakeGateway{}, remote.StaticCredentials{Token: "x"})
	rec := doRequest(h, http.MethodPost, "/api/v1/conflicts/nope/auto-resolve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
