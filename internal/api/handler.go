// Package api exposes the sync engine over HTTP: job control, sync status
// and history, and the conflict-resolution surface.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/njoerd114/calrelay/internal/model"
	"github.com/njoerd114/calrelay/internal/sync"
)

// Handler binds the orchestrator to HTTP routes.
type Handler struct {
	orch      *sync.Orchestrator
	gateway   sync.RemoteGateway
	validator *validator.Validate
	log       *slog.Logger
}

// New creates a Handler. The gateway is used only for calendar discovery;
// all sync operations go through the orchestrator.
func New(orch *sync.Orchestrator, gateway sync.RemoteGateway, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		orch:      orch,
		gateway:   gateway,
		validator: validator.New(),
		log:       log,
	}
}

// Router builds the route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.Health).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/users/{userID}/sync", h.StartSync).Methods("POST")
	api.HandleFunc("/users/{userID}/sync/status", h.SyncStatus).Methods("GET")
	api.HandleFunc("/users/{userID}/sync/history", h.SyncHistory).Methods("GET")
	api.HandleFunc("/users/{userID}/sync/reset", h.ResetSync).Methods("POST")
	api.HandleFunc("/users/{userID}/calendars", h.ListCalendars).Methods("GET")
	api.HandleFunc("/users/{userID}/conflicts", h.PendingConflicts).Methods("GET")
	api.HandleFunc("/users/{userID}/conflicts/stats", h.ConflictStats).Methods("GET")
	api.HandleFunc("/jobs/{jobID}", h.JobStatus).Methods("GET")
	api.HandleFunc("/jobs/{jobID}", h.CancelJob).Methods("DELETE")
	api.HandleFunc("/conflicts/{conflictID}/resolve", h.ResolveConflict).Methods("POST")
	api.HandleFunc("/conflicts/{conflictID}/auto-resolve", h.AutoResolveConflict).Methods("POST")
	return r
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startSyncRequest struct {
	Direction   string     `json:"direction" validate:"omitempty,oneof=pull push bidirectional"`
	CalendarID  string     `json:"calendar_id"`
	Strategy    string     `json:"strategy" validate:"omitempty,oneof=prefer_local prefer_remote prefer_latest merge manual"`
	ForceFull   bool       `json:"force_full"`
	WindowStart *time.Time `json:"window_start"`
	WindowEnd   *time.Time `json:"window_end"`
}

// StartSync launches a sync job for the user. Responds 202 with the job
// snapshot, or 409 when a job is already running for the user.
func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	var req startSyncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := sync.Options{
		Direction:  model.Direction(req.Direction),
		CalendarID: req.CalendarID,
		Strategy:   model.Strategy(req.Strategy),
		ForceFull:  req.ForceFull,
	}
	if req.WindowStart != nil {
		opts.WindowStart = *req.WindowStart
	}
	if req.WindowEnd != nil {
		opts.WindowEnd = *req.WindowEnd
	}

	job, err := h.orch.StartSync(r.Context(), userID, opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// JobStatus returns the current snapshot of a job.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.orch.Status(mux.Vars(r)["jobID"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob requests cancellation of a running job.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Cancel(mux.Vars(r)["jobID"]); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "cancellation requested"})
}

// SyncStatus returns the user's active job (if any) and last persisted state.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	calendarID := r.URL.Query().Get("calendar_id")

	status, err := h.orch.SyncStatus(r.Context(), userID, calendarID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// SyncHistory returns past run snapshots, newest first.
func (h *Handler) SyncHistory(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	history, err := h.orch.History(r.Context(), userID, limit, offset)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if history == nil {
		history = []*model.SyncState{}
	}
	writeJSON(w, http.StatusOK, history)
}

// ResetSync clears the continuation token so the next run is a full sync.
func (h *Handler) ResetSync(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	calendarID := r.URL.Query().Get("calendar_id")

	if err := h.orch.ResetSyncState(r.Context(), userID, calendarID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "sync state reset"})
}

// ListCalendars returns the calendars visible to the user on the remote
// service.
func (h *Handler) ListCalendars(w http.ResponseWriter, r *http.Request) {
	calendars, err := h.gateway.ListCalendars(r.Context(), mux.Vars(r)["userID"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if calendars == nil {
		calendars = []sync.Calendar{}
	}
	writeJSON(w, http.StatusOK, calendars)
}

// PendingConflicts returns the user's unresolved conflicts, oldest first.
func (h *Handler) PendingConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.orch.PendingConflicts(r.Context(), mux.Vars(r)["userID"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*model.SyncConflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

// ConflictStats summarises the user's recent conflicts. The window defaults
// to 30 days.
func (h *Handler) ConflictStats(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	days := queryInt(r, "days", 0)

	stats, err := h.orch.ConflictStats(r.Context(), userID, days)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type resolveConflictRequest struct {
	Resolution   string          `json:"resolution" validate:"required,oneof=prefer_local prefer_remote merged"`
	ResolvedData json.RawMessage `json:"resolved_data"`
}

// ResolveConflict applies a caller-chosen resolution to a pending conflict.
// A "merged" resolution requires the merged event in resolved_data.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	conflictID := mux.Vars(r)["conflictID"]

	var req resolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	record, err := h.orch.ResolveConflict(r.Context(), conflictID, model.Resolution(req.Resolution), req.ResolvedData)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// AutoResolveConflict resolves a pending conflict with the suggested
// strategy. Responds 422 when the suggestion is manual review.
func (h *Handler) AutoResolveConflict(w http.ResponseWriter, r *http.Request) {
	record, err := h.orch.AutoResolveConflict(r.Context(), mux.Vars(r)["conflictID"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (h *Handler) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		h.log.Info("HTTP server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
