package api

import (
	"encoding/json"
	"net/http"

	"github.com/njoerd114/calrelay/internal/sync"
)

// envelope is the uniform JSON response shape.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(envelope{
		Success: statusCode < 400,
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, statusCode int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error:   msg,
	})
}

// writeEngineError maps an engine error onto an HTTP status by its kind.
func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, statusForKind(sync.KindOf(err)), err.Error())
}

func statusForKind(kind sync.Kind) int {
	switch kind {
	case sync.KindNotAuthenticated:
		return http.StatusUnauthorized
	case sync.KindAlreadyRunning:
		return http.StatusConflict
	case sync.KindNotFound:
		return http.StatusNotFound
	case sync.KindValidation:
		return http.StatusBadRequest
	case sync.KindManualResolution:
		return http.StatusUnprocessableEntity
	case sync.KindTokenInvalid, sync.KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
