package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/session"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so that encoding errors surface before headers are written
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// statusForError maps engine and session errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, flow.ErrBusy),
		errors.Is(err, flow.ErrActionNotAllowed),
		errors.Is(err, flow.ErrNoLanguage):
		return http.StatusConflict
	case errors.Is(err, flow.ErrUnknownLanguage),
		errors.Is(err, flow.ErrEmptyTurn),
		errors.Is(err, flow.ErrInvalidIDKind):
		return http.StatusBadRequest
	case errors.Is(err, flow.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, flow.ErrGenerationFailed),
		errors.Is(err, flow.ErrExtractionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineResult answers an engine operation. Turn failures still carry
// the snapshot, since the transcript now holds the failure message.
func writeEngineResult(w http.ResponseWriter, e *flow.Engine, err error) {
	if err == nil {
		writeJSONResponse(w, http.StatusOK, models.Success(e.Snapshot()))
		return
	}
	status := statusForError(err)
	switch status {
	case http.StatusBadGateway:
		writeJSONResponse(w, status, models.ErrorWithResult(err.Error(), e.Snapshot()))
	case http.StatusInternalServerError:
		slog.Error("Server.writeEngineResult: unexpected engine error", "sessionID", e.SessionID(), "error", err)
		writeJSONResponse(w, status, models.Error("Internal server error"))
	default:
		writeJSONResponse(w, status, models.Error(err.Error()))
	}
}
