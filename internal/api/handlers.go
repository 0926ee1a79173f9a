package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/go-chi/chi/v5"
)

type languageRequest struct {
	Language string `json:"language"`
}

type turnRequest struct {
	Text string `json:"text"`
}

type idTypeRequest struct {
	IDType string `json:"id_type"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"sessions": s.sessions.Len(),
	}))
}

func (s *Server) languagesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.sessions.Catalog().Languages()))
}

func (s *Server) stringsHandler(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	strs, err := s.sessions.Catalog().Strings(code)
	if err != nil {
		slog.Warn("Server.stringsHandler: unknown language", "code", code)
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(strs))
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.store.GetReceipts()
	if err != nil {
		slog.Error("Server.receiptsHandler: failed to load receipts", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load receipts"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req languageRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			slog.Warn("Server.createSessionHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	}
	if req.Language != "" {
		// Validate before creating so that a bad code leaves no session behind
		if _, err := s.sessions.Catalog().Language(req.Language); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
	}

	e := s.sessions.Create()
	slog.Info("Server.createSessionHandler: session created", "sessionID", e.SessionID(), "language", req.Language)
	if req.Language == "" {
		writeJSONResponse(w, http.StatusCreated, models.Success(e.Snapshot()))
		return
	}
	if err := e.SelectLanguage(detach(r), req.Language); err != nil {
		writeEngineResult(w, e, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(e.Snapshot()))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(e.Snapshot()))
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Delete(id); err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) transitionsHandler(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	transitions, err := s.store.GetTransitions(e.SessionID())
	if err != nil {
		slog.Error("Server.transitionsHandler: failed to load transitions", "sessionID", e.SessionID(), "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load transitions"))
		return
	}
	if transitions == nil {
		transitions = []models.StepTransition{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(transitions))
}

func (s *Server) languageHandler(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req languageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Language == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: language"))
		return
	}
	writeEngineResult(w, e, e.SelectLanguage(detach(r), req.Language))
}

func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	text, att, err := parseTurn(w, r)
	if err != nil {
		slog.Warn("Server.turnHandler: invalid turn request", "sessionID", e.SessionID(), "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	writeEngineResult(w, e, e.SubmitTurn(detach(r), text, att))
}

func (s *Server) idTypeHandler(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req idTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	kind, err := models.ParseIDKind(req.IDType)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	writeEngineResult(w, e, e.SelectIDType(detach(r), kind))
}

func (s *Server) confirmHandler(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeEngineResult(w, e, e.ConfirmVerification(detach(r)))
}

func (s *Server) retryHandler(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeEngineResult(w, e, e.RetryVerification(detach(r)))
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeEngineResult(w, e, e.Reset(detach(r)))
}

// lookup resolves the {id} path parameter and writes 404 when it is unknown.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*flow.Engine, bool) {
	id := chi.URLParam(r, "id")
	e, err := s.sessions.Get(id)
	if err != nil {
		slog.Debug("Server.lookup: session not found", "sessionID", id)
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return nil, false
	}
	return e, true
}

// detach keeps engine operations running when the client goes away, so a
// turn is never left half-committed.
func detach(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// parseTurn reads a turn from a JSON body or a multipart form with optional
// "text" and "file" fields.
func parseTurn(w http.ResponseWriter, r *http.Request) (string, *models.Attachment, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req turnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", nil, fmt.Errorf("invalid JSON format")
		}
		return req.Text, nil, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		return "", nil, fmt.Errorf("invalid multipart form: %w", err)
	}
	text := r.FormValue("text")

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return text, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("invalid file field: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read upload: %w", err)
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return text, &models.Attachment{Name: header.Filename, MIMEType: mimeType, Data: data}, nil
}
