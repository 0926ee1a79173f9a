package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// eventBuffer is how many notifications a slow SSE client may lag behind
// before notifications are dropped. Every event carries a full snapshot, so a
// dropped one is recovered by the next.
const eventBuffer = 64

// snapshotEvent is the SSE event type sent when a client connects.
const snapshotEvent = "snapshot"

type eventPayload struct {
	Type         string          `json:"type"`
	Step         models.Step     `json:"step,omitempty"`
	PreviousStep models.Step     `json:"previous_step,omitempty"`
	Message      *models.Message `json:"message,omitempty"`
	Busy         bool            `json:"busy"`
	Action       string          `json:"action,omitempty"`
	Error        string          `json:"error,omitempty"`
	Outcome      string          `json:"outcome,omitempty"`
	Snapshot     flow.Snapshot   `json:"snapshot"`
}

func newEventPayload(ev flow.Event, snap flow.Snapshot) eventPayload {
	p := eventPayload{
		Type:         string(ev.Type),
		Step:         ev.Step,
		PreviousStep: ev.PreviousStep,
		Message:      ev.Message,
		Busy:         ev.Busy,
		Action:       string(ev.Action),
		Outcome:      string(ev.Outcome),
		Snapshot:     snap,
	}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}
	return p
}

// eventsHandler streams engine notifications as Server-Sent Events until the
// client disconnects.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Streaming unsupported"))
		return
	}

	events := make(chan flow.Event, eventBuffer)
	unsubscribe := e.Subscribe(flow.ObserverFunc(func(ev flow.Event) {
		if !forwardable(ev) {
			return
		}
		select {
		case events <- ev:
		default:
			slog.Warn("Server.eventsHandler: client lagging, dropping event", "sessionID", ev.SessionID, "type", ev.Type)
		}
	}))
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snap := e.Snapshot()
	if err := writeSSE(w, snapshotEvent, eventPayload{Type: snapshotEvent, Step: snap.Step, Busy: snap.Busy, Snapshot: snap}); err != nil {
		return
	}
	flusher.Flush()
	slog.Debug("Server.eventsHandler: client subscribed", "sessionID", e.SessionID())

	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			slog.Debug("Server.eventsHandler: client disconnected", "sessionID", e.SessionID())
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			if err := writeSSE(w, string(ev.Type), newEventPayload(ev, e.Snapshot())); err != nil {
				slog.Debug("Server.eventsHandler: write failed", "sessionID", e.SessionID(), "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// forwardable reports whether ev is sent to SSE clients. Rejected actions
// leave the session untouched and are only logged and counted.
func forwardable(ev flow.Event) bool {
	return ev.Type != flow.EventActionRejected
}

func writeSSE(w http.ResponseWriter, event string, payload eventPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Server.writeSSE: failed to marshal event", "event", event, "error", err)
		return nil
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
