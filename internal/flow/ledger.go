package flow

import (
	"log/slog"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// TransitionRecorder persists step transitions.
type TransitionRecorder interface {
	AddTransition(t models.StepTransition) error
}

// NewTransitionLedger returns an observer that writes every step change and
// reset to rec. Recording errors are logged and otherwise ignored so that a
// failing store never blocks the conversation.
func NewTransitionLedger(rec TransitionRecorder) Observer {
	return ObserverFunc(func(ev Event) {
		if ev.Type != EventStepChanged && ev.Type != EventReset {
			return
		}
		t := models.StepTransition{
			SessionID: ev.SessionID,
			FromStep:  ev.PreviousStep,
			ToStep:    ev.Step,
			Time:      ev.Time.Unix(),
		}
		if err := rec.AddTransition(t); err != nil {
			slog.Error("TransitionLedger: failed to record transition", "sessionID", ev.SessionID, "from", t.FromStep, "to", t.ToStep, "error", err)
		}
	})
}
