package flow

import (
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// EventType identifies a kind of engine notification.
type EventType string

const (
	EventMessageAppended EventType = "message_appended"
	EventMessageUpdated  EventType = "message_updated"
	EventStepChanged     EventType = "step_changed"
	EventBusyChanged     EventType = "busy_changed"
	EventReset           EventType = "reset"
	EventActionRejected  EventType = "action_rejected"
	EventExtraction      EventType = "extraction"
)

// Event describes one engine state change. Fields not relevant to Type are
// left zero.
type Event struct {
	Type         EventType
	SessionID    string
	Step         models.Step
	PreviousStep models.Step
	Message      *models.Message
	Busy         bool
	Action       Action
	Err          error
	Outcome      ExtractionOutcome
	Time         time.Time
}

// Observer receives engine events. Notify is called synchronously, outside
// the engine lock, in the order mutations happened.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Notify calls f(ev).
func (f ObserverFunc) Notify(ev Event) {
	f(ev)
}
