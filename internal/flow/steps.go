package flow

import (
	"slices"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// Action names an engine operation subject to the per-step policy.
type Action string

const (
	ActionSelectLanguage Action = "select_language"
	ActionSubmitTurn     Action = "submit_turn"
	ActionSelectIDType   Action = "select_id_type"
	ActionConfirm        Action = "confirm_verification"
	ActionRetry          Action = "retry_verification"
	ActionReset          Action = "reset"
)

// actions lists every action in display order.
var actions = []Action{
	ActionSelectLanguage,
	ActionSubmitTurn,
	ActionSelectIDType,
	ActionConfirm,
	ActionRetry,
	ActionReset,
}

// actionSteps is the per-step access-control policy. Actions missing from the
// map are allowed in every step.
var actionSteps = map[Action][]models.Step{
	ActionSubmitTurn: {
		models.StepGreeting,
		models.StepAwaitingName,
		models.StepAwaitingIDUpload,
		models.StepVerified,
	},
	ActionSelectIDType: {models.StepAwaitingIDType},
	ActionConfirm:      {models.StepAwaitingConfirmation},
	ActionRetry:        {models.StepAwaitingConfirmation},
}

// Allowed reports whether the policy permits action in step.
func Allowed(step models.Step, action Action) bool {
	steps, restricted := actionSteps[action]
	if !restricted {
		return true
	}
	return slices.Contains(steps, step)
}

// transitions is the state table. Reset and language change return to
// GREETING outside of it.
var transitions = map[models.Step][]models.Step{
	models.StepGreeting:             {models.StepAwaitingName},
	models.StepAwaitingName:         {models.StepAwaitingIDType},
	models.StepAwaitingIDType:       {models.StepAwaitingIDUpload},
	models.StepAwaitingIDUpload:     {models.StepAwaitingConfirmation, models.StepAwaitingIDUpload},
	models.StepAwaitingConfirmation: {models.StepVerified, models.StepAwaitingIDUpload},
	models.StepVerified:             nil,
}

// CanTransition reports whether from -> to is an edge of the state table.
func CanTransition(from, to models.Step) bool {
	return slices.Contains(transitions[from], to)
}

// nextStepAfterTurn is the step reached after a successful streamed turn.
func nextStepAfterTurn(step models.Step) models.Step {
	switch step {
	case models.StepGreeting:
		return models.StepAwaitingName
	case models.StepAwaitingName:
		return models.StepAwaitingIDType
	}
	return step
}
