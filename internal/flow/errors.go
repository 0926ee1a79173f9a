package flow

import (
	"errors"

	"github.com/BTreeMap/OnboardPipe/internal/locale"
)

// Rejections. An operation failing with one of these had no effect.
var (
	ErrBusy               = errors.New("engine is busy")
	ErrActionNotAllowed   = errors.New("action not allowed in current step")
	ErrNoLanguage         = errors.New("no language selected")
	ErrGatewayUnavailable = errors.New("model gateway unavailable")
	ErrEmptyTurn          = errors.New("turn has neither text nor attachment")
	ErrUnknownLanguage    = locale.ErrUnknownLanguage
	ErrInvalidIDKind      = errors.New("invalid id kind")
)

// Turn failures. The engine has already appended a generic failure message to
// the transcript when one of these is returned.
var (
	ErrGenerationFailed = errors.New("generation failed")
	ErrExtractionFailed = errors.New("extraction failed")
)

// ErrInvalidTransition indicates a step change outside the state table.
var ErrInvalidTransition = errors.New("invalid step transition")

// IsRejection reports whether err means the operation was refused without
// touching engine state.
func IsRejection(err error) bool {
	return errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrActionNotAllowed) ||
		errors.Is(err, ErrNoLanguage) ||
		errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, ErrEmptyTurn) ||
		errors.Is(err, ErrUnknownLanguage) ||
		errors.Is(err, ErrInvalidIDKind)
}
