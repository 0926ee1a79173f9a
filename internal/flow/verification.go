package flow

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BTreeMap/OnboardPipe/internal/genai"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

var errNoAttachmentData = errors.New("attachment has no data")

// extract runs document analysis on an uploaded attachment. A valid document
// stores the extracted data, appends the confirmation message and moves to
// AWAITING_CONFIRMATION in one update. An invalid one appends the rejection
// and stays in AWAITING_ID_UPLOAD.
func (e *Engine) extract(ctx context.Context, tc turnContext, att *models.Attachment) error {
	if len(att.Data) == 0 {
		return e.extractionFailed(tc, errNoAttachmentData)
	}
	if !genai.SupportsAttachment(att.MIMEType) {
		slog.Info("Engine.extract: unsupported file type", "sessionID", e.sessionID, "mimeType", att.MIMEType)
		e.appendMessage(models.SenderBot, tc.strs.UnsupportedFile, nil)
		e.emit(Event{Type: EventExtraction, Outcome: ExtractionInvalid, Step: models.StepAwaitingIDUpload})
		return nil
	}
	content := genai.Content{
		Text:        documentAnalysisInstruction(tc.lang),
		Attachments: []genai.InlineData{{Name: att.Name, MIMEType: att.MIMEType, Data: att.Data}},
	}
	raw, err := e.gateway.StructuredGenerate(ctx, content, tc.persona, DocumentSchema())
	if err != nil {
		return e.extractionFailed(tc, err)
	}
	result, err := ParseExtraction(raw, tc.strs)
	if err != nil {
		return e.extractionFailed(tc, err)
	}

	switch r := result.(type) {
	case ValidDocument:
		data := r.Data
		e.mu.Lock()
		if e.step != models.StepAwaitingIDUpload {
			e.mu.Unlock()
			return ErrInvalidTransition
		}
		msg := e.transcript.Append(models.SenderBot, r.ConfirmationMessage, nil, e.now())
		e.step = models.StepAwaitingConfirmation
		e.extracted = &data
		e.mu.Unlock()

		slog.Info("Engine.extract: document accepted", "sessionID", e.sessionID)
		e.emit(
			Event{Type: EventMessageAppended, Message: &msg, Step: models.StepAwaitingConfirmation},
			Event{Type: EventExtraction, Outcome: ExtractionValid, Step: models.StepAwaitingConfirmation},
			Event{Type: EventStepChanged, PreviousStep: models.StepAwaitingIDUpload, Step: models.StepAwaitingConfirmation},
		)
	case InvalidDocument:
		slog.Info("Engine.extract: document rejected", "sessionID", e.sessionID)
		e.appendMessage(models.SenderBot, r.RejectionMessage, nil)
		e.emit(Event{Type: EventExtraction, Outcome: ExtractionInvalid, Step: models.StepAwaitingIDUpload})
	}
	return nil
}

func (e *Engine) extractionFailed(tc turnContext, cause error) error {
	e.emit(Event{Type: EventExtraction, Outcome: ExtractionFailed, Step: tc.step})
	return e.fail(tc, ErrExtractionFailed, cause)
}
