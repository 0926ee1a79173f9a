package flow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/OnboardPipe/internal/genai"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// stream runs the streaming protocol: once the gateway accepts the call an
// empty bot placeholder is appended and its text is replaced with the full
// accumulated reply after every increment. On failure the partial text stays
// in the transcript.
func (e *Engine) stream(ctx context.Context, tc turnContext, history []genai.Turn, instruction string) (string, error) {
	events, err := e.gateway.StreamGenerate(ctx, history, genai.Content{Text: instruction}, tc.persona)
	if err != nil {
		return "", err
	}

	placeholder := e.appendMessage(models.SenderBot, "", nil)
	var acc strings.Builder
	increments := 0
	for ev := range events {
		if ev.Err != nil {
			go drain(events)
			slog.Warn("Engine.stream: stream failed", "sessionID", e.sessionID, "increments", increments, "error", ev.Err)
			return acc.String(), ev.Err
		}
		increments++
		acc.WriteString(ev.Delta)
		if err := e.replaceMessage(placeholder.ID, acc.String()); err != nil {
			go drain(events)
			return acc.String(), err
		}
	}
	if err := ctx.Err(); err != nil {
		return acc.String(), err
	}
	slog.Debug("Engine.stream: stream completed", "sessionID", e.sessionID, "increments", increments, "length", acc.Len())
	return acc.String(), nil
}

func drain(events <-chan genai.StreamEvent) {
	for range events {
	}
}
