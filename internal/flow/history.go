package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/OnboardPipe/internal/genai"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// RenderText returns the model-facing text of a message. Attachments are
// replaced by a marker naming the file.
func RenderText(msg models.Message) string {
	if msg.Attachment == nil {
		return msg.Text
	}
	return strings.TrimRight(fmt.Sprintf("[User uploaded file: %s] %s", msg.Attachment.Name, msg.Text), " ")
}

// ProjectHistory converts transcript messages to model history. Bot messages
// left empty by a zero-increment stream are omitted.
func ProjectHistory(messages []models.Message) []genai.Turn {
	turns := make([]genai.Turn, 0, len(messages))
	for _, msg := range messages {
		role := genai.RoleUser
		if msg.Sender == models.SenderBot {
			if msg.Text == "" {
				continue
			}
			role = genai.RoleAssistant
		}
		turns = append(turns, genai.Turn{Role: role, Text: RenderText(msg)})
	}
	return turns
}
