package flow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// ErrNotReplaceable is returned when a replacement would rewrite a committed
// transcript entry.
var ErrNotReplaceable = errors.New("message is not replaceable")

// Transcript is the ordered record of a conversation. It is append-only except
// that the most recent bot message may grow in place while it is streamed.
// Transcript does no locking of its own; the owning engine serializes access.
type Transcript struct {
	messages []models.Message
	nextID   uint64
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Append adds a message and returns it with its assigned identity.
func (t *Transcript) Append(sender models.Sender, text string, att *models.AttachmentRef, at time.Time) models.Message {
	t.nextID++
	msg := models.Message{
		ID:         t.nextID,
		Text:       text,
		Sender:     sender,
		Attachment: att,
		CreatedAt:  at,
	}
	t.messages = append(t.messages, msg)
	return msg
}

// Replace swaps the text of the last message, which must be the bot message
// id, for text that extends it.
func (t *Transcript) Replace(id uint64, text string) (models.Message, error) {
	if len(t.messages) == 0 {
		return models.Message{}, fmt.Errorf("%w: transcript is empty", ErrNotReplaceable)
	}
	last := &t.messages[len(t.messages)-1]
	if last.ID != id || last.Sender != models.SenderBot {
		return models.Message{}, fmt.Errorf("%w: id %d is not the latest bot message", ErrNotReplaceable, id)
	}
	if !strings.HasPrefix(text, last.Text) {
		return models.Message{}, fmt.Errorf("%w: replacement for id %d does not extend current text", ErrNotReplaceable, id)
	}
	last.Text = text
	return *last, nil
}

// Messages returns a copy of the transcript.
func (t *Transcript) Messages() []models.Message {
	out := make([]models.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	return len(t.messages)
}

// Clear drops all messages. Identities keep counting from where they were.
func (t *Transcript) Clear() {
	t.messages = nil
}
