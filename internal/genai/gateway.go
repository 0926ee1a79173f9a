package genai

import "context"

// Role is the author of a history turn as seen by the model.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of model-facing conversation history. It carries only
// text; binary attachments are never replayed.
type Turn struct {
	Role Role
	Text string
}

// InlineData is binary content sent inline with a single request.
type InlineData struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Content is the new input for one model invocation.
type Content struct {
	Text        string
	Attachments []InlineData
}

// StreamEvent is one element of a streaming response. Exactly one of Delta or
// Err is meaningful; an event with Err is always the last one sent.
type StreamEvent struct {
	Delta string
	Err   error
}

// Schema constrains the body of a structured response. Definition must
// marshal to a JSON Schema document.
type Schema struct {
	Name        string
	Description string
	Definition  any
}

// Gateway is the model access used by the conversation engine.
type Gateway interface {
	// StreamGenerate starts a streaming generation. The returned channel
	// yields increments in order and is closed when the response completes.
	StreamGenerate(ctx context.Context, history []Turn, content Content, systemInstruction string) (<-chan StreamEvent, error)

	// StructuredGenerate returns one response body conforming to schema.
	StructuredGenerate(ctx context.Context, content Content, systemInstruction string, schema Schema) (string, error)
}
