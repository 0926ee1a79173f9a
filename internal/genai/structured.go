package genai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// StructuredGenerate performs a single completion whose body is constrained
// to the given JSON schema and returns the raw body.
func (c *Client) StructuredGenerate(ctx context.Context, content Content, systemInstruction string, schema Schema) (string, error) {
	messages, err := buildMessages(nil, content, systemInstruction)
	if err != nil {
		return "", err
	}

	ctx, span := tracer.Start(ctx, "genai.StructuredGenerate")
	defer span.End()
	span.SetAttributes(
		attribute.String("genai.model", c.model),
		attribute.String("genai.schema", schema.Name),
		attribute.Int("genai.attachments", len(content.Attachments)),
	)

	params := c.baseParams(messages)
	jsonSchema := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:   schema.Name,
		Schema: schema.Definition,
		Strict: openai.Bool(false),
	}
	if schema.Description != "" {
		jsonSchema.Description = openai.String(schema.Description)
	}
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{JSONSchema: jsonSchema},
	}

	slog.Debug("Client.StructuredGenerate: requesting completion", "model", c.model, "schema", schema.Name)
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Client.StructuredGenerate: completion failed", "error", err)
		return "", fmt.Errorf("structured completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, ErrNoChoicesReturned.Error())
		return "", ErrNoChoicesReturned
	}

	msg := resp.Choices[0].Message
	if msg.Refusal != "" {
		span.SetStatus(codes.Error, ErrRefusal.Error())
		slog.Warn("Client.StructuredGenerate: model refused", "refusalLength", len(msg.Refusal))
		return "", fmt.Errorf("%w: %s", ErrRefusal, msg.Refusal)
	}
	slog.Debug("Client.StructuredGenerate: completion received", "bodyLength", len(msg.Content))
	return msg.Content, nil
}
