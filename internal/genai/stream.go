package genai

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// StreamGenerate streams a chat completion. Increments are forwarded in the
// order they arrive; an upstream error is sent as the final event.
func (c *Client) StreamGenerate(ctx context.Context, history []Turn, content Content, systemInstruction string) (<-chan StreamEvent, error) {
	messages, err := buildMessages(history, content, systemInstruction)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "genai.StreamGenerate")
	span.SetAttributes(
		attribute.String("genai.model", c.model),
		attribute.Int("genai.history_turns", len(history)),
	)

	slog.Debug("Client.StreamGenerate: starting stream", "model", c.model, "historyTurns", len(history))
	stream := c.chat.NewStreaming(ctx, c.baseParams(messages))

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer span.End()
		defer stream.Close()

		send := func(ev StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		increments := 0
		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				increments++
				if !send(StreamEvent{Delta: choice.Delta.Content}) {
					span.SetStatus(codes.Error, "context cancelled")
					slog.Debug("Client.StreamGenerate: consumer gone, stopping stream", "increments", increments)
					return
				}
			}
		}
		span.SetAttributes(attribute.Int("genai.increments", increments))

		if err := stream.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Client.StreamGenerate: stream failed", "error", err, "increments", increments)
			send(StreamEvent{Err: fmt.Errorf("stream completion: %w", err)})
			return
		}
		slog.Debug("Client.StreamGenerate: stream completed", "increments", increments)
	}()
	return events, nil
}
