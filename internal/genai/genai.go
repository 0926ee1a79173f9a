// Package genai provides model access for the onboarding conversation using
// the OpenAI chat completions API.
package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o-mini"
	// DefaultTemperature keeps replies short and on-script.
	DefaultTemperature = 0.4

	tracerName = "github.com/BTreeMap/OnboardPipe/internal/genai"
)

var (
	ErrMissingAPIKey         = errors.New("OPENAI_API_KEY not set")
	ErrNoChoicesReturned     = errors.New("no choices returned")
	ErrRefusal               = errors.New("model refused the request")
	ErrUnsupportedAttachment = errors.New("unsupported attachment type")
)

// chunkStream is the subset of *ssestream.Stream used by the client.
type chunkStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

// chatService defines the minimal chat completions surface, so tests can
// replace the network client.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
	NewStreaming(ctx context.Context, params openai.ChatCompletionNewParams) chunkStream
}

type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return a.svc.New(ctx, params)
}

func (a completionsAdapter) NewStreaming(ctx context.Context, params openai.ChatCompletionNewParams) chunkStream {
	var stream *ssestream.Stream[openai.ChatCompletionChunk] = a.svc.NewStreaming(ctx, params)
	return stream
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// Client implements Gateway on top of OpenAI chat completions.
type Client struct {
	chat        chatService
	model       string
	temperature float64
}

var _ Gateway = (*Client)(nil)

// NewClient creates a client from options, falling back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Temperature: DefaultTemperature}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	slog.Debug("genai.NewClient: creating client", "model", cfg.Model, "baseURLSet", cfg.BaseURL != "")

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	return &Client{
		chat:        completionsAdapter{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

func (c *Client) baseParams(messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
}

// buildMessages renders the system instruction, history and new content as
// chat messages. Only the new content may carry inline attachments.
func buildMessages(history []Turn, content Content, systemInstruction string) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if strings.TrimSpace(systemInstruction) != "" {
		messages = append(messages, openai.SystemMessage(systemInstruction))
	}
	for _, turn := range history {
		switch turn.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Text))
		default:
			messages = append(messages, openai.UserMessage(turn.Text))
		}
	}

	if len(content.Attachments) == 0 {
		messages = append(messages, openai.UserMessage(content.Text))
		return messages, nil
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(content.Attachments)+1)
	if content.Text != "" {
		parts = append(parts, openai.TextContentPart(content.Text))
	}
	for _, att := range content.Attachments {
		switch {
		case strings.HasPrefix(att.MIMEType, "image/"):
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: dataURL(att),
			}))
		case att.MIMEType == mimePDF:
			name := att.Name
			if name == "" {
				name = "document.pdf"
			}
			parts = append(parts, openai.FileContentPart(openai.ChatCompletionContentPartFileFileParam{
				FileData: openai.String(dataURL(att)),
				Filename: openai.String(name),
			}))
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedAttachment, att.MIMEType)
		}
	}
	messages = append(messages, openai.UserMessage(parts))
	return messages, nil
}

const mimePDF = "application/pdf"

// SupportsAttachment reports whether a file of this MIME type can be sent to
// the model: images inline and PDF documents as file parts.
func SupportsAttachment(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/") || mimeType == mimePDF
}

func dataURL(d InlineData) string {
	return "data:" + d.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(d.Data)
}

var tracer trace.Tracer = otel.Tracer(tracerName)
