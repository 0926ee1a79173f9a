// Package twiliowhatsapp wraps the Twilio API for WhatsApp integration in OnboardPipe.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// MaxMediaBytes caps downloaded inbound media.
const MaxMediaBytes = 10 << 20

// WhatsAppPrefix marks WhatsApp addresses in Twilio's To/From fields.
const WhatsAppPrefix = "whatsapp:"

// TwilioWhatsAppSender sends messages and fetches inbound media through Twilio.
type TwilioWhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
	FetchMedia(ctx context.Context, url string) ([]byte, string, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
// This focuses solely on Twilio API requirements
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
	HTTPClient *http.Client
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number, with or without the
// "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithHTTPClient sets the client used for media downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client     *twilio.RestClient
	fromWhats  string // WhatsApp number in "whatsapp:+1234567890" format
	accountSID string
	authToken  string
	http       *http.Client
}

// NewClient creates a Twilio client. Missing options fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	// Fallback to environment variables if not provided via options
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:     client,
		fromWhats:  WithPrefix(cfg.FromWhats),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		http:       cfg.HTTPClient,
	}, nil
}

// WithPrefix returns addr in "whatsapp:+123" form.
func WithPrefix(addr string) string {
	if strings.HasPrefix(addr, WhatsAppPrefix) {
		return addr
	}
	return WhatsAppPrefix + addr
}

// StripPrefix removes the "whatsapp:" marker from addr.
func StripPrefix(addr string) string {
	return strings.TrimPrefix(addr, WhatsAppPrefix)
}

// SendMessage sends a WhatsApp message using Twilio API
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WithPrefix(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio message sent", "to", to, "sid", sid)
	return nil
}

// FetchMedia downloads an inbound media URL with the account credentials and
// returns its bytes and content type.
func (c *Client) FetchMedia(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build media request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch media: unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if len(data) > MaxMediaBytes {
		return nil, "", fmt.Errorf("media exceeds %d bytes", MaxMediaBytes)
	}
	slog.Debug("Twilio media fetched", "bytes", len(data), "contentType", resp.Header.Get("Content-Type"))
	return data, resp.Header.Get("Content-Type"), nil
}

// MockClient records sent messages and serves media from memory (for tests).
type MockClient struct {
	SentMessages []SentMessage
	Media        map[string]MockMedia
	SendErr      error
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// MockMedia is a media body served by MockClient.FetchMedia.
type MockMedia struct {
	Data        []byte
	ContentType string
}

func NewMockClient() *MockClient {
	return &MockClient{
		SentMessages: []SentMessage{},
		Media:        map[string]MockMedia{},
	}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) FetchMedia(ctx context.Context, url string) ([]byte, string, error) {
	media, ok := m.Media[url]
	if !ok {
		return nil, "", fmt.Errorf("fetch media: unexpected status 404 Not Found")
	}
	return media.Data, media.ContentType, nil
}
