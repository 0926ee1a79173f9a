// Package telegram wraps the Telegram Bot API for OnboardPipe.
//
// It provides long-polling for updates, text and reply-keyboard messages, and
// downloads of photos and documents users send to the bot.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	// DefaultPollTimeout is the long-poll timeout in seconds.
	DefaultPollTimeout = 60
	// MaxFileBytes caps downloaded files.
	MaxFileBytes = 10 << 20
	// keyboardColumns is how many reply buttons share a row.
	keyboardColumns = 2
)

// Bot is the subset of the Bot API used by the Telegram channel.
type Bot interface {
	SendMessage(ctx context.Context, chatID int64, body string) error
	SendOptions(ctx context.Context, chatID int64, body string, options []string) error
	Updates(ctx context.Context) <-chan tgbotapi.Update
	FetchFile(ctx context.Context, fileID string) ([]byte, error)
}

// Opts holds configuration options for the Telegram client.
type Opts struct {
	Token        string
	APIEndpoint  string // format string taking the token and method
	FileEndpoint string // format string taking the token and file path
	HTTPClient   *http.Client
	PollTimeout  int
}

// Option defines a configuration option for the Telegram client.
type Option func(*Opts)

// WithToken sets the bot token.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithEndpoints points the client at a different Bot API server.
func WithEndpoints(api, file string) Option {
	return func(o *Opts) {
		o.APIEndpoint = api
		o.FileEndpoint = file
	}
}

// WithHTTPClient sets the HTTP client for API calls and downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithPollTimeout sets the long-poll timeout in seconds.
func WithPollTimeout(seconds int) Option {
	return func(o *Opts) { o.PollTimeout = seconds }
}

// Client wraps tgbotapi.BotAPI.
type Client struct {
	api          *tgbotapi.BotAPI
	http         *http.Client
	fileEndpoint string
	pollTimeout  int
	stopOnce     sync.Once
}

// NewClient connects to the Bot API and verifies the token. A missing token
// falls back to TELEGRAM_BOT_TOKEN.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		APIEndpoint:  tgbotapi.APIEndpoint,
		FileEndpoint: tgbotapi.FileEndpoint,
		PollTimeout:  DefaultPollTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot token must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: time.Duration(cfg.PollTimeout+10) * time.Second}
	}

	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, cfg.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	slog.Info("Telegram client connected", "bot", api.Self.UserName)
	return &Client{
		api:          api,
		http:         cfg.HTTPClient,
		fileEndpoint: cfg.FileEndpoint,
		pollTimeout:  cfg.PollTimeout,
	}, nil
}

// SendMessage sends a plain text message and removes any reply keyboard.
func (c *Client) SendMessage(ctx context.Context, chatID int64, body string) error {
	msg := tgbotapi.NewMessage(chatID, body)
	msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	return c.send(msg)
}

// SendOptions sends body with a one-time reply keyboard of options.
func (c *Client) SendOptions(ctx context.Context, chatID int64, body string, options []string) error {
	msg := tgbotapi.NewMessage(chatID, body)
	keyboard := tgbotapi.NewReplyKeyboard(KeyboardRows(options)...)
	keyboard.OneTimeKeyboard = true
	keyboard.ResizeKeyboard = true
	msg.ReplyMarkup = keyboard
	return c.send(msg)
}

func (c *Client) send(msg tgbotapi.MessageConfig) error {
	if _, err := c.api.Send(msg); err != nil {
		slog.Error("Telegram send failed", "chatID", msg.ChatID, "error", err)
		return fmt.Errorf("failed to send message to %d: %w", msg.ChatID, err)
	}
	slog.Debug("Telegram message sent", "chatID", msg.ChatID, "body_length", len(msg.Text))
	return nil
}

// KeyboardRows lays options out in rows of keyboardColumns buttons.
func KeyboardRows(options []string) [][]tgbotapi.KeyboardButton {
	var rows [][]tgbotapi.KeyboardButton
	for start := 0; start < len(options); start += keyboardColumns {
		end := min(start+keyboardColumns, len(options))
		var row []tgbotapi.KeyboardButton
		for _, opt := range options[start:end] {
			row = append(row, tgbotapi.NewKeyboardButton(opt))
		}
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(row...))
	}
	return rows
}

// Updates long-polls for updates until ctx is done, then closes the channel.
func (c *Client) Updates(ctx context.Context) <-chan tgbotapi.Update {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.pollTimeout
	updates := c.api.GetUpdatesChan(u)
	go func() {
		<-ctx.Done()
		c.stopOnce.Do(c.api.StopReceivingUpdates)
	}()
	return updates
}

// FetchFile downloads a file the user sent to the bot.
func (c *Client) FetchFile(ctx context.Context, fileID string) ([]byte, error) {
	file, err := c.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("failed to get file %s: %w", fileID, err)
	}
	url := fmt.Sprintf(c.fileEndpoint, c.api.Token, file.FilePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build file request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download file: unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > MaxFileBytes {
		return nil, fmt.Errorf("file exceeds %d bytes", MaxFileBytes)
	}
	return data, nil
}

// ParseChatID converts a chat identifier used as a recipient back to int64.
func ParseChatID(to string) (int64, error) {
	id, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q", to)
	}
	return id, nil
}

// MockClient records outgoing messages and replays queued updates (for tests).
type MockClient struct {
	mu      sync.Mutex
	Sent    []SentMessage
	Files   map[string][]byte
	updates chan tgbotapi.Update
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	ChatID  int64
	Body    string
	Options []string
}

func NewMockClient() *MockClient {
	return &MockClient{Files: map[string][]byte{}, updates: make(chan tgbotapi.Update, 16)}
}

// Push queues an update for the channel returned by Updates.
func (m *MockClient) Push(u tgbotapi.Update) {
	m.updates <- u
}

// Messages returns a copy of the recorded messages.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}

func (m *MockClient) SendMessage(ctx context.Context, chatID int64, body string) error {
	return m.SendOptions(ctx, chatID, body, nil)
}

func (m *MockClient) SendOptions(ctx context.Context, chatID int64, body string, options []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, SentMessage{ChatID: chatID, Body: body, Options: options})
	return nil
}

func (m *MockClient) Updates(ctx context.Context) <-chan tgbotapi.Update {
	out := make(chan tgbotapi.Update)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-m.updates:
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (m *MockClient) FetchFile(ctx context.Context, fileID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.Files[fileID]
	if !ok {
		return nil, fmt.Errorf("failed to get file %s: not found", fileID)
	}
	return data, nil
}
