// Package messaging connects chat channels (WhatsApp, Twilio, Telegram) to
// onboarding sessions.
//
// Each channel implements Service. The Conversator consumes inbound messages
// from every running service, drives the session engine keyed by channel and
// sender, and replies with the new bot messages plus numbered prompts for the
// structured steps.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and inbound channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// Inbound is one message received from a chat channel.
type Inbound struct {
	Channel    string
	From       string
	Text       string
	MessageID  string
	Attachment *models.Attachment
	Time       int64
}

// Service defines a pluggable chat channel.
// It supports sending messages, and provides channels for receipt and inbound events.
type Service interface {
	// Name identifies the channel in session keys, logs and metrics.
	Name() string

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Inbound returns a channel of incoming user messages.
	Inbound() <-chan Inbound
}

// OptionSender is implemented by channels that can render reply options as
// buttons. Other channels receive the options as a numbered list.
type OptionSender interface {
	SendOptions(ctx context.Context, to string, body string, options []string) error
}

// pipes holds the event channels shared by every Service implementation and
// guards them against sends after Stop.
type pipes struct {
	name     string
	receipts chan models.Receipt
	inbound  chan Inbound
	mu       sync.RWMutex
	stopped  bool
}

func (p *pipes) init(name string) {
	p.name = name
	p.receipts = make(chan models.Receipt, DefaultChannelBufferSize)
	p.inbound = make(chan Inbound, DefaultChannelBufferSize)
}

func (p *pipes) isStopped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopped
}

// close marks the pipes stopped and closes both channels. It reports false
// when they were already closed.
func (p *pipes) close() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.stopped = true
	close(p.receipts)
	close(p.inbound)
	return true
}

func (p *pipes) emitReceipt(receipt models.Receipt) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return
	}
	select {
	case p.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("Service.emitReceipt: receipts channel blocked, dropping receipt", "channel", p.name, "to", receipt.To, "timeout", DefaultChannelTimeout)
	}
}

func (p *pipes) emitInbound(in Inbound) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		slog.Warn("Service.emitInbound: service stopped, dropping message", "channel", p.name, "from", in.From)
		return false
	}
	in.Channel = p.name
	select {
	case p.inbound <- in:
		slog.Debug("Service.emitInbound: message forwarded", "channel", p.name, "from", in.From)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("Service.emitInbound: inbound channel blocked, dropping message", "channel", p.name, "from", in.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

func (p *pipes) sent(to string) {
	p.emitReceipt(models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()})
}

// Name returns the channel name.
func (p *pipes) Name() string {
	return p.name
}

// Receipts returns a channel of receipt events.
func (p *pipes) Receipts() <-chan models.Receipt {
	return p.receipts
}

// Inbound returns a channel of incoming messages.
func (p *pipes) Inbound() <-chan Inbound {
	return p.inbound
}
