package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/telegram"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel is the channel name of TelegramService.
const TelegramChannel = "telegram"

// TelegramService implements Service and OptionSender over the Bot API.
// Recipients are chat ids in decimal form.
type TelegramService struct {
	pipes
	bot    telegram.Bot
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTelegramService creates a TelegramService around bot.
func NewTelegramService(bot telegram.Bot) *TelegramService {
	s := &TelegramService{bot: bot}
	s.init(TelegramChannel)
	return s
}

// Start begins long-polling for updates.
func (s *TelegramService) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	updates := s.bot.Updates(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for update := range updates {
			s.handleUpdate(ctx, update)
		}
		slog.Debug("TelegramService.Start: update loop finished")
	}()
	slog.Info("TelegramService.Start: polling for updates")
	return nil
}

// Stop ends polling and closes the event channels.
func (s *TelegramService) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.close() {
		slog.Info("TelegramService.Stop: stopped and channels closed")
	}
	return nil
}

// SendMessage sends a text message to a chat.
func (s *TelegramService) SendMessage(ctx context.Context, to string, body string) error {
	chatID, err := s.recipient(to)
	if err != nil {
		return err
	}
	if err := s.bot.SendMessage(ctx, chatID, body); err != nil {
		return err
	}
	s.sent(to)
	return nil
}

// SendOptions sends body with options as reply keyboard buttons.
func (s *TelegramService) SendOptions(ctx context.Context, to string, body string, options []string) error {
	chatID, err := s.recipient(to)
	if err != nil {
		return err
	}
	if err := s.bot.SendOptions(ctx, chatID, body, options); err != nil {
		return err
	}
	s.sent(to)
	return nil
}

func (s *TelegramService) recipient(to string) (int64, error) {
	if s.isStopped() {
		return 0, ErrServiceStopped
	}
	return telegram.ParseChatID(to)
}

// handleUpdate converts private chat messages into inbound events. The
// largest photo size or the document becomes the attachment.
func (s *TelegramService) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.Chat.IsPrivate() {
		return
	}
	in := Inbound{
		From:      strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID),
		Text:      msg.Text,
		Time:      int64(msg.Date),
	}
	if in.Text == "" {
		in.Text = msg.Caption
	}

	switch {
	case len(msg.Photo) > 0:
		photo := msg.Photo[len(msg.Photo)-1]
		in.Attachment = s.fetch(ctx, photo.FileID, "photo.jpg", "image/jpeg")
	case msg.Document != nil:
		in.Attachment = s.fetch(ctx, msg.Document.FileID, msg.Document.FileName, msg.Document.MimeType)
	}
	if strings.TrimSpace(in.Text) == "" && in.Attachment == nil {
		slog.Debug("TelegramService.handleUpdate: ignoring empty message", "chatID", msg.Chat.ID)
		return
	}
	s.emitInbound(in)
}

func (s *TelegramService) fetch(ctx context.Context, fileID, name, mimeType string) *models.Attachment {
	data, err := s.bot.FetchFile(ctx, fileID)
	if err != nil {
		slog.Error("TelegramService.fetch: download failed", "fileID", fileID, "error", err)
		return nil
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &models.Attachment{Name: name, MIMEType: mimeType, Data: data}
}
