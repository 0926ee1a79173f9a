package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppChannel is the channel name of WhatsAppService.
const WhatsAppChannel = "whatsapp"

// mediaDownloader fetches the media of an inbound message.
type mediaDownloader interface {
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
}

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	pipes
	client     whatsapp.WhatsAppSender
	waClient   *whatsapp.Client // Access to underlying client for event handling
	downloader mediaDownloader
	handlerID  uint32
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	s := &WhatsAppService{client: client}
	s.init(WhatsAppChannel)

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
		s.downloader = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return s
}

// Start registers the event handler on the underlying client.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.handlerID = s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(ctx, v)
		case *events.Receipt:
			s.handleMessageReceipt(v)
		}
	})
	slog.Debug("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop removes the event handler and closes the event channels.
func (s *WhatsAppService) Stop() error {
	if s.waClient != nil && s.waClient.GetClient() != nil && s.handlerID != 0 {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
	}
	if s.close() {
		slog.Info("WhatsAppService.Stop: stopped and channels closed")
	}
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", to)
		return err
	}
	s.sent(to)
	return nil
}

// phoneFromJID converts a user JID to E.164 form.
func phoneFromJID(jid types.JID) string {
	user := jid.User
	if !strings.HasPrefix(user, "+") {
		user = "+" + user
	}
	return user
}

// handleIncomingMessage forwards direct text, image and document messages.
func (s *WhatsAppService) handleIncomingMessage(ctx context.Context, evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	in := Inbound{
		From:      phoneFromJID(evt.Info.Sender),
		MessageID: string(evt.Info.ID),
		Time:      evt.Info.Timestamp.Unix(),
	}

	msg := evt.Message
	switch {
	case msg.GetConversation() != "":
		in.Text = msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		in.Text = msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		in.Text = img.GetCaption()
		in.Attachment = s.download(ctx, img, "image", img.GetMimetype())
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		in.Text = doc.GetCaption()
		in.Attachment = s.download(ctx, doc, doc.GetFileName(), doc.GetMimetype())
	default:
		slog.Debug("WhatsAppService.handleIncomingMessage: ignoring unsupported message", "from", in.From)
		return
	}
	if strings.TrimSpace(in.Text) == "" && in.Attachment == nil {
		return
	}
	s.emitInbound(in)
}

func (s *WhatsAppService) download(ctx context.Context, msg whatsmeow.DownloadableMessage, name, mimeType string) *models.Attachment {
	if s.downloader == nil {
		slog.Warn("WhatsAppService.download: no downloader available, dropping media")
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	data, err := s.downloader.Download(ctx, msg)
	if err != nil {
		slog.Error("WhatsAppService.download: media download failed", "error", err)
		return nil
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return &models.Attachment{Name: name, MIMEType: mimeType, Data: data}
}

// handleMessageReceipt processes delivery and read receipts
func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case types.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	s.emitReceipt(models.Receipt{
		To:     phoneFromJID(evt.MessageSource.Sender),
		Status: status,
		Time:   evt.Timestamp.Unix(),
	})
}
