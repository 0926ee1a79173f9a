package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/twiliowhatsapp"
)

// TwilioChannel is the channel name of TwilioService.
const TwilioChannel = "twilio"

// TwilioService implements the Service interface using Twilio API.
// Inbound messages arrive through WebhookHandler.
type TwilioService struct {
	pipes
	client twiliowhatsapp.TwilioWhatsAppSender // Could be real Twilio client or MockClient
}

// NewTwilioService creates a new TwilioService around client.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	s := &TwilioService{client: client}
	s.init(TwilioChannel)
	return s
}

// Start is a no-op for Twilio (inbound traffic is pushed to the webhook)
func (s *TwilioService) Start(ctx context.Context) error {
	slog.Debug("TwilioService.Start: waiting for webhook traffic")
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	if s.close() {
		slog.Info("TwilioService.Stop: stopped and channels closed")
	}
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	to = twiliowhatsapp.StripPrefix(to)
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		slog.Error("TwilioService.SendMessage: send failed", "to", to, "error", err)
		return err
	}
	s.sent(to)
	return nil
}

// WebhookHandler handles inbound Twilio webhook requests and emits them on
// the Inbound channel. The first media item, if any, becomes the attachment.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := twiliowhatsapp.StripPrefix(r.FormValue("From"))
	body := r.FormValue("Body")
	numMedia, _ := strconv.Atoi(r.FormValue("NumMedia"))
	if from == "" || (strings.TrimSpace(body) == "" && numMedia == 0) {
		slog.Warn("TwilioService.WebhookHandler: missing fields", "from", from, "numMedia", numMedia)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	in := Inbound{
		From:      from,
		Text:      body,
		MessageID: r.FormValue("MessageSid"),
		Time:      time.Now().Unix(),
	}
	if numMedia > 0 {
		att, err := s.fetchAttachment(r.Context(), r.FormValue("MediaUrl0"), r.FormValue("MediaContentType0"))
		if err != nil {
			slog.Error("TwilioService.WebhookHandler: failed to fetch media", "from", from, "error", err)
			http.Error(w, "Failed to fetch media", http.StatusBadGateway)
			return
		}
		in.Attachment = att
	}

	slog.Info("TwilioService.WebhookHandler: inbound message", "from", from, "messageID", in.MessageID, "hasMedia", in.Attachment != nil)
	if !s.emitInbound(in) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) fetchAttachment(ctx context.Context, url, contentType string) (*models.Attachment, error) {
	if url == "" {
		return nil, fmt.Errorf("media url missing")
	}
	data, fetchedType, err := s.client.FetchMedia(ctx, url)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = fetchedType
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &models.Attachment{Name: mediaName(url), MIMEType: contentType, URL: url, Data: data}, nil
}

// mediaName derives a file name from the last path segment of url.
func mediaName(url string) string {
	if i := strings.LastIndexByte(url, '/'); i >= 0 && i < len(url)-1 {
		return url[i+1:]
	}
	return "media"
}
