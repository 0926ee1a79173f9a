package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/telegram"
	"github.com/BTreeMap/OnboardPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/OnboardPipe/internal/whatsapp"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// Ensure every channel implements Service
var (
	_ Service      = (*WhatsAppService)(nil)
	_ Service      = (*TwilioService)(nil)
	_ Service      = (*TelegramService)(nil)
	_ OptionSender = (*TelegramService)(nil)
)

func receiveInbound(t *testing.T, svc Service) Inbound {
	t.Helper()
	select {
	case in := <-svc.Inbound():
		return in
	case <-time.After(time.Second):
		t.Fatal("expected inbound message, got none")
	}
	return Inbound{}
}

func receiveReceipt(t *testing.T, svc Service) models.Receipt {
	t.Helper()
	select {
	case r := <-svc.Receipts():
		return r
	case <-time.After(time.Second):
		t.Fatal("expected receipt, got none")
	}
	return models.Receipt{}
}

func TestWhatsAppService_SendMessage_Receipt(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	to, body := "+123", "hello"
	if err := svc.SendMessage(context.Background(), to, body); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	receipt := receiveReceipt(t, svc)
	if receipt.To != to || receipt.Status != models.MessageStatusSent {
		t.Errorf("unexpected receipt %+v", receipt)
	}
	if len(mockClient.Sent) != 1 || mockClient.Sent[0].Body != body {
		t.Errorf("unexpected sent messages %+v", mockClient.Sent)
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("expected receipts channel closed")
	}
	if _, ok := <-svc.Inbound(); ok {
		t.Error("expected inbound channel closed")
	}
	if err := svc.SendMessage(context.Background(), "+1", "late"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

type fakeDownloader struct {
	data []byte
	err  error
}

func (f fakeDownloader) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	return f.data, f.err
}

func waMessage(msg *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Sender: types.NewJID("15550001", types.DefaultUserServer)},
			ID:            "WAMID1",
			Timestamp:     time.Unix(1700000000, 0),
		},
		Message: msg,
	}
}

func TestWhatsAppService_IncomingText(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	text := "hello"
	svc.handleIncomingMessage(context.Background(), waMessage(&waE2E.Message{Conversation: &text}))

	in := receiveInbound(t, svc)
	if in.Channel != WhatsAppChannel || in.From != "+15550001" || in.Text != "hello" || in.MessageID != "WAMID1" {
		t.Errorf("unexpected inbound %+v", in)
	}
	if in.Time != 1700000000 {
		t.Errorf("unexpected time %d", in.Time)
	}
}

func TestWhatsAppService_IncomingImage(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	svc.downloader = fakeDownloader{data: []byte("jpeg")}
	mimeType, caption := "image/jpeg", "my PAN"
	svc.handleIncomingMessage(context.Background(), waMessage(&waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{Mimetype: &mimeType, Caption: &caption},
	}))

	in := receiveInbound(t, svc)
	if in.Text != "my PAN" || in.Attachment == nil {
		t.Fatalf("unexpected inbound %+v", in)
	}
	if in.Attachment.MIMEType != "image/jpeg" || string(in.Attachment.Data) != "jpeg" {
		t.Errorf("unexpected attachment %+v", in.Attachment)
	}
}

func TestWhatsAppService_IgnoresOwnAndFailedMedia(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	svc.downloader = fakeDownloader{err: errors.New("expired")}

	text := "echo"
	own := waMessage(&waE2E.Message{Conversation: &text})
	own.Info.IsFromMe = true
	svc.handleIncomingMessage(context.Background(), own)

	mimeType := "image/png"
	svc.handleIncomingMessage(context.Background(), waMessage(&waE2E.Message{ImageMessage: &waE2E.ImageMessage{Mimetype: &mimeType}}))

	select {
	case in := <-svc.Inbound():
		t.Errorf("expected nothing forwarded, got %+v", in)
	default:
	}
}

func TestWhatsAppService_Receipts(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	source := types.MessageSource{Sender: types.NewJID("15550001", types.DefaultUserServer)}

	svc.handleMessageReceipt(&events.Receipt{MessageSource: source, Type: types.ReceiptTypeRead, Timestamp: time.Unix(5, 0)})
	receipt := receiveReceipt(t, svc)
	if receipt.To != "+15550001" || receipt.Status != models.MessageStatusRead || receipt.Time != 5 {
		t.Errorf("unexpected receipt %+v", receipt)
	}

	svc.handleMessageReceipt(&events.Receipt{MessageSource: source, Type: types.ReceiptTypeReadSelf})
	select {
	case r := <-svc.Receipts():
		t.Errorf("self read receipts must be ignored, got %+v", r)
	default:
	}
}

func postForm(h http.HandlerFunc, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestTwilioService_WebhookText(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postForm(svc.WebhookHandler, url.Values{
		"From":       {"whatsapp:+15550001"},
		"Body":       {"hello"},
		"MessageSid": {"SM1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	in := receiveInbound(t, svc)
	if in.Channel != TwilioChannel || in.From != "+15550001" || in.Text != "hello" || in.MessageID != "SM1" {
		t.Errorf("unexpected inbound %+v", in)
	}
}

func TestTwilioService_WebhookMedia(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	client.Media["https://api.twilio.com/media/ME1"] = twiliowhatsapp.MockMedia{Data: []byte("jpeg"), ContentType: "image/jpeg"}
	svc := NewTwilioService(client)

	rec := postForm(svc.WebhookHandler, url.Values{
		"From":              {"whatsapp:+15550001"},
		"NumMedia":          {"1"},
		"MediaUrl0":         {"https://api.twilio.com/media/ME1"},
		"MediaContentType0": {"image/jpeg"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	in := receiveInbound(t, svc)
	if in.Attachment == nil || in.Attachment.Name != "ME1" || string(in.Attachment.Data) != "jpeg" {
		t.Errorf("unexpected attachment %+v", in.Attachment)
	}

	rec = postForm(svc.WebhookHandler, url.Values{
		"From":      {"whatsapp:+15550001"},
		"NumMedia":  {"1"},
		"MediaUrl0": {"https://api.twilio.com/media/missing"},
	})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502 for unfetchable media, got %d", rec.Code)
	}
}

func TestTwilioService_WebhookRejectsMissingFields(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postForm(svc.WebhookHandler, url.Values{"From": {"whatsapp:+1"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestTwilioService_SendMessage(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(client)

	if err := svc.SendMessage(context.Background(), "whatsapp:+15550001", "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(client.SentMessages) != 1 || client.SentMessages[0].To != "+15550001" {
		t.Errorf("unexpected sent messages %+v", client.SentMessages)
	}
	if receipt := receiveReceipt(t, svc); receipt.To != "+15550001" {
		t.Errorf("unexpected receipt %+v", receipt)
	}

	svc.Stop()
	if err := svc.SendMessage(context.Background(), "+1", "late"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestTelegramService_UpdatesBecomeInbound(t *testing.T) {
	bot := telegram.NewMockClient()
	bot.Files["photo-large"] = []byte("jpeg")
	svc := NewTelegramService(bot)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	chat := &tgbotapi.Chat{ID: 42, Type: "private"}
	bot.Push(tgbotapi.Update{Message: &tgbotapi.Message{MessageID: 1, Chat: chat, Text: "hello", Date: 100}})
	in := receiveInbound(t, svc)
	if in.Channel != TelegramChannel || in.From != "42" || in.Text != "hello" || in.MessageID != "42:1" || in.Time != 100 {
		t.Errorf("unexpected inbound %+v", in)
	}

	bot.Push(tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 2,
		Chat:      chat,
		Caption:   "my id",
		Photo:     []tgbotapi.PhotoSize{{FileID: "photo-small"}, {FileID: "photo-large"}},
	}})
	in = receiveInbound(t, svc)
	if in.Text != "my id" || in.Attachment == nil || string(in.Attachment.Data) != "jpeg" || in.Attachment.MIMEType != "image/jpeg" {
		t.Errorf("unexpected photo inbound %+v", in)
	}

	// Group chats are ignored.
	bot.Push(tgbotapi.Update{Message: &tgbotapi.Message{MessageID: 3, Chat: &tgbotapi.Chat{ID: -1, Type: "group"}, Text: "hi all"}})
	bot.Push(tgbotapi.Update{Message: &tgbotapi.Message{MessageID: 4, Chat: chat, Text: "after"}})
	if in := receiveInbound(t, svc); in.Text != "after" {
		t.Errorf("expected group message skipped, got %+v", in)
	}
}

func TestTelegramService_SendOptions(t *testing.T) {
	bot := telegram.NewMockClient()
	svc := NewTelegramService(bot)

	if err := svc.SendOptions(context.Background(), "42", "Pick", []string{"A", "B"}); err != nil {
		t.Fatalf("SendOptions: %v", err)
	}
	sent := bot.Messages()
	if len(sent) != 1 || sent[0].ChatID != 42 || len(sent[0].Options) != 2 {
		t.Errorf("unexpected sent messages %+v", sent)
	}
	if receipt := receiveReceipt(t, svc); receipt.To != "42" || receipt.Status != models.MessageStatusSent {
		t.Errorf("unexpected receipt %+v", receipt)
	}
	if err := svc.SendMessage(context.Background(), "not-a-chat", "x"); err == nil {
		t.Error("expected error for invalid chat id")
	}
}
