package models

import (
	"fmt"
	"strings"
	"time"
)

// Step identifies the position of an onboarding conversation.
type Step string

const (
	StepGreeting             Step = "GREETING"
	StepAwaitingName         Step = "AWAITING_NAME"
	StepAwaitingIDType       Step = "AWAITING_ID_TYPE"
	StepAwaitingIDUpload     Step = "AWAITING_ID_UPLOAD"
	StepAwaitingConfirmation Step = "AWAITING_CONFIRMATION"
	StepVerified             Step = "VERIFIED"
)

// Steps lists every step in conversation order.
var Steps = []Step{
	StepGreeting,
	StepAwaitingName,
	StepAwaitingIDType,
	StepAwaitingIDUpload,
	StepAwaitingConfirmation,
	StepVerified,
}

// Sender identifies who authored a transcript message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// AttachmentRef is the transcript-side record of an uploaded file. It never
// carries file contents.
type AttachmentRef struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	URL      string `json:"url,omitempty"`
}

// Attachment is a file submitted with a user turn. Data is only held for the
// duration of the turn that introduces it.
type Attachment struct {
	Name     string
	MIMEType string
	URL      string
	Data     []byte
}

// Ref returns the transcript reference for the attachment.
func (a *Attachment) Ref() *AttachmentRef {
	if a == nil {
		return nil
	}
	return &AttachmentRef{Name: a.Name, MIMEType: a.MIMEType, URL: a.URL}
}

// Message is one transcript entry.
type Message struct {
	ID         uint64         `json:"id"`
	Text       string         `json:"text"`
	Sender     Sender         `json:"sender"`
	Attachment *AttachmentRef `json:"attachment,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NotAvailable is stored for identity fields the document did not provide.
const NotAvailable = "N/A"

// ExtractedIDData holds the fields read from a verified identity document.
type ExtractedIDData struct {
	Name     string `json:"name"`
	IDNumber string `json:"id_number"`
	DOB      string `json:"dob"`
}

// IDKind is a supported identity document kind.
type IDKind string

const (
	IDKindAadhaar  IDKind = "aadhaar"
	IDKindPAN      IDKind = "pan"
	IDKindPassport IDKind = "passport"
)

// IDKinds lists the supported document kinds in menu order.
var IDKinds = []IDKind{IDKindAadhaar, IDKindPAN, IDKindPassport}

// ParseIDKind accepts a kind name in any case.
func ParseIDKind(s string) (IDKind, error) {
	switch IDKind(strings.ToLower(strings.TrimSpace(s))) {
	case IDKindAadhaar:
		return IDKindAadhaar, nil
	case IDKindPAN:
		return IDKindPAN, nil
	case IDKindPassport:
		return IDKindPassport, nil
	}
	return "", fmt.Errorf("unknown id kind %q", s)
}
