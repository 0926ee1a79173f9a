package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/locale"
	"github.com/BTreeMap/OnboardPipe/internal/metrics"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/session"
	"github.com/BTreeMap/OnboardPipe/internal/store"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers bounds how many inbound messages are handled at once.
const DefaultWorkers = 16

// Channel directions reported to metrics.
const (
	directionInbound  = "inbound"
	directionOutbound = "outbound"
)

// resetCommands restart the conversation from the language menu.
var resetCommands = map[string]bool{
	"reset":     true,
	"restart":   true,
	"/start":    true,
	"/reset":    true,
	"/language": true,
	"language":  true,
}

var (
	confirmWords = map[string]bool{"yes": true, "y": true, "ok": true, "confirm": true}
	retryWords   = map[string]bool{"no": true, "n": true, "retry": true}
)

// ConversatorOpts holds configuration options for a Conversator.
type ConversatorOpts struct {
	Metrics *metrics.Metrics
	Workers int
}

// ConversatorOption defines a configuration option for a Conversator.
type ConversatorOption func(*ConversatorOpts)

// WithMetrics reports channel traffic to m.
func WithMetrics(m *metrics.Metrics) ConversatorOption {
	return func(o *ConversatorOpts) { o.Metrics = m }
}

// WithWorkers bounds concurrent inbound handling.
func WithWorkers(n int) ConversatorOption {
	return func(o *ConversatorOpts) { o.Workers = n }
}

// Conversator drives onboarding sessions from chat channels.
type Conversator struct {
	sessions *session.Manager
	store    store.Store
	catalog  *locale.Catalog
	cfg      ConversatorOpts
}

// NewConversator creates a Conversator over the session manager and store.
func NewConversator(sessions *session.Manager, st store.Store, opts ...ConversatorOption) *Conversator {
	cfg := ConversatorOpts{Workers: DefaultWorkers}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Conversator{sessions: sessions, store: st, catalog: sessions.Catalog(), cfg: cfg}
}

// Run consumes svc's receipts and inbound messages until ctx is done or the
// service closes its channels. Messages from different senders are handled
// concurrently.
func (c *Conversator) Run(ctx context.Context, svc Service) error {
	slog.Info("Conversator.Run: consuming channel", "channel", svc.Name())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers + 1)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case receipt, ok := <-svc.Receipts():
				if !ok {
					return nil
				}
				if err := c.store.AddReceipt(receipt); err != nil {
					slog.Error("Conversator.Run: failed to record receipt", "channel", svc.Name(), "to", receipt.To, "error", err)
				}
			}
		}
	})

loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case in, ok := <-svc.Inbound():
			if !ok {
				break loop
			}
			g.Go(func() error {
				if err := c.Handle(gctx, svc, in); err != nil {
					slog.Error("Conversator.Run: failed to handle message", "channel", svc.Name(), "from", in.From, "error", err)
				}
				return nil
			})
		}
	}
	err := g.Wait()
	slog.Info("Conversator.Run: channel closed", "channel", svc.Name())
	return err
}

// Handle processes one inbound message and sends the replies. Only delivery
// and store failures are returned; engine failures are reported to the user.
func (c *Conversator) Handle(ctx context.Context, svc Service, in Inbound) error {
	key := svc.Name() + ":" + in.From
	if in.MessageID != "" {
		fresh, err := c.store.RecordInbound(in.MessageID, key)
		if err != nil {
			return fmt.Errorf("record inbound %s: %w", in.MessageID, err)
		}
		if !fresh {
			slog.Debug("Conversator.Handle: duplicate message ignored", "channel", svc.Name(), "messageID", in.MessageID)
			return nil
		}
	}
	c.cfg.Metrics.IncrementChannelMessage(svc.Name(), directionInbound)

	e, created := c.sessions.GetOrCreate(key)
	if created {
		slog.Info("Conversator.Handle: session started", "channel", svc.Name(), "from", in.From, "sessionID", e.SessionID())
	}

	text := strings.TrimSpace(in.Text)
	command := strings.ToLower(text)
	before := e.Snapshot()
	r := &reply{ctx: ctx, c: c, svc: svc, to: in.From}

	if resetCommands[command] {
		if before.Language != nil || len(before.Transcript) > 0 {
			if err := e.Reset(ctx); err != nil {
				return r.rejected(e, before, err)
			}
		}
		return r.languageMenu()
	}

	if before.Language == nil {
		code, ok := c.matchLanguage(text)
		if !ok {
			return r.languageMenu()
		}
		err := e.SelectLanguage(ctx, code)
		return r.after(e, before, err)
	}

	strs := *before.Strings
	var err error
	switch before.Step {
	case models.StepAwaitingIDType:
		kind, ok := matchIDKind(text, strs)
		if !ok {
			return r.idTypeMenu(strs)
		}
		err = e.SelectIDType(ctx, kind)
	case models.StepAwaitingConfirmation:
		switch matchDecision(command, strs) {
		case decisionConfirm:
			err = e.ConfirmVerification(ctx)
		case decisionRetry:
			err = e.RetryVerification(ctx)
		default:
			return r.confirmCard(before)
		}
	default:
		err = e.SubmitTurn(ctx, in.Text, in.Attachment)
	}
	return r.after(e, before, err)
}

func (c *Conversator) languageOptions() []string {
	langs := c.catalog.Languages()
	options := make([]string, len(langs))
	for i, lang := range langs {
		options[i] = languageLabel(lang)
	}
	return options
}

func languageLabel(lang locale.Language) string {
	if lang.NativeName == "" || lang.NativeName == lang.Name {
		return lang.Name
	}
	return lang.NativeName + " (" + lang.Name + ")"
}

// matchLanguage accepts a menu number, a button label, a language code or
// an English or native name.
func (c *Conversator) matchLanguage(text string) (string, bool) {
	langs := c.catalog.Languages()
	if i, ok := matchOption(text, c.languageOptions()); ok {
		return langs[i].Code, true
	}
	for _, lang := range langs {
		if strings.EqualFold(text, lang.Code) ||
			strings.EqualFold(text, lang.Name) ||
			strings.EqualFold(text, lang.NativeName) {
			return lang.Code, true
		}
	}
	return "", false
}

func idTypeOptions(strs locale.Strings) []string {
	options := make([]string, len(models.IDKinds))
	for i, kind := range models.IDKinds {
		options[i] = strs.IDLabel(kind)
	}
	return options
}

func matchIDKind(text string, strs locale.Strings) (models.IDKind, bool) {
	if i, ok := matchOption(text, idTypeOptions(strs)); ok {
		return models.IDKinds[i], true
	}
	kind, err := models.ParseIDKind(text)
	return kind, err == nil
}

type decision int

const (
	decisionNone decision = iota
	decisionConfirm
	decisionRetry
)

func confirmOptions(strs locale.Strings) []string {
	return []string{strs.ConfirmAndContinueButton, strs.RetryUploadButton}
}

func matchDecision(command string, strs locale.Strings) decision {
	if i, ok := matchOption(command, confirmOptions(strs)); ok {
		if i == 0 {
			return decisionConfirm
		}
		return decisionRetry
	}
	switch {
	case confirmWords[command]:
		return decisionConfirm
	case retryWords[command]:
		return decisionRetry
	}
	return decisionNone
}

// matchOption resolves a 1-based menu number or a case-insensitive label.
func matchOption(text string, options []string) (int, bool) {
	text = strings.TrimSpace(text)
	if n, err := strconv.Atoi(strings.TrimSuffix(text, ".")); err == nil {
		if n >= 1 && n <= len(options) {
			return n - 1, true
		}
		return 0, false
	}
	for i, opt := range options {
		if opt != "" && strings.EqualFold(text, opt) {
			return i, true
		}
	}
	return 0, false
}

// formatOptions renders options as a numbered list under body.
func formatOptions(body string, options []string) string {
	var b strings.Builder
	b.WriteString(body)
	for i, opt := range options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
	}
	return b.String()
}

// confirmationText lists the extracted fields with localized labels.
func confirmationText(snap flow.Snapshot) string {
	strs := *snap.Strings
	var b strings.Builder
	b.WriteString(strs.ConfirmDetailsTitle)
	if snap.Extracted != nil {
		fmt.Fprintf(&b, "\n%s: %s", strs.DataFieldName, snap.Extracted.Name)
		fmt.Fprintf(&b, "\n%s: %s", strs.DataFieldIDNumber, snap.Extracted.IDNumber)
		fmt.Fprintf(&b, "\n%s: %s", strs.DataFieldDOB, snap.Extracted.DOB)
	}
	b.WriteString("\n\n")
	b.WriteString(strs.ConfirmReplyPrompt)
	return b.String()
}

// reply sends messages back to one chat.
type reply struct {
	ctx context.Context
	c   *Conversator
	svc Service
	to  string
}

func (r *reply) send(body string, options []string) error {
	if body == "" {
		return nil
	}
	var err error
	if sender, ok := r.svc.(OptionSender); ok && len(options) > 0 {
		err = sender.SendOptions(r.ctx, r.to, body, options)
	} else {
		err = r.svc.SendMessage(r.ctx, r.to, formatOptions(body, options))
	}
	if err != nil {
		return fmt.Errorf("send to %s via %s: %w", r.to, r.svc.Name(), err)
	}
	r.c.cfg.Metrics.IncrementChannelMessage(r.svc.Name(), directionOutbound)
	return nil
}

func (r *reply) languageMenu() error {
	strs := r.c.catalog.Fallback()
	return r.send(strs.LanguageMenuPrompt, r.c.languageOptions())
}

func (r *reply) idTypeMenu(strs locale.Strings) error {
	return r.send(strs.IDTypeMenuPrompt, idTypeOptions(strs))
}

func (r *reply) confirmCard(snap flow.Snapshot) error {
	return r.send(confirmationText(snap), confirmOptions(*snap.Strings))
}

// rejected answers an operation the engine refused.
func (r *reply) rejected(e *flow.Engine, before flow.Snapshot, err error) error {
	strs := r.c.catalog.Fallback()
	if before.Strings != nil {
		strs = *before.Strings
	}
	if errors.Is(err, flow.ErrBusy) {
		return r.send(strs.BusyNotice, nil)
	}
	slog.Warn("Conversator.rejected: operation refused", "channel", r.svc.Name(), "sessionID", e.SessionID(), "step", before.Step, "error", err)
	if errors.Is(err, flow.ErrGatewayUnavailable) {
		return r.send(strs.GenericError, nil)
	}
	return nil
}

// after delivers the bot messages an operation produced, followed by the
// prompt for the step it reached or, after a failure, the step it stayed in.
func (r *reply) after(e *flow.Engine, before flow.Snapshot, err error) error {
	if err != nil && flow.IsRejection(err) {
		return r.rejected(e, before, err)
	}
	if err != nil {
		// The engine appended a failure message, delivered below.
		slog.Warn("Conversator.after: turn failed", "channel", r.svc.Name(), "sessionID", e.SessionID(), "error", err)
	}

	var last uint64
	if n := len(before.Transcript); n > 0 {
		last = before.Transcript[n-1].ID
	}
	snap := e.Snapshot()
	for _, msg := range snap.Transcript {
		if msg.ID <= last || msg.Sender != models.SenderBot || strings.TrimSpace(msg.Text) == "" {
			continue
		}
		if err := r.send(msg.Text, nil); err != nil {
			return err
		}
	}

	// A failed operation leaves the step unchanged, so its prompt is repeated.
	if snap.Strings == nil || (snap.Step == before.Step && before.Language != nil && err == nil) {
		return nil
	}
	strs := *snap.Strings
	switch snap.Step {
	case models.StepAwaitingIDType:
		return r.idTypeMenu(strs)
	case models.StepAwaitingIDUpload:
		return r.send(strs.UploadHint, nil)
	case models.StepAwaitingConfirmation:
		return r.confirmCard(snap)
	}
	return nil
}
