// Package flow implements the onboarding conversation engine: the step state
// machine, its per-step action policy, the transcript, and the two model
// invocation protocols (streamed replies and structured document extraction).
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/genai"
	"github.com/BTreeMap/OnboardPipe/internal/locale"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// Opts holds configuration options for an Engine.
type Opts struct {
	SessionID string
	Observers []Observer
	Clock     func() time.Time
}

// Option defines a configuration option for an Engine.
type Option func(*Opts)

// WithSessionID tags every event emitted by the engine.
func WithSessionID(id string) Option {
	return func(o *Opts) { o.SessionID = id }
}

// WithObserver subscribes an observer for the life of the engine.
func WithObserver(obs Observer) Option {
	return func(o *Opts) { o.Observers = append(o.Observers, obs) }
}

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Engine runs one onboarding conversation. All operations are safe for
// concurrent use; at most one model call is in flight at a time and calls
// made while it runs are rejected with ErrBusy.
type Engine struct {
	sessionID string
	gateway   genai.Gateway
	catalog   *locale.Catalog
	now       func() time.Time

	mu         sync.Mutex
	language   *locale.Language
	strs       locale.Strings
	persona    string
	step       models.Step
	busy       bool
	transcript *Transcript
	extracted  *models.ExtractedIDData

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

// NewEngine creates an engine in GREETING with no language selected. A nil
// gateway leaves the engine unavailable: every operation returns
// ErrGatewayUnavailable.
func NewEngine(gateway genai.Gateway, catalog *locale.Catalog, opts ...Option) *Engine {
	cfg := Opts{Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if catalog == nil {
		catalog = locale.Default()
	}
	e := &Engine{
		sessionID:  cfg.SessionID,
		gateway:    gateway,
		catalog:    catalog,
		now:        cfg.Clock,
		step:       models.StepGreeting,
		transcript: NewTranscript(),
		observers:  make(map[int]Observer),
	}
	for _, obs := range cfg.Observers {
		e.Subscribe(obs)
	}
	slog.Debug("flow.NewEngine: engine created", "sessionID", cfg.SessionID, "gatewayAvailable", gateway != nil)
	return e
}

// SessionID returns the identifier the engine was created with.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Subscribe registers obs and returns a function that removes it.
func (e *Engine) Subscribe(obs Observer) func() {
	e.obsMu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = obs
	e.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.obsMu.Lock()
			delete(e.observers, id)
			e.obsMu.Unlock()
		})
	}
}

func (e *Engine) emit(events ...Event) {
	e.obsMu.RLock()
	observers := make([]Observer, 0, len(e.observers))
	for i := 0; i < e.nextObs; i++ {
		if obs, ok := e.observers[i]; ok {
			observers = append(observers, obs)
		}
	}
	e.obsMu.RUnlock()

	for _, ev := range events {
		ev.SessionID = e.sessionID
		if ev.Time.IsZero() {
			ev.Time = e.now()
		}
		for _, obs := range observers {
			obs.Notify(ev)
		}
	}
}

// turnContext is the state captured when an operation starts.
type turnContext struct {
	step    models.Step
	lang    locale.Language
	strs    locale.Strings
	persona string
	history []genai.Turn
}

func (e *Engine) checkLocked(action Action) error {
	if e.gateway == nil {
		return ErrGatewayUnavailable
	}
	if e.busy {
		return ErrBusy
	}
	if action != ActionSelectLanguage && action != ActionReset && e.language == nil {
		return ErrNoLanguage
	}
	if !Allowed(e.step, action) {
		return fmt.Errorf("%w: %s in %s", ErrActionNotAllowed, action, e.step)
	}
	return nil
}

func (e *Engine) reject(action Action, step models.Step, err error) error {
	slog.Debug("Engine.reject: action rejected", "sessionID", e.sessionID, "action", action, "step", step, "error", err)
	e.emit(Event{Type: EventActionRejected, Action: action, Step: step, Err: err})
	return err
}

func (e *Engine) contextLocked() turnContext {
	tc := turnContext{
		step:    e.step,
		strs:    e.strs,
		persona: e.persona,
		history: ProjectHistory(e.transcript.Messages()),
	}
	if e.language != nil {
		tc.lang = *e.language
	}
	return tc
}

// begin checks the policy for action and marks the engine busy.
func (e *Engine) begin(action Action) (turnContext, error) {
	e.mu.Lock()
	if err := e.checkLocked(action); err != nil {
		step := e.step
		e.mu.Unlock()
		return turnContext{}, e.reject(action, step, err)
	}
	e.busy = true
	tc := e.contextLocked()
	e.mu.Unlock()

	e.emit(Event{Type: EventBusyChanged, Busy: true, Step: tc.step})
	return tc, nil
}

func (e *Engine) finish() {
	e.mu.Lock()
	e.busy = false
	step := e.step
	e.mu.Unlock()
	e.emit(Event{Type: EventBusyChanged, Busy: false, Step: step})
}

func (e *Engine) appendMessage(sender models.Sender, text string, att *models.AttachmentRef) models.Message {
	e.mu.Lock()
	msg := e.transcript.Append(sender, text, att, e.now())
	step := e.step
	e.mu.Unlock()
	e.emit(Event{Type: EventMessageAppended, Message: &msg, Step: step})
	return msg
}

func (e *Engine) replaceMessage(id uint64, text string) error {
	e.mu.Lock()
	msg, err := e.transcript.Replace(id, text)
	step := e.step
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.emit(Event{Type: EventMessageUpdated, Message: &msg, Step: step})
	return nil
}

// transition moves along an edge of the state table. extracted is stored
// together with the new step so the two never disagree.
func (e *Engine) transition(from, to models.Step, extracted *models.ExtractedIDData) error {
	e.mu.Lock()
	if e.step != from || !CanTransition(from, to) {
		current := e.step
		e.mu.Unlock()
		slog.Error("Engine.transition: refusing transition", "sessionID", e.sessionID, "current", current, "from", from, "to", to)
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidTransition, from, to, current)
	}
	e.step = to
	e.extracted = extracted
	e.mu.Unlock()

	slog.Debug("Engine.transition: step changed", "sessionID", e.sessionID, "from", from, "to", to)
	if from != to {
		e.emit(Event{Type: EventStepChanged, PreviousStep: from, Step: to})
	}
	return nil
}

// fail appends the generic failure message and wraps cause in kind.
func (e *Engine) fail(tc turnContext, kind, cause error) error {
	slog.Error("Engine.fail: turn failed", "sessionID", e.sessionID, "step", tc.step, "kind", kind, "error", cause)
	e.appendMessage(models.SenderBot, tc.strs.GenericError, nil)
	return fmt.Errorf("%w: %w", kind, cause)
}

// SelectLanguage starts a fresh conversation in the given language and
// streams the greeting.
func (e *Engine) SelectLanguage(ctx context.Context, code string) error {
	lang, err := e.catalog.Language(code)
	if err != nil {
		return err
	}
	strs, err := e.catalog.Strings(lang.Code)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if err := e.checkLocked(ActionSelectLanguage); err != nil {
		step := e.step
		e.mu.Unlock()
		return e.reject(ActionSelectLanguage, step, err)
	}
	previous := e.step
	e.resetLocked()
	e.language = &lang
	e.strs = strs
	e.persona = personaDirective(lang)
	e.busy = true
	tc := e.contextLocked()
	e.mu.Unlock()

	slog.Info("Engine.SelectLanguage: language selected", "sessionID", e.sessionID, "language", lang.Code)
	e.emit(
		Event{Type: EventReset, PreviousStep: previous, Step: models.StepGreeting},
		Event{Type: EventBusyChanged, Busy: true, Step: models.StepGreeting},
	)
	defer e.finish()

	if _, err := e.stream(ctx, tc, nil, greetingInstruction(lang)); err != nil {
		slog.Error("Engine.SelectLanguage: greeting failed", "sessionID", e.sessionID, "error", err)
		e.appendMessage(models.SenderBot, strs.GreetingError, nil)
		return fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	return e.transition(models.StepGreeting, models.StepAwaitingName, nil)
}

// SubmitTurn records a user turn and answers it. An attachment sent while
// awaiting the document upload is analysed with the structured protocol;
// everything else is answered with a streamed reply.
func (e *Engine) SubmitTurn(ctx context.Context, text string, att *models.Attachment) error {
	text = strings.TrimSpace(text)
	if text == "" && att == nil {
		return ErrEmptyTurn
	}
	tc, err := e.begin(ActionSubmitTurn)
	if err != nil {
		return err
	}
	defer e.finish()

	userMsg := e.appendMessage(models.SenderUser, text, att.Ref())

	if att != nil && tc.step == models.StepAwaitingIDUpload {
		return e.extract(ctx, tc, att)
	}

	var instruction string
	switch tc.step {
	case models.StepGreeting:
		instruction = greetingReplyInstruction(tc.lang, RenderText(userMsg))
	case models.StepAwaitingName:
		instruction = nameInstruction(tc.lang, text)
	default:
		instruction = RenderText(userMsg)
	}

	if _, err := e.stream(ctx, tc, tc.history, instruction); err != nil {
		return e.fail(tc, ErrGenerationFailed, err)
	}
	if next := nextStepAfterTurn(tc.step); next != tc.step {
		return e.transition(tc.step, next, nil)
	}
	return nil
}

// SelectIDType records the chosen document kind and asks for the upload.
func (e *Engine) SelectIDType(ctx context.Context, kind models.IDKind) error {
	if _, err := models.ParseIDKind(string(kind)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidIDKind, err)
	}
	tc, err := e.begin(ActionSelectIDType)
	if err != nil {
		return err
	}
	defer e.finish()

	label := tc.strs.IDLabel(kind)
	e.appendMessage(models.SenderUser, label, nil)
	if _, err := e.stream(ctx, tc, tc.history, idTypeInstruction(label)); err != nil {
		return e.fail(tc, ErrGenerationFailed, err)
	}
	return e.transition(models.StepAwaitingIDType, models.StepAwaitingIDUpload, nil)
}

// ConfirmVerification accepts the extracted details and completes onboarding.
func (e *Engine) ConfirmVerification(ctx context.Context) error {
	return e.decide(ctx, ActionConfirm, models.StepVerified, confirmInstruction)
}

// RetryVerification discards the extracted details and asks for a new upload.
func (e *Engine) RetryVerification(ctx context.Context) error {
	return e.decide(ctx, ActionRetry, models.StepAwaitingIDUpload, retryInstruction)
}

// decide streams the acknowledgment of a confirmation decision and only then
// commits it. After a failed acknowledgment the session stays in
// AWAITING_CONFIRMATION with the extracted details intact.
func (e *Engine) decide(ctx context.Context, action Action, to models.Step, instruction func(locale.Language) string) error {
	tc, err := e.begin(action)
	if err != nil {
		return err
	}
	defer e.finish()

	if _, err := e.stream(ctx, tc, tc.history, instruction(tc.lang)); err != nil {
		return e.fail(tc, ErrGenerationFailed, err)
	}
	return e.transition(models.StepAwaitingConfirmation, to, nil)
}

// Reset clears the language and the conversation.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	if err := e.checkLocked(ActionReset); err != nil {
		step := e.step
		e.mu.Unlock()
		return e.reject(ActionReset, step, err)
	}
	previous := e.step
	e.resetLocked()
	e.language = nil
	e.strs = locale.Strings{}
	e.persona = ""
	e.mu.Unlock()

	slog.Info("Engine.Reset: conversation reset", "sessionID", e.sessionID, "previousStep", previous)
	e.emit(Event{Type: EventReset, PreviousStep: previous, Step: models.StepGreeting})
	return nil
}

func (e *Engine) resetLocked() {
	e.transcript.Clear()
	e.step = models.StepGreeting
	e.extracted = nil
}

// Snapshot is a read-only view of engine state.
type Snapshot struct {
	SessionID        string                  `json:"session_id"`
	Language         *locale.Language        `json:"language,omitempty"`
	Step             models.Step             `json:"step"`
	Busy             bool                    `json:"busy"`
	Transcript       []models.Message        `json:"transcript"`
	Extracted        *models.ExtractedIDData `json:"extracted,omitempty"`
	Strings          *locale.Strings         `json:"strings,omitempty"`
	AllowedActions   []Action                `json:"allowed_actions"`
	TextInputEnabled bool                    `json:"text_input_enabled"`
	GatewayAvailable bool                    `json:"gateway_available"`
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		SessionID:        e.sessionID,
		Step:             e.step,
		Busy:             e.busy,
		Transcript:       e.transcript.Messages(),
		GatewayAvailable: e.gateway != nil,
		AllowedActions:   []Action{},
	}
	if e.language != nil {
		lang := *e.language
		strs := e.strs
		snap.Language = &lang
		snap.Strings = &strs
	}
	if e.extracted != nil {
		data := *e.extracted
		snap.Extracted = &data
	}
	for _, action := range actions {
		if e.checkLocked(action) == nil {
			snap.AllowedActions = append(snap.AllowedActions, action)
		}
	}
	snap.TextInputEnabled = e.checkLocked(ActionSubmitTurn) == nil
	return snap
}
