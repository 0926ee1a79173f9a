package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/genai"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncrementTransition("a", "b")
	m.IncrementRejected("x", "busy")
	m.IncrementExtraction("valid")
	m.IncrementMessage("bot")
	m.ObserveGatewayCall("stream", "ok", 0)
	m.IncrementChannelMessage("telegram", "in")
	m.SetActiveSessions(3)
	m.Observer().Notify(flow.Event{Type: flow.EventStepChanged})
}

func TestObserverCountsEngineEvents(t *testing.T) {
	m := New(prometheus.NewRegistry())
	g := testutil.NewFakeGateway()
	e := flow.NewEngine(g, nil, flow.WithObserver(m.Observer()))
	ctx := context.Background()

	if err := e.SubmitTurn(ctx, "hi", nil); !errors.Is(err, flow.ErrNoLanguage) {
		t.Fatalf("expected ErrNoLanguage, got %v", err)
	}
	if err := e.SelectLanguage(ctx, "en"); err != nil {
		t.Fatalf("SelectLanguage: %v", err)
	}
	if err := e.SubmitTurn(ctx, "Asha", nil); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}

	if got := promtestutil.ToFloat64(m.ActionsRejected.WithLabelValues(string(flow.ActionSubmitTurn), "no_language")); got != 1 {
		t.Errorf("expected 1 rejection, got %v", got)
	}
	if got := promtestutil.ToFloat64(m.StepTransitions.WithLabelValues(string(models.StepAwaitingName), string(models.StepAwaitingIDType))); got != 1 {
		t.Errorf("expected 1 name transition, got %v", got)
	}
	if got := promtestutil.ToFloat64(m.Messages.WithLabelValues(string(models.SenderBot))); got != 2 {
		t.Errorf("expected 2 bot messages, got %v", got)
	}
	if got := promtestutil.ToFloat64(m.Messages.WithLabelValues(string(models.SenderUser))); got != 1 {
		t.Errorf("expected 1 user message, got %v", got)
	}
}

func TestInstrumentGateway(t *testing.T) {
	m := New(prometheus.NewRegistry())
	fake := testutil.NewFakeGateway().
		QueueStream("a", "b").
		QueueStreamError(errors.New("boom"), "c").
		QueueStructured(`{"isValidDocument":false}`).
		QueueStructuredError(errors.New("down"))
	g := InstrumentGateway(fake, m)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		events, err := g.StreamGenerate(ctx, nil, genai.Content{Text: "x"}, "")
		if err != nil {
			t.Fatalf("StreamGenerate: %v", err)
		}
		for range events {
		}
	}
	_, _ = g.StructuredGenerate(ctx, genai.Content{}, "", genai.Schema{})
	_, _ = g.StructuredGenerate(ctx, genai.Content{}, "", genai.Schema{})

	checks := []struct {
		method, result string
		want           float64
	}{
		{methodStream, resultOK, 1},
		{methodStream, resultError, 1},
		{methodStructured, resultOK, 1},
		{methodStructured, resultError, 1},
	}
	for _, c := range checks {
		if got := promtestutil.ToFloat64(m.GatewayRequests.WithLabelValues(c.method, c.result)); got != c.want {
			t.Errorf("%s/%s: expected %v, got %v", c.method, c.result, c.want, got)
		}
	}
}

func TestInstrumentGatewayKeepsNil(t *testing.T) {
	if g := InstrumentGateway(nil, New(prometheus.NewRegistry())); g != nil {
		t.Errorf("expected nil gateway to stay nil, got %T", g)
	}
}

func TestRejectionReason(t *testing.T) {
	tests := map[error]string{
		flow.ErrBusy:               "busy",
		flow.ErrActionNotAllowed:   "not_allowed",
		flow.ErrNoLanguage:         "no_language",
		flow.ErrGatewayUnavailable: "gateway_unavailable",
		errors.New("x"):            "other",
	}
	for err, want := range tests {
		if got := RejectionReason(err); got != want {
			t.Errorf("RejectionReason(%v) = %q, want %q", err, got, want)
		}
	}
}
