package metrics

import (
	"context"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/genai"
)

const (
	methodStream     = "stream"
	methodStructured = "structured"

	resultOK       = "ok"
	resultError    = "error"
	resultCanceled = "canceled"
)

// instrumentedGateway times every call of the wrapped gateway.
type instrumentedGateway struct {
	next    genai.Gateway
	metrics *Metrics
}

// InstrumentGateway wraps g so that every call is counted and timed. A nil
// g stays nil so that callers can still detect a missing gateway.
func InstrumentGateway(g genai.Gateway, m *Metrics) genai.Gateway {
	if g == nil || m == nil {
		return g
	}
	return &instrumentedGateway{next: g, metrics: m}
}

func (g *instrumentedGateway) StreamGenerate(ctx context.Context, history []genai.Turn, content genai.Content, systemInstruction string) (<-chan genai.StreamEvent, error) {
	start := time.Now()
	in, err := g.next.StreamGenerate(ctx, history, content, systemInstruction)
	if err != nil {
		g.metrics.ObserveGatewayCall(methodStream, resultError, time.Since(start))
		return nil, err
	}

	out := make(chan genai.StreamEvent)
	go func() {
		defer close(out)
		result := resultOK
		for ev := range in {
			if ev.Err != nil {
				result = resultError
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				result = resultCanceled
				for range in {
				}
				g.metrics.ObserveGatewayCall(methodStream, result, time.Since(start))
				return
			}
		}
		g.metrics.ObserveGatewayCall(methodStream, result, time.Since(start))
	}()
	return out, nil
}

func (g *instrumentedGateway) StructuredGenerate(ctx context.Context, content genai.Content, systemInstruction string, schema genai.Schema) (string, error) {
	start := time.Now()
	body, err := g.next.StructuredGenerate(ctx, content, systemInstruction, schema)
	result := resultOK
	if err != nil {
		result = resultError
	}
	g.metrics.ObserveGatewayCall(methodStructured, result, time.Since(start))
	return body, err
}
