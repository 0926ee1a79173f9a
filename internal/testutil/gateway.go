package testutil

import (
	"context"
	"sync"

	"github.com/BTreeMap/OnboardPipe/internal/genai"
)

// StreamScript scripts one StreamGenerate call.
type StreamScript struct {
	Deltas    []string
	Err       error // sent after Deltas as the final event
	AcceptErr error // returned by StreamGenerate itself

	// Started is closed when the call begins. Release, when set, must be
	// closed before any increment is sent.
	Started chan struct{}
	Release chan struct{}
}

// StructuredScript scripts one StructuredGenerate call.
type StructuredScript struct {
	Body string
	Err  error
}

// StreamCall records the arguments of a StreamGenerate call.
type StreamCall struct {
	History []genai.Turn
	Content genai.Content
	System  string
}

// StructuredCall records the arguments of a StructuredGenerate call.
type StructuredCall struct {
	Content genai.Content
	System  string
	Schema  genai.Schema
}

// FakeGateway is a scripted genai.Gateway. Scripts are consumed in order;
// once exhausted, streams reply with DefaultReply.
type FakeGateway struct {
	mu              sync.Mutex
	streams         []StreamScript
	structured      []StructuredScript
	DefaultReply    string
	StreamCalls     []StreamCall
	StructuredCalls []StructuredCall
}

var _ genai.Gateway = (*FakeGateway)(nil)

// NewFakeGateway returns a gateway that answers every stream with "OK".
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{DefaultReply: "OK"}
}

// QueueStream scripts a successful stream with the given increments.
func (f *FakeGateway) QueueStream(deltas ...string) *FakeGateway {
	return f.QueueStreamScript(StreamScript{Deltas: deltas})
}

// QueueStreamError scripts a stream that fails after the given increments.
func (f *FakeGateway) QueueStreamError(err error, deltas ...string) *FakeGateway {
	return f.QueueStreamScript(StreamScript{Deltas: deltas, Err: err})
}

// QueueStreamScript appends an arbitrary stream script.
func (f *FakeGateway) QueueStreamScript(s StreamScript) *FakeGateway {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, s)
	return f
}

// QueueStructured scripts a structured response body.
func (f *FakeGateway) QueueStructured(body string) *FakeGateway {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.structured = append(f.structured, StructuredScript{Body: body})
	return f
}

// QueueStructuredError scripts a failed structured call.
func (f *FakeGateway) QueueStructuredError(err error) *FakeGateway {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.structured = append(f.structured, StructuredScript{Err: err})
	return f
}

// StreamCallCount returns the number of StreamGenerate calls so far.
func (f *FakeGateway) StreamCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.StreamCalls)
}

// LastStreamCall returns the most recent StreamGenerate call.
func (f *FakeGateway) LastStreamCall() StreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.StreamCalls) == 0 {
		return StreamCall{}
	}
	return f.StreamCalls[len(f.StreamCalls)-1]
}

// StreamGenerate implements genai.Gateway.
func (f *FakeGateway) StreamGenerate(ctx context.Context, history []genai.Turn, content genai.Content, systemInstruction string) (<-chan genai.StreamEvent, error) {
	f.mu.Lock()
	f.StreamCalls = append(f.StreamCalls, StreamCall{
		History: append([]genai.Turn(nil), history...),
		Content: content,
		System:  systemInstruction,
	})
	script := StreamScript{Deltas: []string{f.DefaultReply}}
	if len(f.streams) > 0 {
		script = f.streams[0]
		f.streams = f.streams[1:]
	}
	f.mu.Unlock()

	if script.Started != nil {
		close(script.Started)
	}
	if script.AcceptErr != nil {
		return nil, script.AcceptErr
	}

	events := make(chan genai.StreamEvent)
	go func() {
		defer close(events)
		if script.Release != nil {
			select {
			case <-script.Release:
			case <-ctx.Done():
				return
			}
		}
		for _, d := range script.Deltas {
			select {
			case events <- genai.StreamEvent{Delta: d}:
			case <-ctx.Done():
				return
			}
		}
		if script.Err != nil {
			select {
			case events <- genai.StreamEvent{Err: script.Err}:
			case <-ctx.Done():
			}
		}
	}()
	return events, nil
}

// StructuredGenerate implements genai.Gateway.
func (f *FakeGateway) StructuredGenerate(ctx context.Context, content genai.Content, systemInstruction string, schema genai.Schema) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StructuredCalls = append(f.StructuredCalls, StructuredCall{Content: content, System: systemInstruction, Schema: schema})
	if len(f.structured) == 0 {
		return `{"isValidDocument":false}`, nil
	}
	script := f.structured[0]
	f.structured = f.structured[1:]
	return script.Body, script.Err
}
