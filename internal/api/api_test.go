package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/session"
	"github.com/BTreeMap/OnboardPipe/internal/store"
	"github.com/BTreeMap/OnboardPipe/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type snapshotResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Result  flow.Snapshot `json:"result"`
}

type APIServerSuite struct {
	suite.Suite
	gateway  *testutil.FakeGateway
	store    *store.InMemoryStore
	sessions *session.Manager
	server   *Server
}

func TestAPIServerSuite(t *testing.T) {
	suite.Run(t, new(APIServerSuite))
}

func (s *APIServerSuite) SetupTest() {
	s.gateway = testutil.NewFakeGateway()
	s.store = store.NewInMemoryStore()
	s.sessions = session.NewManager(s.gateway, session.WithObserver(flow.NewTransitionLedger(s.store)))
	webhook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.server = NewServer(s.sessions, s.store,
		WithGatherer(prometheus.NewRegistry()),
		WithTwilioWebhook(webhook),
		WithKeepAlive(time.Hour),
	)
}

func (s *APIServerSuite) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(testutil.MustMarshalJSON(s.T(), body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.server.ServeHTTP(w, req)
	return w
}

func (s *APIServerSuite) decode(w *httptest.ResponseRecorder) snapshotResponse {
	var resp snapshotResponse
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func (s *APIServerSuite) createSession(language string) string {
	var body interface{}
	if language != "" {
		body = map[string]string{"language": language}
	}
	w := s.do(http.MethodPost, "/sessions", body)
	require.Equal(s.T(), http.StatusCreated, w.Code, w.Body.String())
	return s.decode(w).Result.SessionID
}

func (s *APIServerSuite) TestHealth() {
	w := s.do(http.MethodGet, "/health", nil)
	assert.Equal(s.T(), http.StatusOK, w.Code)
	assert.Contains(s.T(), w.Body.String(), `"status":"ok"`)
}

func (s *APIServerSuite) TestLanguages() {
	w := s.do(http.MethodGet, "/languages", nil)
	require.Equal(s.T(), http.StatusOK, w.Code)
	var resp struct {
		Result []map[string]string `json:"result"`
	}
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(s.T(), resp.Result, 12)

	w = s.do(http.MethodGet, "/languages/hi/strings", nil)
	assert.Equal(s.T(), http.StatusOK, w.Code)
	assert.Contains(s.T(), w.Body.String(), "पैन")

	w = s.do(http.MethodGet, "/languages/xx/strings", nil)
	assert.Equal(s.T(), http.StatusNotFound, w.Code)
}

func (s *APIServerSuite) TestCreateSessionWithoutLanguage() {
	w := s.do(http.MethodPost, "/sessions", nil)
	require.Equal(s.T(), http.StatusCreated, w.Code)
	resp := s.decode(w)
	assert.Equal(s.T(), models.StepGreeting, resp.Result.Step)
	assert.Nil(s.T(), resp.Result.Language)
	assert.True(s.T(), resp.Result.GatewayAvailable)
	assert.Equal(s.T(), 1, s.sessions.Len())
}

func (s *APIServerSuite) TestCreateSessionWithUnknownLanguage() {
	w := s.do(http.MethodPost, "/sessions", map[string]string{"language": "fr"})
	assert.Equal(s.T(), http.StatusBadRequest, w.Code)
	assert.Equal(s.T(), 0, s.sessions.Len())
}

func (s *APIServerSuite) TestFullOnboardingOverHTTP() {
	s.gateway.QueueStream("Welcome! ", "What's your name?")
	id := s.createSession("en")

	snap := s.decode(s.do(http.MethodGet, "/sessions/"+id, nil)).Result
	require.Equal(s.T(), models.StepAwaitingName, snap.Step)
	require.Len(s.T(), snap.Transcript, 1)
	assert.Equal(s.T(), "Welcome! What's your name?", snap.Transcript[0].Text)

	w := s.do(http.MethodPost, "/sessions/"+id+"/turns", map[string]string{"text": "Asha"})
	require.Equal(s.T(), http.StatusOK, w.Code, w.Body.String())
	assert.Equal(s.T(), models.StepAwaitingIDType, s.decode(w).Result.Step)

	w = s.do(http.MethodPost, "/sessions/"+id+"/turns", map[string]string{"text": "PAN"})
	assert.Equal(s.T(), http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/sessions/"+id+"/id-type", map[string]string{"id_type": "PAN"})
	require.Equal(s.T(), http.StatusOK, w.Code, w.Body.String())
	assert.Equal(s.T(), models.StepAwaitingIDUpload, s.decode(w).Result.Step)

	s.gateway.QueueStructured(`{"isValidDocument":true,"name":"Asha Rao","idNumber":"ABCDE1234F"}`)
	w = s.upload(id, "pan.png", []byte("\x89PNG\r\n\x1a\nfake"))
	require.Equal(s.T(), http.StatusOK, w.Code, w.Body.String())
	snap = s.decode(w).Result
	assert.Equal(s.T(), models.StepAwaitingConfirmation, snap.Step)
	require.NotNil(s.T(), snap.Extracted)
	assert.Equal(s.T(), models.NotAvailable, snap.Extracted.DOB)
	assert.Equal(s.T(), "image/png", s.gateway.StructuredCalls[0].Content.Attachments[0].MIMEType)

	w = s.do(http.MethodPost, "/sessions/"+id+"/confirm", nil)
	require.Equal(s.T(), http.StatusOK, w.Code, w.Body.String())
	snap = s.decode(w).Result
	assert.Equal(s.T(), models.StepVerified, snap.Step)
	assert.Nil(s.T(), snap.Extracted)

	w = s.do(http.MethodGet, "/sessions/"+id+"/transitions", nil)
	require.Equal(s.T(), http.StatusOK, w.Code)
	var ledger struct {
		Result []models.StepTransition `json:"result"`
	}
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &ledger))
	require.NotEmpty(s.T(), ledger.Result)
	assert.Equal(s.T(), models.StepVerified, ledger.Result[len(ledger.Result)-1].ToStep)
}

func (s *APIServerSuite) upload(id, name string, data []byte) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(s.T(), mw.WriteField("text", "here"))
	part, err := mw.CreateFormFile("file", name)
	require.NoError(s.T(), err)
	_, err = part.Write(data)
	require.NoError(s.T(), err)
	require.NoError(s.T(), mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/turns", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.server.ServeHTTP(w, req)
	return w
}

func (s *APIServerSuite) TestErrorMapping() {
	id := s.createSession("")

	w := s.do(http.MethodPost, "/sessions/"+id+"/turns", map[string]string{"text": "hi"})
	assert.Equal(s.T(), http.StatusConflict, w.Code, "no language")

	w = s.do(http.MethodPost, "/sessions/"+id+"/language", map[string]string{"language": "zz"})
	assert.Equal(s.T(), http.StatusBadRequest, w.Code, "unknown language")

	w = s.do(http.MethodPost, "/sessions/"+id+"/language", map[string]string{})
	assert.Equal(s.T(), http.StatusBadRequest, w.Code, "missing language")

	w = s.do(http.MethodPost, "/sessions/"+id+"/language", map[string]string{"language": "en"})
	require.Equal(s.T(), http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/sessions/"+id+"/turns", map[string]string{"text": "  "})
	assert.Equal(s.T(), http.StatusBadRequest, w.Code, "empty turn")

	w = s.do(http.MethodPost, "/sessions/"+id+"/id-type", map[string]string{"id_type": "voter"})
	assert.Equal(s.T(), http.StatusBadRequest, w.Code, "invalid id type")

	w = s.do(http.MethodPost, "/sessions/"+id+"/confirm", nil)
	assert.Equal(s.T(), http.StatusConflict, w.Code, "confirm outside confirmation")

	s.gateway.QueueStreamError(errors.New("upstream"), "Nice")
	w = s.do(http.MethodPost, "/sessions/"+id+"/turns", map[string]string{"text": "Asha"})
	require.Equal(s.T(), http.StatusBadGateway, w.Code, "generation failure")
	resp := s.decode(w)
	assert.Equal(s.T(), "error", resp.Status)
	assert.Equal(s.T(), models.StepAwaitingName, resp.Result.Step)
	last := resp.Result.Transcript[len(resp.Result.Transcript)-1]
	assert.Equal(s.T(), "Sorry, I encountered an error. Please try again.", last.Text)

	w = s.do(http.MethodGet, "/sessions/missing", nil)
	assert.Equal(s.T(), http.StatusNotFound, w.Code)
	w = s.do(http.MethodPost, "/sessions/missing/reset", nil)
	assert.Equal(s.T(), http.StatusNotFound, w.Code)
}

func (s *APIServerSuite) TestGatewayUnavailable() {
	sessions := session.NewManager(nil)
	server := NewServer(sessions, store.NewInMemoryStore(), WithGatherer(prometheus.NewRegistry()))
	e := sessions.Create()

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+e.SessionID()+"/language", strings.NewReader(`{"language":"en"}`))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	assert.Equal(s.T(), http.StatusServiceUnavailable, w.Code)
}

func (s *APIServerSuite) TestResetAndDelete() {
	id := s.createSession("en")

	w := s.do(http.MethodPost, "/sessions/"+id+"/reset", nil)
	require.Equal(s.T(), http.StatusOK, w.Code)
	snap := s.decode(w).Result
	assert.Equal(s.T(), models.StepGreeting, snap.Step)
	assert.Empty(s.T(), snap.Transcript)

	w = s.do(http.MethodDelete, "/sessions/"+id, nil)
	assert.Equal(s.T(), http.StatusOK, w.Code)
	w = s.do(http.MethodDelete, "/sessions/"+id, nil)
	assert.Equal(s.T(), http.StatusNotFound, w.Code)
}

func (s *APIServerSuite) TestReceiptsAndWebhook() {
	require.NoError(s.T(), s.store.AddReceipt(models.Receipt{To: "+1", Status: models.MessageStatusSent, Time: 1}))
	w := s.do(http.MethodGet, "/receipts", nil)
	assert.Equal(s.T(), http.StatusOK, w.Code)
	assert.Contains(s.T(), w.Body.String(), `"to":"+1"`)

	w = s.do(http.MethodPost, TwilioWebhookPath, nil)
	assert.Equal(s.T(), http.StatusNoContent, w.Code)
}

func (s *APIServerSuite) TestMetricsEndpoint() {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "onboard_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	server := NewServer(s.sessions, s.store, WithGatherer(reg))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	assert.Equal(s.T(), http.StatusOK, w.Code)
	assert.Contains(s.T(), w.Body.String(), "onboard_test_total 1")
}

func (s *APIServerSuite) TestEventsStream() {
	id := s.createSession("")
	ts := httptest.NewServer(s.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sessions/"+id+"/events", nil)
	require.NoError(s.T(), err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.T(), err)
	defer resp.Body.Close()
	assert.Equal(s.T(), "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first := readSSEEvent(s.T(), reader)
	assert.Equal(s.T(), snapshotEvent, first)

	engine, err := s.sessions.Get(id)
	require.NoError(s.T(), err)
	require.NoError(s.T(), engine.SelectLanguage(context.Background(), "en"))

	seen := map[string]bool{}
	for !seen[string(flow.EventStepChanged)] {
		seen[readSSEEvent(s.T(), reader)] = true
	}
	assert.True(s.T(), seen[string(flow.EventReset)])
	assert.True(s.T(), seen[string(flow.EventMessageAppended)])
}

func (s *APIServerSuite) TestEventsStreamOmitsRejectedActions() {
	id := s.createSession("")
	ts := httptest.NewServer(s.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sessions/"+id+"/events", nil)
	require.NoError(s.T(), err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.T(), err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	require.Equal(s.T(), snapshotEvent, readSSEEvent(s.T(), reader))

	engine, err := s.sessions.Get(id)
	require.NoError(s.T(), err)
	require.ErrorIs(s.T(), engine.ConfirmVerification(context.Background()), flow.ErrNoLanguage)
	require.NoError(s.T(), engine.SelectLanguage(context.Background(), "en"))

	assert.Equal(s.T(), string(flow.EventReset), readSSEEvent(s.T(), reader))
}

// readSSEEvent returns the event name of the next SSE frame.
func readSSEEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var name string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var payload map[string]any
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload))
			require.Contains(t, payload, "snapshot")
		case line == "" && name != "":
			return name
		}
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrSessionNotFound, http.StatusNotFound},
		{flow.ErrBusy, http.StatusConflict},
		{flow.ErrActionNotAllowed, http.StatusConflict},
		{flow.ErrNoLanguage, http.StatusConflict},
		{flow.ErrUnknownLanguage, http.StatusBadRequest},
		{flow.ErrEmptyTurn, http.StatusBadRequest},
		{flow.ErrGatewayUnavailable, http.StatusServiceUnavailable},
		{errors.Join(flow.ErrExtractionFailed, errors.New("x")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), tt.err.Error())
	}
}
