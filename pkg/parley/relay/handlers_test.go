package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/parley/pkg/parley/llm"
	"github.com/jholhewres/parley/pkg/parley/session"
)

// fakeGenerator scripts generation: streamed calls replay fragments,
// non-streamed calls pop results in order.
type fakeGenerator struct {
	streamFragments []string
	streamErr       error
	streamCalls     int

	generateResults []string
	generateErrs    []error
	generateCalls   int
}

func (f *fakeGenerator) Generate(ctx context.Context, rawModel, prompt string) (string, error) {
	i := f.generateCalls
	f.generateCalls++
	if i < len(f.generateErrs) && f.generateErrs[i] != nil {
		return "", f.generateErrs[i]
	}
	if i < len(f.generateResults) {
		return f.generateResults[i], nil
	}
	return "", errors.New("unexpected generate call")
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, rawModel, prompt string, onFragment llm.FragmentFunc) (string, error) {
	f.streamCalls++
	if f.streamErr != nil {
		return "", f.streamErr
	}
	var full strings.Builder
	for _, frag := range f.streamFragments {
		full.WriteString(frag)
		if onFragment != nil {
			if err := onFragment(frag); err != nil {
				return full.String(), err
			}
		}
	}
	return full.String(), nil
}

func newTestGateway(gen llm.Generator) (*Gateway, *session.Store) {
	store := session.NewStore()
	g := New(store, gen, nil, Config{DefaultModel: "llama3"}, nil)
	g.startedAt = time.Now()
	return g, store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response not JSON: %v\n%s", err, rec.Body.String())
	}
	return out
}

func decodeEvents(t *testing.T, rec *httptest.ResponseRecorder) []Event {
	t.Helper()
	var events []Event
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("stream line not JSON: %v\n%s", err, line)
		}
		events = append(events, ev)
	}
	return events
}

func TestHealth(t *testing.T) {
	g, store := newTestGateway(&fakeGenerator{})
	store.Create("French", "English", "")

	rec := doJSON(t, g.Handler(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["sessions"] != float64(1) {
		t.Errorf("sessions = %v, want 1", body["sessions"])
	}
	if body["version"] == "" || body["uptime"] == "" {
		t.Errorf("version/uptime missing: %v", body)
	}
}

func TestCreateSession(t *testing.T) {
	gen := &fakeGenerator{generateResults: []string{"Bonjour, bienvenue !", "Hello, welcome!"}}
	g, store := newTestGateway(gen)

	rec := doJSON(t, g.Handler(), http.MethodPost, "/api/session", map[string]string{
		"learning_language": "French",
		"native_language":   "English",
		"situation":         "at the bakery",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)

	id, _ := body["session_id"].(string)
	if id == "" {
		t.Fatal("no session_id in response")
	}
	if body["initial_message"] != "Bonjour, bienvenue !" {
		t.Errorf("initial_message = %v", body["initial_message"])
	}
	if body["initial_translation"] != "Hello, welcome!" {
		t.Errorf("initial_translation = %v", body["initial_translation"])
	}

	s, ok := store.Get(id)
	if !ok {
		t.Fatal("session not stored")
	}
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].Role != session.RoleAssistant || msgs[0].Text != "Bonjour, bienvenue !" {
		t.Errorf("history = %v, want the greeting appended", msgs)
	}
}

func TestCreateSessionDegradesWithoutGreeting(t *testing.T) {
	gen := &fakeGenerator{generateErrs: []error{llm.ErrProviderUnavailable}}
	g, store := newTestGateway(gen)

	rec := doJSON(t, g.Handler(), http.MethodPost, "/api/session", map[string]string{
		"learning_language": "French",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even when greeting fails", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["session_id"] == "" {
		t.Error("no session_id in degraded response")
	}
	if _, present := body["initial_message"]; present {
		t.Error("initial_message present despite generation failure")
	}

	s, _ := store.Get(body["session_id"].(string))
	if len(s.Messages()) != 0 {
		t.Errorf("history = %v, want empty", s.Messages())
	}
}

func TestGetSession(t *testing.T) {
	g, store := newTestGateway(&fakeGenerator{})
	s := store.Create("French", "English", "at the market")
	s.Lock()
	_ = s.Append(session.RoleAssistant, "Bonjour !")
	s.Unlock()

	t.Run("found", func(t *testing.T) {
		rec := doJSON(t, g.Handler(), http.MethodGet, "/api/session/"+s.ID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		body := decodeBody(t, rec)
		if body["id"] != s.ID || body["situation"] != "at the market" {
			t.Errorf("body = %v", body)
		}
		msgs, _ := body["messages"].([]any)
		if len(msgs) != 1 {
			t.Errorf("messages = %v, want 1 entry", body["messages"])
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec := doJSON(t, g.Handler(), http.MethodGet, "/api/session/nope", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestMessageTurnProtocol(t *testing.T) {
	gen := &fakeGenerator{
		streamFragments: []string{"Bon", "jour !"},
		generateResults: []string{"Hello!", "Great sentence."},
	}
	g, store := newTestGateway(gen)
	s := store.Create("French", "English", "")

	rec := doJSON(t, g.Handler(), http.MethodPost, "/api/message", map[string]string{
		"session_id": s.ID,
		"text":       "Bonjour, ça va ?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q, want application/x-ndjson", ct)
	}

	events := decodeEvents(t, rec)
	want := []Event{
		{Type: EventStatus, Message: "Generating reply..."},
		{Type: EventReply, Text: "Bon"},
		{Type: EventReply, Text: "Bonjour !"},
		{Type: EventStatus, Message: "Translating..."},
		{Type: EventTranslation, Text: "Hello!"},
		{Type: EventStatus, Message: "Analyzing your message..."},
		{Type: EventFeedback, Text: "Great sentence."},
		{Type: EventDone},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, events[i], want[i])
		}
	}

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("history has %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != session.RoleUser || msgs[0].Text != "Bonjour, ça va ?" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Role != session.RoleAssistant || msgs[1].Text != "Bonjour !" {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
}

func TestMessageEmptyReplyStillEmitsReplyEvent(t *testing.T) {
	gen := &fakeGenerator{
		streamFragments: nil, // model produced nothing
		generateResults: []string{"", "Nothing to translate."},
	}
	g, store := newTestGateway(gen)
	s := store.Create("French", "English", "")

	rec := doJSON(t, g.Handler(), http.MethodPost, "/api/message", map[string]string{
		"session_id": s.ID,
		"text":       "bonjour",
	})
	events := decodeEvents(t, rec)

	replies := 0
	for _, ev := range events {
		if ev.Type == EventReply {
			replies++
		}
	}
	if replies != 1 {
		t.Errorf("got %d reply events, want exactly 1 even for an empty reply: %+v", replies, events)
	}
	if events[len(events)-1].Type != EventDone {
		t.Errorf("last event = %+v, want done", events[len(events)-1])
	}

	// An empty reply is never appended to the history.
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].Role != session.RoleUser {
		t.Errorf("history = %v, want only the user message", msgs)
	}
}

func TestMessageValidation(t *testing.T) {
	g, store := newTestGateway(&fakeGenerator{})
	s := store.Create("French", "English", "")

	t.Run("missing text", func(t *testing.T) {
		rec := doJSON(t, g.Handler(), http.MethodPost, "/api/message", map[string]string{
			"session_id": s.ID,
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		rec := doJSON(t, g.Handler(), http.MethodPost, "/api/message", map[string]string{
			"session_id": "nope",
			"text":       "bonjour",
		})
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	if len(s.Messages()) != 0 {
		t.Errorf("history mutated by rejected requests: %v", s.Messages())
	}
}

func TestMessageReplyFailureEmitsSingleError(t *testing.T) {
	gen := &fakeGenerator{streamErr: llm.ErrQuotaExceeded}
	g, store := newTestGateway(gen)
	s := store.Create("French", "English", "")

	rec := doJSON(t, g.Handler(), http.MethodPost, "/api/message", map[string]string{
		"session_id": s.ID,
		"text":       "bonjour",
	})
	events := decodeEvents(t, rec)
	if len(events) != 2 {
		t.Fatalf("got %d events, want status then error: %+v", len(events), events)
	}
	if events[0].Type != EventStatus {
		t.Errorf("event[0] = %+v, want status", events[0])
	}
	if events[1].Type != EventError || !strings.Contains(events[1].Message, "quota") {
		t.Errorf("event[1] = %+v, want quota error", events[1])
	}

	// The user message lands in the history; the failed reply does not.
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].Role != session.RoleUser {
		t.Errorf("history = %v, want only the user message", msgs)
	}
}

func TestMessageTranslationFailureKeepsReply(t *testing.T) {
	gen := &fakeGenerator{
		streamFragments: []string{"Bonjour !"},
		generateErrs:    []error{errors.New("translation boom")},
	}
	g, store := newTestGateway(gen)
	s := store.Create("French", "English", "")

	rec := doJSON(t, g.Handler(), http.MethodPost, "/api/message", map[string]string{
		"session_id": s.ID,
		"text":       "bonjour",
	})
	events := decodeEvents(t, rec)
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Errorf("last event = %+v, want error", last)
	}
	errorCount := 0
	doneCount := 0
	for _, ev := range events {
		switch ev.Type {
		case EventError:
			errorCount++
		case EventDone:
			doneCount++
		}
	}
	if errorCount != 1 || doneCount != 0 {
		t.Errorf("events = %+v, want exactly one error and no done", events)
	}

	// The reply succeeded before the failure and stays in the history.
	msgs := s.Messages()
	if len(msgs) != 2 || msgs[1].Text != "Bonjour !" {
		t.Errorf("history = %v, want user message and reply", msgs)
	}
}

func TestSuggestSituation(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		gen := &fakeGenerator{generateResults: []string{"returning a faulty appliance\nextra commentary"}}
		g, _ := newTestGateway(gen)

		rec := doJSON(t, g.Handler(), http.MethodGet, "/api/suggest-situation", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		body := decodeBody(t, rec)
		if body["suggestion"] != "returning a faulty appliance" {
			t.Errorf("suggestion = %v, want first line only", body["suggestion"])
		}
	})

	t.Run("failure falls back", func(t *testing.T) {
		gen := &fakeGenerator{generateErrs: []error{llm.ErrProviderUnavailable}}
		g, _ := newTestGateway(gen)

		rec := doJSON(t, g.Handler(), http.MethodGet, "/api/suggest-situation", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 on fallback", rec.Code)
		}
		body := decodeBody(t, rec)
		if body["suggestion"] != fallbackSuggestion {
			t.Errorf("suggestion = %v, want fallback", body["suggestion"])
		}
	})
}

func TestMiddlewareHeaders(t *testing.T) {
	g, _ := newTestGateway(&fakeGenerator{})
	h := g.Handler()

	t.Run("security headers", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/health", nil)
		if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Error("missing nosniff header")
		}
		if rec.Header().Get("X-Frame-Options") != "DENY" {
			t.Error("missing frame options header")
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/message", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("preflight status = %d, want 204", rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") == "" {
			t.Error("missing CORS origin header")
		}
	})
}

func TestMethodNotAllowed(t *testing.T) {
	g, _ := newTestGateway(&fakeGenerator{})
	h := g.Handler()

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodDelete, "/health"},
		{http.MethodGet, "/api/message"},
		{http.MethodPost, "/api/suggest-situation"},
	}
	for _, tt := range tests {
		rec := doJSON(t, h, tt.method, tt.path, nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s = %d, want 405", tt.method, tt.path, rec.Code)
		}
	}
}
