package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/parley/pkg/parley/llm"
	"github.com/jholhewres/parley/pkg/parley/session"
	"github.com/jholhewres/parley/pkg/parley/usage"
)

const version = "1.0.0"

// maxBodyBytes limits request bodies to keep oversized payloads out.
const maxBodyBytes = 1 * 1024 * 1024

// errorResponse is the consistent JSON error format for non-streamed replies.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	_ = json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		g.writeError(w, "failed to read body", http.StatusBadRequest)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		g.writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  version,
		"uptime":   uptime,
		"sessions": g.store.Count(),
	})
}

// createSessionRequest is the POST /api/session body.
type createSessionRequest struct {
	LearningLanguage string `json:"learning_language"`
	NativeLanguage   string `json:"native_language"`
	Situation        string `json:"situation"`
	Model            string `json:"model"`
}

// handleCreateSession implements POST /api/session. The relay opens the
// roleplay with an in-character greeting plus its translation; if generation
// fails the session is still created and returned without them.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createSessionRequest
	if !g.readJSON(w, r, &req) {
		return
	}

	s := g.store.Create(req.LearningLanguage, req.NativeLanguage, req.Situation)
	g.logger.Info("created session",
		"session_id", s.ID,
		"learning", req.LearningLanguage,
		"native", req.NativeLanguage,
		"situation", req.Situation,
	)

	resp := map[string]any{"session_id": s.ID}

	greeting, err := g.generator.Generate(r.Context(), req.Model, greetingPrompt(s))
	if err != nil || strings.TrimSpace(greeting) == "" {
		if err != nil {
			g.logger.Warn("initial greeting failed, returning session only", "session_id", s.ID, "error", err)
		}
		g.writeJSON(w, http.StatusOK, resp)
		return
	}
	greeting = strings.TrimSpace(greeting)

	s.Lock()
	_ = s.Append(session.RoleAssistant, greeting)
	s.Unlock()
	resp["initial_message"] = greeting

	translation, err := g.generator.Generate(r.Context(), req.Model, translationPrompt(s, greeting))
	if err != nil {
		g.logger.Warn("initial translation failed", "session_id", s.ID, "error", err)
	} else if t := strings.TrimSpace(translation); t != "" {
		resp["initial_translation"] = t
	}

	g.writeJSON(w, http.StatusOK, resp)
}

// handleGetSession implements GET /api/session/{id}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/session/")
	if id == "" {
		g.writeError(w, "session id required", http.StatusBadRequest)
		return
	}
	s, ok := g.store.Get(id)
	if !ok {
		g.writeError(w, "session not found", http.StatusNotFound)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"id":                s.ID,
		"learning_language": s.LearningLanguage,
		"native_language":   s.NativeLanguage,
		"situation":         s.Situation,
		"messages":          s.Messages(),
	})
}

// messageRequest is the POST /api/message body.
type messageRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Model     string `json:"model"`
}

// handleMessage implements POST /api/message: one full turn streamed as
// NDJSON events. Validation failures are plain 4xx responses; once streaming
// has begun, any failure becomes a single error event and the stream ends.
func (g *Gateway) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req messageRequest
	if !g.readJSON(w, r, &req) {
		return
	}
	if req.Text == "" {
		g.writeError(w, "missing text", http.StatusBadRequest)
		return
	}
	s, ok := g.store.Get(req.SessionID)
	if !ok {
		g.writeError(w, "session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	ew := newEventWriter(w)

	// Turns against one session serialize here; see the session package.
	s.Lock()
	defer s.Unlock()

	g.runTurn(r.Context(), ew, s, req)
}

// runTurn executes reply → translation → feedback for one user message,
// emitting protocol events as results arrive. The session lock is held by the
// caller for the whole turn.
func (g *Gateway) runTurn(ctx context.Context, ew *eventWriter, s *session.Session, req messageRequest) {
	start := time.Now()
	fragments := 0

	ref := llm.ParseModelRef(req.Model, g.config.DefaultModel)
	record := func(err error) {
		g.recorder.Record(usage.Turn{
			SessionID: s.ID,
			Provider:  string(ref.Provider),
			Model:     ref.Name,
			Duration:  time.Since(start),
			Fragments: fragments,
			ErrorKind: llm.Kind(err),
		})
	}

	if err := s.Append(session.RoleUser, req.Text); err != nil {
		ew.fail(err.Error())
		record(err)
		return
	}

	if err := ew.status("Generating reply..."); err != nil {
		record(nil)
		return
	}

	var accumulated strings.Builder
	reply, err := g.generator.GenerateStream(ctx, req.Model, replyPrompt(s), func(fragment string) error {
		accumulated.WriteString(fragment)
		fragments++
		return ew.send(Event{Type: EventReply, Text: accumulated.String()})
	})
	if err != nil {
		// A dropped client is not a provider failure: stop quietly. Either
		// way the assistant reply is never appended for this turn.
		if ctx.Err() == nil {
			g.logger.Error("reply generation failed", "session_id", s.ID, "error", err)
			ew.fail(err.Error())
		}
		record(err)
		return
	}
	reply = strings.TrimSpace(reply)
	if fragments == 0 {
		// The protocol promises at least one reply event per turn, both for
		// non-streaming providers that deliver the whole text at once and
		// for models that produced nothing.
		if err := ew.send(Event{Type: EventReply, Text: reply}); err != nil {
			record(nil)
			return
		}
	}
	if reply != "" {
		if err := s.Append(session.RoleAssistant, reply); err != nil {
			ew.fail(err.Error())
			record(err)
			return
		}
	}

	if err := ew.status("Translating..."); err != nil {
		record(nil)
		return
	}
	translation, err := g.generator.Generate(ctx, req.Model, translationPrompt(s, reply))
	if err != nil {
		if ctx.Err() == nil {
			g.logger.Error("translation failed", "session_id", s.ID, "error", err)
			ew.fail(err.Error())
		}
		record(err)
		return
	}
	if err := ew.send(Event{Type: EventTranslation, Text: strings.TrimSpace(translation)}); err != nil {
		record(nil)
		return
	}

	if err := ew.status("Analyzing your message..."); err != nil {
		record(nil)
		return
	}
	feedback, err := g.generator.Generate(ctx, req.Model, feedbackPrompt(s, req.Text))
	if err != nil {
		if ctx.Err() == nil {
			g.logger.Error("feedback failed", "session_id", s.ID, "error", err)
			ew.fail(err.Error())
		}
		record(err)
		return
	}
	if err := ew.send(Event{Type: EventFeedback, Text: strings.TrimSpace(feedback)}); err != nil {
		record(nil)
		return
	}

	_ = ew.send(Event{Type: EventDone})
	record(nil)
	g.logger.Info("turn complete",
		"session_id", s.ID,
		"model", ref.String(),
		"duration_ms", time.Since(start).Milliseconds(),
		"fragments", fragments,
	)
}

// handleSuggestSituation implements GET /api/suggest-situation. Any failure
// degrades to a hardcoded suggestion; the endpoint never errors.
func (g *Gateway) handleSuggestSituation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	suggestion, err := g.generator.Generate(r.Context(), "", suggestionPrompt)
	if err != nil || strings.TrimSpace(suggestion) == "" {
		if err != nil {
			g.logger.Warn("situation suggestion failed, using fallback", "error", err)
		}
		suggestion = fallbackSuggestion
	}
	suggestion = strings.TrimSpace(suggestion)
	// Keep it to one line; models occasionally pad with commentary.
	if i := strings.IndexByte(suggestion, '\n'); i >= 0 {
		suggestion = strings.TrimSpace(suggestion[:i])
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"suggestion": suggestion})
}
