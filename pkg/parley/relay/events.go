package relay

import (
	"encoding/json"
	"net/http"
)

// Event types of the streamed turn protocol, one JSON object per line.
const (
	EventStatus      = "status"
	EventReply       = "reply"
	EventTranslation = "translation"
	EventFeedback    = "feedback"
	EventDone        = "done"
	EventError       = "error"
)

// Event is the tagged union written to the client. Status and error events
// carry Message; reply, translation and feedback events carry Text.
type Event struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Text    string `json:"text,omitempty"`
}

// eventWriter emits NDJSON events, flushing after every line so the client
// sees each event as soon as it exists.
type eventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	enc     *json.Encoder
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	flusher, _ := w.(http.Flusher)
	return &eventWriter{w: w, flusher: flusher, enc: json.NewEncoder(w)}
}

// send writes one event line. The encoder terminates each object with '\n'.
func (ew *eventWriter) send(ev Event) error {
	if err := ew.enc.Encode(ev); err != nil {
		return err
	}
	if ew.flusher != nil {
		ew.flusher.Flush()
	}
	return nil
}

func (ew *eventWriter) status(message string) error {
	return ew.send(Event{Type: EventStatus, Message: message})
}

func (ew *eventWriter) fail(message string) {
	// Best effort: the client may already be gone.
	_ = ew.send(Event{Type: EventError, Message: message})
}
