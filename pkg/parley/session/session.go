// Package session implements the process-lifetime session store. Sessions hold
// the roleplay setup and the running conversation; they live exactly as long
// as the process and are never deleted.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Roles a conversation message may carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrInvalidMessage rejects appends with an empty text or an unknown role.
var ErrInvalidMessage = errors.New("message requires a non-empty text and a user or assistant role")

// Message is one entry in a session's conversation history.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Session is one roleplay conversation. A per-session mutex serializes turns:
// two concurrent posts against the same session id append in sequence, never
// interleaved. Unrelated sessions do not contend.
type Session struct {
	ID               string `json:"id"`
	LearningLanguage string `json:"learning_language,omitempty"`
	NativeLanguage   string `json:"native_language,omitempty"`
	Situation        string `json:"situation,omitempty"`

	mu       sync.Mutex
	messages []Message
}

// Lock acquires the per-turn lock. Callers hold it across one complete turn.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the per-turn lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// Append adds one message to the history. The caller must hold the session
// lock. Empty text or an unknown role is rejected.
func (s *Session) Append(role, text string) error {
	if text == "" || (role != RoleUser && role != RoleAssistant) {
		return ErrInvalidMessage
	}
	s.messages = append(s.messages, Message{Role: role, Text: text})
	return nil
}

// Messages returns a copy of the history. It takes the session lock itself,
// so it is safe concurrently with an in-flight turn.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyMessages()
}

// MessagesLocked returns a copy of the history for callers that already hold
// the session lock. The lock is not reentrant; calling Messages inside a turn
// would self-deadlock.
func (s *Session) MessagesLocked() []Message {
	return s.copyMessages()
}

func (s *Session) copyMessages() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Store owns the id → session map for the process lifetime.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty store. One store is created at process start and
// injected into the handlers; there is no ambient global.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create registers a new session with a fresh UUID and returns it.
func (st *Store) Create(learningLanguage, nativeLanguage, situation string) *Session {
	s := &Session{
		ID:               uuid.NewString(),
		LearningLanguage: learningLanguage,
		NativeLanguage:   nativeLanguage,
		Situation:        situation,
	}
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
	return s
}

// Get looks a session up by id.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Count returns the number of live sessions. Used by the health endpoint.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
