package relay

import (
	"fmt"
	"strings"

	"github.com/jholhewres/parley/pkg/parley/session"
)

// Defaults applied when a session was created without the corresponding field.
const (
	defaultLearningLanguage = "French"
	defaultNativeLanguage   = "English"
	defaultSituation        = "a casual conversation"
)

// fallbackSuggestion is returned by the situation-suggestion endpoint whenever
// generation fails for any reason.
const fallbackSuggestion = "ordering coffee at a small café"

// sessionLanguages returns the effective languages and situation for a session.
func sessionLanguages(s *session.Session) (learning, native, situation string) {
	learning = s.LearningLanguage
	if learning == "" {
		learning = defaultLearningLanguage
	}
	native = s.NativeLanguage
	if native == "" {
		native = defaultNativeLanguage
	}
	situation = s.Situation
	if situation == "" {
		situation = defaultSituation
	}
	return learning, native, situation
}

// replyPrompt builds the in-character roleplay prompt from the session setup
// and the running conversation. The caller must hold the session lock.
func replyPrompt(s *session.Session) string {
	learning, native, situation := sessionLanguages(s)

	var conversation strings.Builder
	for _, m := range s.MessagesLocked() {
		conversation.WriteString(strings.ToUpper(m.Role[:1]) + m.Role[1:])
		conversation.WriteString(": ")
		conversation.WriteString(m.Text)
		conversation.WriteString("\n")
	}

	return fmt.Sprintf(
		"You are a helpful language learning assistant roleplaying with the user. "+
			"The user is learning %s and speaks %s as their native language. "+
			"The situation is: %s. Stay in character and reply in %s only.\n\n%sAssistant:",
		learning, native, situation, learning, conversation.String(),
	)
}

// greetingPrompt opens a fresh roleplay with an in-character first line.
func greetingPrompt(s *session.Session) string {
	learning, native, situation := sessionLanguages(s)
	return fmt.Sprintf(
		"You are a helpful language learning assistant roleplaying with the user. "+
			"The user is learning %s and speaks %s as their native language. "+
			"The situation is: %s. Open the conversation with one short, natural "+
			"in-character line in %s. Reply with only that line.",
		learning, native, situation, learning,
	)
}

// translationPrompt asks for a plain translation of the assistant's reply.
func translationPrompt(s *session.Session, reply string) string {
	learning, native, _ := sessionLanguages(s)
	return fmt.Sprintf(
		"Translate the following %s text into %s. Reply with only the translation.\n\n%s",
		learning, native, reply,
	)
}

// feedbackPrompt asks for grammar feedback on the user's message.
func feedbackPrompt(s *session.Session, userText string) string {
	learning, native, _ := sessionLanguages(s)
	return fmt.Sprintf(
		"The user is learning %s and wrote the following message. Give brief, "+
			"encouraging feedback in %s on its grammar and naturalness. If the "+
			"message is correct, say so.\n\nMessage: %s",
		learning, native, userText,
	)
}

// suggestionPrompt asks for a fresh roleplay situation.
const suggestionPrompt = "Suggest one interesting everyday situation for a " +
	"language-learning roleplay conversation, such as ordering food or asking " +
	"for directions. Reply with only the situation in a few words."
