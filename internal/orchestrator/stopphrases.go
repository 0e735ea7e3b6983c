package orchestrator

import (
	"strings"
	"unicode"
)

// englishStopPhrases are honored whatever the target language is.
var englishStopPhrases = []string{
	"stop",
	"stop please",
	"please stop",
	"stop the conversation",
	"stop conversation",
	"end the conversation",
	"end conversation",
	"i want to stop",
	"lets stop",
}

var stopPhrasesByLanguage = map[string][]string{
	"es": {"parar", "para", "detener", "terminar", "termina", "basta", "quiero parar", "terminar la conversación", "fin de la conversación"},
	"fr": {"arrête", "arrêter", "arrêtez", "stop", "terminer", "fin de la conversation", "je veux arrêter"},
	"de": {"stopp", "aufhören", "hör auf", "beenden", "gespräch beenden", "ich möchte aufhören"},
	"it": {"basta", "fermati", "ferma", "smettere", "termina", "fine della conversazione", "voglio smettere"},
	"pt": {"parar", "pare", "chega", "terminar", "encerrar", "fim da conversa", "quero parar"},
}

// isStopPhrase matches the whole utterance, ignoring case and punctuation, so
// "¡Parar!" stops and "para mí" does not.
func isStopPhrase(text, targetLanguage string) bool {
	norm := normalizeUtterance(text)
	if norm == "" {
		return false
	}
	for _, p := range englishStopPhrases {
		if norm == p {
			return true
		}
	}
	for _, p := range stopPhrasesByLanguage[baseLanguage(targetLanguage)] {
		if norm == p {
			return true
		}
	}
	return false
}

func normalizeUtterance(text string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

func baseLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return tag
}
