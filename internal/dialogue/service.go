package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voicechat/internal/domain"
	"voicechat/internal/llm"
)

var ErrMalformedReply = errors.New("dialogue service returned an empty reply")

type Service struct {
	provider  llm.Provider
	model     string
	maxTokens int
}

func NewService(provider llm.Provider, model string) *Service {
	return &Service{provider: provider, model: model, maxTokens: 300}
}

// Reply returns the next tutor line. An empty history asks for the opening line.
func (s *Service) Reply(ctx context.Context, messages []domain.Message, participant domain.ParticipantContext) (string, error) {
	resp, err := s.provider.Complete(ctx, llm.Request{
		Model:     s.model,
		System:    buildTutorPrompt(participant, len(messages) == 0),
		Messages:  toLLMMessages(messages),
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("dialogue reply: %w", err)
	}
	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", ErrMalformedReply
	}
	return reply, nil
}

func toLLMMessages(messages []domain.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == domain.RoleAI {
			role = "assistant"
		}
		out = append(out, llm.Message{Role: role, Content: m.Text})
	}
	return out
}

func buildTutorPrompt(p domain.ParticipantContext, opening bool) string {
	lang := languageName(p.TargetLanguage)

	var sb strings.Builder
	sb.WriteString("You are a friendly conversation partner helping a learner practise ")
	sb.WriteString(lang)
	sb.WriteString(" by voice. Always answer in ")
	sb.WriteString(lang)
	sb.WriteString(".\n\n")

	sb.WriteString("Learner context:\n")
	if p.Level != "" {
		sb.WriteString("- level: " + p.Level + "\n")
	}
	if p.NativeLanguage != "" {
		sb.WriteString("- native language: " + languageName(p.NativeLanguage) + "\n")
	}
	if p.Topic != "" {
		sb.WriteString("- topic: " + p.Topic + "\n")
	}
	if len(p.Vocabulary) > 0 {
		sb.WriteString("- vocabulary to practise: " + strings.Join(p.Vocabulary, ", ") + "\n")
	}
	if len(p.Grammar) > 0 {
		sb.WriteString("- grammar to practise: " + strings.Join(p.Grammar, ", ") + "\n")
	}

	sb.WriteString("\nRules:\n")
	sb.WriteString("1) Keep every turn to one or two short spoken sentences and end with a question.\n")
	sb.WriteString("2) Work the vocabulary and grammar in naturally; do not list them.\n")
	sb.WriteString("3) If the learner makes a mistake, model the correct form in your answer instead of lecturing.\n")
	sb.WriteString("4) Plain text only: no markdown, no emoji, no stage directions. Your reply is read aloud.\n")
	if opening {
		sb.WriteString("5) The conversation has not started yet: greet the learner and open the topic.\n")
	}
	return sb.String()
}

var languageNames = map[string]string{
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"ja": "Japanese",
	"zh": "Chinese",
}

func languageName(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	if name, ok := languageNames[code]; ok {
		return name
	}
	if code == "" {
		return "the target language"
	}
	return code
}
