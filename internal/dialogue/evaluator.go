package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"voicechat/internal/domain"
	"voicechat/internal/llm"
)

var ErrInvalidSummary = errors.New("invalid session summary")

type Evaluator struct {
	provider llm.Provider
	model    string
	validate *validator.Validate
}

func NewEvaluator(provider llm.Provider, model string) *Evaluator {
	return &Evaluator{provider: provider, model: model, validate: validator.New()}
}

func (e *Evaluator) Summarize(ctx context.Context, messages []domain.Message, participant domain.ParticipantContext) (domain.Summary, error) {
	resp, err := e.provider.Complete(ctx, llm.Request{
		Model:     e.model,
		System:    buildEvaluationPrompt(participant),
		Messages:  []llm.Message{{Role: "user", Content: renderTranscript(messages)}},
		MaxTokens: 1500,
		JSON:      true,
	})
	if err != nil {
		return domain.Summary{}, fmt.Errorf("summarize session: %w", err)
	}

	var summary domain.Summary
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &summary); err != nil {
		return domain.Summary{}, fmt.Errorf("%w: %v", ErrInvalidSummary, err)
	}
	if err := e.validate.Struct(summary); err != nil {
		return domain.Summary{}, fmt.Errorf("%w: %v", ErrInvalidSummary, err)
	}
	return summary, nil
}

func buildEvaluationPrompt(p domain.ParticipantContext) string {
	var sb strings.Builder
	sb.WriteString("You evaluate a learner's spoken ")
	sb.WriteString(languageName(p.TargetLanguage))
	sb.WriteString(" practice conversation. Only the learner's lines are graded.\n")
	if len(p.Vocabulary) > 0 {
		sb.WriteString("Target vocabulary: " + strings.Join(p.Vocabulary, ", ") + "\n")
	}
	if len(p.Grammar) > 0 {
		sb.WriteString("Target grammar: " + strings.Join(p.Grammar, ", ") + "\n")
	}
	sb.WriteString("Reply with one JSON object with these fields:\n")
	sb.WriteString(`{"score": 0-100, "sentences": [{"text": "...", "correct": true, "correction": "...", "explanation": "..."}], `)
	sb.WriteString(`"vocabulary_used": ["..."], "grammar_used": ["..."], "feedback": "..."}` + "\n")
	if p.NativeLanguage != "" {
		sb.WriteString("Write explanations and feedback in " + languageName(p.NativeLanguage) + ".\n")
	}
	return sb.String()
}

func renderTranscript(messages []domain.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		if m.Role == domain.RoleUser {
			sb.WriteString("LEARNER: ")
		} else {
			sb.WriteString("PARTNER: ")
		}
		sb.WriteString(m.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// extractJSON strips markdown fences and any prose around the outermost object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return strings.TrimSpace(s)
}
