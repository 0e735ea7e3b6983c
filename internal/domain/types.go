package domain

import "time"

type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type ConversationState string

const (
	StateIdle       ConversationState = "idle"
	StateListening  ConversationState = "listening"
	StateProcessing ConversationState = "processing"
	StateSpeaking   ConversationState = "speaking"
	StateError      ConversationState = "error"
)

type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
)

// ParticipantContext is what the dialogue and evaluation services need to
// know about the learner and the material the conversation practices.
type ParticipantContext struct {
	ProjectID      string   `json:"project_id,omitempty"`
	TargetLanguage string   `json:"target_language" validate:"required"`
	NativeLanguage string   `json:"native_language,omitempty"`
	Level          string   `json:"level,omitempty"`
	Topic          string   `json:"topic,omitempty"`
	Vocabulary     []string `json:"vocabulary,omitempty"`
	Grammar        []string `json:"grammar,omitempty"`
}

type VoiceProfile struct {
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
}

type SentenceCheck struct {
	Text        string `json:"text" validate:"required"`
	Correct     bool   `json:"correct"`
	Correction  string `json:"correction,omitempty"`
	Explanation string `json:"explanation,omitempty"`
}

type Summary struct {
	Score          int             `json:"score" validate:"min=0,max=100"`
	Sentences      []SentenceCheck `json:"sentences" validate:"dive"`
	VocabularyUsed []string        `json:"vocabulary_used"`
	GrammarUsed    []string        `json:"grammar_used"`
	Feedback       string          `json:"feedback" validate:"required"`
}

type ConversationSession struct {
	ID          string             `json:"id"`
	Participant ParticipantContext `json:"participant"`
	Messages    []Message          `json:"messages"`
	Summary     *Summary           `json:"summary,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	EndedAt     time.Time          `json:"ended_at"`
	Status      SessionStatus      `json:"status"`
}

func (s ConversationSession) UserTurns() int {
	n := 0
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// AudioSegment is one captured utterance. Data is opaque container bytes.
type AudioSegment struct {
	Data     []byte
	MimeType string
}

func (s AudioSegment) Len() int {
	return len(s.Data)
}
