package recognizer

import "context"

type EventType string

const (
	EventStart      EventType = "start"
	EventAudioStart EventType = "audiostart"
	EventResult     EventType = "result"
	EventError      EventType = "error"
	EventEnd        EventType = "end"
)

// Error codes reported by the platform primitive.
const (
	CodeNoSpeech          = "no-speech"
	CodeAborted           = "aborted"
	CodeNotAllowed        = "not-allowed"
	CodeServiceNotAllowed = "service-not-allowed"
	CodeAudioCapture      = "audio-capture"
	CodeNetwork           = "network"
)

type Event struct {
	Type  EventType `json:"event"`
	Text  string    `json:"text,omitempty"`
	Final bool      `json:"is_final,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Primitive is one platform speech-recognition instance. It reports its
// lifecycle through the onEvent callback given to the Factory.
type Primitive interface {
	Start() error
	Stop()
	Abort()
	Close() error
}

type Factory func(ctx context.Context, language string, onEvent func(Event)) (Primitive, error)
