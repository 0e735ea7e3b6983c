package orchestrator

import (
	"errors"

	"voicechat/internal/capture"
	"voicechat/internal/dialogue"
	"voicechat/internal/listen"
	"voicechat/internal/llm"
	"voicechat/internal/recognizer"
)

// userMessage turns a failure into the text shown to the learner.
func userMessage(err error) string {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied), errors.Is(err, recognizer.ErrPermissionDenied):
		return "Microphone access was denied. Allow microphone access and start the conversation again."
	case errors.Is(err, capture.ErrNoDevice):
		return "No microphone was found on this device."
	case errors.Is(err, listen.ErrNoListener):
		return "This device cannot capture speech."
	case errors.Is(err, llm.ErrQuotaExhausted):
		return "The conversation service has run out of quota. Please try again later."
	case errors.Is(err, llm.ErrRateLimited):
		return "The conversation partner is busy. Wait a moment and start again."
	case errors.Is(err, dialogue.ErrMalformedReply):
		return "The conversation partner did not answer. Please start again."
	default:
		return "Connection problem. Please start the conversation again."
	}
}
