package listen

import (
	"fmt"
	"strings"
)

type Mode string

const (
	ModeAuto       Mode = "auto"
	ModeCapture    Mode = "capture"
	ModeRecognizer Mode = "recognizer"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeCapture, ModeRecognizer:
		return m, nil
	default:
		return "", fmt.Errorf("unsupported listen mode: %s", s)
	}
}

type Kind string

const (
	KindCapture    Kind = "capture"
	KindRecognizer Kind = "recognizer"
)

// Capabilities describes what a terminal and the server configuration offer.
type Capabilities struct {
	Capture        bool
	Transcription  bool
	RecognitionURL string
}

// Select picks the speech input path once per session. Auto prefers native
// capture with remote transcription and falls back to the recognizer.
func Select(mode Mode, caps Capabilities) (Kind, error) {
	captureOK := caps.Capture && caps.Transcription
	recognizerOK := caps.RecognitionURL != ""

	switch mode {
	case ModeCapture:
		if captureOK {
			return KindCapture, nil
		}
	case ModeRecognizer:
		if recognizerOK {
			return KindRecognizer, nil
		}
	case ModeAuto, "":
		if captureOK {
			return KindCapture, nil
		}
		if recognizerOK {
			return KindRecognizer, nil
		}
	default:
		return "", fmt.Errorf("unsupported listen mode: %s", mode)
	}
	return "", ErrNoListener
}
