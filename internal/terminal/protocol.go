package terminal

import "fmt"

// Events sent by the terminal.
const (
	evHello           = "hello"
	evMicReady        = "mic_ready"
	evMicError        = "mic_error"
	evMicEnded        = "mic_ended"
	evAudioResumed    = "audio_resumed"
	evLevel           = "level"
	evRecordFlushed   = "record_flushed"
	evPlaybackStarted = "playback_started"
	evPlaybackEnded   = "playback_ended"
	evHeartbeat       = "heartbeat"
)

// Commands sent to the terminal.
const (
	cmdAcquireMic   = "acquire_mic"
	cmdMicEnable    = "mic_enable"
	cmdMicDisable   = "mic_disable"
	cmdMicRelease   = "mic_release"
	cmdResumeAudio  = "resume_audio"
	cmdRecordStart  = "record_start"
	cmdRecordStop   = "record_stop"
	cmdUnlockAudio  = "unlock_audio"
	cmdPlay         = "play"
	cmdStopPlayback = "stop_playback"
	cmdReleaseAudio = "release_audio"
	cmdState        = "state"
	cmdMessage      = "message"
	cmdError        = "error"
	cmdEnded        = "ended"
)

const (
	defaultMimeType  = "audio/webm"
	maxMessageLength = 4 << 20
)

// Capabilities is what a terminal advertises in its hello.
type Capabilities struct {
	Capture        bool   `json:"capture"`
	Playback       bool   `json:"playback"`
	RecognitionURL string `json:"recognition_url,omitempty"`
	MimeType       string `json:"mime_type,omitempty"`
}

type Event struct {
	Type         string        `json:"type"`
	TerminalID   string        `json:"terminal_id,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	MimeType     string        `json:"mime_type,omitempty"`
	Error        string        `json:"error,omitempty"`
	RMS          float64       `json:"rms,omitempty"`
	ID           string        `json:"id,omitempty"`
}

type Command struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	Format      string `json:"format,omitempty"`
	TimesliceMS int64  `json:"timeslice_ms,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	State       string `json:"state,omitempty"`
	Role        string `json:"role,omitempty"`
	Text        string `json:"text,omitempty"`
	Persisted   bool   `json:"persisted,omitempty"`
}

func eventKey(typ, id string) string {
	if id == "" {
		return typ
	}
	return fmt.Sprintf("%s:%s", typ, id)
}
