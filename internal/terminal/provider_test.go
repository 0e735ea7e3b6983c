package terminal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicechat/internal/domain"
	"voicechat/internal/listen"
	"voicechat/internal/orchestrator"
	"voicechat/internal/tts/ttstest"
)

type fakeTranscriber struct{ enabled bool }

func (f fakeTranscriber) Transcribe(context.Context, domain.AudioSegment, string) (string, error) {
	return "hola", nil
}

func (f fakeTranscriber) Enabled() bool { return f.enabled }

func startRequest(terminalID string) orchestrator.StartRequest {
	return orchestrator.StartRequest{
		TerminalID:  terminalID,
		Participant: domain.ParticipantContext{TargetLanguage: "es"},
		SilenceMs:   900,
	}
}

func TestProviderSelectsListener(t *testing.T) {
	tests := []struct {
		name    string
		mode    listen.Mode
		caps    Capabilities
		stt     bool
		want    listen.Kind
		wantErr error
	}{
		{name: "capture preferred", mode: listen.ModeAuto, caps: Capabilities{Capture: true, Playback: true, RecognitionURL: "ws://rec"}, stt: true, want: listen.KindCapture},
		{name: "recognizer without stt", mode: listen.ModeAuto, caps: Capabilities{Capture: true, Playback: true, RecognitionURL: "ws://rec"}, want: listen.KindRecognizer},
		{name: "forced recognizer", mode: listen.ModeRecognizer, caps: Capabilities{Capture: true, Playback: true, RecognitionURL: "ws://rec"}, stt: true, want: listen.KindRecognizer},
		{name: "nothing usable", mode: listen.ModeAuto, caps: Capabilities{Playback: true}, stt: true, wantErr: listen.ErrNoListener},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.connect(t, "desk", tt.caps, nil)
			p := NewProvider(env.bridge, ProviderConfig{ListenMode: tt.mode}, fakeTranscriber{enabled: tt.stt}, &ttstest.Synthesizer{}, nil)

			res, err := p.Provide(context.Background(), startRequest("desk"))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			defer res.Listener.Close()
			assert.Equal(t, tt.want, res.Listener.Kind())
			assert.NotNil(t, res.Speaker)
		})
	}
}

func TestProviderRequiresConnectedPlaybackTerminal(t *testing.T) {
	env := newTestEnv(t)
	p := NewProvider(env.bridge, ProviderConfig{ListenMode: listen.ModeAuto}, fakeTranscriber{enabled: true}, &ttstest.Synthesizer{}, nil)

	_, err := p.Provide(context.Background(), startRequest("ghost"))
	assert.ErrorIs(t, err, ErrTerminalNotConnected)

	env.connect(t, "mute", Capabilities{Capture: true}, nil)
	_, err = p.Provide(context.Background(), startRequest("mute"))
	assert.Error(t, err)
}
