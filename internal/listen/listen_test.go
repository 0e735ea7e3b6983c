package listen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicechat/internal/capture"
	"voicechat/internal/capture/capturetest"
	"voicechat/internal/domain"
	"voicechat/internal/recognizer"
)

type fakeTranscriber struct {
	mu       sync.Mutex
	text     string
	err      error
	segments []domain.AudioSegment
	langs    []string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, seg domain.AudioSegment, lang string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments = append(f.segments, seg)
	f.langs = append(f.langs, lang)
	return f.text, f.err
}

func quickCapture(dev *capturetest.Device) *capture.Manager {
	return capture.NewManager(dev, capture.Options{
		PollInterval:   2 * time.Millisecond,
		SilenceTimeout: 20 * time.Millisecond,
		NoSpeechAfter:  40 * time.Millisecond,
		MaxDuration:    time.Second,
		Timeslice:      10 * time.Millisecond,
	}, nil)
}

func TestCaptureListenerTranscribesSegment(t *testing.T) {
	ctx := context.Background()
	dev := capturetest.NewDevice()
	stt := &fakeTranscriber{text: "hola"}
	l := NewCaptureListener(quickCapture(dev), stt, "es-MX", nil)
	require.NoError(t, l.Prepare(ctx))

	text, err := l.Listen(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "hola", text)
	require.Len(t, stt.segments, 1)
	assert.Equal(t, "audio/webm", stt.segments[0].MimeType)
	assert.Equal(t, []string{"es-MX"}, stt.langs)
	assert.False(t, dev.Current().Enabled(), "microphone muted after the turn")
}

func TestCaptureListenerReinitsDeadTrack(t *testing.T) {
	ctx := context.Background()
	dev := capturetest.NewDevice()
	l := NewCaptureListener(quickCapture(dev), &fakeTranscriber{text: "ok"}, "es", nil)
	require.NoError(t, l.Prepare(ctx))
	dev.Current().End()

	text, err := l.Listen(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, 2, dev.Acquired())
}

func TestCaptureListenerPropagatesTranscriptionErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	l := NewCaptureListener(quickCapture(capturetest.NewDevice()), &fakeTranscriber{err: boom}, "es", nil)
	require.NoError(t, l.Prepare(ctx))

	_, err := l.Listen(ctx, nil)
	assert.ErrorIs(t, err, boom)
}

func TestCaptureListenerCancel(t *testing.T) {
	dev := capturetest.NewDevice()
	m := capture.NewManager(dev, capture.Options{PollInterval: 2 * time.Millisecond, NoSpeechAfter: time.Minute, MaxDuration: time.Minute}, nil)
	stt := &fakeTranscriber{text: "never"}
	l := NewCaptureListener(m, stt, "es", nil)
	require.NoError(t, l.Prepare(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := l.Listen(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, capture.StateReady, m.State())
	assert.Empty(t, stt.segments)

	require.NoError(t, l.Close())
	assert.True(t, dev.Current().Stopped())
}

func TestCaptureListenerPermissionDenied(t *testing.T) {
	dev := capturetest.NewDevice()
	dev.Err = capture.ErrPermissionDenied
	l := NewCaptureListener(quickCapture(dev), &fakeTranscriber{}, "es", nil)
	assert.ErrorIs(t, l.Prepare(context.Background()), capture.ErrPermissionDenied)
}

type onePrim struct{ onEvent func(recognizer.Event) }

func (p *onePrim) Start() error {
	p.onEvent(recognizer.Event{Type: recognizer.EventStart})
	p.onEvent(recognizer.Event{Type: recognizer.EventAudioStart})
	p.onEvent(recognizer.Event{Type: recognizer.EventResult, Text: "bon"})
	p.onEvent(recognizer.Event{Type: recognizer.EventResult, Text: "bonjour", Final: true})
	return nil
}
func (p *onePrim) Stop()        {}
func (p *onePrim) Abort()       {}
func (p *onePrim) Close() error { return nil }

func TestRecognitionListener(t *testing.T) {
	rec := recognizer.New(func(_ context.Context, _ string, onEvent func(recognizer.Event)) (recognizer.Primitive, error) {
		return &onePrim{onEvent: onEvent}, nil
	}, recognizer.Options{Language: "fr"}, nil)
	l := NewRecognitionListener(rec)
	defer l.Close()

	var partials []string
	text, err := l.Listen(context.Background(), func(p string) { partials = append(partials, p) })
	require.NoError(t, err)
	assert.Equal(t, "bonjour", text)
	assert.Equal(t, []string{"bon"}, partials)
	assert.Equal(t, KindRecognizer, l.Kind())
}

func TestSelect(t *testing.T) {
	full := Capabilities{Capture: true, Transcription: true, RecognitionURL: "ws://asr"}
	tests := []struct {
		name    string
		mode    Mode
		caps    Capabilities
		want    Kind
		wantErr error
	}{
		{name: "auto prefers capture", mode: ModeAuto, caps: full, want: KindCapture},
		{name: "auto without transcription", mode: ModeAuto, caps: Capabilities{Capture: true, RecognitionURL: "ws://asr"}, want: KindRecognizer},
		{name: "auto without capture", mode: ModeAuto, caps: Capabilities{Transcription: true, RecognitionURL: "ws://asr"}, want: KindRecognizer},
		{name: "forced recognizer", mode: ModeRecognizer, caps: full, want: KindRecognizer},
		{name: "forced capture unavailable", mode: ModeCapture, caps: Capabilities{RecognitionURL: "ws://asr"}, wantErr: ErrNoListener},
		{name: "nothing", mode: ModeAuto, caps: Capabilities{}, wantErr: ErrNoListener},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(tt.mode, tt.caps)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Capture ")
	require.NoError(t, err)
	assert.Equal(t, ModeCapture, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeAuto, m)

	_, err = ParseMode("webrtc")
	assert.Error(t, err)
}
