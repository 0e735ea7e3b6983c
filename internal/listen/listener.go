package listen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"voicechat/internal/capture"
	"voicechat/internal/domain"
	"voicechat/internal/recognizer"
)

var ErrNoListener = errors.New("no speech input available on this terminal")

// Listener yields one finalized transcript per Listen call. Implementations
// own their input hardware until Close.
type Listener interface {
	Kind() Kind
	Prepare(ctx context.Context) error
	Listen(ctx context.Context, onPartial func(string)) (string, error)
	// Refresh is called after playback, before listening again.
	Refresh(ctx context.Context) error
	Close() error
}

type Transcriber interface {
	Transcribe(ctx context.Context, segment domain.AudioSegment, languageHint string) (string, error)
}

// CaptureListener records a segment until silence and submits it for
// transcription. It never reports partial transcripts.
type CaptureListener struct {
	capture  *capture.Manager
	stt      Transcriber
	language string
	opts     []capture.CaptureOption
	logger   *slog.Logger
}

func NewCaptureListener(m *capture.Manager, stt Transcriber, language string, logger *slog.Logger, opts ...capture.CaptureOption) *CaptureListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptureListener{capture: m, stt: stt, language: language, opts: opts, logger: logger}
}

func (l *CaptureListener) Kind() Kind { return KindCapture }

func (l *CaptureListener) Prepare(ctx context.Context) error {
	return l.capture.Init(ctx)
}

func (l *CaptureListener) Listen(ctx context.Context, _ func(string)) (string, error) {
	reasons := make(chan capture.Reason, 1)
	onSilence := func(r capture.Reason) {
		select {
		case reasons <- r:
		default:
		}
	}

	if err := l.start(ctx, onSilence); err != nil {
		return "", err
	}

	select {
	case r := <-reasons:
		l.logger.Debug("capture ended", "reason", r.String())
	case <-ctx.Done():
		_, _ = l.capture.StopCapture(context.Background())
		return "", ctx.Err()
	}

	segment, err := l.capture.StopCapture(ctx)
	if err != nil {
		return "", err
	}
	return l.stt.Transcribe(ctx, segment, l.language)
}

func (l *CaptureListener) start(ctx context.Context, onSilence func(capture.Reason)) error {
	err := l.capture.StartCapture(ctx, onSilence, l.opts...)
	if err == nil {
		return nil
	}
	if !errors.Is(err, capture.ErrTrackEnded) && !errors.Is(err, capture.ErrNotReady) {
		return err
	}

	// A dead track or a lost handle gets one re-init before giving up.
	l.logger.Info("capture not startable, re-initializing microphone", "error", err)
	if err := l.capture.Init(ctx); err != nil {
		return err
	}
	if err := l.capture.StartCapture(ctx, onSilence, l.opts...); err != nil {
		return fmt.Errorf("start capture after re-init: %w", err)
	}
	return nil
}

func (l *CaptureListener) Refresh(ctx context.Context) error {
	return l.capture.RefreshStream(ctx)
}

func (l *CaptureListener) Close() error {
	return l.capture.Destroy()
}

// RecognitionListener delegates to a continuous recognizer, which streams
// partial transcripts.
type RecognitionListener struct {
	rec *recognizer.Recognizer
}

func NewRecognitionListener(rec *recognizer.Recognizer) *RecognitionListener {
	return &RecognitionListener{rec: rec}
}

func (l *RecognitionListener) Kind() Kind { return KindRecognizer }

func (l *RecognitionListener) Prepare(context.Context) error { return nil }

func (l *RecognitionListener) Listen(ctx context.Context, onPartial func(string)) (string, error) {
	return l.rec.Listen(ctx, onPartial)
}

func (l *RecognitionListener) Refresh(context.Context) error { return nil }

func (l *RecognitionListener) Close() error {
	return l.rec.Close()
}
