package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"voicechat/internal/capture"
	"voicechat/internal/listen"
	"voicechat/internal/orchestrator"
	"voicechat/internal/recognizer"
	"voicechat/internal/tts"
)

// Transcriber is the speech-to-text service used with capture listeners.
type Transcriber interface {
	listen.Transcriber
	Enabled() bool
}

type ProviderConfig struct {
	ListenMode      listen.Mode
	Capture         capture.Options
	Recognizer      recognizer.Options
	RecognitionDial recognizer.WSConfig
}

// Provider builds per-conversation input and output components on top of a
// connected terminal.
type Provider struct {
	bridge *Bridge
	cfg    ProviderConfig
	stt    Transcriber
	synth  tts.Synthesizer
	logger *slog.Logger
}

func NewProvider(bridge *Bridge, cfg ProviderConfig, stt Transcriber, synth tts.Synthesizer, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{bridge: bridge, cfg: cfg, stt: stt, synth: synth, logger: logger}
}

func (p *Provider) Provide(_ context.Context, req orchestrator.StartRequest) (orchestrator.Resources, error) {
	conn, ok := p.bridge.Conn(req.TerminalID)
	if !ok {
		return orchestrator.Resources{}, fmt.Errorf("%w: %s", ErrTerminalNotConnected, req.TerminalID)
	}
	caps := conn.Capabilities()
	if !caps.Playback {
		return orchestrator.Resources{}, fmt.Errorf("terminal %s cannot play audio", req.TerminalID)
	}

	kind, err := listen.Select(p.cfg.ListenMode, listen.Capabilities{
		Capture:        caps.Capture,
		Transcription:  p.stt != nil && p.stt.Enabled(),
		RecognitionURL: caps.RecognitionURL,
	})
	if err != nil {
		return orchestrator.Resources{}, err
	}

	logger := p.logger.With("terminal_id", req.TerminalID)
	language := req.Participant.TargetLanguage

	var listener listen.Listener
	switch kind {
	case listen.KindCapture:
		var opts []capture.CaptureOption
		if req.SilenceMs > 0 {
			opts = append(opts, capture.WithSilenceTimeout(time.Duration(req.SilenceMs)*time.Millisecond))
		}
		manager := capture.NewManager(conn, p.cfg.Capture, logger)
		listener = listen.NewCaptureListener(manager, p.stt, language, logger, opts...)
	case listen.KindRecognizer:
		dial := p.cfg.RecognitionDial
		dial.URL = caps.RecognitionURL
		opts := p.cfg.Recognizer
		opts.Language = language
		if opts.OnError == nil {
			opts.OnError = func(err error) { logger.Warn("speech recognition error", "error", err) }
		}
		listener = listen.NewRecognitionListener(recognizer.New(recognizer.NewWSFactory(dial, logger), opts, logger))
	}

	logger.Info("conversation resources ready", "listener", kind)
	return orchestrator.Resources{
		Listener: listener,
		Speaker:  tts.NewPlayer(p.synth, conn, logger),
	}, nil
}
