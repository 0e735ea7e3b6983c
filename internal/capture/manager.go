package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voicechat/internal/domain"
)

var (
	ErrNotReady         = errors.New("capture is not ready")
	ErrNotRecording     = errors.New("capture is not recording")
	ErrTrackEnded       = errors.New("microphone track has ended")
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrNoDevice         = errors.New("no microphone available")
)

type State string

const (
	StateIdle      State = "idle"
	StateReady     State = "ready"
	StateRecording State = "recording"
)

type Options struct {
	RMSThreshold   float64
	PollInterval   time.Duration
	SilenceTimeout time.Duration
	NoSpeechAfter  time.Duration
	MaxDuration    time.Duration
	Timeslice      time.Duration
}

func DefaultOptions() Options {
	return Options{
		RMSThreshold:   15,
		PollInterval:   100 * time.Millisecond,
		SilenceTimeout: 1500 * time.Millisecond,
		NoSpeechAfter:  8 * time.Second,
		MaxDuration:    60 * time.Second,
		Timeslice:      250 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RMSThreshold <= 0 {
		o.RMSThreshold = d.RMSThreshold
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.SilenceTimeout <= 0 {
		o.SilenceTimeout = d.SilenceTimeout
	}
	if o.NoSpeechAfter <= 0 {
		o.NoSpeechAfter = d.NoSpeechAfter
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = d.MaxDuration
	}
	if o.Timeslice <= 0 {
		o.Timeslice = d.Timeslice
	}
	return o
}

type CaptureOption func(*Options)

func WithSilenceTimeout(d time.Duration) CaptureOption {
	return func(o *Options) {
		if d > 0 {
			o.SilenceTimeout = d
		}
	}
}

func WithNoSpeechTimeout(d time.Duration) CaptureOption {
	return func(o *Options) {
		if d > 0 {
			o.NoSpeechAfter = d
		}
	}
}

func WithMaxDuration(d time.Duration) CaptureOption {
	return func(o *Options) {
		if d > 0 {
			o.MaxDuration = d
		}
	}
}

// Manager owns one microphone handle for the lifetime of a conversation. The
// handle is acquired once and soft-muted between turns; only Destroy releases it.
type Manager struct {
	device Device
	opts   Options
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	stream       Stream
	analyser     Analyser
	recorder     Recorder
	buffer       *segmentBuffer
	stopDetect   context.CancelFunc
	acquisitions int
}

func NewManager(device Device, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		device: device,
		opts:   opts.withDefaults(),
		logger: logger,
		state:  StateIdle,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Acquisitions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquisitions
}

// Init acquires the microphone and leaves it muted. With a live handle already
// held it only re-mutes. A handle whose track has ended is replaced.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream != nil && !m.stream.Ended() {
		if m.state != StateRecording {
			m.stream.SetEnabled(false)
			m.state = StateReady
		}
		return nil
	}
	if m.stream != nil {
		m.logger.Info("microphone track ended, re-acquiring")
		m.releaseLocked()
	}
	return m.acquireLocked(ctx)
}

func (m *Manager) acquireLocked(ctx context.Context) error {
	m.acquisitions++
	stream, err := m.device.Acquire(ctx)
	if err != nil {
		m.state = StateIdle
		return fmt.Errorf("acquire microphone: %w", err)
	}
	stream.SetEnabled(false)
	m.stream = stream
	m.analyser = m.newAnalyserLocked()
	m.state = StateReady
	return nil
}

func (m *Manager) newAnalyserLocked() Analyser {
	analyser, err := m.stream.NewAnalyser()
	if err != nil || analyser == nil {
		m.logger.Warn("create audio analyser failed", "error", err)
		return quietAnalyser{}
	}
	return analyser
}

// onSilence is called at most once, from a background goroutine.
func (m *Manager) StartCapture(ctx context.Context, onSilence func(Reason), opts ...CaptureOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateReady || m.stream == nil {
		return ErrNotReady
	}
	if m.stream.Ended() {
		return ErrTrackEnded
	}

	p := m.opts
	for _, opt := range opts {
		opt(&p)
	}

	if err := m.analyser.Resume(ctx); err != nil {
		m.logger.Warn("resume audio analyser failed", "error", err)
	}

	recorder, err := m.stream.NewRecorder()
	if err != nil {
		return fmt.Errorf("create recorder: %w", err)
	}
	buf := &segmentBuffer{}
	if err := recorder.Start(p.Timeslice, buf.append); err != nil {
		return fmt.Errorf("start recorder: %w", err)
	}

	m.stream.SetEnabled(true)
	m.recorder = recorder
	m.buffer = buf
	m.state = StateRecording

	detectCtx, cancel := context.WithCancel(context.Background())
	m.stopDetect = cancel
	go detectSilence(detectCtx, m.analyser, p, onSilence)
	return nil
}

func (m *Manager) StopCapture(ctx context.Context) (domain.AudioSegment, error) {
	m.mu.Lock()
	if m.state != StateRecording {
		m.mu.Unlock()
		return domain.AudioSegment{}, ErrNotRecording
	}
	m.stopDetect()
	m.stopDetect = nil
	m.stream.SetEnabled(false)
	recorder, buf, mime := m.recorder, m.buffer, m.stream.MimeType()
	m.recorder = nil
	m.buffer = nil
	m.state = StateReady
	m.mu.Unlock()

	select {
	case <-recorder.Stop():
	case <-ctx.Done():
		return domain.AudioSegment{}, ctx.Err()
	}
	return domain.AudioSegment{Data: buf.bytes(), MimeType: mime}, nil
}

// RefreshStream rebuilds the analysis graph after playback. The device is
// re-acquired only when the held track has ended.
func (m *Manager) RefreshStream(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream == nil {
		return nil
	}
	if m.stream.Ended() {
		m.logger.Info("microphone track ended after playback, re-acquiring")
		recording := m.state == StateRecording
		m.releaseLocked()
		if err := m.acquireLocked(ctx); err != nil {
			return err
		}
		if recording {
			// The recorder died with the old track; the caller restarts the turn.
			m.logger.Warn("capture interrupted by stream refresh")
		}
		return nil
	}

	if err := m.analyser.Close(); err != nil {
		m.logger.Warn("close audio analyser failed", "error", err)
	}
	m.analyser = m.newAnalyserLocked()
	if m.state == StateRecording {
		if err := m.analyser.Resume(ctx); err != nil {
			m.logger.Warn("resume audio analyser failed", "error", err)
		}
	}
	return nil
}

func (m *Manager) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked()
}

func (m *Manager) releaseLocked() error {
	if m.stopDetect != nil {
		m.stopDetect()
		m.stopDetect = nil
	}
	if m.recorder != nil {
		m.recorder.Stop()
		m.recorder = nil
	}
	m.buffer = nil
	if m.analyser != nil {
		_ = m.analyser.Close()
		m.analyser = nil
	}
	var err error
	if m.stream != nil {
		m.stream.SetEnabled(false)
		err = m.stream.Stop()
		m.stream = nil
	}
	m.state = StateIdle
	return err
}

type segmentBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *segmentBuffer) append(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(chunk)
}

func (b *segmentBuffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}
