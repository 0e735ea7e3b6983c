// Package capturetest provides in-memory microphone fakes.
package capturetest

import (
	"context"
	"sync"
	"time"

	"voicechat/internal/capture"
)

type Device struct {
	mu       sync.Mutex
	Err      error
	Mime     string
	acquired int
	streams  []*Stream
	level    float64
	// Chunk is emitted by every recorder on Start and again on Stop.
	Chunk []byte
}

func NewDevice() *Device {
	return &Device{Mime: "audio/webm", Chunk: []byte("0123456789")}
}

func (d *Device) Acquire(ctx context.Context) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquired++
	if d.Err != nil {
		return nil, d.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &Stream{device: d}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *Device) Acquired() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquired
}

// Current returns the most recently acquired stream.
func (d *Device) Current() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// SetLevel sets the RMS every analyser reports from now on.
func (d *Device) SetLevel(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.level = v
}

func (d *Device) currentLevel() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

type Stream struct {
	device *Device

	mu        sync.Mutex
	enabled   bool
	ended     bool
	stopped   bool
	analysers []*Analyser
}

func (s *Stream) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

func (s *Stream) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

func (s *Stream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Stream) MimeType() string {
	return s.device.Mime
}

func (s *Stream) NewRecorder() (capture.Recorder, error) {
	return &Recorder{chunk: s.device.Chunk}, nil
}

func (s *Stream) NewAnalyser() (capture.Analyser, error) {
	a := &Analyser{device: s.device}
	s.mu.Lock()
	s.analysers = append(s.analysers, a)
	s.mu.Unlock()
	return a, nil
}

func (s *Stream) Analysers() []*Analyser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Analyser(nil), s.analysers...)
}

func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.ended = true
	return nil
}

type Recorder struct {
	chunk  []byte
	onData func([]byte)
	once   sync.Once
	done   chan struct{}
}

func (r *Recorder) Start(_ time.Duration, onData func([]byte)) error {
	r.onData = onData
	r.done = make(chan struct{})
	onData(r.chunk)
	return nil
}

func (r *Recorder) Stop() <-chan struct{} {
	r.once.Do(func() {
		go func() {
			// The final slice arrives asynchronously, after Stop returns.
			time.Sleep(5 * time.Millisecond)
			r.onData(r.chunk)
			close(r.done)
		}()
	})
	return r.done
}

type Analyser struct {
	device *Device

	mu      sync.Mutex
	resumed bool
	closed  bool
}

func (a *Analyser) Resume(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resumed = true
	return nil
}

func (a *Analyser) Resumed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resumed
}

func (a *Analyser) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Analyser) Level() float64 {
	a.mu.Lock()
	resumed := a.resumed
	a.mu.Unlock()
	if !resumed {
		return 0
	}
	return a.device.currentLevel()
}

func (a *Analyser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}
