// Package ttstest provides in-memory synthesis and playback fakes.
package ttstest

import (
	"context"
	"sync"

	"voicechat/internal/tts"
)

type Synthesizer struct {
	mu    sync.Mutex
	Err   error
	Calls int
	// Gate, when set, blocks every call until it is closed or ctx ends.
	Gate chan struct{}
}

func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	s.mu.Lock()
	s.Calls++
	err, gate := s.Err, s.Gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return tts.Audio{}, ctx.Err()
		}
	}
	if err != nil {
		return tts.Audio{}, err
	}
	return tts.Audio{Data: []byte("audio:" + req.Text), Format: "mp3"}, nil
}

func (s *Synthesizer) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

type Output struct {
	mu        sync.Mutex
	unlocks   int
	playbacks []*Playback
	played    chan *Playback
	// AutoFinish ends every playback as soon as it starts.
	AutoFinish bool
}

func NewOutput() *Output {
	return &Output{played: make(chan *Playback, 64)}
}

func (o *Output) Unlock() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unlocks++
	return nil
}

func (o *Output) Unlocks() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.unlocks
}

func (o *Output) Play(_ context.Context, audio tts.Audio) (tts.Playback, error) {
	pb := &Playback{Audio: audio, done: make(chan struct{})}
	o.mu.Lock()
	o.playbacks = append(o.playbacks, pb)
	auto := o.AutoFinish
	o.mu.Unlock()
	if auto {
		pb.Finish()
	}
	o.played <- pb
	return pb, nil
}

// Played delivers every playback as it starts.
func (o *Output) Played() <-chan *Playback {
	return o.played
}

func (o *Output) Playbacks() []*Playback {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Playback(nil), o.playbacks...)
}

type Playback struct {
	Audio tts.Audio

	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	stopped  bool
	released bool
}

func (p *Playback) Done() <-chan struct{} { return p.done }
func (p *Playback) Err() error            { return nil }

// Finish ends playback as if the clip played to the end.
func (p *Playback) Finish() {
	p.once.Do(func() { close(p.done) })
}

func (p *Playback) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
}

func (p *Playback) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
}

func (p *Playback) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *Playback) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}
