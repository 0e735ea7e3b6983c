package tts

import (
	"context"
	"log/slog"
	"sync"

	"voicechat/internal/domain"
)

type Outcome int

const (
	OutcomeFinished Outcome = iota
	OutcomeStopped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFinished:
		return "finished"
	case OutcomeStopped:
		return "stopped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Utterance tracks one Speak call. Started closes once synthesis has resolved.
type Utterance struct {
	text   string
	cancel context.CancelFunc

	started   chan struct{}
	startOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	stopCh    chan struct{}
	stopOnce  sync.Once

	mu       sync.Mutex
	playback Playback
	outcome  Outcome
	err      error
}

func newUtterance(text string, cancel context.CancelFunc) *Utterance {
	return &Utterance{
		text:    text,
		cancel:  cancel,
		started: make(chan struct{}),
		done:    make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
}

func (u *Utterance) Text() string             { return u.text }
func (u *Utterance) Started() <-chan struct{} { return u.started }
func (u *Utterance) Done() <-chan struct{}    { return u.done }

func (u *Utterance) Result() (Outcome, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.outcome, u.err
}

func (u *Utterance) Playing() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.playback == nil {
		return false
	}
	select {
	case <-u.done:
		return false
	default:
		return true
	}
}

func (u *Utterance) stop() {
	u.stopOnce.Do(func() {
		close(u.stopCh)
		u.cancel()
	})
	u.mu.Lock()
	pb := u.playback
	u.mu.Unlock()
	if pb != nil {
		pb.Stop()
	}
}

func (u *Utterance) stopRequested() bool {
	select {
	case <-u.stopCh:
		return true
	default:
		return false
	}
}

func (u *Utterance) markStarted() {
	u.startOnce.Do(func() { close(u.started) })
}

// finish records the outcome, then closes Done before Started so a reader of
// Started can tell a failed synthesis from a playing one.
func (u *Utterance) finish(outcome Outcome, err error) {
	u.doneOnce.Do(func() {
		u.mu.Lock()
		u.outcome = outcome
		u.err = err
		u.mu.Unlock()
		close(u.done)
	})
	u.markStarted()
}

// Player owns the audio output channel. At most one utterance plays at a time.
type Player struct {
	synth  Synthesizer
	output Output
	logger *slog.Logger

	mu      sync.Mutex
	current *Utterance
	primed  bool
}

func NewPlayer(synth Synthesizer, output Output, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{synth: synth, output: output, logger: logger}
}

// PrimeForAutoplay unlocks the output channel. Call it directly from the user
// gesture, before any asynchronous step.
func (p *Player) PrimeForAutoplay() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.primed {
		return nil
	}
	if err := p.output.Unlock(); err != nil {
		return err
	}
	p.primed = true
	return nil
}

func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	cur := p.current
	p.mu.Unlock()
	return cur != nil && cur.Playing()
}

// Speak synthesizes and plays text. Speaking the text that is already playing
// stops it instead; different text replaces the current utterance.
func (p *Player) Speak(ctx context.Context, text string, voice domain.VoiceProfile, style string) *Utterance {
	p.mu.Lock()
	cur := p.current
	if cur != nil && isActive(cur) && cur.text == text {
		p.mu.Unlock()
		cur.stop()
		return cur
	}
	uctx, cancel := context.WithCancel(ctx)
	u := newUtterance(text, cancel)
	p.current = u
	p.mu.Unlock()

	if cur != nil {
		cur.stop()
	}
	go p.run(uctx, u, voice, style)
	return u
}

func (p *Player) Stop() {
	p.mu.Lock()
	cur := p.current
	p.mu.Unlock()
	if cur != nil {
		cur.stop()
	}
}

func (p *Player) run(ctx context.Context, u *Utterance, voice domain.VoiceProfile, style string) {
	defer u.cancel()

	audio, err := p.synth.Synthesize(ctx, Request{Text: u.text, Voice: voice, Style: style})
	if u.stopRequested() {
		u.finish(OutcomeStopped, nil)
		return
	}
	if err != nil {
		p.logger.Warn("speech synthesis failed", "error", err)
		u.finish(OutcomeFailed, err)
		return
	}

	playback, err := p.output.Play(ctx, audio)
	if err != nil {
		p.logger.Warn("start playback failed", "error", err)
		u.finish(OutcomeFailed, err)
		return
	}

	u.mu.Lock()
	u.playback = playback
	u.mu.Unlock()
	// Stop may have raced with Play; it could not see the playback yet.
	if u.stopRequested() {
		playback.Stop()
	}
	u.markStarted()

	outcome, outErr := OutcomeFinished, error(nil)
	select {
	case <-playback.Done():
		if u.stopRequested() {
			outcome = OutcomeStopped
		} else if err := playback.Err(); err != nil {
			outcome, outErr = OutcomeFailed, err
		}
	case <-u.stopCh:
		playback.Stop()
		outcome = OutcomeStopped
	case <-ctx.Done():
		playback.Stop()
		outcome = OutcomeStopped
		if !u.stopRequested() {
			outErr = ctx.Err()
		}
	}
	playback.Release()
	u.finish(outcome, outErr)
}

func isActive(u *Utterance) bool {
	select {
	case <-u.done:
		return false
	default:
		return true
	}
}
