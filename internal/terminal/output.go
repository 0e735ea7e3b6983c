package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"voicechat/internal/tts"
)

// Unlock tells the terminal to play its priming clip. It does not wait.
func (c *Conn) Unlock() error {
	return c.send(Command{Type: cmdUnlockAudio})
}

// Play sends one synthesized clip and returns once the terminal reports that
// playback began.
func (c *Conn) Play(ctx context.Context, audio tts.Audio) (tts.Playback, error) {
	if !c.caps.Playback {
		return nil, errors.New("terminal cannot play audio")
	}
	pb := &playback{c: c, id: uuid.NewString(), done: make(chan struct{})}
	c.mu.Lock()
	c.playbacks[pb.id] = pb
	c.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, playWait)
	defer cancel()

	w := c.addWaiter(eventKey(evPlaybackStarted, pb.id))
	defer c.removeWaiter(w)
	if err := c.write(Command{Type: cmdPlay, ID: pb.id, Format: audio.Format}, audio.Data); err != nil {
		c.dropPlayback(pb.id)
		return nil, err
	}

	select {
	case <-w.ch:
		return pb, nil
	case <-pb.done:
		// Ended before the start was seen; only a failure matters.
		if err := pb.Err(); err != nil {
			c.dropPlayback(pb.id)
			return nil, err
		}
		return pb, nil
	case <-waitCtx.Done():
		c.sendQuiet(Command{Type: cmdStopPlayback, ID: pb.id})
		c.dropPlayback(pb.id)
		return nil, fmt.Errorf("start playback: %w", waitCtx.Err())
	}
}

func (c *Conn) dropPlayback(id string) {
	c.mu.Lock()
	delete(c.playbacks, id)
	c.mu.Unlock()
}

type playback struct {
	c    *Conn
	id   string
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

func (p *playback) finish(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *playback) Done() <-chan struct{} { return p.done }

func (p *playback) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *playback) Stop() {
	p.c.sendQuiet(Command{Type: cmdStopPlayback, ID: p.id})
	p.finish(nil)
}

func (p *playback) Release() {
	p.c.sendQuiet(Command{Type: cmdReleaseAudio, ID: p.id})
	p.c.dropPlayback(p.id)
}
