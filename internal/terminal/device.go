package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"voicechat/internal/capture"
)

// Acquire asks the terminal for its microphone. The terminal may prompt the
// user, so the wait is long.
func (c *Conn) Acquire(ctx context.Context) (capture.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, acquireWait)
	defer cancel()

	ev, err := c.request(ctx, Command{Type: cmdAcquireMic}, evMicReady, evMicError)
	if err != nil {
		return nil, fmt.Errorf("acquire microphone: %w", err)
	}
	if ev.Type == evMicError {
		return nil, micError(ev.Error)
	}

	mime := ev.MimeType
	if mime == "" {
		mime = c.caps.MimeType
	}
	c.mu.Lock()
	gen := c.micGen
	c.mu.Unlock()
	return &stream{c: c, gen: gen, mime: mime}, nil
}

// micError maps the terminal's error name onto the capture sentinels.
func micError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "notallowed"), strings.Contains(lower, "permission"), strings.Contains(lower, "denied"):
		return fmt.Errorf("%w: %s", capture.ErrPermissionDenied, msg)
	case strings.Contains(lower, "notfound"), strings.Contains(lower, "not found"), strings.Contains(lower, "no device"):
		return fmt.Errorf("%w: %s", capture.ErrNoDevice, msg)
	default:
		return fmt.Errorf("microphone error: %s", msg)
	}
}

type stream struct {
	c    *Conn
	gen  int
	mime string
}

func (s *stream) SetEnabled(enabled bool) {
	cmd := cmdMicDisable
	if enabled {
		cmd = cmdMicEnable
	}
	s.c.sendQuiet(Command{Type: cmd})
}

// Ended reports a track that the terminal ended, or one that was replaced by
// a later acquisition.
func (s *stream) Ended() bool {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.c.micEnded || s.c.micGen != s.gen
}

func (s *stream) MimeType() string { return s.mime }

func (s *stream) NewRecorder() (capture.Recorder, error) {
	if s.Ended() {
		return nil, capture.ErrTrackEnded
	}
	return &recorder{c: s.c}, nil
}

func (s *stream) NewAnalyser() (capture.Analyser, error) {
	return &analyser{c: s.c}, nil
}

func (s *stream) Stop() error {
	s.c.mu.Lock()
	if s.c.micGen == s.gen {
		s.c.micEnded = true
	}
	s.c.mu.Unlock()
	if err := s.c.send(Command{Type: cmdMicRelease}); err != nil && !errors.Is(err, ErrDisconnected) {
		return err
	}
	return nil
}

type recorder struct {
	c *Conn
}

func (r *recorder) Start(timeslice time.Duration, onData func([]byte)) error {
	r.c.beginRecording(onData)
	if err := r.c.send(Command{Type: cmdRecordStart, TimesliceMS: timeslice.Milliseconds()}); err != nil {
		r.c.setSink(nil)
		return err
	}
	return nil
}

// Stop closes the returned channel once the terminal confirms its last slice
// was sent. Slices arrive on the same connection before the confirmation.
func (r *recorder) Stop() <-chan struct{} {
	done := make(chan struct{})
	w := r.c.addWaiter(evRecordFlushed)
	if err := r.c.send(Command{Type: cmdRecordStop}); err != nil {
		r.c.removeWaiter(w)
		r.c.setSink(nil)
		close(done)
		return done
	}
	go func() {
		defer close(done)
		defer r.c.removeWaiter(w)
		select {
		case <-w.ch:
		case <-r.c.done:
		case <-time.After(flushWait):
			r.c.logger.Warn("terminal did not confirm recorder flush", "wait", flushWait)
		}
		r.c.setSink(nil)
	}()
	return done
}

type analyser struct {
	c *Conn
}

func (a *analyser) Resume(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, resumeWait)
	defer cancel()
	if _, err := a.c.request(ctx, Command{Type: cmdResumeAudio}, evAudioResumed); err != nil {
		return fmt.Errorf("resume terminal audio: %w", err)
	}
	return nil
}

func (a *analyser) Level() float64 { return a.c.currentLevel() }
func (a *analyser) Close() error   { return nil }
