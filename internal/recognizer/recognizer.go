package recognizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

var (
	ErrPermissionDenied = errors.New("speech recognition permission denied")
	ErrStopped          = errors.New("recognizer stopped")
	ErrClosed           = errors.New("recognizer closed")
)

type Options struct {
	Language         string
	WatchdogInterval time.Duration
	WatchdogRetries  int
	// OnError receives errors that are surfaced but do not stop listening.
	OnError func(error)
}

func (o Options) withDefaults() Options {
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = 3 * time.Second
	}
	if o.WatchdogRetries <= 0 {
		o.WatchdogRetries = 3
	}
	return o
}

// Recognizer wraps a continuous platform recognition primitive. It restarts the
// primitive when it ends on its own, and a watchdog replaces instances that
// report a start but never begin capturing audio.
type Recognizer struct {
	factory Factory
	opts    Options
	logger  *slog.Logger

	events chan instanceEvent
	cmds   chan command
	done   chan struct{}

	listening atomic.Bool
	restarts  atomic.Int32
	watchdogs atomic.Int32
}

type instanceEvent struct {
	instance int
	ev       Event
}

type commandKind int

const (
	cmdListen commandKind = iota
	cmdStop
	cmdClose
)

type command struct {
	kind   commandKind
	waiter *waiter
	reply  chan error
}

type waiter struct {
	onPartial func(string)
	result    chan listenResult
}

type listenResult struct {
	text string
	err  error
}

func New(factory Factory, opts Options, logger *slog.Logger) *Recognizer {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recognizer{
		factory: factory,
		opts:    opts.withDefaults(),
		logger:  logger,
		events:  make(chan instanceEvent, 64),
		cmds:    make(chan command),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recognizer) Listening() bool { return r.listening.Load() }

func (r *Recognizer) Restarts() int { return int(r.restarts.Load()) }

func (r *Recognizer) WatchdogFires() int { return int(r.watchdogs.Load()) }

func (r *Recognizer) Listen(ctx context.Context, onPartial func(string)) (string, error) {
	w := &waiter{onPartial: onPartial, result: make(chan listenResult, 1)}
	if err := r.send(ctx, command{kind: cmdListen, waiter: w}); err != nil {
		return "", err
	}
	select {
	case res := <-w.result:
		return res.text, res.err
	case <-ctx.Done():
		_ = r.send(context.Background(), command{kind: cmdStop})
		return "", ctx.Err()
	}
}

func (r *Recognizer) Stop() {
	_ = r.send(context.Background(), command{kind: cmdStop})
}

func (r *Recognizer) Close() error {
	return r.send(context.Background(), command{kind: cmdClose})
}

func (r *Recognizer) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case r.cmds <- cmd:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-r.done:
		// The loop replies to the command it exits on before closing done.
		select {
		case err := <-cmd.reply:
			return err
		default:
			return ErrClosed
		}
	}
}

type session struct {
	prim         Primitive
	instance     int
	want         bool
	audioStarted bool
	fires        int
	watchdog     *time.Timer
	waiter       *waiter
}

func (r *Recognizer) loop() {
	var s session
	defer close(r.done)

	watchdogC := func() <-chan time.Time {
		if s.watchdog == nil {
			return nil
		}
		return s.watchdog.C
	}

	for {
		select {
		case cmd := <-r.cmds:
			switch cmd.kind {
			case cmdListen:
				cmd.reply <- r.handleListen(&s, cmd.waiter)
			case cmdStop:
				r.stopListening(&s, ErrStopped)
				cmd.reply <- nil
			case cmdClose:
				r.stopListening(&s, ErrClosed)
				var err error
				if s.prim != nil {
					err = s.prim.Close()
					s.prim = nil
				}
				cmd.reply <- err
				return
			}
		case ie := <-r.events:
			if ie.instance != s.instance {
				continue
			}
			r.handleEvent(&s, ie.ev)
		case <-watchdogC():
			s.watchdog = nil
			r.handleWatchdog(&s)
		}
	}
}

func (r *Recognizer) handleListen(s *session, w *waiter) error {
	if s.waiter != nil {
		s.waiter.result <- listenResult{err: ErrStopped}
	}
	s.waiter = w
	if s.want {
		return nil
	}
	s.want = true
	s.fires = 0
	if err := r.startPrimitive(s); err != nil {
		s.want = false
		s.waiter = nil
		return err
	}
	return nil
}

func (r *Recognizer) startPrimitive(s *session) error {
	s.audioStarted = false
	if s.prim != nil {
		err := s.prim.Start()
		if err == nil {
			r.armWatchdog(s)
			return nil
		}
		r.logger.Info("restart on existing recognition instance failed, creating a new one", "error", err)
		r.discardInstance(s)
	}

	if err := r.newInstance(s); err != nil {
		return err
	}
	if err := s.prim.Start(); err != nil {
		r.discardInstance(s)
		return fmt.Errorf("start recognition: %w", err)
	}
	r.armWatchdog(s)
	return nil
}

func (r *Recognizer) newInstance(s *session) error {
	s.instance++
	id := s.instance
	prim, err := r.factory(context.Background(), r.opts.Language, func(ev Event) {
		select {
		case r.events <- instanceEvent{instance: id, ev: ev}:
		case <-r.done:
		}
	})
	if err != nil {
		return fmt.Errorf("create recognition instance: %w", err)
	}
	s.prim = prim
	return nil
}

func (r *Recognizer) discardInstance(s *session) {
	if s.prim == nil {
		return
	}
	s.prim.Abort()
	if err := s.prim.Close(); err != nil {
		r.logger.Debug("close recognition instance failed", "error", err)
	}
	s.prim = nil
	// Late events from the old instance carry a stale id and are dropped.
	s.instance++
}

func (r *Recognizer) armWatchdog(s *session) {
	r.disarmWatchdog(s)
	s.watchdog = time.NewTimer(r.opts.WatchdogInterval)
}

func (r *Recognizer) disarmWatchdog(s *session) {
	if s.watchdog == nil {
		return
	}
	if !s.watchdog.Stop() {
		select {
		case <-s.watchdog.C:
		default:
		}
	}
	s.watchdog = nil
}

func (r *Recognizer) stopListening(s *session, reason error) {
	s.want = false
	r.disarmWatchdog(s)
	if s.prim != nil {
		s.prim.Stop()
	}
	r.listening.Store(false)
	if s.waiter != nil {
		s.waiter.result <- listenResult{err: reason}
		s.waiter = nil
	}
}

func (r *Recognizer) handleEvent(s *session, ev Event) {
	switch ev.Type {
	case EventStart:
		r.listening.Store(true)
	case EventAudioStart:
		s.audioStarted = true
		s.fires = 0
		r.disarmWatchdog(s)
	case EventResult:
		if !ev.Final {
			if s.waiter != nil && s.waiter.onPartial != nil {
				s.waiter.onPartial(ev.Text)
			}
			return
		}
		if s.waiter == nil {
			return
		}
		w := s.waiter
		s.waiter = nil
		r.stopListening(s, nil)
		w.result <- listenResult{text: ev.Text}
	case EventError:
		r.handleError(s, ev.Error)
	case EventEnd:
		r.listening.Store(false)
		r.disarmWatchdog(s)
		if !s.want {
			return
		}
		r.restarts.Add(1)
		if err := r.startPrimitive(s); err != nil {
			r.logger.Warn("auto restart of recognition failed", "error", err)
			r.stopListening(s, err)
		}
	}
}

func (r *Recognizer) handleError(s *session, code string) {
	switch code {
	case CodeNotAllowed, CodeServiceNotAllowed:
		r.logger.Warn("speech recognition not allowed", "code", code)
		r.stopListening(s, ErrPermissionDenied)
	case CodeNoSpeech, CodeAborted:
	default:
		err := fmt.Errorf("speech recognition error: %s", code)
		r.logger.Warn("speech recognition error", "code", code)
		if r.opts.OnError != nil {
			r.opts.OnError(err)
		}
	}
}

// handleWatchdog replaces an instance that reported a start without ever
// capturing audio, instead of waiting out the platform's own long timeout.
func (r *Recognizer) handleWatchdog(s *session) {
	if !s.want || s.audioStarted {
		return
	}
	if s.fires >= r.opts.WatchdogRetries {
		r.logger.Warn("recognition watchdog retries exhausted", "retries", s.fires)
		return
	}
	s.fires++
	r.watchdogs.Add(1)
	r.logger.Info("no audio after recognition start, restarting", "attempt", s.fires)

	r.discardInstance(s)
	if err := r.startPrimitive(s); err != nil {
		r.logger.Warn("watchdog restart failed", "error", err)
		r.stopListening(s, err)
	}
}
