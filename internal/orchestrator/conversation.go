package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"voicechat/internal/domain"
	"voicechat/internal/listen"
	"voicechat/internal/stt"
	"voicechat/internal/tts"
)

var ErrAlreadyStarted = errors.New("conversation already started")

type Dialogue interface {
	Reply(ctx context.Context, messages []domain.Message, participant domain.ParticipantContext) (string, error)
}

type Evaluator interface {
	Summarize(ctx context.Context, messages []domain.Message, participant domain.ParticipantContext) (domain.Summary, error)
}

type SessionSaver interface {
	SaveSession(ctx context.Context, session domain.ConversationSession) error
}

type Speaker interface {
	PrimeForAutoplay() error
	Speak(ctx context.Context, text string, voice domain.VoiceProfile, style string) *tts.Utterance
	Stop()
}

// EventSink receives conversation progress for fan-out to other observers.
type EventSink interface {
	PublishState(ctx context.Context, snap Snapshot) error
	PublishMessage(ctx context.Context, sessionID string, msg domain.Message) error
	PublishError(ctx context.Context, sessionID, message string) error
	PublishEnded(ctx context.Context, session domain.ConversationSession, persisted bool) error
}

type Config struct {
	SessionID       string
	TerminalID      string
	Participant     domain.ParticipantContext
	Voice           domain.VoiceProfile
	Style           string
	DialogueTimeout time.Duration
	SummaryTimeout  time.Duration
}

type Deps struct {
	Listener  listen.Listener
	Speaker   Speaker
	Dialogue  Dialogue
	Evaluator Evaluator
	Saver     SessionSaver
	Events    EventSink
	Logger    *slog.Logger
}

type Snapshot struct {
	SessionID  string                   `json:"session_id"`
	TerminalID string                   `json:"terminal_id,omitempty"`
	State      domain.ConversationState `json:"state"`
	Messages   []domain.Message         `json:"messages"`
	Partial    string                   `json:"partial,omitempty"`
	LastError  string                   `json:"last_error,omitempty"`
	Listener   listen.Kind              `json:"listener,omitempty"`
	StartedAt  time.Time                `json:"started_at"`
	Ended      bool                     `json:"ended"`
}

// Conversation runs one voice session. All state transitions happen on the
// loop goroutine; asynchronous results carry the generation they were started
// under and are dropped once it has moved on.
type Conversation struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events chan loopEvent
	quit   chan struct{}
	done   chan struct{}

	startOnce sync.Once

	mu            sync.Mutex
	started       bool
	stopRequested bool
	cancelPrepare context.CancelFunc
	state     domain.ConversationState
	messages  []domain.Message
	partial   string
	lastError string
	startedAt time.Time
	ended     bool
}

type eventKind int

const (
	evReply eventKind = iota
	evSpeechStarted
	evSpeechDone
	evPartial
	evTranscript
	evStop
)

type loopEvent struct {
	kind  eventKind
	gen   uint64
	text  string
	err   error
	utt   *tts.Utterance
	reply chan struct{}
}

type turnTiming struct {
	listenStart   time.Time
	transcribedAt time.Time
	replyStart    time.Time
	replyDur      time.Duration
	speakStart    time.Time
}

type loopState struct {
	gen          uint64
	inFlight     bool
	cancelListen context.CancelFunc
	timing       turnTiming
}

func NewConversation(cfg Config, deps Deps) *Conversation {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.DialogueTimeout <= 0 {
		cfg.DialogueTimeout = 45 * time.Second
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = 60 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = nopSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conversation{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("session_id", cfg.SessionID),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan loopEvent, 16),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		state:  domain.StateIdle,
	}
}

func (c *Conversation) ID() string { return c.cfg.SessionID }

// Done is closed after the session has been finalized and, when it had user
// turns, persisted.
func (c *Conversation) Done() <-chan struct{} { return c.done }

func (c *Conversation) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		SessionID:  c.cfg.SessionID,
		TerminalID: c.cfg.TerminalID,
		State:      c.state,
		Messages:   append([]domain.Message(nil), c.messages...),
		Partial:    c.partial,
		LastError:  c.lastError,
		Listener:   c.deps.Listener.Kind(),
		StartedAt:  c.startedAt,
		Ended:      c.ended,
	}
}

// Start must be called from the user action that starts the conversation.
// When input cannot be prepared the error is kept as LastError.
func (c *Conversation) Start(ctx context.Context) error {
	first := false
	c.startOnce.Do(func() { first = true })
	if !first {
		return ErrAlreadyStarted
	}

	// Unlocking output has to happen before anything asynchronous.
	if err := c.deps.Speaker.PrimeForAutoplay(); err != nil {
		c.logger.Warn("prime audio output failed", "error", err)
	}

	prepareCtx, cancelPrepare := context.WithCancel(ctx)
	defer cancelPrepare()
	c.mu.Lock()
	if c.stopRequested {
		c.mu.Unlock()
		c.shutdown()
		return nil
	}
	c.cancelPrepare = cancelPrepare
	c.mu.Unlock()

	err := c.deps.Listener.Prepare(prepareCtx)

	c.mu.Lock()
	c.cancelPrepare = nil
	stopped := c.stopRequested
	if err == nil && !stopped {
		c.started = true
		c.startedAt = time.Now().UTC()
	}
	c.mu.Unlock()

	if stopped {
		c.logger.Info("conversation stopped while preparing speech input")
		c.publishEnded(domain.ConversationSession{ID: c.cfg.SessionID, Participant: c.cfg.Participant, EndedAt: time.Now().UTC()}, false)
		c.shutdown()
		return nil
	}
	if err != nil {
		c.logger.Warn("prepare speech input failed", "listener", c.deps.Listener.Kind(), "error", err)
		c.mu.Lock()
		c.lastError = userMessage(err)
		c.mu.Unlock()
		c.publishError(c.lastErrorText())
		c.shutdown()
		return err
	}
	c.logger.Info("conversation started", "terminal_id", c.cfg.TerminalID, "listener", c.deps.Listener.Kind(), "target_language", c.cfg.Participant.TargetLanguage)

	go c.loop()
	return nil
}

// Stop ends the conversation from any state, including while input is still
// being prepared. Persisting continues in the background until Done.
func (c *Conversation) Stop() {
	c.mu.Lock()
	if !c.started {
		c.stopRequested = true
		if c.cancelPrepare != nil {
			c.cancelPrepare()
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	reply := make(chan struct{})
	select {
	case c.events <- loopEvent{kind: evStop, reply: reply}:
	case <-c.quit:
		return
	}
	select {
	case <-reply:
	case <-c.quit:
	}
}

func (c *Conversation) shutdown() {
	if err := c.deps.Listener.Close(); err != nil {
		c.logger.Debug("close listener failed", "error", err)
	}
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()
	close(c.quit)
	c.cancel()
	close(c.done)
}

func (c *Conversation) loop() {
	var ls loopState
	c.requestReply(&ls)

	for ev := range c.events {
		if ev.kind == evStop {
			c.terminate(&ls, "user stop")
			close(ev.reply)
			return
		}
		if ev.gen != ls.gen {
			c.logger.Debug("discard stale result", "kind", ev.kind, "gen", ev.gen, "current_gen", ls.gen)
			continue
		}
		if c.handle(&ls, ev) {
			return
		}
	}
}

func (c *Conversation) handle(ls *loopState, ev loopEvent) bool {
	switch ev.kind {
	case evReply:
		ls.inFlight = false
		ls.timing.replyDur = time.Since(ls.timing.replyStart)
		if ev.err != nil {
			c.logger.Warn("dialogue reply failed", "error", ev.err)
			c.fail(ls, ev.err)
			return false
		}
		c.speak(ls, ev.text)

	case evSpeechStarted:
		c.appendMessage(domain.RoleAI, ev.text)
		select {
		case <-ev.utt.Done():
		default:
			c.setState(domain.StateSpeaking)
		}
		c.logTurnTiming(ls)

	case evSpeechDone:
		outcome, err := ev.utt.Result()
		if outcome == tts.OutcomeFailed {
			c.logger.Warn("speech playback failed, continuing without audio", "error", err)
		}
		c.beginListening(ls)

	case evPartial:
		c.mu.Lock()
		if c.state == domain.StateListening {
			c.partial = ev.text
		}
		c.mu.Unlock()

	case evTranscript:
		ls.cancelListen = nil
		return c.handleTranscript(ls, ev.text, ev.err)
	}
	return false
}

func (c *Conversation) handleTranscript(ls *loopState, text string, err error) bool {
	if err != nil {
		switch {
		case errors.Is(err, stt.ErrNoSpeech):
			c.logger.Debug("no speech in turn, listening again")
			c.beginListening(ls)
		default:
			c.logger.Warn("speech input failed", "error", err)
			c.fail(ls, err)
		}
		return false
	}

	ls.timing.transcribedAt = time.Now()
	if isStopPhrase(text, c.cfg.Participant.TargetLanguage) {
		c.logger.Info("stop phrase heard", "text", text)
		c.terminate(ls, "stop phrase")
		return true
	}

	c.appendMessage(domain.RoleUser, text)
	c.requestReply(ls)
	return false
}

func (c *Conversation) requestReply(ls *loopState) {
	if ls.inFlight {
		c.logger.Warn("dialogue request already in flight, ignoring")
		return
	}
	ls.inFlight = true
	ls.timing.replyStart = time.Now()
	c.setState(domain.StateProcessing)

	gen := ls.gen
	history := c.Snapshot().Messages
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialogueTimeout)
		defer cancel()
		reply, err := c.deps.Dialogue.Reply(ctx, history, c.cfg.Participant)
		c.post(loopEvent{kind: evReply, gen: gen, text: reply, err: err})
	}()
}

func (c *Conversation) speak(ls *loopState, text string) {
	ls.timing.speakStart = time.Now()
	utt := c.deps.Speaker.Speak(c.ctx, text, c.cfg.Voice, c.cfg.Style)
	gen := ls.gen
	go func() {
		select {
		case <-utt.Started():
		case <-c.quit:
			return
		}
		c.post(loopEvent{kind: evSpeechStarted, gen: gen, text: text, utt: utt})
		select {
		case <-utt.Done():
		case <-c.quit:
			return
		}
		c.post(loopEvent{kind: evSpeechDone, gen: gen, utt: utt})
	}()
}

func (c *Conversation) beginListening(ls *loopState) {
	ls.gen++
	gen := ls.gen
	ls.timing = turnTiming{listenStart: time.Now()}

	c.mu.Lock()
	c.partial = ""
	c.mu.Unlock()
	c.setState(domain.StateListening)

	ctx, cancel := context.WithCancel(c.ctx)
	ls.cancelListen = cancel
	go func() {
		// Playback can leave the input stream silent.
		if err := c.deps.Listener.Refresh(ctx); err != nil {
			c.logger.Warn("refresh speech input failed", "error", err)
		}
		text, err := c.deps.Listener.Listen(ctx, func(partial string) {
			c.post(loopEvent{kind: evPartial, gen: gen, text: partial})
		})
		c.post(loopEvent{kind: evTranscript, gen: gen, text: text, err: err})
	}()
}

func (c *Conversation) fail(ls *loopState, err error) {
	ls.gen++
	if ls.cancelListen != nil {
		ls.cancelListen()
		ls.cancelListen = nil
	}
	msg := userMessage(err)
	c.mu.Lock()
	c.lastError = msg
	c.partial = ""
	c.mu.Unlock()
	c.setState(domain.StateError)
	c.publishError(msg)
}

func (c *Conversation) terminate(ls *loopState, reason string) {
	ls.gen++
	if ls.cancelListen != nil {
		ls.cancelListen()
		ls.cancelListen = nil
	}
	c.deps.Speaker.Stop()
	if err := c.deps.Listener.Close(); err != nil {
		c.logger.Warn("release speech input failed", "error", err)
	}

	c.mu.Lock()
	c.partial = ""
	c.ended = true
	messages := append([]domain.Message(nil), c.messages...)
	fromState := c.state
	c.mu.Unlock()
	c.setState(domain.StateIdle)
	c.logger.Info("conversation stopping", "reason", reason, "from_state", fromState, "messages", len(messages))

	close(c.quit)
	go c.finalize(messages)
}

func (c *Conversation) finalize(messages []domain.Message) {
	defer close(c.done)
	defer c.cancel()

	session := domain.ConversationSession{
		ID:          c.cfg.SessionID,
		Participant: c.cfg.Participant,
		Messages:    messages,
		StartedAt:   c.startedAt,
		EndedAt:     time.Now().UTC(),
	}
	if session.UserTurns() == 0 {
		c.logger.Info("conversation ended without user turns, not saved")
		c.publishEnded(session, false)
		return
	}

	summaryCtx, cancel := context.WithTimeout(context.Background(), c.cfg.SummaryTimeout)
	summary, err := c.deps.Evaluator.Summarize(summaryCtx, messages, c.cfg.Participant)
	cancel()
	if err != nil {
		c.logger.Warn("session summary failed, saving without summary", "error", err)
		session.Status = domain.StatusError
	} else {
		session.Summary = &summary
		session.Status = domain.StatusCompleted
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.deps.Saver.SaveSession(saveCtx, session); err != nil {
		c.logger.Error("save session failed", "error", err)
		c.publishEnded(session, false)
		return
	}
	c.logger.Info("session saved", "status", session.Status, "user_turns", session.UserTurns())
	c.publishEnded(session, true)
}

func (c *Conversation) post(ev loopEvent) {
	select {
	case c.events <- ev:
	case <-c.quit:
	}
}

func (c *Conversation) appendMessage(role domain.Role, text string) {
	msg := domain.Message{ID: uuid.NewString(), Role: role, Text: text, Timestamp: time.Now().UTC()}
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	if err := c.deps.Events.PublishMessage(c.ctx, c.cfg.SessionID, msg); err != nil {
		c.logger.Debug("publish message failed", "error", err)
	}
}

func (c *Conversation) setState(state domain.ConversationState) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()
	if !changed {
		return
	}
	if err := c.deps.Events.PublishState(c.ctx, c.Snapshot()); err != nil {
		c.logger.Debug("publish state failed", "state", state, "error", err)
	}
}

func (c *Conversation) lastErrorText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *Conversation) publishError(msg string) {
	if err := c.deps.Events.PublishError(c.ctx, c.cfg.SessionID, msg); err != nil {
		c.logger.Debug("publish error failed", "error", err)
	}
}

func (c *Conversation) publishEnded(session domain.ConversationSession, persisted bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.deps.Events.PublishEnded(ctx, session, persisted); err != nil {
		c.logger.Debug("publish ended failed", "error", err)
	}
}

func (c *Conversation) logTurnTiming(ls *loopState) {
	t := ls.timing
	if t.listenStart.IsZero() || t.transcribedAt.IsZero() {
		return
	}
	c.logger.Info("turn timing",
		"listener", c.deps.Listener.Kind(),
		"listen_ms", t.transcribedAt.Sub(t.listenStart).Milliseconds(),
		"dialogue_ms", t.replyDur.Milliseconds(),
		"synthesis_ms", time.Since(t.speakStart).Milliseconds(),
		"total_ms", time.Since(t.listenStart).Milliseconds(),
	)
}

func (k eventKind) String() string {
	switch k {
	case evReply:
		return "reply"
	case evSpeechStarted:
		return "speech_started"
	case evSpeechDone:
		return "speech_done"
	case evPartial:
		return "partial"
	case evTranscript:
		return "transcript"
	case evStop:
		return "stop"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type nopSink struct{}

func (nopSink) PublishState(context.Context, Snapshot) error                         { return nil }
func (nopSink) PublishMessage(context.Context, string, domain.Message) error         { return nil }
func (nopSink) PublishError(context.Context, string, string) error                   { return nil }
func (nopSink) PublishEnded(context.Context, domain.ConversationSession, bool) error { return nil }
