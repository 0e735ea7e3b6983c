package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"voicechat/internal/domain"
	"voicechat/internal/listen"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrTerminalBusy         = errors.New("terminal already has an active conversation")
)

type StartRequest struct {
	TerminalID  string                    `json:"terminal_id" validate:"required"`
	Participant domain.ParticipantContext `json:"participant"`
	Voice       domain.VoiceProfile       `json:"voice"`
	Style       string                    `json:"style"`
	SilenceMs   int                       `json:"silence_ms" validate:"omitempty,min=300,max=10000"`
}

type Resources struct {
	Listener listen.Listener
	Speaker  Speaker
}

type ResourceProvider interface {
	Provide(ctx context.Context, req StartRequest) (Resources, error)
}

type ServiceConfig struct {
	DialogueTimeout time.Duration
	SummaryTimeout  time.Duration
}

type Service struct {
	cfg       ServiceConfig
	dialogue  Dialogue
	evaluator Evaluator
	saver     SessionSaver
	resources ResourceProvider
	events    EventSink
	validate  *validator.Validate
	logger    *slog.Logger

	mu       sync.Mutex
	active   map[string]*Conversation
	reserved map[string]struct{} // terminals still waiting on Provide
}

func NewService(cfg ServiceConfig, dialogue Dialogue, evaluator Evaluator, saver SessionSaver, resources ResourceProvider, events EventSink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		dialogue:  dialogue,
		evaluator: evaluator,
		saver:     saver,
		resources: resources,
		events:    events,
		validate:  validator.New(),
		logger:    logger,
		active:    make(map[string]*Conversation),
		reserved:  make(map[string]struct{}),
	}
}

// Start claims the terminal before anything blocks. When preparing input
// fails the conversation is returned with the error for its LastError.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Conversation, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid start request: %w", err)
	}
	if !s.reserve(req.TerminalID) {
		return nil, fmt.Errorf("%w: %s", ErrTerminalBusy, req.TerminalID)
	}

	res, err := s.resources.Provide(ctx, req)
	if err != nil {
		s.release(req.TerminalID, nil)
		return nil, err
	}

	conv := NewConversation(Config{
		TerminalID:      req.TerminalID,
		Participant:     req.Participant,
		Voice:           req.Voice,
		Style:           req.Style,
		DialogueTimeout: s.cfg.DialogueTimeout,
		SummaryTimeout:  s.cfg.SummaryTimeout,
	}, Deps{
		Listener:  res.Listener,
		Speaker:   res.Speaker,
		Dialogue:  s.dialogue,
		Evaluator: s.evaluator,
		Saver:     s.saver,
		Events:    s.events,
		Logger:    s.logger,
	})

	s.mu.Lock()
	delete(s.reserved, req.TerminalID)
	s.active[conv.ID()] = conv
	s.mu.Unlock()

	if err := conv.Start(ctx); err != nil {
		s.release(req.TerminalID, conv)
		return conv, err
	}
	go func() {
		<-conv.Done()
		s.release(req.TerminalID, conv)
	}()
	return conv, nil
}

func (s *Service) Begin(ctx context.Context, req StartRequest) (Snapshot, error) {
	conv, err := s.Start(ctx, req)
	if conv == nil {
		return Snapshot{}, err
	}
	return conv.Snapshot(), err
}

func (s *Service) reserve(terminalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reserved[terminalID]; ok {
		return false
	}
	for _, c := range s.active {
		if c.cfg.TerminalID == terminalID {
			return false
		}
	}
	s.reserved[terminalID] = struct{}{}
	return true
}

func (s *Service) release(terminalID string, conv *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv == nil {
		delete(s.reserved, terminalID)
		return
	}
	if s.active[conv.ID()] == conv {
		delete(s.active, conv.ID())
	}
}

func (s *Service) Get(sessionID string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.active[sessionID]
	return c, ok
}

func (s *Service) Snapshot(sessionID string) (Snapshot, bool) {
	c, ok := s.Get(sessionID)
	if !ok {
		return Snapshot{}, false
	}
	return c.Snapshot(), true
}

func (s *Service) Stop(sessionID string) error {
	c, ok := s.Get(sessionID)
	if !ok {
		return ErrConversationNotFound
	}
	c.Stop()
	return nil
}

func (s *Service) StopTerminal(terminalID string) {
	s.mu.Lock()
	var targets []*Conversation
	for _, c := range s.active {
		if c.cfg.TerminalID == terminalID {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.Stop()
	}
}

func (s *Service) List() []Snapshot {
	s.mu.Lock()
	convs := make([]*Conversation, 0, len(s.active))
	for _, c := range s.active {
		convs = append(convs, c)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Shutdown stops every active conversation and waits for them to be saved.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	convs := make([]*Conversation, 0, len(s.active))
	for _, c := range s.active {
		convs = append(convs, c)
	}
	s.mu.Unlock()

	for _, c := range convs {
		c.Stop()
	}
	for _, c := range convs {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
