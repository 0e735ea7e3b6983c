package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"voicechat/internal/domain"
	"voicechat/internal/orchestrator"
)

var ErrNotConnected = errors.New("mqtt hub not connected")

const publishTimeout = 3 * time.Second

type HubConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Presence is updated from terminal online and heartbeat topics.
type Presence interface {
	SetOnline(terminalID string, online bool)
}

// Controller handles remote conversation commands.
type Controller interface {
	Stop(sessionID string) error
}

// Hub publishes conversation progress and accepts remote stop commands.
type Hub struct {
	cfg      HubConfig
	client   paho.Client
	presence Presence
	control  Controller
	logger   *slog.Logger
}

func NewHub(cfg HubConfig, presence Presence, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:      cfg,
		presence: presence,
		logger:   logger,
	}
}

func (h *Hub) Start(ctx context.Context, control Controller) error {
	h.control = control

	opts := paho.NewClientOptions().
		AddBroker(h.cfg.BrokerURL).
		SetClientID(h.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	if h.cfg.Username != "" {
		opts.SetUsername(h.cfg.Username)
		opts.SetPassword(h.cfg.Password)
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		h.logger.Error("mqtt connection lost", "error", err)
	})
	// Subscriptions are not kept across a clean reconnect.
	opts.SetOnConnectHandler(func(_ paho.Client) {
		if err := h.subscribeHandlers(); err != nil {
			h.logger.Error("mqtt subscribe failed", "error", err)
		}
	})

	h.client = paho.NewClient(opts)
	if token := h.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}

	go func() {
		<-ctx.Done()
		h.client.Disconnect(100)
	}()

	return nil
}

func (h *Hub) subscribeHandlers() error {
	if token := h.client.Subscribe(TopicConversationControl(h.cfg.TopicPrefix), 1, h.handleControl); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	if token := h.client.Subscribe(TopicTerminalOnline(h.cfg.TopicPrefix), 1, h.handleOnline); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	if token := h.client.Subscribe(TopicTerminalHeartbeat(h.cfg.TopicPrefix), 1, h.handleHeartbeat); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

type controlCommand struct {
	Command string `json:"command"`
}

func (h *Hub) handleControl(_ paho.Client, msg paho.Message) {
	sessionID, err := ParseSessionID(msg.Topic(), h.cfg.TopicPrefix)
	if err != nil {
		h.logger.Warn("skip invalid control topic", "topic", msg.Topic(), "error", err)
		return
	}

	var cmd controlCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		// plain-text payloads are accepted too
		cmd.Command = string(msg.Payload())
	}
	switch strings.ToLower(strings.TrimSpace(cmd.Command)) {
	case "stop":
		if h.control == nil {
			return
		}
		if err := h.control.Stop(sessionID); err != nil {
			h.logger.Warn("remote stop failed", "session_id", sessionID, "error", err)
			return
		}
		h.logger.Info("conversation stopped remotely", "session_id", sessionID)
	default:
		h.logger.Warn("unknown control command", "session_id", sessionID, "command", cmd.Command)
	}
}

func (h *Hub) handleOnline(_ paho.Client, msg paho.Message) {
	terminalID, err := ParseTerminalID(msg.Topic(), h.cfg.TopicPrefix)
	if err != nil {
		h.logger.Warn("skip invalid online topic", "topic", msg.Topic(), "error", err)
		return
	}

	payload := strings.TrimSpace(strings.ToLower(string(msg.Payload())))
	online := payload == "1" || payload == "true" || payload == "online"
	if h.presence != nil {
		h.presence.SetOnline(terminalID, online)
	}
	h.logger.Info("terminal online status", "terminal_id", terminalID, "online", online)
}

func (h *Hub) handleHeartbeat(_ paho.Client, msg paho.Message) {
	terminalID, err := ParseTerminalID(msg.Topic(), h.cfg.TopicPrefix)
	if err != nil {
		h.logger.Warn("skip invalid heartbeat topic", "topic", msg.Topic(), "error", err)
		return
	}
	if h.presence != nil {
		h.presence.SetOnline(terminalID, true)
	}
}

type statePayload struct {
	SessionID  string                   `json:"session_id"`
	TerminalID string                   `json:"terminal_id,omitempty"`
	State      domain.ConversationState `json:"state"`
	Partial    string                   `json:"partial,omitempty"`
	LastError  string                   `json:"last_error,omitempty"`
	Messages   int                      `json:"messages"`
	TS         string                   `json:"ts"`
}

type messagePayload struct {
	SessionID string         `json:"session_id"`
	Message   domain.Message `json:"message"`
}

type errorPayload struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	TS        string `json:"ts"`
}

type endedPayload struct {
	SessionID string               `json:"session_id"`
	Status    domain.SessionStatus `json:"status,omitempty"`
	Persisted bool                 `json:"persisted"`
	UserTurns int                  `json:"user_turns"`
	Score     *int                 `json:"score,omitempty"`
	TS        string               `json:"ts"`
}

func (h *Hub) PublishState(ctx context.Context, snap orchestrator.Snapshot) error {
	return h.publish(ctx, TopicState(h.cfg.TopicPrefix, snap.SessionID), true, statePayload{
		SessionID:  snap.SessionID,
		TerminalID: snap.TerminalID,
		State:      snap.State,
		Partial:    snap.Partial,
		LastError:  snap.LastError,
		Messages:   len(snap.Messages),
		TS:         now(),
	})
}

func (h *Hub) PublishMessage(ctx context.Context, sessionID string, msg domain.Message) error {
	return h.publish(ctx, TopicMessage(h.cfg.TopicPrefix, sessionID), false, messagePayload{SessionID: sessionID, Message: msg})
}

func (h *Hub) PublishError(ctx context.Context, sessionID, message string) error {
	return h.publish(ctx, TopicError(h.cfg.TopicPrefix, sessionID), false, errorPayload{SessionID: sessionID, Message: message, TS: now()})
}

func (h *Hub) PublishEnded(ctx context.Context, session domain.ConversationSession, persisted bool) error {
	payload := endedPayload{
		SessionID: session.ID,
		Persisted: persisted,
		UserTurns: session.UserTurns(),
		TS:        now(),
	}
	if persisted {
		payload.Status = session.Status
	}
	if session.Summary != nil {
		score := session.Summary.Score
		payload.Score = &score
	}
	return h.publish(ctx, TopicEnded(h.cfg.TopicPrefix, session.ID), false, payload)
}

func (h *Hub) publish(ctx context.Context, topic string, retained bool, v any) error {
	if h.client == nil {
		return ErrNotConnected
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := h.client.Publish(topic, 1, retained, body)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return fmt.Errorf("publish %s timed out", topic)
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
