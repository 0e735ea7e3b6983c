package recognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type WSConfig struct {
	URL            string
	DialAttempts   int
	DialRetryDelay time.Duration
}

// NewWSFactory returns a Factory whose instances are websocket connections to
// a recognition daemon. Each instance is one connection.
func NewWSFactory(cfg WSConfig, logger *slog.Logger) Factory {
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 3
	}
	if cfg.DialRetryDelay <= 0 {
		cfg.DialRetryDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, language string, onEvent func(Event)) (Primitive, error) {
		return dialWSPrimitive(ctx, cfg, language, onEvent, logger)
	}
}

type wsCommand struct {
	Command  string `json:"command"`
	Language string `json:"lang,omitempty"`
}

type WSPrimitive struct {
	conn     *websocket.Conn
	language string
	onEvent  func(Event)
	logger   *slog.Logger

	writeMu sync.Mutex
	once    sync.Once
}

func dialWSPrimitive(ctx context.Context, cfg WSConfig, language string, onEvent func(Event), logger *slog.Logger) (*WSPrimitive, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("recognition bridge URL is empty")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid recognition bridge URL: %w", err)
	}
	if language != "" {
		q := u.Query()
		q.Set("lang", language)
		u.RawQuery = q.Encode()
	}

	var conn *websocket.Conn
	for attempt := 1; attempt <= cfg.DialAttempts; attempt++ {
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			break
		}
		if attempt < cfg.DialAttempts {
			select {
			case <-time.After(cfg.DialRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect recognition bridge failed after %d attempts: %w", cfg.DialAttempts, err)
	}

	p := &WSPrimitive{conn: conn, language: language, onEvent: onEvent, logger: logger}
	go p.readLoop()
	return p, nil
}

func (p *WSPrimitive) readLoop() {
	for {
		messageType, payload, err := p.conn.ReadMessage()
		if err != nil {
			// A dropped bridge looks like the platform ending the session.
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				p.logger.Debug("recognition bridge read failed", "error", err)
			}
			p.emit(Event{Type: EventEnd})
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			p.logger.Debug("invalid recognition event", "error", err)
			continue
		}
		p.emit(ev)
	}
}

func (p *WSPrimitive) emit(ev Event) {
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}

func (p *WSPrimitive) write(cmd string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteJSON(wsCommand{Command: cmd, Language: p.language})
}

func (p *WSPrimitive) Start() error {
	return p.write("start")
}

func (p *WSPrimitive) Stop() {
	if err := p.write("stop"); err != nil {
		p.logger.Debug("send recognition stop failed", "error", err)
	}
}

func (p *WSPrimitive) Abort() {
	if err := p.write("abort"); err != nil {
		p.logger.Debug("send recognition abort failed", "error", err)
	}
}

func (p *WSPrimitive) Close() error {
	var err error
	p.once.Do(func() {
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
		_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		err = p.conn.Close()
	})
	return err
}
